package rooms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/banterop/banterop/internal/common/errors"
	"github.com/banterop/banterop/internal/db"
)

// Store persists pairs, their epochs and the per-epoch A2A message log.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool)
}

// NewStore creates a Store on the shared database handles and initializes
// the schema.
func NewStore(database *db.DB) (*Store, error) {
	s := &Store{db: database.Writer, ro: database.Reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize rooms schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pairs (
			pair_id    TEXT PRIMARY KEY,
			epoch      INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pair_epochs (
			pair_id        TEXT NOT NULL,
			epoch          INTEGER NOT NULL,
			owner          TEXT NOT NULL,
			terminal_state TEXT NOT NULL DEFAULT '',
			created_at     DATETIME NOT NULL,
			updated_at     DATETIME NOT NULL,
			PRIMARY KEY (pair_id, epoch)
		)`,
		`CREATE TABLE IF NOT EXISTS pair_messages (
			pair_id      TEXT NOT NULL,
			epoch        INTEGER NOT NULL,
			seq          INTEGER NOT NULL,
			message_id   TEXT NOT NULL,
			author       TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_at   DATETIME NOT NULL,
			PRIMARY KEY (pair_id, epoch, seq),
			UNIQUE (pair_id, message_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// EnsurePair returns the pair header, creating it at epoch 0 on first touch.
func (s *Store) EnsurePair(ctx context.Context, pairID string) (*Pair, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO pairs (pair_id, epoch, created_at, updated_at) VALUES (?, 0, ?, ?)`,
		pairID, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure pair: %w", err)
	}
	return s.GetPair(ctx, pairID)
}

// GetPair returns the pair header.
func (s *Store) GetPair(ctx context.Context, pairID string) (*Pair, error) {
	var p Pair
	err := s.db.GetContext(ctx, &p, `SELECT * FROM pairs WHERE pair_id = ?`, pairID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("pair " + pairID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pair: %w", err)
	}
	return &p, nil
}

// BeginEpoch advances the pair to a fresh epoch owned by the initiator and
// returns the new epoch row.
func (s *Store) BeginEpoch(ctx context.Context, pairID string) (*Epoch, error) {
	if _, err := s.EnsurePair(ctx, pairID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var epoch int64
	if err := tx.GetContext(ctx, &epoch,
		`UPDATE pairs SET epoch = epoch + 1, updated_at = ? WHERE pair_id = ? RETURNING epoch`,
		now, pairID); err != nil {
		return nil, fmt.Errorf("failed to advance epoch: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pair_epochs (pair_id, epoch, owner, terminal_state, created_at, updated_at)
		 VALUES (?, ?, ?, '', ?, ?)`,
		pairID, epoch, RoleInit, now, now); err != nil {
		return nil, fmt.Errorf("failed to create epoch row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit epoch: %w", err)
	}
	return &Epoch{PairID: pairID, Epoch: epoch, Owner: RoleInit, CreatedAt: now, UpdatedAt: now}, nil
}

// GetEpoch returns one epoch row.
func (s *Store) GetEpoch(ctx context.Context, pairID string, epoch int64) (*Epoch, error) {
	var e Epoch
	err := s.db.GetContext(ctx, &e,
		`SELECT * FROM pair_epochs WHERE pair_id = ? AND epoch = ?`, pairID, epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(fmt.Sprintf("epoch %s#%d", pairID, epoch))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load epoch: %w", err)
	}
	return &e, nil
}

// CurrentEpoch returns the pair's current epoch row, or NotFound when no
// epoch has begun.
func (s *Store) CurrentEpoch(ctx context.Context, pairID string) (*Epoch, error) {
	p, err := s.GetPair(ctx, pairID)
	if err != nil {
		return nil, err
	}
	if p.Epoch == 0 {
		return nil, apperrors.NotFound("epoch for pair " + pairID)
	}
	return s.GetEpoch(ctx, pairID, p.Epoch)
}

// ListEpochs returns epoch rows for a pair, newest first unless asc.
func (s *Store) ListEpochs(ctx context.Context, pairID string, asc bool, limit int) ([]Epoch, error) {
	if limit <= 0 {
		limit = 50
	}
	order := "DESC"
	if asc {
		order = "ASC"
	}
	var out []Epoch
	query := fmt.Sprintf(
		`SELECT * FROM pair_epochs WHERE pair_id = ? ORDER BY epoch %s LIMIT ?`, order)
	if err := s.ro.SelectContext(ctx, &out, query, pairID, limit); err != nil {
		return nil, fmt.Errorf("failed to list epochs: %w", err)
	}
	return out, nil
}

// UpdateEpochState persists the owner/terminal transition of an epoch.
func (s *Store) UpdateEpochState(ctx context.Context, e *Epoch) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pair_epochs SET owner = ?, terminal_state = ?, updated_at = ?
		 WHERE pair_id = ? AND epoch = ?`,
		e.Owner, e.TerminalState, time.Now().UTC(), e.PairID, e.Epoch)
	if err != nil {
		return fmt.Errorf("failed to update epoch state: %w", err)
	}
	return nil
}

// AppendMessage appends one A2A frame to the epoch log. A replayed messageId
// returns the previously stored row without inserting (duplicate reports
// true).
func (s *Store) AppendMessage(ctx context.Context, pairID string, epoch int64, author Role, messageID string, payload []byte) (*StoredMessage, bool, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing StoredMessage
	err = tx.GetContext(ctx, &existing,
		`SELECT * FROM pair_messages WHERE pair_id = ? AND message_id = ?`, pairID, messageID)
	if err == nil {
		return &existing, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to check message id: %w", err)
	}

	var seq int64
	if err := tx.GetContext(ctx, &seq,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM pair_messages WHERE pair_id = ? AND epoch = ?`,
		pairID, epoch); err != nil {
		return nil, false, fmt.Errorf("failed to allocate message seq: %w", err)
	}
	msg := &StoredMessage{
		PairID:    pairID,
		Epoch:     epoch,
		Seq:       seq,
		MessageID: messageID,
		Author:    author,
		Payload:   payload,
		CreatedAt: now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pair_messages (pair_id, epoch, seq, message_id, author, payload_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.PairID, msg.Epoch, msg.Seq, msg.MessageID, msg.Author, msg.Payload, msg.CreatedAt); err != nil {
		return nil, false, fmt.Errorf("failed to insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit message: %w", err)
	}
	return msg, false, nil
}

// MessageCounts returns the number of stored messages per epoch of a pair.
func (s *Store) MessageCounts(ctx context.Context, pairID string) (map[int64]int64, error) {
	rows, err := s.ro.QueryxContext(ctx,
		`SELECT epoch, COUNT(*) FROM pair_messages WHERE pair_id = ? GROUP BY epoch`, pairID)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[int64]int64)
	for rows.Next() {
		var epoch, count int64
		if err := rows.Scan(&epoch, &count); err != nil {
			return nil, fmt.Errorf("failed to scan message count: %w", err)
		}
		counts[epoch] = count
	}
	return counts, rows.Err()
}

// Messages returns the epoch's log in append order.
func (s *Store) Messages(ctx context.Context, pairID string, epoch int64) ([]StoredMessage, error) {
	var out []StoredMessage
	err := s.ro.SelectContext(ctx, &out,
		`SELECT * FROM pair_messages WHERE pair_id = ? AND epoch = ? ORDER BY seq`, pairID, epoch)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	return out, nil
}
