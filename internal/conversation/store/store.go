// Package store implements the durable event store: conversations, the
// append-only event log, idempotency keys and the runner registry, all on
// the embedded SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/banterop/banterop/internal/common/errors"
	"github.com/banterop/banterop/internal/conversation"
	"github.com/banterop/banterop/internal/db"
)

// Store provides SQLite-backed storage for conversations and events.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool)
}

// New creates a Store on the shared database handles and initializes the schema.
func New(database *db.DB) (*Store, error) {
	s := &Store{db: database.Writer, ro: database.Reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// schemaVersion is bumped with every forward-only migration.
const schemaVersion = 1

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id INTEGER PRIMARY KEY AUTOINCREMENT,
			status          TEXT NOT NULL DEFAULT 'active',
			metadata_json   TEXT NOT NULL DEFAULT '{}',
			created_at      DATETIME NOT NULL,
			updated_at      DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_events (
			conversation_id INTEGER NOT NULL,
			seq             INTEGER NOT NULL,
			turn            INTEGER NOT NULL,
			event           INTEGER NOT NULL,
			type            TEXT NOT NULL,
			payload_json    TEXT NOT NULL DEFAULT '{}',
			finality        TEXT NOT NULL DEFAULT 'none',
			agent_id        TEXT NOT NULL,
			ts              DATETIME NOT NULL,
			PRIMARY KEY (conversation_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type
			ON conversation_events(conversation_id, type, seq)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			conversation_id   INTEGER NOT NULL,
			client_request_id TEXT NOT NULL,
			seq               INTEGER NOT NULL,
			turn              INTEGER NOT NULL,
			event             INTEGER NOT NULL,
			created_at        DATETIME NOT NULL,
			PRIMARY KEY (conversation_id, client_request_id)
		)`,
		`CREATE TABLE IF NOT EXISTS runner_registry (
			conversation_id INTEGER NOT NULL,
			agent_id        TEXT NOT NULL,
			created_at      DATETIME NOT NULL,
			PRIMARY KEY (conversation_id, agent_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return s.runMigrations()
}

// runMigrations applies forward-only, idempotent migrations tracked by
// PRAGMA user_version.
func (s *Store) runMigrations() error {
	var version int
	if err := s.db.Get(&version, `PRAGMA user_version`); err != nil {
		return err
	}
	if version >= schemaVersion {
		return nil
	}
	// Version 1 is the base schema created above.
	_, err := s.db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion))
	return err
}

// conversationRow is the raw row shape for conversations.
type conversationRow struct {
	ID        int64     `db:"conversation_id"`
	Status    string    `db:"status"`
	Metadata  string    `db:"metadata_json"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *conversationRow) toConversation() (*conversation.Conversation, error) {
	conv := &conversation.Conversation{
		ID:        r.ID,
		Status:    conversation.Status(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Metadata), &conv.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode conversation metadata: %w", err)
	}
	return conv, nil
}

// eventRow is the raw row shape for conversation_events.
type eventRow struct {
	ConversationID int64     `db:"conversation_id"`
	Seq            int64     `db:"seq"`
	Turn           int64     `db:"turn"`
	Event          int64     `db:"event"`
	Type           string    `db:"type"`
	Payload        string    `db:"payload_json"`
	Finality       string    `db:"finality"`
	AgentID        string    `db:"agent_id"`
	Timestamp      time.Time `db:"ts"`
}

func (r *eventRow) toEvent() conversation.Event {
	return conversation.Event{
		ConversationID: r.ConversationID,
		Seq:            r.Seq,
		Turn:           r.Turn,
		Event:          r.Event,
		Type:           conversation.EventType(r.Type),
		Payload:        json.RawMessage(r.Payload),
		Finality:       conversation.Finality(r.Finality),
		AgentID:        r.AgentID,
		Timestamp:      r.Timestamp,
	}
}

// CreateConversation inserts a new conversation row and returns it.
func (s *Store) CreateConversation(ctx context.Context, meta conversation.Metadata) (*conversation.Conversation, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode conversation metadata: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (status, metadata_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?)`,
		string(conversation.StatusActive), string(metaJSON), now, now)
	if err != nil {
		return nil, apperrors.Internal("failed to create conversation", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, apperrors.Internal("failed to read conversation id", err)
	}
	return &conversation.Conversation{
		ID:        id,
		Status:    conversation.StatusActive,
		Metadata:  meta,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetConversation returns the conversation header row.
func (s *Store) GetConversation(ctx context.Context, id int64) (*conversation.Conversation, error) {
	var row conversationRow
	err := s.ro.GetContext(ctx, &row,
		`SELECT conversation_id, status, metadata_json, created_at, updated_at
		 FROM conversations WHERE conversation_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("conversation")
	}
	if err != nil {
		return nil, apperrors.Internal("failed to load conversation", err)
	}
	return row.toConversation()
}

// ConversationFilter narrows ListConversations.
type ConversationFilter struct {
	Status     conversation.Status
	ScenarioID string
	Hours      int // only conversations updated within the last N hours
	Limit      int
	Offset     int
}

// ListConversations returns conversation headers matching the filter,
// most recently updated first.
func (s *Store) ListConversations(ctx context.Context, filter ConversationFilter) ([]*conversation.Conversation, error) {
	query := `SELECT conversation_id, status, metadata_json, created_at, updated_at FROM conversations`
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, string(filter.Status))
	}
	if filter.ScenarioID != "" {
		where = append(where, `json_extract(metadata_json, '$.scenarioId') = ?`)
		args = append(args, filter.ScenarioID)
	}
	if filter.Hours > 0 {
		where = append(where, `updated_at >= ?`)
		args = append(args, time.Now().UTC().Add(-time.Duration(filter.Hours)*time.Hour))
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY updated_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	var rows []conversationRow
	if err := s.ro.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperrors.Internal("failed to list conversations", err)
	}
	out := make([]*conversation.Conversation, 0, len(rows))
	for i := range rows {
		conv, err := rows[i].toConversation()
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

// Append allocates seq = head+1 and persists the event atomically, bumping
// the conversation's updated_at and, for finality=conversation, flipping the
// status to completed in the same transaction. Callers must hold the
// conversation's append lock.
func (s *Store) Append(ctx context.Context, ev *conversation.Event) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Internal("failed to begin append transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head int64
	if err := tx.GetContext(ctx, &head,
		`SELECT COALESCE(MAX(seq), 0) FROM conversation_events WHERE conversation_id = ?`,
		ev.ConversationID); err != nil {
		return apperrors.Internal("failed to read conversation head", err)
	}
	ev.Seq = head + 1
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_events
		 (conversation_id, seq, turn, event, type, payload_json, finality, agent_id, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ConversationID, ev.Seq, ev.Turn, ev.Event, string(ev.Type),
		string(ev.Payload), string(ev.Finality), ev.AgentID, ev.Timestamp); err != nil {
		return apperrors.Internal("failed to persist event", err)
	}

	if ev.Finality == conversation.FinalityConversation {
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET status = ?, updated_at = ? WHERE conversation_id = ?`,
			string(conversation.StatusCompleted), ev.Timestamp, ev.ConversationID); err != nil {
			return apperrors.Internal("failed to finalize conversation", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = ? WHERE conversation_id = ?`,
			ev.Timestamp, ev.ConversationID); err != nil {
			return apperrors.Internal("failed to touch conversation", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Internal("failed to commit append", err)
	}
	return nil
}

// Head returns the highest committed seq for the conversation, or 0.
func (s *Store) Head(ctx context.Context, conversationID int64) (int64, error) {
	var head int64
	err := s.ro.GetContext(ctx, &head,
		`SELECT COALESCE(MAX(seq), 0) FROM conversation_events WHERE conversation_id = ?`,
		conversationID)
	if err != nil {
		return 0, apperrors.Internal("failed to read conversation head", err)
	}
	return head, nil
}

// EventsSince returns all events with seq > sinceSeq in seq order.
func (s *Store) EventsSince(ctx context.Context, conversationID, sinceSeq int64) ([]conversation.Event, error) {
	var rows []eventRow
	err := s.ro.SelectContext(ctx, &rows,
		`SELECT conversation_id, seq, turn, event, type, payload_json, finality, agent_id, ts
		 FROM conversation_events
		 WHERE conversation_id = ? AND seq > ?
		 ORDER BY seq ASC`, conversationID, sinceSeq)
	if err != nil {
		return nil, apperrors.Internal("failed to read events", err)
	}
	return toEvents(rows), nil
}

// EventsPage returns up to limit events with seq > afterSeq in seq order.
func (s *Store) EventsPage(ctx context.Context, conversationID, afterSeq int64, limit int) ([]conversation.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []eventRow
	err := s.ro.SelectContext(ctx, &rows,
		`SELECT conversation_id, seq, turn, event, type, payload_json, finality, agent_id, ts
		 FROM conversation_events
		 WHERE conversation_id = ? AND seq > ?
		 ORDER BY seq ASC LIMIT ?`, conversationID, afterSeq, limit)
	if err != nil {
		return nil, apperrors.Internal("failed to read events page", err)
	}
	return toEvents(rows), nil
}

// Snapshot returns a stable point-in-time view of the conversation:
// status, metadata, the full event list and the greatest turn-closing seq.
func (s *Store) Snapshot(ctx context.Context, conversationID int64) (*conversation.Snapshot, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	events, err := s.EventsSince(ctx, conversationID, 0)
	if err != nil {
		return nil, err
	}
	snap := &conversation.Snapshot{
		ConversationID: conversationID,
		Status:         conv.Status,
		Metadata:       conv.Metadata,
		Events:         events,
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Finality.Closes() {
			snap.LastClosedSeq = events[i].Seq
			break
		}
	}
	return snap, nil
}

func toEvents(rows []eventRow) []conversation.Event {
	out := make([]conversation.Event, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toEvent())
	}
	return out
}
