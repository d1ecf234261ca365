// Package scenario implements the scenario collaborator: CRUD over validated
// scenario configurations with an edit-token guard for published entries.
package scenario

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/banterop/banterop/internal/common/errors"
	"github.com/banterop/banterop/internal/db"
)

// Scenario is one stored configuration.
type Scenario struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Config    json.RawMessage `json:"config"`
	History   []HistoryEntry  `json:"history"`
	Published bool            `json:"published"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// HistoryEntry records one prior config revision.
type HistoryEntry struct {
	Config    json.RawMessage `json:"config"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type scenarioRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Config    string    `db:"config_json"`
	History   string    `db:"history_json"`
	Published bool      `db:"published"`
	EditToken string    `db:"edit_token"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *scenarioRow) toScenario() (*Scenario, error) {
	sc := &Scenario{
		ID:        r.ID,
		Name:      r.Name,
		Config:    json.RawMessage(r.Config),
		Published: r.Published,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.History != "" {
		if err := json.Unmarshal([]byte(r.History), &sc.History); err != nil {
			return nil, fmt.Errorf("failed to decode scenario history: %w", err)
		}
	}
	return sc, nil
}

// Store is the SQLite-backed scenario store.
type Store struct {
	db *sqlx.DB
	ro *sqlx.DB
}

// New creates the store on the shared database handles.
func New(database *db.DB) (*Store, error) {
	s := &Store{db: database.Writer, ro: database.Reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize scenarios schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS scenarios (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		config_json  TEXT NOT NULL,
		history_json TEXT NOT NULL DEFAULT '[]',
		published    INTEGER NOT NULL DEFAULT 0,
		edit_token   TEXT NOT NULL DEFAULT '',
		created_at   DATETIME NOT NULL,
		updated_at   DATETIME NOT NULL
	)`)
	return err
}

// validateConfig rejects malformed scenario configs: the config must be a
// JSON object.
func validateConfig(config json.RawMessage) error {
	if len(config) == 0 {
		return apperrors.Invalid("scenario config is required")
	}
	var obj map[string]any
	if err := json.Unmarshal(config, &obj); err != nil {
		return apperrors.Invalid("scenario config must be a JSON object")
	}
	return nil
}

// List returns all scenarios, most recently updated first.
func (s *Store) List(ctx context.Context) ([]*Scenario, error) {
	var rows []scenarioRow
	err := s.ro.SelectContext(ctx, &rows,
		`SELECT id, name, config_json, history_json, published, edit_token, created_at, updated_at
		 FROM scenarios ORDER BY updated_at DESC`)
	if err != nil {
		return nil, apperrors.Internal("failed to list scenarios", err)
	}
	out := make([]*Scenario, 0, len(rows))
	for i := range rows {
		sc, err := rows[i].toScenario()
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// Get returns one scenario by id.
func (s *Store) Get(ctx context.Context, id string) (*Scenario, error) {
	row, err := s.getRow(ctx, id)
	if err != nil {
		return nil, err
	}
	return row.toScenario()
}

func (s *Store) getRow(ctx context.Context, id string) (*scenarioRow, error) {
	var row scenarioRow
	err := s.ro.GetContext(ctx, &row,
		`SELECT id, name, config_json, history_json, published, edit_token, created_at, updated_at
		 FROM scenarios WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("scenario")
	}
	if err != nil {
		return nil, apperrors.Internal("failed to load scenario", err)
	}
	return &row, nil
}

// Insert creates a scenario. editToken guards future edits once published.
func (s *Store) Insert(ctx context.Context, id, name string, config json.RawMessage, published bool, editToken string) (*Scenario, error) {
	if id == "" {
		return nil, apperrors.Invalid("scenario id is required")
	}
	if name == "" {
		return nil, apperrors.Invalid("scenario name is required")
	}
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scenarios (id, name, config_json, history_json, published, edit_token, created_at, updated_at)
		 VALUES (?, ?, ?, '[]', ?, ?, ?, ?)`,
		id, name, string(config), published, editToken, now, now)
	if err != nil {
		return nil, apperrors.Internal("failed to insert scenario", err)
	}
	return s.Get(ctx, id)
}

// Update replaces the config, archiving the prior revision into history.
// Published scenarios require the matching edit token; a missing or wrong
// token surfaces as Locked (HTTP 423).
func (s *Store) Update(ctx context.Context, id, name string, config json.RawMessage, editToken string) (*Scenario, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	row, err := s.getRow(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkToken(row, editToken); err != nil {
		return nil, err
	}

	var history []HistoryEntry
	if row.History != "" {
		_ = json.Unmarshal([]byte(row.History), &history)
	}
	history = append(history, HistoryEntry{
		Config:    json.RawMessage(row.Config),
		UpdatedAt: row.UpdatedAt,
	})
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return nil, apperrors.Internal("failed to encode scenario history", err)
	}

	if name == "" {
		name = row.Name
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE scenarios SET name = ?, config_json = ?, history_json = ?, updated_at = ? WHERE id = ?`,
		name, string(config), string(historyJSON), time.Now().UTC(), id)
	if err != nil {
		return nil, apperrors.Internal("failed to update scenario", err)
	}
	return s.Get(ctx, id)
}

// Delete removes a scenario, honoring the published edit-token guard.
func (s *Store) Delete(ctx context.Context, id, editToken string) error {
	row, err := s.getRow(ctx, id)
	if err != nil {
		return err
	}
	if err := s.checkToken(row, editToken); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scenarios WHERE id = ?`, id); err != nil {
		return apperrors.Internal("failed to delete scenario", err)
	}
	return nil
}

func (s *Store) checkToken(row *scenarioRow, editToken string) error {
	if !row.Published {
		return nil
	}
	if editToken == "" || editToken != row.EditToken {
		return apperrors.Locked("scenario is published; a valid edit token is required")
	}
	return nil
}
