// Package attachments implements the attachment collaborator: an opaque
// blob store keyed by id, with optional scenario-scoped doc ids.
package attachments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/banterop/banterop/internal/common/errors"
	"github.com/banterop/banterop/internal/db"
)

// Attachment is one stored blob. Content is inline; there is no URI
// dereference.
type Attachment struct {
	ID             string `json:"id" db:"id"`
	ConversationID int64  `json:"conversationId" db:"conversation_id"`
	DocID          string `json:"docId,omitempty" db:"doc_id"`
	Name           string `json:"name" db:"name"`
	ContentType    string `json:"contentType" db:"content_type"`
	Content        []byte `json:"-" db:"content"`
	Summary        string `json:"summary,omitempty" db:"summary"`
}

// Store is the SQLite-backed attachment store.
type Store struct {
	db *sqlx.DB
	ro *sqlx.DB
}

// New creates the store on the shared database handles.
func New(database *db.DB) (*Store, error) {
	s := &Store{db: database.Writer, ro: database.Reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize attachments schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS attachments (
		id              TEXT PRIMARY KEY,
		conversation_id INTEGER NOT NULL,
		doc_id          TEXT NOT NULL DEFAULT '',
		name            TEXT NOT NULL,
		content_type    TEXT NOT NULL DEFAULT 'application/octet-stream',
		content         BLOB NOT NULL,
		summary         TEXT NOT NULL DEFAULT ''
	)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_attachments_doc
		ON attachments(conversation_id, doc_id)`)
	return err
}

// Put stores a blob and returns its id.
func (s *Store) Put(ctx context.Context, att Attachment) (string, error) {
	if att.ID == "" {
		att.ID = uuid.New().String()
	}
	if att.ContentType == "" {
		att.ContentType = "application/octet-stream"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (id, conversation_id, doc_id, name, content_type, content, summary)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		att.ID, att.ConversationID, att.DocID, att.Name, att.ContentType, att.Content, att.Summary)
	if err != nil {
		return "", apperrors.Internal("failed to store attachment", err)
	}
	return att.ID, nil
}

// GetByID returns the attachment with the given id.
func (s *Store) GetByID(ctx context.Context, id string) (*Attachment, error) {
	var att Attachment
	err := s.ro.GetContext(ctx, &att,
		`SELECT id, conversation_id, doc_id, name, content_type, content, summary
		 FROM attachments WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("attachment")
	}
	if err != nil {
		return nil, apperrors.Internal("failed to load attachment", err)
	}
	return &att, nil
}

// GetByDocID returns the attachment with the given scenario-scoped doc id.
func (s *Store) GetByDocID(ctx context.Context, conversationID int64, docID string) (*Attachment, error) {
	var att Attachment
	err := s.ro.GetContext(ctx, &att,
		`SELECT id, conversation_id, doc_id, name, content_type, content, summary
		 FROM attachments WHERE conversation_id = ? AND doc_id = ?
		 ORDER BY rowid DESC LIMIT 1`, conversationID, docID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("attachment")
	}
	if err != nil {
		return nil, apperrors.Internal("failed to load attachment", err)
	}
	return &att, nil
}
