package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	apperrors "github.com/banterop/banterop/internal/common/errors"
	"github.com/banterop/banterop/internal/conversation"
)

// IdempotencyTTL is how long a recorded client request id stays replayable.
const IdempotencyTTL = 24 * time.Hour

// GetIdempotent looks up a previously recorded append result for the
// client request id. The second return value is false when unseen.
func (s *Store) GetIdempotent(ctx context.Context, conversationID int64, clientRequestID string) (conversation.AppendResult, bool, error) {
	var res conversation.AppendResult
	err := s.ro.GetContext(ctx, &res,
		`SELECT seq, turn, event FROM idempotency_keys
		 WHERE conversation_id = ? AND client_request_id = ?`,
		conversationID, clientRequestID)
	if errors.Is(err, sql.ErrNoRows) {
		return res, false, nil
	}
	if err != nil {
		return res, false, apperrors.Internal("failed to read idempotency key", err)
	}
	return res, true, nil
}

// PutIdempotent records the append result for the client request id.
// Replays of an already-recorded key are ignored.
func (s *Store) PutIdempotent(ctx context.Context, conversationID int64, clientRequestID string, res conversation.AppendResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO idempotency_keys
		 (conversation_id, client_request_id, seq, turn, event, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conversationID, clientRequestID, res.Seq, res.Turn, res.Event, time.Now().UTC())
	if err != nil {
		return apperrors.Internal("failed to record idempotency key", err)
	}
	return nil
}

// SweepIdempotency removes keys older than the TTL and returns the count.
func (s *Store) SweepIdempotency(ctx context.Context, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		ttl = IdempotencyTTL
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < ?`,
		time.Now().UTC().Add(-ttl))
	if err != nil {
		return 0, apperrors.Internal("failed to sweep idempotency keys", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
