package store

import (
	"context"
	"time"

	apperrors "github.com/banterop/banterop/internal/common/errors"
	"github.com/banterop/banterop/internal/conversation"
)

// AddRunners records durable intent to run the given agents on the conversation.
func (s *Store) AddRunners(ctx context.Context, conversationID int64, agentIDs []string) error {
	now := time.Now().UTC()
	for _, agentID := range agentIDs {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO runner_registry (conversation_id, agent_id, created_at)
			 VALUES (?, ?, ?)`,
			conversationID, agentID, now); err != nil {
			return apperrors.Internal("failed to register runner", err)
		}
	}
	return nil
}

// RemoveRunners deletes registry rows for the given agents; a nil or empty
// list removes every row for the conversation.
func (s *Store) RemoveRunners(ctx context.Context, conversationID int64, agentIDs []string) error {
	if len(agentIDs) == 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM runner_registry WHERE conversation_id = ?`, conversationID); err != nil {
			return apperrors.Internal("failed to clear runner registry", err)
		}
		return nil
	}
	for _, agentID := range agentIDs {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM runner_registry WHERE conversation_id = ? AND agent_id = ?`,
			conversationID, agentID); err != nil {
			return apperrors.Internal("failed to deregister runner", err)
		}
	}
	return nil
}

// ListRunners returns the registry rows for one conversation.
func (s *Store) ListRunners(ctx context.Context, conversationID int64) ([]conversation.RunnerEntry, error) {
	var rows []conversation.RunnerEntry
	err := s.ro.SelectContext(ctx, &rows,
		`SELECT conversation_id, agent_id, created_at FROM runner_registry
		 WHERE conversation_id = ? ORDER BY agent_id`, conversationID)
	if err != nil {
		return nil, apperrors.Internal("failed to list runners", err)
	}
	return rows, nil
}

// ActiveRunners returns registry rows grouped by conversation, restricted to
// conversations that are still active. Used for crash resumption at startup.
func (s *Store) ActiveRunners(ctx context.Context) (map[int64][]string, error) {
	var rows []conversation.RunnerEntry
	err := s.ro.SelectContext(ctx, &rows,
		`SELECT r.conversation_id, r.agent_id, r.created_at
		 FROM runner_registry r
		 JOIN conversations c ON c.conversation_id = r.conversation_id
		 WHERE c.status = 'active'
		 ORDER BY r.conversation_id, r.agent_id`)
	if err != nil {
		return nil, apperrors.Internal("failed to list active runners", err)
	}
	out := make(map[int64][]string)
	for _, row := range rows {
		out[row.ConversationID] = append(out[row.ConversationID], row.AgentID)
	}
	return out, nil
}
