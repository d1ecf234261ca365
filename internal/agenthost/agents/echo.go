package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/banterop/banterop/internal/conversation"
)

// Echo replies with the text of the last counterpart message and closes its
// turn. Useful for demos and integration tests.
type Echo struct{}

// NewEcho creates an echo agent.
func NewEcho() *Echo {
	return &Echo{}
}

// TakeTurn posts one echoed message with finality=turn.
func (e *Echo) TakeTurn(ctx context.Context, tc *TurnContext) error {
	text := lastCounterpartText(tc.Snapshot, tc.AgentID)
	if text == "" {
		text = "hello"
	}
	_, err := tc.Transport.PostMessage(ctx, fmt.Sprintf("echo: %s", text), conversation.FinalityTurn)
	return err
}

// lastCounterpartText returns the text of the latest message event not
// authored by agentID.
func lastCounterpartText(snap *conversation.Snapshot, agentID string) string {
	for i := len(snap.Events) - 1; i >= 0; i-- {
		ev := &snap.Events[i]
		if ev.Type != conversation.EventMessage || ev.AgentID == agentID {
			continue
		}
		var payload conversation.MessagePayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			continue
		}
		return payload.Text
	}
	return ""
}
