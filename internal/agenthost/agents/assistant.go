package agents

import (
	"context"
	"encoding/json"

	"github.com/banterop/banterop/internal/conversation"
	"github.com/banterop/banterop/internal/llm"
)

// Assistant is the LLM-backed strategy: it renders the conversation history
// into a chat request, posts a thinking trace, then a final message closing
// the turn.
type Assistant struct {
	provider llm.Provider
}

// NewAssistant creates an assistant agent on the given provider.
func NewAssistant(provider llm.Provider) *Assistant {
	return &Assistant{provider: provider}
}

// TakeTurn completes one turn against the provider.
func (a *Assistant) TakeTurn(ctx context.Context, tc *TurnContext) error {
	req := llm.Request{
		Messages: renderMessages(tc.Snapshot, tc.AgentID),
		Metadata: map[string]string{
			"agentId": tc.AgentID,
		},
	}

	if _, err := tc.Transport.PostTrace(ctx, "thinking", "completing turn"); err != nil {
		return err
	}

	resp, err := a.provider.Complete(ctx, req)
	if err != nil {
		return err
	}

	_, err = tc.Transport.PostMessage(ctx, resp.Content, conversation.FinalityTurn)
	return err
}

// renderMessages maps the snapshot's message events onto chat roles: own
// messages become assistant turns, everything else user turns.
func renderMessages(snap *conversation.Snapshot, agentID string) []llm.Message {
	var out []llm.Message
	if title := snap.Metadata.Title; title != "" {
		out = append(out, llm.Message{
			Role:    "system",
			Content: "You are participating in the conversation: " + title,
		})
	}
	for i := range snap.Events {
		ev := &snap.Events[i]
		if ev.Type != conversation.EventMessage {
			continue
		}
		var payload conversation.MessagePayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload.Text == "" {
			continue
		}
		role := "user"
		if ev.AgentID == agentID {
			role = "assistant"
		}
		out = append(out, llm.Message{Role: role, Content: payload.Text})
	}
	return out
}
