package agents

import (
	"context"
	"fmt"
	"sync"

	"github.com/banterop/banterop/internal/conversation"
)

// Script plays canned turns in order. Once the script is exhausted it closes
// the conversation. Used by tests and scenario demos.
type Script struct {
	mu    sync.Mutex
	lines []string
	next  int
}

// NewScript creates a script agent with the given lines.
func NewScript(lines []string) *Script {
	return &Script{lines: lines}
}

// NewScriptFromCustom reads the agent's lines from the conversation's custom
// metadata blob: custom.scripts.<agentID> is an array of strings. A missing
// script yields numbered turn markers.
func NewScriptFromCustom(agentID string, custom map[string]any) *Script {
	if custom != nil {
		if scripts, ok := custom["scripts"].(map[string]any); ok {
			if raw, ok := scripts[agentID].([]any); ok {
				lines := make([]string, 0, len(raw))
				for _, l := range raw {
					if s, ok := l.(string); ok {
						lines = append(lines, s)
					}
				}
				return NewScript(lines)
			}
		}
	}
	return &Script{}
}

// TakeTurn posts the next scripted line with finality=turn, or closes the
// conversation when the script has run out.
func (s *Script) TakeTurn(ctx context.Context, tc *TurnContext) error {
	s.mu.Lock()
	var line string
	done := s.next >= len(s.lines)
	if !done {
		line = s.lines[s.next]
	}
	s.next++
	turn := s.next
	s.mu.Unlock()

	if done {
		if len(s.lines) == 0 {
			line = fmt.Sprintf("turn-%d", turn)
			_, err := tc.Transport.PostMessage(ctx, line, conversation.FinalityTurn)
			return err
		}
		_, err := tc.Transport.PostMessage(ctx, "script complete", conversation.FinalityConversation)
		return err
	}
	_, err := tc.Transport.PostMessage(ctx, line, conversation.FinalityTurn)
	return err
}
