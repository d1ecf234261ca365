// Package agents defines the Agent strategy interface and the built-in
// strategies (script, echo, assistant). The runtime never inspects agent
// internals; an agent only sees its TurnContext.
package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banterop/banterop/internal/common/logger"
	"github.com/banterop/banterop/internal/conversation"
	"github.com/banterop/banterop/internal/llm"
)

// Transport is the agent's only write path back into the conversation.
type Transport interface {
	PostMessage(ctx context.Context, text string, finality conversation.Finality) (conversation.AppendResult, error)
	PostTrace(ctx context.Context, kind, text string) (conversation.AppendResult, error)
}

// TurnContext carries everything an agent may use during one turn. Snapshot
// is stable for the whole turn; agents must not reference the live log.
type TurnContext struct {
	ConversationID int64
	AgentID        string
	Snapshot       *conversation.Snapshot
	Guidance       conversation.Guidance
	Transport      Transport
	Logger         *logger.Logger
	Deadline       time.Time
}

// Agent runs exactly one turn per invocation. The turn ends when the agent
// posts an event with finality turn or conversation; returning without one
// lets the executor's recovery mode decide.
type Agent interface {
	TakeTurn(ctx context.Context, tc *TurnContext) error
}

// Deps are the capabilities available to agent factories.
type Deps struct {
	LLM    llm.Provider
	Custom map[string]any // conversation metadata custom blob
	Logger *logger.Logger
}

// Factory builds an agent for one conversation participant.
type Factory func(entry conversation.AgentEntry, deps Deps) (Agent, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a factory for an agent class. Later registrations replace
// earlier ones.
func Register(class string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[class] = factory
}

// Classes returns the registered class names, sorted.
func Classes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for class := range registry {
		out = append(out, class)
	}
	sort.Strings(out)
	return out
}

// New builds an agent for the metadata entry. An empty class defaults to
// echo.
func New(entry conversation.AgentEntry, deps Deps) (Agent, error) {
	class := entry.Class
	if class == "" {
		class = ClassEcho
	}
	registryMu.RLock()
	factory, ok := registry[class]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown agent class %q", class)
	}
	return factory(entry, deps)
}

// Built-in class names.
const (
	ClassEcho      = "echo"
	ClassScript    = "script"
	ClassAssistant = "assistant"
)

func init() {
	Register(ClassEcho, func(entry conversation.AgentEntry, deps Deps) (Agent, error) {
		return NewEcho(), nil
	})
	Register(ClassScript, func(entry conversation.AgentEntry, deps Deps) (Agent, error) {
		return NewScriptFromCustom(entry.ID, deps.Custom), nil
	})
	Register(ClassAssistant, func(entry conversation.AgentEntry, deps Deps) (Agent, error) {
		if deps.LLM == nil {
			return nil, fmt.Errorf("assistant agent requires an LLM provider")
		}
		return NewAssistant(deps.LLM), nil
	})
}
