// Package conversation defines the core domain types of the event log:
// conversations, events, finality and guidance.
package conversation

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Finality marks whether an event closes the current turn or the
// whole conversation.
type Finality string

const (
	FinalityNone         Finality = "none"
	FinalityTurn         Finality = "turn"
	FinalityConversation Finality = "conversation"
)

// Valid reports whether f is a known finality value.
func (f Finality) Valid() bool {
	switch f {
	case FinalityNone, FinalityTurn, FinalityConversation:
		return true
	}
	return false
}

// Closes reports whether f closes the current turn.
func (f Finality) Closes() bool {
	return f == FinalityTurn || f == FinalityConversation
}

// EventType discriminates log records.
type EventType string

const (
	EventMessage EventType = "message"
	EventTrace   EventType = "trace"
	EventSystem  EventType = "system"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventMessage, EventTrace, EventSystem:
		return true
	}
	return false
}

// AgentID used by system events. System events never change turn ownership.
const SystemAgentID = "system"

// System payload kinds.
const (
	SystemMetaCreated = "meta_created"
	SystemTurnCleared = "turn_cleared"
	SystemTurnAborted = "turn_aborted"
	SystemTurnTimeout = "turn_timeout"
	SystemNote        = "note"
)

// AgentKind distinguishes in-process workers from bridged clients.
type AgentKind string

const (
	AgentInternal AgentKind = "internal"
	AgentExternal AgentKind = "external"
)

// AgentEntry is one participant in conversation metadata.
type AgentEntry struct {
	ID    string    `json:"id"`
	Kind  AgentKind `json:"kind"`
	Class string    `json:"agentClass,omitempty"`
}

// Metadata is the immutable conversation header.
type Metadata struct {
	Title           string         `json:"title,omitempty"`
	ScenarioID      string         `json:"scenarioId,omitempty"`
	Agents          []AgentEntry   `json:"agents"`
	StartingAgentID string         `json:"startingAgentId,omitempty"`
	Config          *Config        `json:"config,omitempty"`
	Custom          map[string]any `json:"custom,omitempty"`
}

// Config carries scheduling options.
type Config struct {
	// Policy selects the next-turn schedule: round-robin (default) or
	// strict-alternation.
	Policy string `json:"policy,omitempty"`

	// IdleTurnMs overrides the default guidance deadline.
	IdleTurnMs int `json:"idleTurnMs,omitempty"`
}

// Agent returns the metadata entry for id, or nil.
func (m *Metadata) Agent(id string) *AgentEntry {
	for i := range m.Agents {
		if m.Agents[i].ID == id {
			return &m.Agents[i]
		}
	}
	return nil
}

// Conversation is the persisted header row.
type Conversation struct {
	ID        int64     `json:"conversationId" db:"conversation_id"`
	Status    Status    `json:"status" db:"status"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Event is a single immutable log record.
type Event struct {
	ConversationID int64           `json:"conversationId" db:"conversation_id"`
	Seq            int64           `json:"seq" db:"seq"`
	Turn           int64           `json:"turn" db:"turn"`
	Event          int64           `json:"event" db:"event"`
	Type           EventType       `json:"type" db:"type"`
	Payload        json.RawMessage `json:"payload" db:"payload_json"`
	Finality       Finality        `json:"finality" db:"finality"`
	AgentID        string          `json:"agentId" db:"agent_id"`
	Timestamp      time.Time       `json:"ts" db:"ts"`
}

// MessagePayload is the payload of type=message events.
type MessagePayload struct {
	Text        string          `json:"text"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
	Extra       json.RawMessage `json:"extra,omitempty"`
}

// AttachmentRef points at a stored attachment from a message payload.
type AttachmentRef struct {
	ID          string `json:"id,omitempty"`
	DocID       string `json:"docId,omitempty"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Summary     string `json:"summary,omitempty"`
}

// TracePayload is the payload of type=trace events.
type TracePayload struct {
	Kind string          `json:"kind,omitempty"` // thinking, tool_call, note
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SystemPayload is the payload of type=system events.
type SystemPayload struct {
	Kind string `json:"kind"`
	Note string `json:"note,omitempty"`
}

// GuidanceKind says whether the target agent starts a fresh turn or
// continues an open one.
type GuidanceKind string

const (
	GuidanceStartTurn    GuidanceKind = "start_turn"
	GuidanceContinueTurn GuidanceKind = "continue_turn"
)

// Guidance is the ephemeral next-turn hint. It is never persisted; its Seq
// lives in a separate fractional numbering space derived from the triggering
// event (lastSeq + 0.1) and must not be confused with event sequence numbers.
type Guidance struct {
	ConversationID int64        `json:"conversationId"`
	NextAgentID    string       `json:"nextAgentId"`
	Seq            float64      `json:"seq"`
	Kind           GuidanceKind `json:"kind"`
	Turn           int64        `json:"turn"`
	DeadlineMs     int64        `json:"deadlineMs"`
}

// Snapshot is a stable, point-in-time view of one conversation.
type Snapshot struct {
	ConversationID int64    `json:"conversationId"`
	Status         Status   `json:"status"`
	Metadata       Metadata `json:"metadata"`
	Events         []Event  `json:"events"`
	LastClosedSeq  int64    `json:"lastClosedSeq"`
}

// Head returns the highest committed seq in the snapshot, or 0.
func (s *Snapshot) Head() int64 {
	if len(s.Events) == 0 {
		return 0
	}
	return s.Events[len(s.Events)-1].Seq
}

// AppendResult is returned by every successful append.
type AppendResult struct {
	Seq   int64 `json:"seq"`
	Turn  int64 `json:"turn"`
	Event int64 `json:"event"`
}

// RunnerEntry is one durable agent-intent row.
type RunnerEntry struct {
	ConversationID int64     `json:"conversationId" db:"conversation_id"`
	AgentID        string    `json:"agentId" db:"agent_id"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

// NewMessagePayload marshals a text-only message payload.
func NewMessagePayload(text string) json.RawMessage {
	raw, _ := json.Marshal(MessagePayload{Text: text})
	return raw
}

// NewSystemPayload marshals a system payload of the given kind.
func NewSystemPayload(kind, note string) json.RawMessage {
	raw, _ := json.Marshal(SystemPayload{Kind: kind, Note: note})
	return raw
}

// NewTracePayload marshals a trace payload.
func NewTracePayload(kind, text string) json.RawMessage {
	raw, _ := json.Marshal(TracePayload{Kind: kind, Text: text})
	return raw
}
