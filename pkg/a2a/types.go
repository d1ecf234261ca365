// Package a2a defines the A2A (agent-to-agent) JSON wire types served by the
// room bridge: messages, tasks, status-update frames and the agent card.
package a2a

import "encoding/json"

// RPC method names accepted by the room bridge.
const (
	MethodMessageSend      = "message/send"
	MethodMessageStream    = "message/stream"
	MethodTasksGet         = "tasks/get"
	MethodTasksCancel      = "tasks/cancel"
	MethodTasksResubscribe = "tasks/resubscribe"
	MethodTasksSubscribe   = "tasks/subscribe"
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	StateSubmitted     TaskState = "submitted"
	StateWorking       TaskState = "working"
	StateInputRequired TaskState = "input-required"
	StateCompleted     TaskState = "completed"
	StateCanceled      TaskState = "canceled"
	StateFailed        TaskState = "failed"
	StateRejected      TaskState = "rejected"
	StateAuthRequired  TaskState = "auth-required"
)

// Terminal reports whether the state ends the task's epoch.
func (s TaskState) Terminal() bool {
	switch s {
	case StateCompleted, StateCanceled, StateFailed, StateRejected:
		return true
	}
	return false
}

// ValidNextState reports whether s is accepted in message metadata.
func ValidNextState(s TaskState) bool {
	switch s {
	case StateWorking, StateInputRequired, StateCompleted,
		StateCanceled, StateFailed, StateRejected, StateAuthRequired:
		return true
	}
	return false
}

// Part is one content part of a message. Exactly one of Text, File or Data
// is set, discriminated by Kind.
type Part struct {
	Kind string          `json:"kind"` // text, file, data
	Text string          `json:"text,omitempty"`
	File *FilePart       `json:"file,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// FilePart carries inline file bytes (base64 in JSON).
type FilePart struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    string `json:"bytes,omitempty"` // base64-encoded content
	URI      string `json:"uri,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: "text", Text: text}
}

// Message is a single A2A message frame.
type Message struct {
	Kind      string         `json:"kind"` // always "message"
	MessageID string         `json:"messageId"`
	Role      string         `json:"role"` // user or agent, viewer-relative
	Parts     []Part         `json:"parts"`
	TaskID    string         `json:"taskId,omitempty"`
	ContextID string         `json:"contextId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Text concatenates the message's text parts.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == "text" {
			out += p.Text
		}
	}
	return out
}

// NextStateKey is the metadata extension object carrying turn directives.
const NextStateKey = "banterop"

// NextState extracts the requested next task state from message metadata.
// Returns empty string when absent.
func (m *Message) NextState() TaskState {
	if m.Metadata == nil {
		return ""
	}
	if ext, ok := m.Metadata[NextStateKey].(map[string]any); ok {
		if s, ok := ext["nextState"].(string); ok {
			return TaskState(s)
		}
	}
	if s, ok := m.Metadata["nextState"].(string); ok {
		return TaskState(s)
	}
	return ""
}

// SetNextState writes the next-state directive into message metadata.
func (m *Message) SetNextState(s TaskState) {
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	ext, ok := m.Metadata[NextStateKey].(map[string]any)
	if !ok {
		ext = map[string]any{}
		m.Metadata[NextStateKey] = ext
	}
	ext["nextState"] = string(s)
}

// TaskStatus is the current status of a task.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`
}

// Task is the projected snapshot returned by message/send and tasks/get.
type Task struct {
	Kind      string         `json:"kind"` // always "task"
	ID        string         `json:"id"`
	ContextID string         `json:"contextId,omitempty"`
	Status    TaskStatus     `json:"status"`
	History   []Message      `json:"history,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// StatusUpdateEvent is the SSE frame pushed by message/stream and
// tasks/resubscribe on every status change.
type StatusUpdateEvent struct {
	Kind      string     `json:"kind"` // always "status-update"
	TaskID    string     `json:"taskId"`
	ContextID string     `json:"contextId,omitempty"`
	Status    TaskStatus `json:"status"`
	Final     bool       `json:"final"`
}

// MessageSendParams are the params of message/send and message/stream.
type MessageSendParams struct {
	Message  Message        `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskQueryParams are the params of tasks/get.
type TaskQueryParams struct {
	ID            string `json:"id"`
	HistoryLength *int   `json:"historyLength,omitempty"`
}

// TaskIDParams are the params of tasks/cancel and tasks/resubscribe.
type TaskIDParams struct {
	ID string `json:"id"`
}

// AgentCard is the discovery document served at
// /.well-known/agent-card.json.
type AgentCard struct {
	Name               string            `json:"name"`
	Description        string            `json:"description,omitempty"`
	URL                string            `json:"url"`
	Version            string            `json:"version"`
	ProtocolVersion    string            `json:"protocolVersion"`
	Capabilities       AgentCapabilities `json:"capabilities"`
	DefaultInputModes  []string          `json:"defaultInputModes"`
	DefaultOutputModes []string          `json:"defaultOutputModes"`
	Skills             []AgentSkill      `json:"skills"`
}

// AgentCapabilities advertises transport capabilities.
type AgentCapabilities struct {
	Streaming bool `json:"streaming"`
}

// AgentSkill describes one advertised skill.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}
