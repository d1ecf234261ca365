// Package llm defines the LLM provider interface consumed by LLM-backed
// agents, plus an OpenAI-compatible chat-completions client.
package llm

import (
	"context"
	"encoding/json"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant, tool
	Content string `json:"content"`
}

// Tool describes a callable tool offered to the model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Request is a completion request.
type Request struct {
	Messages    []Message         `json:"messages"`
	Model       string            `json:"model,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	MaxTokens   int               `json:"maxTokens,omitempty"`
	Tools       []Tool            `json:"tools,omitempty"`
	Metadata    map[string]string `json:"loggingMetadata,omitempty"`
}

// Response is a completion response.
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
}

// Provider is the opaque completion capability. Failures surface as
// ProviderError from the errors package.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
