// Package jsonrpc implements the JSON-RPC 2.0 envelope shared by the
// WebSocket API and the A2A bridge.
package jsonrpc

import "encoding/json"

// Version is the protocol version carried by every frame.
const Version = "2.0"

// Request represents a JSON-RPC 2.0 request
type Request struct {
	JSONRPC string          `json:"jsonrpc"`      // Always "2.0"
	ID      interface{}     `json:"id,omitempty"` // Request ID (int or string), omit for notifications
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no ID.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string          `json:"jsonrpc"` // Always "2.0"
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Notification represents a JSON-RPC 2.0 notification (no ID, no response expected)
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// NewResponse builds a success response for the given request ID.
// Marshal failures surface as an internal error response.
func NewResponse(id interface{}, result interface{}) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, InternalError, "failed to encode result")
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}
}

// NewErrorResponse builds an error response for the given request ID.
func NewErrorResponse(id interface{}, code int, message string) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// NewNotification builds a notification frame.
func NewNotification(method string, params interface{}) *Notification {
	raw, _ := json.Marshal(params)
	return &Notification{JSONRPC: Version, Method: method, Params: raw}
}
