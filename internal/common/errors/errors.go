// Package errors defines the application error taxonomy shared by the HTTP,
// WebSocket and A2A surfaces. Every error carries an HTTP status and, where
// applicable, a JSON-RPC error code so transports map failures consistently.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// JSON-RPC error codes used across the WebSocket and A2A surfaces.
const (
	RPCParseError     = -32700
	RPCMethodNotFound = -32601
	RPCInvalidParams  = -32602
	RPCInternal       = -32000

	RPCTurnState             = -32010
	RPCConversationFinalized = -32011
	RPCTurnHintMismatch      = -32012
	RPCBadFinality           = -32013
)

// Code identifies an error kind.
type Code string

const (
	CodeNotFound              Code = "not_found"
	CodeInvalid               Code = "invalid"
	CodeTurnState             Code = "turn_state"
	CodeConversationFinalized Code = "conversation_finalized"
	CodeTurnHintMismatch      Code = "turn_hint_mismatch"
	CodeBadFinality           Code = "bad_finality"
	CodeIdempotencyConflict   Code = "idempotency_conflict"
	CodeBackendNotHeld        Code = "backend_not_held"
	CodeLocked                Code = "locked"
	CodeProvider              Code = "provider"
	CodeInternal              Code = "internal"
)

// AppError is the canonical application error.
type AppError struct {
	Code       Code
	Message    string
	HTTPStatus int
	RPCCode    int
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// AsAppError extracts an *AppError from err's chain, or nil.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// RPCCodeFor returns the JSON-RPC error code for err, defaulting to internal.
func RPCCodeFor(err error) int {
	if appErr := AsAppError(err); appErr != nil && appErr.RPCCode != 0 {
		return appErr.RPCCode
	}
	return RPCInternal
}

// HTTPStatusFor returns the HTTP status for err, defaulting to 500.
func HTTPStatusFor(err error) int {
	if appErr := AsAppError(err); appErr != nil && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// NotFound reports that the named entity does not exist.
func NotFound(what string) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    what + " not found",
		HTTPStatus: http.StatusNotFound,
		RPCCode:    RPCInternal,
	}
}

// Invalid reports a validation failure on caller input.
func Invalid(msg string) *AppError {
	return &AppError{
		Code:       CodeInvalid,
		Message:    msg,
		HTTPStatus: http.StatusBadRequest,
		RPCCode:    RPCInvalidParams,
	}
}

// Invalidf is Invalid with formatting.
func Invalidf(format string, args ...any) *AppError {
	return Invalid(fmt.Sprintf(format, args...))
}

// TurnState reports an append attempted out of turn.
func TurnState(msg string) *AppError {
	return &AppError{
		Code:       CodeTurnState,
		Message:    msg,
		HTTPStatus: http.StatusConflict,
		RPCCode:    RPCTurnState,
	}
}

// ConversationFinalized reports an append to a finalized conversation.
func ConversationFinalized(conversationID int64) *AppError {
	return &AppError{
		Code:       CodeConversationFinalized,
		Message:    fmt.Sprintf("conversation %d is finalized", conversationID),
		HTTPStatus: http.StatusConflict,
		RPCCode:    RPCConversationFinalized,
	}
}

// TurnHintMismatch reports a client turn hint that does not match the
// server-computed turn.
func TurnHintMismatch(hinted, computed int64) *AppError {
	return &AppError{
		Code:       CodeTurnHintMismatch,
		Message:    fmt.Sprintf("turn hint %d does not match computed turn %d", hinted, computed),
		HTTPStatus: http.StatusConflict,
		RPCCode:    RPCTurnHintMismatch,
	}
}

// BadFinality reports an invalid finality for the event type or state.
func BadFinality(msg string) *AppError {
	return &AppError{
		Code:       CodeBadFinality,
		Message:    msg,
		HTTPStatus: http.StatusBadRequest,
		RPCCode:    RPCBadFinality,
	}
}

// IdempotencyConflict reports a reused idempotency key with a different payload.
func IdempotencyConflict(key string) *AppError {
	return &AppError{
		Code:       CodeIdempotencyConflict,
		Message:    fmt.Sprintf("idempotency key %q was used with a different payload", key),
		HTTPStatus: http.StatusConflict,
		RPCCode:    RPCInvalidParams,
	}
}

// BackendNotHeld reports an operation that requires the backend lease.
func BackendNotHeld(msg string) *AppError {
	return &AppError{
		Code:       CodeBackendNotHeld,
		Message:    msg,
		HTTPStatus: http.StatusConflict,
		RPCCode:    RPCInternal,
	}
}

// Locked reports a write guarded by an edit token (HTTP 423).
func Locked(msg string) *AppError {
	return &AppError{
		Code:       CodeLocked,
		Message:    msg,
		HTTPStatus: http.StatusLocked,
		RPCCode:    RPCInternal,
	}
}

// Provider wraps an upstream LLM provider failure.
func Provider(err error) *AppError {
	return &AppError{
		Code:       CodeProvider,
		Message:    "provider request failed",
		HTTPStatus: http.StatusBadGateway,
		RPCCode:    RPCInternal,
		Err:        err,
	}
}

// Internal wraps an unexpected failure.
func Internal(msg string, err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    msg,
		HTTPStatus: http.StatusInternalServerError,
		RPCCode:    RPCInternal,
		Err:        err,
	}
}
