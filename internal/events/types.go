// Package events provides event subjects and utilities for the Banterop
// cross-component event bus.
package events

// Event types for conversation lifecycle
const (
	ConversationCreated   = "conversation.created"
	ConversationCompleted = "conversation.completed"
)

// Event types for room pair activity
const (
	RoomEvent = "room.event" // Base subject for per-pair room events
)

// Event types for backend leases
const (
	LeaseGranted = "lease.granted"
	LeaseExpired = "lease.expired"
)

// BuildRoomEventSubject creates a room event subject for a specific pair.
func BuildRoomEventSubject(pairID string) string {
	return RoomEvent + "." + pairID
}
