// Package bus carries cross-component lifecycle signals: conversation
// created/completed, room pair activity and backend lease churn. Subjects
// are dot-separated with NATS-style wildcards (* one token, > the rest).
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one frame on the bus.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(eventType, source string, data any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live handler registration.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish side plus subject subscriptions. Implementations:
// in-memory (single process) and NATS (shared across processes).
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
}
