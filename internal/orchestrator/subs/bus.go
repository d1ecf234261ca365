// Package subs implements the in-process subscription bus: per-conversation
// fan-out of committed events and guidance with filters, backlog replay and
// bounded per-subscriber queues.
package subs

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/banterop/banterop/internal/common/logger"
	"github.com/banterop/banterop/internal/conversation"
)

// QueueSize is the per-subscriber bounded queue length. On overflow the
// oldest entries are dropped and a single lag sentinel is delivered; the
// subscriber is expected to refetch via the event store.
const QueueSize = 1024

// Notification kinds delivered to subscribers.
const (
	KindEvent    = "event"
	KindGuidance = "guidance"
	KindLag      = "lag"
)

// Notification is one delivery to a subscriber.
type Notification struct {
	Kind     string
	Event    *conversation.Event
	Guidance *conversation.Guidance
}

// Filter narrows which notifications a subscriber receives.
type Filter struct {
	// ConversationID restricts delivery to one conversation; 0 matches all.
	ConversationID int64

	// Types restricts event types; empty matches all.
	Types []conversation.EventType

	// Agents restricts event agent ids; empty matches all.
	Agents []string

	// IncludeGuidance opts in to guidance notifications.
	IncludeGuidance bool

	// SinceSeq, when >0 with a ConversationID set, replays persisted events
	// with seq > SinceSeq before the live stream, deduplicated by seq.
	SinceSeq int64
}

func (f *Filter) matchesEvent(ev *conversation.Event) bool {
	if f.ConversationID != 0 && ev.ConversationID != f.ConversationID {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if ev.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Agents) > 0 {
		ok := false
		for _, a := range f.Agents {
			if ev.AgentID == a {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (f *Filter) matchesGuidance(g *conversation.Guidance) bool {
	if !f.IncludeGuidance {
		return false
	}
	return f.ConversationID == 0 || g.ConversationID == f.ConversationID
}

// Backlog is the slice of the event store the bus needs for replay.
type Backlog interface {
	EventsSince(ctx context.Context, conversationID, sinceSeq int64) ([]conversation.Event, error)
}

// Bus fans committed events and guidance out to subscribers.
type Bus struct {
	backlog Backlog
	log     *logger.Logger

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
}

// New creates a Bus. backlog may be nil when replay is not needed (tests).
func New(backlog Backlog, log *logger.Logger) *Bus {
	return &Bus{
		backlog: backlog,
		log:     log,
		subs:    make(map[string]*Subscription),
	}
}

// Subscribe registers a subscriber and starts its delivery goroutine.
// The subscription ends when ctx is cancelled or Unsubscribe is called.
func (b *Bus) Subscribe(ctx context.Context, filter Filter) (*Subscription, error) {
	sub := &Subscription{
		id:     uuid.New().String(),
		filter: filter,
		out:    make(chan Notification),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub.cancel = cancel

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, ErrBusClosed
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go func() {
		defer close(sub.done)
		defer close(sub.out)
		defer b.remove(sub.id)
		b.deliver(subCtx, sub)
	}()

	return sub, nil
}

// Unsubscribe cancels the subscription with the given id.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.RLock()
	sub, ok := b.subs[subID]
	b.mu.RUnlock()
	if ok {
		sub.cancel()
	}
}

// PublishEvent enqueues a committed event to every matching subscriber.
// Publishing never blocks; slow subscribers overflow into lag.
func (b *Bus) PublishEvent(ev conversation.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter.matchesEvent(&ev) {
			sub.enqueue(Notification{Kind: KindEvent, Event: &ev})
		}
	}
}

// PublishGuidance enqueues guidance to every opted-in matching subscriber.
func (b *Bus) PublishGuidance(g conversation.Guidance) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter.matchesGuidance(&g) {
			sub.enqueue(Notification{Kind: KindGuidance, Guidance: &g})
		}
	}
}

// Close cancels every subscription and rejects new ones.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
	}
}

func (b *Bus) remove(subID string) {
	b.mu.Lock()
	delete(b.subs, subID)
	b.mu.Unlock()
}

// deliver replays the backlog, then pumps the live queue to the out channel.
func (b *Bus) deliver(ctx context.Context, sub *Subscription) {
	lastSeq := sub.filter.SinceSeq

	if sub.filter.SinceSeq > 0 && sub.filter.ConversationID != 0 && b.backlog != nil {
		events, err := b.backlog.EventsSince(ctx, sub.filter.ConversationID, sub.filter.SinceSeq)
		if err != nil {
			b.log.Error("backlog replay failed",
				zap.String("sub_id", sub.id),
				zap.Int64("conversation", sub.filter.ConversationID),
				zap.Error(err))
		}
		for i := range events {
			ev := events[i]
			if !sub.filter.matchesEvent(&ev) {
				continue
			}
			if !sub.send(ctx, Notification{Kind: KindEvent, Event: &ev}) {
				return
			}
			if ev.Seq > lastSeq {
				lastSeq = ev.Seq
			}
		}
	}

	for {
		n, ok := sub.next(ctx)
		if !ok {
			return
		}
		// Live events replayed from the backlog are deduplicated by seq.
		if n.Kind == KindEvent && sub.filter.ConversationID != 0 && n.Event.Seq <= lastSeq {
			continue
		}
		if !sub.send(ctx, n) {
			return
		}
		if n.Kind == KindEvent && n.Event.Seq > lastSeq {
			lastSeq = n.Event.Seq
		}
	}
}
