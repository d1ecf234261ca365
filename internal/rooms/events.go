package rooms

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/banterop/banterop/internal/common/logger"
	"github.com/banterop/banterop/internal/events"
	eventbus "github.com/banterop/banterop/internal/events/bus"
)

// Control-plane event types pushed on events.log and server-events streams.
const (
	EventEpochBegin     = "epoch-begin"
	EventPairCreated    = "pair-created"
	EventMessage        = "message"
	EventStateChange    = "state-change"
	EventReset          = "reset"
	EventBackendGranted = "backend-granted"
	EventBackendRevoked = "backend-revoked"
	EventBackendExpired = "backend-expired"
	EventSubscribe      = "subscribe"
)

// ControlEvent is one frame on a pair's control-plane stream.
type ControlEvent struct {
	Seq  int64          `json:"seq"`
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
	Ts   time.Time      `json:"ts"`
}

// ringSize bounds the in-memory backlog kept per pair for `since` replay.
const ringSize = 256

// pairChannel carries the live control stream of one pair: a bounded replay
// ring and a broadcast channel closed on every publish.
type pairChannel struct {
	mu     sync.Mutex
	seq    int64
	ring   []ControlEvent
	signal chan struct{}
}

func newPairChannel() *pairChannel {
	return &pairChannel{signal: make(chan struct{})}
}

// publish appends a control event and wakes every waiter.
func (p *pairChannel) publish(evType string, data map[string]any) ControlEvent {
	p.mu.Lock()
	p.seq++
	ev := ControlEvent{Seq: p.seq, Type: evType, Data: data, Ts: time.Now().UTC()}
	p.ring = append(p.ring, ev)
	if len(p.ring) > ringSize {
		p.ring = p.ring[len(p.ring)-ringSize:]
	}
	close(p.signal)
	p.signal = make(chan struct{})
	p.mu.Unlock()
	return ev
}

// backlog returns buffered events with seq > since.
func (p *pairChannel) backlog(since int64) []ControlEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ControlEvent, 0, len(p.ring))
	for _, ev := range p.ring {
		if ev.Seq > since {
			out = append(out, ev)
		}
	}
	return out
}

// wait returns a channel closed on the next publish.
func (p *pairChannel) wait() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signal
}

// head returns the sequence of the latest published event.
func (p *pairChannel) head() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// Notifier fans control events out to SSE streams, check_replies waiters and
// the cross-component event bus.
type Notifier struct {
	mu       sync.Mutex
	channels map[string]*pairChannel

	bus eventbus.EventBus
	log *logger.Logger
}

// NewNotifier creates a Notifier. bus may be nil in tests.
func NewNotifier(bus eventbus.EventBus, log *logger.Logger) *Notifier {
	return &Notifier{
		channels: make(map[string]*pairChannel),
		bus:      bus,
		log:      log,
	}
}

func (n *Notifier) channel(pairID string) *pairChannel {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.channels[pairID]
	if !ok {
		ch = newPairChannel()
		n.channels[pairID] = ch
	}
	return ch
}

// Publish records a control event for the pair and mirrors it onto the
// events bus under room.event.<pairId>.
func (n *Notifier) Publish(ctx context.Context, pairID, evType string, data map[string]any) ControlEvent {
	ev := n.channel(pairID).publish(evType, data)
	if n.bus != nil {
		subject := events.BuildRoomEventSubject(pairID)
		busEvent := eventbus.NewEvent(evType, "rooms", map[string]any{
			"pairId": pairID,
			"seq":    ev.Seq,
			"data":   data,
		})
		if err := n.bus.Publish(ctx, subject, busEvent); err != nil {
			n.log.Warn("failed to mirror room event",
				zap.String("pair", pairID),
				zap.String("type", evType),
				zap.Error(err))
		}
	}
	return ev
}

// Backlog returns buffered control events with seq > since.
func (n *Notifier) Backlog(pairID string, since int64) []ControlEvent {
	return n.channel(pairID).backlog(since)
}

// Wait returns a channel closed when the pair next publishes.
func (n *Notifier) Wait(pairID string) <-chan struct{} {
	return n.channel(pairID).wait()
}

// Head returns the pair's latest control event sequence.
func (n *Notifier) Head(pairID string) int64 {
	return n.channel(pairID).head()
}
