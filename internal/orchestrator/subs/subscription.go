package subs

import (
	"context"
	"errors"
	"sync"
)

// ErrBusClosed is returned by Subscribe after Close.
var ErrBusClosed = errors.New("subscription bus is closed")

// Subscription is one registered subscriber. Notifications arrive on C()
// in per-conversation commit order until the subscription ends.
type Subscription struct {
	id     string
	filter Filter
	cancel context.CancelFunc

	out  chan Notification
	done chan struct{}

	mu         sync.Mutex
	queue      []Notification
	lagPending bool
	lagged     bool
	wake       chan struct{}
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Notification { return s.out }

// Done is closed when the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cancel ends the subscription.
func (s *Subscription) Cancel() { s.cancel() }

// Lagged reports whether the subscriber overflowed its queue at least once.
func (s *Subscription) Lagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

// enqueue adds a notification to the bounded queue without blocking the
// publisher. On overflow the oldest entry is dropped and a single lag
// sentinel is scheduled.
func (s *Subscription) enqueue(n Notification) {
	s.mu.Lock()
	if len(s.queue) >= QueueSize {
		s.queue = s.queue[1:]
		s.lagged = true
		s.lagPending = true
	}
	s.queue = append(s.queue, n)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next blocks until a notification is queued or ctx is cancelled.
// A pending lag sentinel takes priority over queued entries.
func (s *Subscription) next(ctx context.Context) (Notification, bool) {
	for {
		s.mu.Lock()
		if s.lagPending {
			s.lagPending = false
			s.mu.Unlock()
			return Notification{Kind: KindLag}, true
		}
		if len(s.queue) > 0 {
			n := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return n, true
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Notification{}, false
		case <-s.wake:
		}
	}
}

// send pushes a notification to the consumer, observing cancellation.
func (s *Subscription) send(ctx context.Context, n Notification) bool {
	select {
	case s.out <- n:
		return true
	case <-ctx.Done():
		return false
	}
}
