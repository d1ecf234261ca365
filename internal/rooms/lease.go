package rooms

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/banterop/banterop/internal/common/errors"
	"github.com/banterop/banterop/internal/common/logger"
	"github.com/banterop/banterop/internal/events"
	eventbus "github.com/banterop/banterop/internal/events/bus"
)

// Lease is the single-responder election token for one pair.
type Lease struct {
	PairID    string    `json:"pairId"`
	LeaseID   string    `json:"leaseId"`
	Gen       int64     `json:"gen"`
	ConnID    string    `json:"connId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// leaseEntry is the mutable holder state plus its revocation channel. The
// channel delivers at most one reason to the holder's stream.
type leaseEntry struct {
	lease  Lease
	revoke chan string
}

// LeaseManager elects at most one backend (responder) per pair.
type LeaseManager struct {
	mu      sync.Mutex
	leases  map[string]*leaseEntry // by pair id
	lastGen map[string]int64       // survives release, so gens never repeat

	ttl      time.Duration
	notifier *Notifier
	bus      eventbus.EventBus
	log      *logger.Logger
}

// NewLeaseManager creates a manager with the given lease TTL.
func NewLeaseManager(ttl time.Duration, notifier *Notifier, bus eventbus.EventBus, log *logger.Logger) *LeaseManager {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &LeaseManager{
		leases:   make(map[string]*leaseEntry),
		lastGen:  make(map[string]int64),
		ttl:      ttl,
		notifier: notifier,
		bus:      bus,
		log:      log,
	}
}

// Acquire grants the pair's backend lease to connID. When a live lease
// exists, takeover revokes it; otherwise the call is denied.
func (m *LeaseManager) Acquire(ctx context.Context, pairID, connID string, takeover bool) (Lease, <-chan string, error) {
	m.mu.Lock()
	now := time.Now()
	entry, held := m.leases[pairID]
	if held && now.After(entry.lease.ExpiresAt) {
		delete(m.leases, pairID)
		held = false
	}
	if held {
		if !takeover {
			m.mu.Unlock()
			return Lease{}, nil, apperrors.BackendNotHeld("backend lease already held")
		}
		// revoke is buffered, so the send is safe under the lock; dropping it
		// between revoke and re-grant would let a concurrent takeover slip in
		// and be silently overwritten.
		delete(m.leases, pairID)
		select {
		case entry.revoke <- "takeover":
		default:
		}
	}

	gen := m.lastGen[pairID] + 1
	m.lastGen[pairID] = gen
	lease := Lease{
		PairID:    pairID,
		LeaseID:   uuid.New().String(),
		Gen:       gen,
		ConnID:    connID,
		ExpiresAt: time.Now().Add(m.ttl),
	}
	newEntry := &leaseEntry{lease: lease, revoke: make(chan string, 1)}
	m.leases[pairID] = newEntry
	m.mu.Unlock()

	m.notifier.Publish(ctx, pairID, EventBackendGranted, map[string]any{
		"leaseId": lease.LeaseID,
		"gen":     lease.Gen,
	})
	m.publishBus(ctx, events.LeaseGranted, lease)
	return lease, newEntry.revoke, nil
}

// Rebind attaches a refreshed stream to a still-valid lease without a new
// election. Returns the revocation channel for the new stream.
func (m *LeaseManager) Rebind(pairID, leaseID, connID string) (Lease, <-chan string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, held := m.leases[pairID]
	if !held || entry.lease.LeaseID != leaseID {
		return Lease{}, nil, apperrors.BackendNotHeld("lease not held")
	}
	if time.Now().After(entry.lease.ExpiresAt) {
		delete(m.leases, pairID)
		return Lease{}, nil, apperrors.BackendNotHeld("lease expired")
	}
	entry.lease.ConnID = connID
	entry.lease.ExpiresAt = time.Now().Add(m.ttl)
	return entry.lease, entry.revoke, nil
}

// Renew extends the lease on a heartbeat tick.
func (m *LeaseManager) Renew(pairID, leaseID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, held := m.leases[pairID]
	if !held || entry.lease.LeaseID != leaseID || time.Now().After(entry.lease.ExpiresAt) {
		return false
	}
	entry.lease.ExpiresAt = time.Now().Add(m.ttl)
	return true
}

// Release drops the lease when leaseID matches the current holder.
func (m *LeaseManager) Release(ctx context.Context, pairID, leaseID string) bool {
	m.mu.Lock()
	entry, held := m.leases[pairID]
	if !held || entry.lease.LeaseID != leaseID {
		m.mu.Unlock()
		return false
	}
	delete(m.leases, pairID)
	m.mu.Unlock()

	select {
	case entry.revoke <- "released":
	default:
	}
	m.notifier.Publish(ctx, pairID, EventBackendRevoked, map[string]any{
		"leaseId": leaseID,
		"reason":  "released",
	})
	m.publishBus(ctx, events.LeaseExpired, entry.lease)
	return true
}

// Held reports whether leaseID is the pair's live lease.
func (m *LeaseManager) Held(pairID, leaseID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, held := m.leases[pairID]
	return held && entry.lease.LeaseID == leaseID && time.Now().Before(entry.lease.ExpiresAt)
}

// Current returns the pair's live lease, if any.
func (m *LeaseManager) Current(pairID string) (Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, held := m.leases[pairID]
	if !held || time.Now().After(entry.lease.ExpiresAt) {
		return Lease{}, false
	}
	return entry.lease, true
}

// Sweep drops leases whose holders stopped heartbeating. Run periodically.
func (m *LeaseManager) Sweep(ctx context.Context) {
	now := time.Now()
	m.mu.Lock()
	var expired []*leaseEntry
	for pairID, entry := range m.leases {
		if now.After(entry.lease.ExpiresAt) {
			expired = append(expired, entry)
			delete(m.leases, pairID)
		}
	}
	m.mu.Unlock()

	for _, entry := range expired {
		select {
		case entry.revoke <- "expired":
		default:
		}
		m.notifier.Publish(ctx, entry.lease.PairID, EventBackendExpired, map[string]any{
			"leaseId": entry.lease.LeaseID,
		})
		m.publishBus(ctx, events.LeaseExpired, entry.lease)
		m.log.Info("backend lease expired",
			zap.String("pair", entry.lease.PairID),
			zap.String("lease", entry.lease.LeaseID))
	}
}

func (m *LeaseManager) publishBus(ctx context.Context, subject string, lease Lease) {
	if m.bus == nil {
		return
	}
	ev := eventbus.NewEvent(subject, "rooms", map[string]any{
		"pairId":  lease.PairID,
		"leaseId": lease.LeaseID,
		"gen":     lease.Gen,
	})
	if err := m.bus.Publish(ctx, subject, ev); err != nil {
		m.log.Warn("failed to publish lease event", zap.Error(err))
	}
}
