package rooms

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banterop/banterop/internal/common/logger"
)

func newTestLeaseManager(t *testing.T, ttl time.Duration) *LeaseManager {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return NewLeaseManager(ttl, NewNotifier(nil, log), nil, log)
}

func TestAcquireAndHeld(t *testing.T) {
	m := newTestLeaseManager(t, time.Minute)
	ctx := context.Background()

	lease, revoke, err := m.Acquire(ctx, "pair-1", "conn-1", false)
	require.NoError(t, err)
	require.NotNil(t, revoke)
	assert.Equal(t, int64(1), lease.Gen)
	assert.True(t, m.Held("pair-1", lease.LeaseID))
	assert.False(t, m.Held("pair-1", "other"))

	current, ok := m.Current("pair-1")
	require.True(t, ok)
	assert.Equal(t, lease.LeaseID, current.LeaseID)
}

func TestSecondAcquireDeniedWithoutTakeover(t *testing.T) {
	m := newTestLeaseManager(t, time.Minute)
	ctx := context.Background()

	_, _, err := m.Acquire(ctx, "pair-1", "conn-1", false)
	require.NoError(t, err)

	_, _, err = m.Acquire(ctx, "pair-1", "conn-2", false)
	require.Error(t, err)
}

func TestTakeoverRevokesPriorHolder(t *testing.T) {
	m := newTestLeaseManager(t, time.Minute)
	ctx := context.Background()

	first, firstRevoke, err := m.Acquire(ctx, "pair-1", "conn-1", false)
	require.NoError(t, err)

	second, _, err := m.Acquire(ctx, "pair-1", "conn-2", true)
	require.NoError(t, err)
	assert.Greater(t, second.Gen, first.Gen)
	assert.False(t, m.Held("pair-1", first.LeaseID))
	assert.True(t, m.Held("pair-1", second.LeaseID))

	select {
	case reason := <-firstRevoke:
		assert.Equal(t, "takeover", reason)
	case <-time.After(time.Second):
		t.Fatal("prior holder not revoked")
	}
}

func TestGenerationsNeverRepeat(t *testing.T) {
	m := newTestLeaseManager(t, time.Minute)
	ctx := context.Background()

	first, _, err := m.Acquire(ctx, "pair-1", "conn-1", false)
	require.NoError(t, err)
	require.True(t, m.Release(ctx, "pair-1", first.LeaseID))

	second, _, err := m.Acquire(ctx, "pair-1", "conn-2", false)
	require.NoError(t, err)
	assert.Equal(t, first.Gen+1, second.Gen)
}

func TestReleaseRequiresMatchingLease(t *testing.T) {
	m := newTestLeaseManager(t, time.Minute)
	ctx := context.Background()

	lease, revoke, err := m.Acquire(ctx, "pair-1", "conn-1", false)
	require.NoError(t, err)

	assert.False(t, m.Release(ctx, "pair-1", "wrong"))
	assert.True(t, m.Release(ctx, "pair-1", lease.LeaseID))
	assert.False(t, m.Held("pair-1", lease.LeaseID))

	select {
	case reason := <-revoke:
		assert.Equal(t, "released", reason)
	case <-time.After(time.Second):
		t.Fatal("holder not notified of release")
	}
}

func TestRebindRefreshesConnection(t *testing.T) {
	m := newTestLeaseManager(t, time.Minute)
	ctx := context.Background()

	lease, _, err := m.Acquire(ctx, "pair-1", "conn-1", false)
	require.NoError(t, err)

	rebound, revoke, err := m.Rebind("pair-1", lease.LeaseID, "conn-2")
	require.NoError(t, err)
	require.NotNil(t, revoke)
	assert.Equal(t, lease.LeaseID, rebound.LeaseID)
	assert.Equal(t, "conn-2", rebound.ConnID)

	_, _, err = m.Rebind("pair-1", "wrong", "conn-3")
	require.Error(t, err)
}

func TestRenewExtendsLease(t *testing.T) {
	m := newTestLeaseManager(t, time.Minute)
	ctx := context.Background()

	lease, _, err := m.Acquire(ctx, "pair-1", "conn-1", false)
	require.NoError(t, err)

	assert.True(t, m.Renew("pair-1", lease.LeaseID))
	assert.False(t, m.Renew("pair-1", "wrong"))
	assert.False(t, m.Renew("pair-2", lease.LeaseID))
}

func TestConcurrentTakeoversLeaveOneRenewableHolder(t *testing.T) {
	m := newTestLeaseManager(t, time.Minute)
	ctx := context.Background()

	const contenders = 8
	type grant struct {
		lease  Lease
		revoke <-chan string
	}
	results := make(chan grant, contenders)

	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			lease, revoke, err := m.Acquire(ctx, "pair-1", fmt.Sprintf("conn-%d", n), true)
			if err != nil {
				t.Errorf("takeover acquire failed: %v", err)
				return
			}
			results <- grant{lease: lease, revoke: revoke}
		}(i)
	}
	wg.Wait()
	close(results)

	current, ok := m.Current("pair-1")
	require.True(t, ok)
	require.True(t, m.Renew("pair-1", current.LeaseID))

	holders := 0
	for g := range results {
		if g.lease.LeaseID == current.LeaseID {
			holders++
			continue
		}
		// every superseded lease was revoked, none silently orphaned
		select {
		case reason := <-g.revoke:
			assert.Equal(t, "takeover", reason)
		default:
			t.Errorf("lease gen %d granted but never revoked", g.lease.Gen)
		}
		assert.False(t, m.Held("pair-1", g.lease.LeaseID))
	}
	assert.Equal(t, 1, holders)
}

func TestSweepExpiresStaleLeases(t *testing.T) {
	m := newTestLeaseManager(t, 10*time.Millisecond)
	ctx := context.Background()

	lease, revoke, err := m.Acquire(ctx, "pair-1", "conn-1", false)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	m.Sweep(ctx)

	assert.False(t, m.Held("pair-1", lease.LeaseID))
	select {
	case reason := <-revoke:
		assert.Equal(t, "expired", reason)
	case <-time.After(time.Second):
		t.Fatal("holder not notified of expiry")
	}

	// the pair is free again after expiry
	_, _, err = m.Acquire(ctx, "pair-1", "conn-2", false)
	require.NoError(t, err)
}
