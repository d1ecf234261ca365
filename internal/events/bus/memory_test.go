package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banterop/banterop/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func TestPublishDeliversToExactSubject(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()
	ctx := context.Background()

	var got *Event
	sub, err := bus.Subscribe("conversation.completed", func(ctx context.Context, event *Event) error {
		got = event
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("conversation.completed", "orchestrator", map[string]any{"conversationId": 7})
	require.NoError(t, bus.Publish(ctx, "conversation.completed", event))

	// dispatch is synchronous, the handler has already run
	require.NotNil(t, got)
	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, "conversation.completed", got.Type)

	// a different subject must not reach the handler
	got = nil
	require.NoError(t, bus.Publish(ctx, "conversation.created", NewEvent("conversation.created", "orchestrator", nil)))
	assert.Nil(t, got)
}

func TestSingleTokenWildcard(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()
	ctx := context.Background()

	var subjects []string
	sub, err := bus.Subscribe("room.event.*", func(ctx context.Context, event *Event) error {
		subjects = append(subjects, event.Type)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	require.NoError(t, bus.Publish(ctx, "room.event.pair-1", NewEvent("message", "rooms", nil)))
	require.NoError(t, bus.Publish(ctx, "room.event.pair-2", NewEvent("epoch-begin", "rooms", nil)))
	// * spans exactly one token
	require.NoError(t, bus.Publish(ctx, "room.event", NewEvent("bare", "rooms", nil)))
	require.NoError(t, bus.Publish(ctx, "room.event.pair-1.extra", NewEvent("deep", "rooms", nil)))

	assert.Equal(t, []string{"message", "epoch-begin"}, subjects)
}

func TestMultiTokenWildcard(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()
	ctx := context.Background()

	var count int
	sub, err := bus.Subscribe("room.event.>", func(ctx context.Context, event *Event) error {
		count++
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	require.NoError(t, bus.Publish(ctx, "room.event.pair-1", NewEvent("message", "rooms", nil)))
	require.NoError(t, bus.Publish(ctx, "room.event.pair-1.lease", NewEvent("lease", "rooms", nil)))
	require.NoError(t, bus.Publish(ctx, "room.event", NewEvent("bare", "rooms", nil)))

	assert.Equal(t, 2, count, "> matches one or more remaining tokens")
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()
	ctx := context.Background()

	var count int
	for i := 0; i < 3; i++ {
		sub, err := bus.Subscribe("lease.granted", func(ctx context.Context, event *Event) error {
			count++
			return nil
		})
		require.NoError(t, err)
		defer func() { _ = sub.Unsubscribe() }()
	}

	require.NoError(t, bus.Publish(ctx, "lease.granted", NewEvent("lease.granted", "rooms", nil)))
	assert.Equal(t, 3, count)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()
	ctx := context.Background()

	var count int
	sub, err := bus.Subscribe("conversation.created", func(ctx context.Context, event *Event) error {
		count++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "conversation.created", NewEvent("conversation.created", "api", nil)))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	require.NoError(t, bus.Publish(ctx, "conversation.created", NewEvent("conversation.created", "api", nil)))

	assert.Equal(t, 1, count)
}

// The conversation fan-out relies on a single subscriber observing events in
// publish order. Synchronous dispatch guarantees that without any waiting.
func TestPublishOrderIsPreserved(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()
	ctx := context.Background()

	const numEvents = 100
	received := make([]int, 0, numEvents)
	sub, err := bus.Subscribe("conversation.completed", func(ctx context.Context, event *Event) error {
		received = append(received, event.Data.(int))
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	for i := 0; i < numEvents; i++ {
		require.NoError(t, bus.Publish(ctx, "conversation.completed",
			NewEvent("conversation.completed", "orchestrator", i)))
	}

	require.Len(t, received, numEvents)
	for i, seq := range received {
		require.Equal(t, i, seq, "event delivered out of publish order")
	}
}

func TestClosedBusRejectsUse(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))

	sub, err := bus.Subscribe("conversation.created", func(ctx context.Context, event *Event) error {
		return nil
	})
	require.NoError(t, err)

	bus.Close()
	assert.False(t, sub.IsValid())

	err = bus.Publish(context.Background(), "conversation.created", NewEvent("conversation.created", "api", nil))
	require.Error(t, err)

	_, err = bus.Subscribe("conversation.created", func(ctx context.Context, event *Event) error { return nil })
	require.Error(t, err)
}
