package agenthost

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banterop/banterop/internal/common/config"
	"github.com/banterop/banterop/internal/common/logger"
	"github.com/banterop/banterop/internal/conversation"
	"github.com/banterop/banterop/internal/conversation/store"
	"github.com/banterop/banterop/internal/db"
	eventbus "github.com/banterop/banterop/internal/events/bus"
	"github.com/banterop/banterop/internal/orchestrator"
	"github.com/banterop/banterop/internal/orchestrator/subs"
)

type hostFixture struct {
	orc  *orchestrator.Orchestrator
	host *Host
}

func newHostFixture(t *testing.T) *hostFixture {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	st, err := store.New(database)
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)

	bus := subs.New(st, log)
	t.Cleanup(bus.Close)

	events := eventbus.NewMemoryEventBus(log)
	orc := orchestrator.New(st, bus, events, log)

	host := New(orc, events, nil, config.AgentConfig{RecoveryMode: "restart"}, log)
	require.NoError(t, host.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = host.Shutdown(ctx)
	})
	return &hostFixture{orc: orc, host: host}
}

func (f *hostFixture) createConversation(t *testing.T) *conversation.Conversation {
	t.Helper()
	conv, err := f.orc.CreateConversation(context.Background(), conversation.Metadata{
		Agents: []conversation.AgentEntry{
			{ID: "alice", Kind: conversation.AgentInternal},
			{ID: "bob", Kind: conversation.AgentExternal},
		},
		StartingAgentID: "alice",
	})
	require.NoError(t, err)
	return conv
}

func TestEnsureDefaultsToInternalAgents(t *testing.T) {
	f := newHostFixture(t)
	conv := f.createConversation(t)
	ctx := context.Background()

	ids, err := f.host.Ensure(ctx, conv.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, ids)

	listed, err := f.host.List(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, listed)
}

func TestEnsureRejectsExternalAgent(t *testing.T) {
	f := newHostFixture(t)
	conv := f.createConversation(t)
	ctx := context.Background()

	_, err := f.host.Ensure(ctx, conv.ID, []string{"bob"})
	require.Error(t, err)

	_, err = f.host.Ensure(ctx, conv.ID, []string{"ghost"})
	require.Error(t, err)
}

func TestEnsureRejectsCompletedConversation(t *testing.T) {
	f := newHostFixture(t)
	conv := f.createConversation(t)
	ctx := context.Background()

	_, err := f.orc.SendMessage(ctx, orchestrator.SendRequest{
		ConversationID: conv.ID,
		AgentID:        "alice",
		Payload:        conversation.NewMessagePayload("done"),
		Finality:       conversation.FinalityConversation,
	})
	require.NoError(t, err)

	_, err = f.host.Ensure(ctx, conv.ID, nil)
	require.Error(t, err)
}

func TestEnsureIsIdempotent(t *testing.T) {
	f := newHostFixture(t)
	conv := f.createConversation(t)
	ctx := context.Background()

	_, err := f.host.Ensure(ctx, conv.ID, []string{"alice"})
	require.NoError(t, err)
	ids, err := f.host.Ensure(ctx, conv.ID, []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, ids)
}

func TestStopRemovesWorkersAndRegistry(t *testing.T) {
	f := newHostFixture(t)
	conv := f.createConversation(t)
	ctx := context.Background()

	_, err := f.host.Ensure(ctx, conv.ID, nil)
	require.NoError(t, err)

	require.NoError(t, f.host.Stop(ctx, conv.ID, nil))

	listed, err := f.host.List(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestWorkersReapedOnCompletion(t *testing.T) {
	f := newHostFixture(t)
	conv := f.createConversation(t)
	ctx := context.Background()

	_, err := f.host.Ensure(ctx, conv.ID, nil)
	require.NoError(t, err)

	// The hosted echo agent takes turn 1 and yields to bob.
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := f.orc.GetSnapshot(ctx, conv.ID)
		require.NoError(t, err)
		if len(snap.Events) > 1 {
			break
		}
		require.True(t, time.Now().Before(deadline), "echo agent never took its turn")
		time.Sleep(20 * time.Millisecond)
	}

	_, err = f.orc.SendMessage(ctx, orchestrator.SendRequest{
		ConversationID: conv.ID,
		AgentID:        "bob",
		Payload:        conversation.NewMessagePayload("that will do"),
		Finality:       conversation.FinalityConversation,
	})
	require.NoError(t, err)

	for {
		listed, err := f.host.List(ctx, conv.ID)
		require.NoError(t, err)
		if len(listed) == 0 {
			break
		}
		require.True(t, time.Now().Before(deadline), "workers not reaped after completion")
		time.Sleep(20 * time.Millisecond)
	}
}
