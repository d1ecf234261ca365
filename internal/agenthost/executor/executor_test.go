package executor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banterop/banterop/internal/agenthost/agents"
	"github.com/banterop/banterop/internal/common/logger"
	"github.com/banterop/banterop/internal/conversation"
	"github.com/banterop/banterop/internal/conversation/store"
	"github.com/banterop/banterop/internal/db"
	"github.com/banterop/banterop/internal/orchestrator"
	"github.com/banterop/banterop/internal/orchestrator/subs"
)

// agentFunc adapts a function to the Agent interface.
type agentFunc func(ctx context.Context, tc *agents.TurnContext) error

func (f agentFunc) TakeTurn(ctx context.Context, tc *agents.TurnContext) error {
	return f(ctx, tc)
}

func newTestRuntime(t *testing.T) *orchestrator.Orchestrator {
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
	return orchestrator.New(st, bus, nil, log)
}

func createConversation(t *testing.T, orc *orchestrator.Orchestrator, config *conversation.Config) *conversation.Conversation {
	t.Helper()
	conv, err := orc.CreateConversation(context.Background(), conversation.Metadata{
		Agents: []conversation.AgentEntry{
			{ID: "alice", Kind: conversation.AgentInternal},
			{ID: "bob", Kind: conversation.AgentExternal},
		},
		StartingAgentID: "alice",
		Config:          config,
	})
	require.NoError(t, err)
	return conv
}

// waitFor polls the snapshot until the predicate holds.
func waitFor(t *testing.T, orc *orchestrator.Orchestrator, conversationID int64, pred func(*conversation.Snapshot) bool) *conversation.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := orc.GetSnapshot(context.Background(), conversationID)
		require.NoError(t, err)
		if pred(snap) {
			return snap
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
	return nil
}

func systemKind(ev *conversation.Event) string {
	if ev.Type != conversation.EventSystem {
		return ""
	}
	var p conversation.SystemPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return ""
	}
	return p.Kind
}

func hasSystemEvent(snap *conversation.Snapshot, kind string) bool {
	for i := range snap.Events {
		if systemKind(&snap.Events[i]) == kind {
			return true
		}
	}
	return false
}

func newLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestExecutorTakesTurnOnStartupGuidance(t *testing.T) {
	orc := newTestRuntime(t)
	conv := createConversation(t, orc, nil)

	agent := agentFunc(func(ctx context.Context, tc *agents.TurnContext) error {
		_, err := tc.Transport.PostMessage(ctx, "hello", conversation.FinalityTurn)
		return err
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := New(conv.ID, "alice", agent, orc, orc.Bus(), newLog(t))
	go func() { _ = e.Run(ctx) }()

	snap := waitFor(t, orc, conv.ID, func(s *conversation.Snapshot) bool {
		for i := range s.Events {
			if s.Events[i].Type == conversation.EventMessage {
				return true
			}
		}
		return false
	})

	var msg *conversation.Event
	for i := range snap.Events {
		if snap.Events[i].Type == conversation.EventMessage {
			msg = &snap.Events[i]
		}
	}
	require.NotNil(t, msg)
	assert.Equal(t, "alice", msg.AgentID)
	assert.Equal(t, conversation.FinalityTurn, msg.Finality)
	assert.Equal(t, int64(1), msg.Turn)
}

func TestExecutorForceClosesAbandonedTurn(t *testing.T) {
	orc := newTestRuntime(t)
	conv := createConversation(t, orc, nil)

	// posts without finality and walks away
	agent := agentFunc(func(ctx context.Context, tc *agents.TurnContext) error {
		_, err := tc.Transport.PostMessage(ctx, "half-done", conversation.FinalityNone)
		return err
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := New(conv.ID, "alice", agent, orc, orc.Bus(), newLog(t))
	go func() { _ = e.Run(ctx) }()

	snap := waitFor(t, orc, conv.ID, func(s *conversation.Snapshot) bool {
		return hasSystemEvent(s, conversation.SystemTurnAborted)
	})
	last := snap.Events[len(snap.Events)-1]
	assert.Equal(t, conversation.FinalityTurn, last.Finality)
	assert.Equal(t, "alice", last.AgentID)
}

func TestExecutorResumeLeavesTurnOpen(t *testing.T) {
	orc := newTestRuntime(t)
	conv := createConversation(t, orc, nil)

	agent := agentFunc(func(ctx context.Context, tc *agents.TurnContext) error {
		if len(tc.Snapshot.Events) > 1 {
			// already mid-turn from a previous invocation; stay quiet
			return nil
		}
		_, err := tc.Transport.PostMessage(ctx, "thinking out loud", conversation.FinalityNone)
		return err
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := New(conv.ID, "alice", agent, orc, orc.Bus(), newLog(t), WithRecoveryMode(RecoveryResume))
	go func() { _ = e.Run(ctx) }()

	waitFor(t, orc, conv.ID, func(s *conversation.Snapshot) bool {
		for i := range s.Events {
			if s.Events[i].Type == conversation.EventMessage {
				return true
			}
		}
		return false
	})

	// give the executor a chance to (wrongly) force-close
	time.Sleep(200 * time.Millisecond)
	snap, err := orc.GetSnapshot(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.False(t, hasSystemEvent(snap, conversation.SystemTurnAborted))
	last := snap.Events[len(snap.Events)-1]
	assert.Equal(t, conversation.EventMessage, last.Type)
	assert.Equal(t, conversation.FinalityNone, last.Finality)
}

func TestExecutorClosesTimedOutTurn(t *testing.T) {
	orc := newTestRuntime(t)
	conv := createConversation(t, orc, &conversation.Config{IdleTurnMs: 50})

	agent := agentFunc(func(ctx context.Context, tc *agents.TurnContext) error {
		if _, err := tc.Transport.PostMessage(ctx, "working...", conversation.FinalityNone); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := New(conv.ID, "alice", agent, orc, orc.Bus(), newLog(t), WithDeadlineFloor(10*time.Millisecond))
	go func() { _ = e.Run(ctx) }()

	waitFor(t, orc, conv.ID, func(s *conversation.Snapshot) bool {
		return hasSystemEvent(s, conversation.SystemTurnTimeout)
	})
}

func TestExecutorReturnsWhenConversationCompletes(t *testing.T) {
	orc := newTestRuntime(t)
	conv := createConversation(t, orc, nil)

	agent := agentFunc(func(ctx context.Context, tc *agents.TurnContext) error {
		_, err := tc.Transport.PostMessage(ctx, "goodbye", conversation.FinalityConversation)
		return err
	})

	e := New(conv.ID, "alice", agent, orc, orc.Bus(), newLog(t))
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not stop after conversation completed")
	}

	conv2, err := orc.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusCompleted, conv2.Status)
}

func TestTurnOpenBy(t *testing.T) {
	open := &conversation.Snapshot{Events: []conversation.Event{
		{Type: conversation.EventSystem, AgentID: conversation.SystemAgentID, Finality: conversation.FinalityNone},
		{Type: conversation.EventMessage, AgentID: "alice", Finality: conversation.FinalityNone},
	}}
	assert.True(t, turnOpenBy(open, "alice"))
	assert.False(t, turnOpenBy(open, "bob"))

	closed := &conversation.Snapshot{Events: []conversation.Event{
		{Type: conversation.EventMessage, AgentID: "alice", Finality: conversation.FinalityTurn},
	}}
	assert.False(t, turnOpenBy(closed, "alice"))

	empty := &conversation.Snapshot{}
	assert.False(t, turnOpenBy(empty, "alice"))
}
