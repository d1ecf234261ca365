package rooms

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banterop/banterop/internal/common/logger"
	"github.com/banterop/banterop/internal/db"
	"github.com/banterop/banterop/pkg/a2a"
)

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	s, err := NewStore(database)
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)

	return NewBridge(s, NewNotifier(nil, log), log)
}

func textMessage(text string) a2a.Message {
	return a2a.Message{
		Kind:  "message",
		Parts: []a2a.Part{a2a.TextPart(text)},
	}
}

func TestSendWithoutTaskIDBeginsEpoch(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	task, err := b.Send(ctx, "pair-1", RoleInit, textMessage("hello"))
	require.NoError(t, err)
	assert.Equal(t, "init:pair-1#1", task.ID)
	assert.Equal(t, "pair-1", task.ContextID)
	require.Len(t, task.History, 1)
	assert.Equal(t, "user", task.History[0].Role)
	// no directive defaults to working: the author keeps the floor
	assert.Equal(t, a2a.StateInputRequired, task.Status.State)
}

func TestResponderRequiresTaskID(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	_, err := b.Send(ctx, "pair-1", RoleResp, textMessage("hi"))
	require.Error(t, err)
}

func TestInputRequiredHandsFloorToCounterpart(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	msg := textMessage("your move")
	msg.SetNextState(a2a.StateInputRequired)
	task, err := b.Send(ctx, "pair-1", RoleInit, msg)
	require.NoError(t, err)
	// the initiator now waits on the responder
	assert.Equal(t, a2a.StateWorking, task.Status.State)

	reply := textMessage("thinking")
	reply.TaskID = "resp:pair-1#1"
	respTask, err := b.Send(ctx, "pair-1", RoleResp, reply)
	require.NoError(t, err)
	assert.Equal(t, "resp:pair-1#1", respTask.ID)
	require.Len(t, respTask.History, 2)
	assert.Equal(t, "agent", respTask.History[0].Role)
	assert.Equal(t, "user", respTask.History[1].Role)
}

func TestStaleInitiatorTaskIDBeginsFreshEpoch(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	_, err := b.Send(ctx, "pair-1", RoleInit, textMessage("first"))
	require.NoError(t, err)
	_, err = b.BeginEpoch(ctx, "pair-1")
	require.NoError(t, err)

	stale := textMessage("again")
	stale.TaskID = "init:pair-1#1"
	task, err := b.Send(ctx, "pair-1", RoleInit, stale)
	require.NoError(t, err)
	assert.Equal(t, "init:pair-1#3", task.ID)
}

func TestStaleResponderTaskIDRejected(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	_, err := b.Send(ctx, "pair-1", RoleInit, textMessage("first"))
	require.NoError(t, err)
	_, err = b.BeginEpoch(ctx, "pair-1")
	require.NoError(t, err)

	reply := textMessage("too late")
	reply.TaskID = "resp:pair-1#1"
	_, err = b.Send(ctx, "pair-1", RoleResp, reply)
	require.Error(t, err)
}

func TestDuplicateMessageIDIsIdempotent(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	msg := textMessage("once")
	msg.MessageID = "msg-1"
	first, err := b.Send(ctx, "pair-1", RoleInit, msg)
	require.NoError(t, err)

	replay := textMessage("once")
	replay.MessageID = "msg-1"
	replay.TaskID = first.ID
	second, err := b.Send(ctx, "pair-1", RoleInit, replay)
	require.NoError(t, err)
	assert.Len(t, second.History, 1)
}

func TestTerminalNextStateFreezesEpoch(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	msg := textMessage("we are done")
	msg.SetNextState(a2a.StateCompleted)
	task, err := b.Send(ctx, "pair-1", RoleInit, msg)
	require.NoError(t, err)
	assert.Equal(t, a2a.StateCompleted, task.Status.State)

	followup := textMessage("one more thing")
	followup.TaskID = task.ID
	_, err = b.Send(ctx, "pair-1", RoleInit, followup)
	require.Error(t, err)
}

func TestRejectsUnknownNextState(t *testing.T) {
	b := newTestBridge(t)
	msg := textMessage("hi")
	msg.Metadata = map[string]any{"nextState": "submitted"}
	_, err := b.Send(context.Background(), "pair-1", RoleInit, msg)
	require.Error(t, err)
}

func TestCancelTask(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	task, err := b.Send(ctx, "pair-1", RoleInit, textMessage("hello"))
	require.NoError(t, err)

	canceled, err := b.Cancel(ctx, "pair-1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, a2a.StateCanceled, canceled.Status.State)
}

func TestResetHardBeginsFreshEpoch(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	_, err := b.Send(ctx, "pair-1", RoleInit, textMessage("hello"))
	require.NoError(t, err)

	require.NoError(t, b.Reset(ctx, "pair-1", "hard"))

	current, err := b.Store().CurrentEpoch(ctx, "pair-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), current.Epoch)
	assert.Empty(t, current.TerminalState)

	old, err := b.Store().GetEpoch(ctx, "pair-1", 1)
	require.NoError(t, err)
	assert.Equal(t, a2a.StateCanceled, old.TerminalState)

	require.Error(t, b.Reset(ctx, "pair-1", "bogus"))
}

func TestProjectEmptyEpochIsSubmitted(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	e, err := b.BeginEpoch(ctx, "pair-1")
	require.NoError(t, err)

	task, err := b.Project(ctx, "pair-1", e.Epoch, RoleInit, nil)
	require.NoError(t, err)
	assert.Equal(t, a2a.StateSubmitted, task.Status.State)
	assert.Empty(t, task.History)
}

func TestProjectHistoryLength(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	first, err := b.Send(ctx, "pair-1", RoleInit, textMessage("one"))
	require.NoError(t, err)
	next := textMessage("two")
	next.TaskID = first.ID
	_, err = b.Send(ctx, "pair-1", RoleInit, next)
	require.NoError(t, err)

	one := 1
	task, err := b.Project(ctx, "pair-1", 1, RoleInit, &one)
	require.NoError(t, err)
	require.Len(t, task.History, 1)
	assert.Equal(t, "two", task.History[0].Text())
}

func TestNotifierBacklogAndWait(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	wait := b.Notifier().Wait("pair-1")

	_, err := b.Send(ctx, "pair-1", RoleInit, textMessage("hello"))
	require.NoError(t, err)

	select {
	case <-wait:
	default:
		t.Fatal("wait channel not signalled by publish")
	}

	backlog := b.Notifier().Backlog("pair-1", 0)
	require.NotEmpty(t, backlog)
	types := make(map[string]bool)
	for _, ev := range backlog {
		types[ev.Type] = true
	}
	assert.True(t, types[EventPairCreated])
	assert.True(t, types[EventMessage])
	assert.True(t, types[EventStateChange])
}
