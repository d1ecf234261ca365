package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banterop/banterop/internal/conversation"
	"github.com/banterop/banterop/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	s, err := New(database)
	require.NoError(t, err)
	return s
}

func testMeta(agents ...string) conversation.Metadata {
	meta := conversation.Metadata{}
	for _, id := range agents {
		meta.Agents = append(meta.Agents, conversation.AgentEntry{
			ID:   id,
			Kind: conversation.AgentInternal,
		})
	}
	return meta
}

func appendEvent(t *testing.T, s *Store, conversationID, turn, ordinal int64, agentID string, finality conversation.Finality) *conversation.Event {
	t.Helper()
	ev := &conversation.Event{
		ConversationID: conversationID,
		Turn:           turn,
		Event:          ordinal,
		Type:           conversation.EventMessage,
		Payload:        conversation.NewMessagePayload("hello"),
		Finality:       finality,
		AgentID:        agentID,
	}
	require.NoError(t, s.Append(context.Background(), ev))
	return ev
}

func TestCreateAndGetConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	meta := testMeta("alice", "bob")
	meta.Title = "negotiation"
	conv, err := s.CreateConversation(ctx, meta)
	require.NoError(t, err)
	require.NotZero(t, conv.ID)
	assert.Equal(t, conversation.StatusActive, conv.Status)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, "negotiation", got.Metadata.Title)
	require.Len(t, got.Metadata.Agents, 2)
	assert.Equal(t, "alice", got.Metadata.Agents[0].ID)
}

func TestGetConversationNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetConversation(context.Background(), 9999)
	require.Error(t, err)
}

func TestAppendAllocatesContiguousSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, testMeta("alice"))
	require.NoError(t, err)

	first := appendEvent(t, s, conv.ID, 1, 1, "alice", conversation.FinalityNone)
	second := appendEvent(t, s, conv.ID, 1, 2, "alice", conversation.FinalityTurn)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)

	head, err := s.Head(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), head)
}

func TestAppendConversationFinalityCompletesConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, testMeta("alice"))
	require.NoError(t, err)

	appendEvent(t, s, conv.ID, 1, 1, "alice", conversation.FinalityConversation)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusCompleted, got.Status)
}

func TestEventsSinceAndPage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, testMeta("alice"))
	require.NoError(t, err)

	for i := int64(1); i <= 5; i++ {
		appendEvent(t, s, conv.ID, 1, i, "alice", conversation.FinalityNone)
	}

	events, err := s.EventsSince(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].Seq)
	assert.Equal(t, int64(5), events[2].Seq)

	page, err := s.EventsPage(ctx, conv.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(1), page[0].Seq)
	assert.Equal(t, int64(2), page[1].Seq)
}

func TestSnapshotLastClosedSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, testMeta("alice", "bob"))
	require.NoError(t, err)

	appendEvent(t, s, conv.ID, 1, 1, "alice", conversation.FinalityNone)
	appendEvent(t, s, conv.ID, 1, 2, "alice", conversation.FinalityTurn)
	appendEvent(t, s, conv.ID, 2, 1, "bob", conversation.FinalityNone)

	snap, err := s.Snapshot(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.LastClosedSeq)
	assert.Equal(t, int64(3), snap.Head())
	require.Len(t, snap.Events, 3)
}

func TestListConversationsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	metaA := testMeta("alice")
	metaA.ScenarioID = "scn-1"
	convA, err := s.CreateConversation(ctx, metaA)
	require.NoError(t, err)

	convB, err := s.CreateConversation(ctx, testMeta("bob"))
	require.NoError(t, err)
	appendEvent(t, s, convB.ID, 1, 1, "bob", conversation.FinalityConversation)

	active, err := s.ListConversations(ctx, ConversationFilter{Status: conversation.StatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, convA.ID, active[0].ID)

	byScenario, err := s.ListConversations(ctx, ConversationFilter{ScenarioID: "scn-1"})
	require.NoError(t, err)
	require.Len(t, byScenario, 1)
	assert.Equal(t, convA.ID, byScenario[0].ID)

	all, err := s.ListConversations(ctx, ConversationFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestIdempotencyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, testMeta("alice"))
	require.NoError(t, err)

	_, ok, err := s.GetIdempotent(ctx, conv.ID, "req-1")
	require.NoError(t, err)
	assert.False(t, ok)

	want := conversation.AppendResult{Seq: 7, Turn: 2, Event: 3}
	require.NoError(t, s.PutIdempotent(ctx, conv.ID, "req-1", want))

	got, ok, err := s.GetIdempotent(ctx, conv.ID, "req-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	// replays of an existing key keep the first recording
	require.NoError(t, s.PutIdempotent(ctx, conv.ID, "req-1", conversation.AppendResult{Seq: 99}))
	got, _, err = s.GetIdempotent(ctx, conv.ID, "req-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSweepIdempotencyKeepsFreshKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, testMeta("alice"))
	require.NoError(t, err)

	require.NoError(t, s.PutIdempotent(ctx, conv.ID, "fresh", conversation.AppendResult{Seq: 1}))

	n, err := s.SweepIdempotency(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, ok, err := s.GetIdempotent(ctx, conv.ID, "fresh")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunnerRegistry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, testMeta("alice", "bob"))
	require.NoError(t, err)

	require.NoError(t, s.AddRunners(ctx, conv.ID, []string{"alice", "bob"}))
	// double registration is a no-op
	require.NoError(t, s.AddRunners(ctx, conv.ID, []string{"alice"}))

	runners, err := s.ListRunners(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, runners, 2)
	assert.Equal(t, "alice", runners[0].AgentID)
	assert.Equal(t, "bob", runners[1].AgentID)

	active, err := s.ActiveRunners(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, active[conv.ID])

	require.NoError(t, s.RemoveRunners(ctx, conv.ID, []string{"alice"}))
	runners, err = s.ListRunners(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, runners, 1)

	require.NoError(t, s.RemoveRunners(ctx, conv.ID, nil))
	runners, err = s.ListRunners(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, runners)
}

func TestActiveRunnersSkipsCompletedConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, testMeta("alice"))
	require.NoError(t, err)
	require.NoError(t, s.AddRunners(ctx, conv.ID, []string{"alice"}))

	appendEvent(t, s, conv.ID, 1, 1, "alice", conversation.FinalityConversation)

	active, err := s.ActiveRunners(ctx)
	require.NoError(t, err)
	assert.Empty(t, active[conv.ID])
}
