package rooms

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banterop/banterop/internal/db"
)

func newTestRoomStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	s, err := NewStore(database)
	require.NoError(t, err)
	return s
}

func TestEnsurePairStartsAtEpochZero(t *testing.T) {
	s := newTestRoomStore(t)
	ctx := context.Background()

	pair, err := s.EnsurePair(ctx, "pair-1")
	require.NoError(t, err)
	assert.Equal(t, "pair-1", pair.PairID)
	assert.Zero(t, pair.Epoch)

	// idempotent
	again, err := s.EnsurePair(ctx, "pair-1")
	require.NoError(t, err)
	assert.Equal(t, pair.Epoch, again.Epoch)

	_, err = s.CurrentEpoch(ctx, "pair-1")
	require.Error(t, err, "epoch 0 means no epoch has begun")
}

func TestBeginEpochIncrements(t *testing.T) {
	s := newTestRoomStore(t)
	ctx := context.Background()

	first, err := s.BeginEpoch(ctx, "pair-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Epoch)
	assert.Equal(t, RoleInit, first.Owner)
	assert.Empty(t, first.TerminalState)

	second, err := s.BeginEpoch(ctx, "pair-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Epoch)

	current, err := s.CurrentEpoch(ctx, "pair-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), current.Epoch)

	// a second pair counts independently
	other, err := s.BeginEpoch(ctx, "pair-2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.Epoch)
}

func TestListEpochsOrderAndLimit(t *testing.T) {
	s := newTestRoomStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.BeginEpoch(ctx, "pair-1")
		require.NoError(t, err)
	}

	desc, err := s.ListEpochs(ctx, "pair-1", false, 0)
	require.NoError(t, err)
	require.Len(t, desc, 3)
	assert.Equal(t, int64(3), desc[0].Epoch)

	asc, err := s.ListEpochs(ctx, "pair-1", true, 2)
	require.NoError(t, err)
	require.Len(t, asc, 2)
	assert.Equal(t, int64(1), asc[0].Epoch)
}

func TestAppendMessageDeduplicatesByMessageID(t *testing.T) {
	s := newTestRoomStore(t)
	ctx := context.Background()
	e, err := s.BeginEpoch(ctx, "pair-1")
	require.NoError(t, err)

	stored, dup, err := s.AppendMessage(ctx, "pair-1", e.Epoch, RoleInit, "msg-1", []byte(`{"kind":"message"}`))
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, int64(1), stored.Seq)

	replay, dup, err := s.AppendMessage(ctx, "pair-1", e.Epoch, RoleInit, "msg-1", []byte(`{"kind":"message"}`))
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, stored.Seq, replay.Seq)

	next, dup, err := s.AppendMessage(ctx, "pair-1", e.Epoch, RoleResp, "msg-2", []byte(`{"kind":"message"}`))
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, int64(2), next.Seq)

	msgs, err := s.Messages(ctx, "pair-1", e.Epoch)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleInit, msgs[0].Author)
	assert.Equal(t, RoleResp, msgs[1].Author)
}

func TestUpdateEpochState(t *testing.T) {
	s := newTestRoomStore(t)
	ctx := context.Background()
	e, err := s.BeginEpoch(ctx, "pair-1")
	require.NoError(t, err)

	e.Owner = RoleResp
	require.NoError(t, s.UpdateEpochState(ctx, e))

	got, err := s.GetEpoch(ctx, "pair-1", e.Epoch)
	require.NoError(t, err)
	assert.Equal(t, RoleResp, got.Owner)
}
