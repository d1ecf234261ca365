package rooms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banterop/banterop/pkg/a2a"
)

func TestTaskIDRoundTrip(t *testing.T) {
	id := TaskID(RoleInit, "pair-1", 3)
	assert.Equal(t, "init:pair-1#3", id)

	role, pairID, epoch, err := ParseTaskID(id)
	require.NoError(t, err)
	assert.Equal(t, RoleInit, role)
	assert.Equal(t, "pair-1", pairID)
	assert.Equal(t, int64(3), epoch)
}

func TestParseTaskIDRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"init",
		"ghost:pair-1#1",
		"init:pair-1",
		"init:#1",
		"resp:pair-1#0",
		"resp:pair-1#abc",
	}
	for _, id := range bad {
		_, _, _, err := ParseTaskID(id)
		assert.Error(t, err, "expected %q to be rejected", id)
	}
}

func TestRoleCounterpart(t *testing.T) {
	assert.Equal(t, RoleResp, RoleInit.Counterpart())
	assert.Equal(t, RoleInit, RoleResp.Counterpart())
	assert.True(t, RoleInit.Valid())
	assert.False(t, Role("observer").Valid())
}

func TestMapFinality(t *testing.T) {
	e := &Epoch{Owner: RoleInit}

	// working keeps the author's floor
	MapFinality(a2a.StateWorking, RoleResp, e)
	assert.Equal(t, RoleResp, e.Owner)
	assert.Empty(t, e.TerminalState)

	// input-required flips the floor to the counterpart
	MapFinality(a2a.StateInputRequired, RoleResp, e)
	assert.Equal(t, RoleInit, e.Owner)

	// terminal states freeze the epoch
	MapFinality(a2a.StateCompleted, RoleInit, e)
	assert.Equal(t, a2a.StateCompleted, e.TerminalState)
}

func TestEpochStateFor(t *testing.T) {
	e := &Epoch{Owner: RoleResp}
	assert.Equal(t, a2a.StateInputRequired, e.StateFor(RoleResp))
	assert.Equal(t, a2a.StateWorking, e.StateFor(RoleInit))

	e.TerminalState = a2a.StateFailed
	assert.Equal(t, a2a.StateFailed, e.StateFor(RoleInit))
	assert.Equal(t, a2a.StateFailed, e.StateFor(RoleResp))
}
