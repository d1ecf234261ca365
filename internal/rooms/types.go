// Package rooms implements the room/pair bridge: it exposes pair
// conversations to external A2A clients over JSON-RPC + SSE and to MCP
// clients through chat-thread tools. A room and a pair are the same entity;
// both URL forms resolve here.
package rooms

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/banterop/banterop/pkg/a2a"
)

// Role identifies which side of the pair authored a message.
type Role string

const (
	RoleInit Role = "init"
	RoleResp Role = "resp"
)

// Counterpart returns the opposite role.
func (r Role) Counterpart() Role {
	if r == RoleInit {
		return RoleResp
	}
	return RoleInit
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleInit || r == RoleResp
}

// Pair is the persisted pair header. Epoch 0 means no epoch has begun.
type Pair struct {
	PairID    string    `db:"pair_id"`
	Epoch     int64     `db:"epoch"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Epoch is one round of a pair: two task ids and a message log. Owner is the
// role expected to send the next message; TerminalState, once set, freezes
// the epoch.
type Epoch struct {
	PairID        string        `db:"pair_id"`
	Epoch         int64         `db:"epoch"`
	Owner         Role          `db:"owner"`
	TerminalState a2a.TaskState `db:"terminal_state"`
	CreatedAt     time.Time     `db:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"`
}

// StateFor projects the epoch's shared state machine for one viewer: a
// terminal epoch shows its terminal state to both sides; otherwise the side
// expected to speak sees input-required and the other side sees working.
func (e *Epoch) StateFor(viewer Role) a2a.TaskState {
	if e.TerminalState != "" {
		return e.TerminalState
	}
	if e.Owner == viewer {
		return a2a.StateInputRequired
	}
	return a2a.StateWorking
}

// StoredMessage is one persisted A2A frame with its author side.
type StoredMessage struct {
	PairID    string    `db:"pair_id"`
	Epoch     int64     `db:"epoch"`
	Seq       int64     `db:"seq"`
	MessageID string    `db:"message_id"`
	Author    Role      `db:"author"`
	Payload   []byte    `db:"payload_json"`
	CreatedAt time.Time `db:"created_at"`
}

// TaskID formats a task id for one side of an epoch: init:<pair>#<epoch>.
func TaskID(role Role, pairID string, epoch int64) string {
	return fmt.Sprintf("%s:%s#%d", role, pairID, epoch)
}

// ParseTaskID splits a task id into role, pair id and epoch.
func ParseTaskID(taskID string) (Role, string, int64, error) {
	rolePart, rest, ok := strings.Cut(taskID, ":")
	if !ok {
		return "", "", 0, fmt.Errorf("malformed task id %q", taskID)
	}
	role := Role(rolePart)
	if !role.Valid() {
		return "", "", 0, fmt.Errorf("unknown task role %q", rolePart)
	}
	pairID, epochPart, ok := strings.Cut(rest, "#")
	if !ok || pairID == "" {
		return "", "", 0, fmt.Errorf("malformed task id %q", taskID)
	}
	epoch, err := strconv.ParseInt(epochPart, 10, 64)
	if err != nil || epoch < 1 {
		return "", "", 0, fmt.Errorf("malformed task epoch in %q", taskID)
	}
	return role, pairID, epoch, nil
}

// MapFinality translates an A2A nextState directive into the epoch state
// transition. working keeps the floor, input-required flips it, terminal
// states freeze the epoch.
func MapFinality(state a2a.TaskState, author Role, e *Epoch) {
	switch {
	case state.Terminal():
		e.TerminalState = state
	case state == a2a.StateInputRequired:
		e.Owner = author.Counterpart()
	default:
		// working, auth-required and absent directives keep the author's floor
		e.Owner = author
	}
}
