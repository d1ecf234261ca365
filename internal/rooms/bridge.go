package rooms

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/banterop/banterop/internal/common/errors"
	"github.com/banterop/banterop/internal/common/logger"
	"github.com/banterop/banterop/pkg/a2a"
)

// Bridge owns the pair state machine: epoch lifecycle, message appends with
// finality mapping and viewer-specific task projection.
type Bridge struct {
	store    *Store
	notifier *Notifier
	log      *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewBridge creates a bridge over the pair store.
func NewBridge(store *Store, notifier *Notifier, log *logger.Logger) *Bridge {
	return &Bridge{
		store:    store,
		notifier: notifier,
		log:      log,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Notifier exposes the control-plane stream source.
func (b *Bridge) Notifier() *Notifier { return b.notifier }

// Store exposes the pair store for read-only projections.
func (b *Bridge) Store() *Store { return b.store }

// pairLock returns the serialization lock for one pair.
func (b *Bridge) pairLock(pairID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[pairID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[pairID] = l
	}
	return l
}

// BeginEpoch advances the pair to a fresh epoch and pushes the epoch-begin
// event plus the responder backchannel subscribe frame.
func (b *Bridge) BeginEpoch(ctx context.Context, pairID string) (*Epoch, error) {
	l := b.pairLock(pairID)
	l.Lock()
	defer l.Unlock()
	return b.beginEpochLocked(ctx, pairID)
}

func (b *Bridge) beginEpochLocked(ctx context.Context, pairID string) (*Epoch, error) {
	e, err := b.store.BeginEpoch(ctx, pairID)
	if err != nil {
		return nil, err
	}
	evType := EventEpochBegin
	if e.Epoch == 1 {
		evType = EventPairCreated
	}
	b.notifier.Publish(ctx, pairID, evType, map[string]any{
		"epoch":      e.Epoch,
		"initTaskId": TaskID(RoleInit, pairID, e.Epoch),
		"respTaskId": TaskID(RoleResp, pairID, e.Epoch),
	})
	b.notifier.Publish(ctx, pairID, EventSubscribe, map[string]any{
		"taskId": TaskID(RoleResp, pairID, e.Epoch),
	})
	b.log.Info("epoch began", zap.String("pair", pairID), zap.Int64("epoch", e.Epoch))
	return e, nil
}

// Send appends one message from author to the pair. A missing or stale
// taskId from the initiator begins a fresh epoch; responders must reference
// the current epoch. Returns the author's projected task snapshot.
func (b *Bridge) Send(ctx context.Context, pairID string, author Role, msg a2a.Message) (*a2a.Task, error) {
	l := b.pairLock(pairID)
	l.Lock()
	defer l.Unlock()

	if next := msg.NextState(); next != "" && !a2a.ValidNextState(next) {
		return nil, apperrors.Invalidf("unknown nextState %q", next)
	}

	epoch, err := b.resolveEpochLocked(ctx, pairID, author, msg.TaskID)
	if err != nil {
		return nil, err
	}
	if epoch.TerminalState != "" {
		return nil, apperrors.Invalidf("epoch %d is closed (%s)", epoch.Epoch, epoch.TerminalState)
	}

	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	msg.Kind = "message"
	msg.TaskID = TaskID(author, pairID, epoch.Epoch)
	msg.ContextID = pairID

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, apperrors.Internal("failed to encode message", err)
	}
	stored, duplicate, err := b.store.AppendMessage(ctx, pairID, epoch.Epoch, author, msg.MessageID, payload)
	if err != nil {
		return nil, err
	}

	if !duplicate {
		next := msg.NextState()
		if next == "" {
			next = a2a.StateWorking
		}
		prevOwner, prevTerminal := epoch.Owner, epoch.TerminalState
		MapFinality(next, author, epoch)
		if epoch.Owner != prevOwner || epoch.TerminalState != prevTerminal {
			if err := b.store.UpdateEpochState(ctx, epoch); err != nil {
				return nil, err
			}
		}

		b.notifier.Publish(ctx, pairID, EventMessage, map[string]any{
			"epoch":     epoch.Epoch,
			"seq":       stored.Seq,
			"author":    string(author),
			"messageId": msg.MessageID,
		})
		b.notifier.Publish(ctx, pairID, EventStateChange, map[string]any{
			"epoch":     epoch.Epoch,
			"owner":     string(epoch.Owner),
			"terminal":  string(epoch.TerminalState),
			"initState": string(epoch.StateFor(RoleInit)),
			"respState": string(epoch.StateFor(RoleResp)),
		})
	}

	return b.projectLocked(ctx, epoch, author, nil)
}

// resolveEpochLocked maps a taskId to its epoch row, beginning a fresh epoch
// for initiators that reference nothing current.
func (b *Bridge) resolveEpochLocked(ctx context.Context, pairID string, author Role, taskID string) (*Epoch, error) {
	pair, err := b.store.EnsurePair(ctx, pairID)
	if err != nil {
		return nil, err
	}

	if taskID != "" {
		role, taskPair, epochNum, err := ParseTaskID(taskID)
		if err != nil {
			return nil, apperrors.Invalid(err.Error())
		}
		if taskPair != pairID {
			return nil, apperrors.Invalidf("task %s does not belong to pair %s", taskID, pairID)
		}
		if role != author {
			return nil, apperrors.Invalidf("task %s is not writable by %s", taskID, author)
		}
		if epochNum == pair.Epoch {
			return b.store.GetEpoch(ctx, pairID, epochNum)
		}
		if author != RoleInit {
			return nil, apperrors.Invalidf("task %s is not the current epoch", taskID)
		}
		// stale initiator task id starts over
		return b.beginEpochLocked(ctx, pairID)
	}

	if author != RoleInit {
		return nil, apperrors.Invalid("responder messages must reference a task id")
	}
	return b.beginEpochLocked(ctx, pairID)
}

// Cancel terminally closes the epoch addressed by taskID.
func (b *Bridge) Cancel(ctx context.Context, pairID string, taskID string) (*a2a.Task, error) {
	viewer, taskPair, epochNum, err := ParseTaskID(taskID)
	if err != nil {
		return nil, apperrors.Invalid(err.Error())
	}
	if taskPair != pairID {
		return nil, apperrors.Invalidf("task %s does not belong to pair %s", taskID, pairID)
	}

	l := b.pairLock(pairID)
	l.Lock()
	defer l.Unlock()

	epoch, err := b.store.GetEpoch(ctx, pairID, epochNum)
	if err != nil {
		return nil, err
	}
	if epoch.TerminalState == "" {
		epoch.TerminalState = a2a.StateCanceled
		if err := b.store.UpdateEpochState(ctx, epoch); err != nil {
			return nil, err
		}
		b.notifier.Publish(ctx, pairID, EventStateChange, map[string]any{
			"epoch":    epoch.Epoch,
			"terminal": string(a2a.StateCanceled),
		})
	}
	return b.projectLocked(ctx, epoch, viewer, nil)
}

// Reset terminally cancels the current epoch. A hard reset additionally
// begins a fresh epoch.
func (b *Bridge) Reset(ctx context.Context, pairID, kind string) error {
	if kind != "soft" && kind != "hard" {
		return apperrors.Invalidf("unknown reset type %q", kind)
	}

	l := b.pairLock(pairID)
	l.Lock()
	defer l.Unlock()

	epoch, err := b.store.CurrentEpoch(ctx, pairID)
	if err == nil && epoch.TerminalState == "" {
		epoch.TerminalState = a2a.StateCanceled
		if err := b.store.UpdateEpochState(ctx, epoch); err != nil {
			return err
		}
	} else if err != nil && apperrors.AsAppError(err) == nil {
		return err
	}

	b.notifier.Publish(ctx, pairID, EventReset, map[string]any{"type": kind})
	if kind == "hard" {
		if _, err := b.beginEpochLocked(ctx, pairID); err != nil {
			return err
		}
	}
	return nil
}

// Project builds the viewer-specific task snapshot for one epoch.
func (b *Bridge) Project(ctx context.Context, pairID string, epochNum int64, viewer Role, historyLength *int) (*a2a.Task, error) {
	epoch, err := b.store.GetEpoch(ctx, pairID, epochNum)
	if err != nil {
		return nil, err
	}
	return b.projectLocked(ctx, epoch, viewer, historyLength)
}

// ProjectTask resolves a task id and builds its snapshot.
func (b *Bridge) ProjectTask(ctx context.Context, pairID, taskID string, historyLength *int) (*a2a.Task, error) {
	viewer, taskPair, epochNum, err := ParseTaskID(taskID)
	if err != nil {
		return nil, apperrors.Invalid(err.Error())
	}
	if taskPair != pairID {
		return nil, apperrors.Invalidf("task %s does not belong to pair %s", taskID, pairID)
	}
	return b.Project(ctx, pairID, epochNum, viewer, historyLength)
}

func (b *Bridge) projectLocked(ctx context.Context, epoch *Epoch, viewer Role, historyLength *int) (*a2a.Task, error) {
	stored, err := b.store.Messages(ctx, epoch.PairID, epoch.Epoch)
	if err != nil {
		return nil, err
	}

	history := make([]a2a.Message, 0, len(stored))
	for i := range stored {
		var msg a2a.Message
		if err := json.Unmarshal(stored[i].Payload, &msg); err != nil {
			b.log.Warn("skipping undecodable pair message",
				zap.String("pair", epoch.PairID),
				zap.Int64("seq", stored[i].Seq),
				zap.Error(err))
			continue
		}
		// viewer-relative roles: own messages read as user, counterpart as agent
		if stored[i].Author == viewer {
			msg.Role = "user"
		} else {
			msg.Role = "agent"
		}
		msg.TaskID = TaskID(viewer, epoch.PairID, epoch.Epoch)
		history = append(history, msg)
	}
	if historyLength != nil && *historyLength >= 0 && len(history) > *historyLength {
		history = history[len(history)-*historyLength:]
	}

	task := &a2a.Task{
		Kind:      "task",
		ID:        TaskID(viewer, epoch.PairID, epoch.Epoch),
		ContextID: epoch.PairID,
		Status: a2a.TaskStatus{
			State:     stateForHistory(epoch, viewer, len(stored)),
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		},
		History: history,
	}
	return task, nil
}

// stateForHistory maps the epoch machine to the A2A state for one viewer; an
// epoch with no messages yet is still submitted.
func stateForHistory(epoch *Epoch, viewer Role, messages int) a2a.TaskState {
	if epoch.TerminalState == "" && messages == 0 {
		return a2a.StateSubmitted
	}
	return epoch.StateFor(viewer)
}
