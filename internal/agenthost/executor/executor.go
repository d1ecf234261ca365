// Package executor implements the turn loop every hosted agent runs: wait
// for guidance, claim the turn, invoke the agent strategy once, and force
// turn closure on errors or deadlines.
package executor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/banterop/banterop/internal/agenthost/agents"
	apperrors "github.com/banterop/banterop/internal/common/errors"
	"github.com/banterop/banterop/internal/common/logger"
	"github.com/banterop/banterop/internal/conversation"
	"github.com/banterop/banterop/internal/orchestrator"
	"github.com/banterop/banterop/internal/orchestrator/subs"
)

// RecoveryMode decides what happens when an agent returns without closing
// its turn (or fails).
type RecoveryMode string

const (
	// RecoveryRestart force-closes the turn with a system event so ownership
	// is released. The default.
	RecoveryRestart RecoveryMode = "restart"

	// RecoveryResume leaves the turn open and re-enters the wait loop.
	RecoveryResume RecoveryMode = "resume"
)

// DeadlineFloor is the minimum effective turn deadline.
const DeadlineFloor = 5 * time.Second

// Conversationalist is the slice of the orchestrator the executor needs.
type Conversationalist interface {
	GetSnapshot(ctx context.Context, id int64) (*conversation.Snapshot, error)
	GuidanceSnapshot(ctx context.Context, id int64) (*conversation.Guidance, error)
	SendMessage(ctx context.Context, req orchestrator.SendRequest) (conversation.AppendResult, error)
	SendTrace(ctx context.Context, req orchestrator.SendRequest) (conversation.AppendResult, error)
	CloseTurnSystem(ctx context.Context, conversationID int64, ownerID, kind, note string) (conversation.AppendResult, error)
}

// Executor drives one agent on one conversation.
type Executor struct {
	conversationID int64
	agentID        string
	agent          agents.Agent
	orc            Conversationalist
	bus            *subs.Bus
	log            *logger.Logger

	recovery      RecoveryMode
	deadlineFloor time.Duration

	// last claimed guidance, for duplicate suppression
	claimedTurn int64
	claimedSeq  float64
}

// Option configures an executor.
type Option func(*Executor)

// WithRecoveryMode overrides the default restart recovery.
func WithRecoveryMode(mode RecoveryMode) Option {
	return func(e *Executor) {
		if mode == RecoveryResume || mode == RecoveryRestart {
			e.recovery = mode
		}
	}
}

// WithDeadlineFloor overrides the minimum turn deadline.
func WithDeadlineFloor(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.deadlineFloor = d
		}
	}
}

// New creates an executor.
func New(conversationID int64, agentID string, agent agents.Agent, orc Conversationalist, bus *subs.Bus, log *logger.Logger, opts ...Option) *Executor {
	e := &Executor{
		conversationID: conversationID,
		agentID:        agentID,
		agent:          agent,
		orc:            orc,
		bus:            bus,
		log:            log.WithConversationID(conversationID).WithAgentID(agentID),
		recovery:       RecoveryRestart,
		deadlineFloor:  DeadlineFloor,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run loops until ctx is cancelled or the conversation closes.
func (e *Executor) Run(ctx context.Context) error {
	sub, err := e.bus.Subscribe(ctx, subs.Filter{
		ConversationID:  e.conversationID,
		IncludeGuidance: true,
	})
	if err != nil {
		return err
	}
	defer sub.Cancel()

	// Guidance emitted before this subscription existed is recovered from
	// the orchestrator's snapshot.
	if g, err := e.orc.GuidanceSnapshot(ctx, e.conversationID); err != nil {
		e.log.Warn("initial guidance snapshot failed", zap.Error(err))
	} else if g != nil && g.NextAgentID == e.agentID {
		if done := e.claim(ctx, *g); done {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-sub.C():
			if !ok {
				return nil
			}
			switch n.Kind {
			case subs.KindEvent:
				if n.Event.Finality == conversation.FinalityConversation {
					return nil
				}
			case subs.KindGuidance:
				g := *n.Guidance
				if g.NextAgentID != e.agentID {
					continue
				}
				if done := e.claim(ctx, g); done {
					return nil
				}
			case subs.KindLag:
				// The queue overflowed; current ownership is re-derived from
				// the orchestrator rather than the missed backlog.
				if g, err := e.orc.GuidanceSnapshot(ctx, e.conversationID); err == nil && g != nil && g.NextAgentID == e.agentID {
					if done := e.claim(ctx, *g); done {
						return nil
					}
				}
			}
		}
	}
}

// claim runs one turn for the guidance, suppressing duplicates for an
// already-claimed (turn, seq). Returns true when the conversation is over.
func (e *Executor) claim(ctx context.Context, g conversation.Guidance) bool {
	if g.Turn == e.claimedTurn && g.Seq == e.claimedSeq {
		return false
	}
	e.claimedTurn, e.claimedSeq = g.Turn, g.Seq
	return e.runTurn(ctx, g)
}

// runTurn takes a stable snapshot, invokes the agent once under the turn
// deadline, and applies the recovery mode if the turn is left open.
func (e *Executor) runTurn(ctx context.Context, g conversation.Guidance) bool {
	snap, err := e.orc.GetSnapshot(ctx, e.conversationID)
	if err != nil {
		e.log.Error("turn snapshot failed", zap.Error(err))
		return false
	}
	if snap.Status == conversation.StatusCompleted {
		return true
	}

	// Queued guidance can be stale by the time it is claimed (the turn may
	// have been closed or reassigned since). Only act when the log still
	// expects this agent on this turn.
	current, err := e.orc.GuidanceSnapshot(ctx, e.conversationID)
	if err != nil {
		e.log.Warn("guidance recheck failed", zap.Error(err))
		return false
	}
	if current == nil || current.NextAgentID != e.agentID || current.Turn != g.Turn {
		return false
	}

	budget := time.Duration(g.DeadlineMs) * time.Millisecond
	if budget < e.deadlineFloor {
		budget = e.deadlineFloor
	}
	deadline := time.Now().Add(budget)

	turnCtx, cancel := context.WithDeadline(ctx, deadline)
	tc := &agents.TurnContext{
		ConversationID: e.conversationID,
		AgentID:        e.agentID,
		Snapshot:       snap,
		Guidance:       g,
		Transport:      &transport{executor: e},
		Logger:         e.log,
		Deadline:       deadline,
	}
	turnErr := e.agent.TakeTurn(turnCtx, tc)
	timedOut := errors.Is(turnCtx.Err(), context.DeadlineExceeded)
	cancel()

	if turnErr != nil {
		e.log.Warn("agent turn failed",
			zap.Int64("turn", g.Turn),
			zap.Bool("timed_out", timedOut),
			zap.Error(turnErr))
	}

	after, err := e.orc.GetSnapshot(ctx, e.conversationID)
	if err != nil {
		e.log.Error("post-turn snapshot failed", zap.Error(err))
		return false
	}
	if after.Status == conversation.StatusCompleted {
		return true
	}

	if !turnOpenBy(after, e.agentID) {
		return false
	}

	// The agent left its turn open. In resume mode ownership is kept and a
	// later continue_turn guidance re-enters the turn; in restart mode the
	// turn is force-closed so the schedule can move on.
	if e.recovery == RecoveryResume && turnErr == nil && !timedOut {
		return false
	}

	kind := conversation.SystemTurnAborted
	note := "agent returned without closing its turn"
	if timedOut {
		kind = conversation.SystemTurnTimeout
		note = "turn deadline exceeded"
	} else if turnErr != nil {
		note = turnErr.Error()
	}
	if _, err := e.orc.CloseTurnSystem(ctx, e.conversationID, e.agentID, kind, note); err != nil {
		// Losing the close race to another closure is fine.
		if app := apperrors.AsAppError(err); app == nil || app.Code != apperrors.CodeTurnState {
			e.log.Error("failed to force-close turn", zap.Error(err))
		}
	}
	return false
}

// turnOpenBy reports whether the snapshot's current turn is open and owned
// by agentID.
func turnOpenBy(snap *conversation.Snapshot, agentID string) bool {
	for i := len(snap.Events) - 1; i >= 0; i-- {
		ev := &snap.Events[i]
		if ev.Type != conversation.EventSystem || ev.Finality.Closes() {
			return !ev.Finality.Closes() && ev.AgentID == agentID
		}
	}
	return false
}

// transport is the agent-facing write handle. Posts flow through the
// orchestrator so every invariant applies.
type transport struct {
	executor *Executor
}

func (t *transport) PostMessage(ctx context.Context, text string, finality conversation.Finality) (conversation.AppendResult, error) {
	return t.executor.orc.SendMessage(ctx, orchestrator.SendRequest{
		ConversationID: t.executor.conversationID,
		AgentID:        t.executor.agentID,
		Payload:        conversation.NewMessagePayload(text),
		Finality:       finality,
	})
}

func (t *transport) PostTrace(ctx context.Context, kind, text string) (conversation.AppendResult, error) {
	return t.executor.orc.SendTrace(ctx, orchestrator.SendRequest{
		ConversationID: t.executor.conversationID,
		AgentID:        t.executor.agentID,
		Payload:        conversation.NewTracePayload(kind, text),
	})
}
