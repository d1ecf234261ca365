package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/banterop/banterop/internal/conversation"
)

// Schedule policies selectable via conversation metadata config.
const (
	PolicyRoundRobin        = "round-robin"
	PolicyStrictAlternation = "strict-alternation"
)

// GuidanceSnapshot computes the current guidance for a conversation without
// publishing it. Subscribers that join after an emission call this to
// recover turn ownership. Returns nil when no agent is expected to act.
func (o *Orchestrator) GuidanceSnapshot(ctx context.Context, conversationID int64) (*conversation.Guidance, error) {
	snap, err := o.store.Snapshot(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return o.computeGuidance(snap), nil
}

// PokeGuidance re-emits the current guidance. Used right after starting
// agents on a conversation that has no messages yet.
func (o *Orchestrator) PokeGuidance(ctx context.Context, conversationID int64) error {
	l := o.lock(conversationID)
	l.Lock()
	defer l.Unlock()
	o.emitGuidanceLocked(ctx, conversationID)
	return nil
}

// emitGuidance takes the conversation lock and emits guidance.
func (o *Orchestrator) emitGuidance(ctx context.Context, conversationID int64) {
	l := o.lock(conversationID)
	l.Lock()
	defer l.Unlock()
	o.emitGuidanceLocked(ctx, conversationID)
}

// emitGuidanceLocked computes and publishes guidance. Best-effort: failures
// are logged, never surfaced to the appender.
func (o *Orchestrator) emitGuidanceLocked(ctx context.Context, conversationID int64) {
	snap, err := o.store.Snapshot(ctx, conversationID)
	if err != nil {
		o.log.Warn("guidance snapshot failed",
			zap.Int64("conversation", conversationID),
			zap.Error(err))
		return
	}
	g := o.computeGuidance(snap)
	if g == nil {
		return
	}
	o.bus.PublishGuidance(*g)
}

// computeGuidance derives the next-turn hint from a snapshot.
//
// Guidance carries a fractional seq (triggering seq + 0.1) in its own
// numbering space; it is never allocated by the event store. DeadlineMs is
// the duration budget for the turn, not an absolute timestamp.
func (o *Orchestrator) computeGuidance(snap *conversation.Snapshot) *conversation.Guidance {
	if snap.Status == conversation.StatusCompleted {
		return nil
	}

	deadline := o.turnDeadline
	if snap.Metadata.Config != nil && snap.Metadata.Config.IdleTurnMs > 0 {
		deadline = time.Duration(snap.Metadata.Config.IdleTurnMs) * time.Millisecond
	}

	// Last ownership-relevant event: the latest non-system event, or a
	// turn-closing system event (turn_cleared, turn_aborted, turn_timeout).
	var last *conversation.Event
	for i := len(snap.Events) - 1; i >= 0; i-- {
		ev := &snap.Events[i]
		if ev.Type != conversation.EventSystem || ev.Finality.Closes() {
			last = ev
			break
		}
	}

	if last == nil {
		// Nothing has happened yet: only the starting agent may open turn 1.
		if snap.Metadata.StartingAgentID == "" {
			return nil
		}
		return &conversation.Guidance{
			ConversationID: snap.ConversationID,
			NextAgentID:    snap.Metadata.StartingAgentID,
			Seq:            0.1,
			Kind:           conversation.GuidanceStartTurn,
			Turn:           1,
			DeadlineMs:     deadline.Milliseconds(),
		}
	}

	if last.Finality == conversation.FinalityTurn {
		next := o.nextAgent(&snap.Metadata, last.AgentID)
		if next == "" {
			return nil
		}
		return &conversation.Guidance{
			ConversationID: snap.ConversationID,
			NextAgentID:    next,
			Seq:            float64(last.Seq) + 0.1,
			Kind:           conversation.GuidanceStartTurn,
			Turn:           last.Turn + 1,
			DeadlineMs:     deadline.Milliseconds(),
		}
	}

	// Turn open: the owner is expected to continue.
	return &conversation.Guidance{
		ConversationID: snap.ConversationID,
		NextAgentID:    last.AgentID,
		Seq:            float64(last.Seq) + 0.1,
		Kind:           conversation.GuidanceContinueTurn,
		Turn:           last.Turn,
		DeadlineMs:     deadline.Milliseconds(),
	}
}

// nextAgent applies the schedule policy to pick the agent after owner.
func (o *Orchestrator) nextAgent(meta *conversation.Metadata, owner string) string {
	agents := meta.Agents
	if len(agents) == 0 {
		return ""
	}

	policy := PolicyRoundRobin
	if meta.Config != nil && meta.Config.Policy != "" {
		policy = meta.Config.Policy
	}

	if policy == PolicyStrictAlternation {
		if len(agents) != 2 {
			// Misconfiguration is logged, never rejected.
			o.log.Warn("strict-alternation requires exactly two agents",
				zap.Int("agents", len(agents)))
		}
		for _, a := range agents {
			if a.ID != owner {
				return a.ID
			}
		}
		return owner
	}

	// Round-robin: the agent after the owner in metadata order, wrapping.
	for i, a := range agents {
		if a.ID == owner {
			return agents[(i+1)%len(agents)].ID
		}
	}
	// Owner not in the roster (e.g. system closure); start from the top.
	return agents[0].ID
}
