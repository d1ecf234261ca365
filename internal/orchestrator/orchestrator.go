// Package orchestrator validates and serializes appends to the conversation
// log, enforces turn and finality invariants, and emits guidance naming the
// next agent expected to act.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/banterop/banterop/internal/common/errors"
	"github.com/banterop/banterop/internal/common/logger"
	"github.com/banterop/banterop/internal/conversation"
	"github.com/banterop/banterop/internal/conversation/store"
	"github.com/banterop/banterop/internal/events"
	eventbus "github.com/banterop/banterop/internal/events/bus"
	"github.com/banterop/banterop/internal/orchestrator/subs"
)

// DefaultTurnDeadline is the guidance deadline when the conversation config
// does not override it.
const DefaultTurnDeadline = 30 * time.Second

// Orchestrator is the single writer to the event store.
type Orchestrator struct {
	store  *store.Store
	bus    *subs.Bus
	events eventbus.EventBus
	log    *logger.Logger

	turnDeadline time.Duration

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithTurnDeadline overrides the default guidance deadline.
func WithTurnDeadline(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.turnDeadline = d
		}
	}
}

// New creates an Orchestrator. eventBus carries cross-component lifecycle
// signals (conversation.created / conversation.completed) and may be the
// in-memory or NATS implementation.
func New(st *store.Store, bus *subs.Bus, eb eventbus.EventBus, log *logger.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        st,
		bus:          bus,
		events:       eb,
		log:          log,
		turnDeadline: DefaultTurnDeadline,
		locks:        make(map[int64]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Bus returns the subscription bus.
func (o *Orchestrator) Bus() *subs.Bus { return o.bus }

// Store returns the backing event store.
func (o *Orchestrator) Store() *store.Store { return o.store }

// lock returns the append lock for one conversation.
func (o *Orchestrator) lock(conversationID int64) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[conversationID] = l
	}
	return l
}

// CreateConversation validates metadata, creates the conversation and seeds
// the log with a system meta_created event at seq=1, turn=1, event=1.
func (o *Orchestrator) CreateConversation(ctx context.Context, meta conversation.Metadata) (*conversation.Conversation, error) {
	if len(meta.Agents) == 0 {
		return nil, apperrors.Invalid("conversation requires at least one agent")
	}
	seen := make(map[string]bool, len(meta.Agents))
	for _, a := range meta.Agents {
		if a.ID == "" {
			return nil, apperrors.Invalid("agent id must not be empty")
		}
		if seen[a.ID] {
			return nil, apperrors.Invalidf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
	}
	if meta.StartingAgentID != "" && meta.Agent(meta.StartingAgentID) == nil {
		return nil, apperrors.Invalidf("starting agent %q is not a participant", meta.StartingAgentID)
	}
	if meta.Config != nil && meta.Config.Policy == PolicyStrictAlternation && len(meta.Agents) != 2 {
		return nil, apperrors.Invalid("strict-alternation requires exactly two agents")
	}

	conv, err := o.store.CreateConversation(ctx, meta)
	if err != nil {
		return nil, err
	}

	l := o.lock(conv.ID)
	l.Lock()
	ev := &conversation.Event{
		ConversationID: conv.ID,
		Turn:           1,
		Event:          1,
		Type:           conversation.EventSystem,
		Payload:        conversation.NewSystemPayload(conversation.SystemMetaCreated, ""),
		Finality:       conversation.FinalityNone,
		AgentID:        conversation.SystemAgentID,
	}
	err = o.store.Append(ctx, ev)
	l.Unlock()
	if err != nil {
		return nil, err
	}

	o.bus.PublishEvent(*ev)
	o.publishLifecycle(ctx, events.ConversationCreated, conv.ID)
	o.emitGuidance(ctx, conv.ID)

	o.log.Info("conversation created",
		zap.Int64("conversation", conv.ID),
		zap.Int("agents", len(meta.Agents)))
	return conv, nil
}

// SendRequest is one append attempt.
type SendRequest struct {
	ConversationID  int64
	TurnHint        int64 // 0 means no hint
	AgentID         string
	Type            conversation.EventType
	Payload         json.RawMessage
	Finality        conversation.Finality
	ClientRequestID string
}

// SendMessage appends a message event.
func (o *Orchestrator) SendMessage(ctx context.Context, req SendRequest) (conversation.AppendResult, error) {
	req.Type = conversation.EventMessage
	if req.Finality == "" {
		req.Finality = conversation.FinalityNone
	}
	if !req.Finality.Valid() {
		return conversation.AppendResult{}, apperrors.BadFinality(fmt.Sprintf("unknown finality %q", req.Finality))
	}
	return o.append(ctx, req)
}

// SendTrace appends a trace event. Traces never carry finality.
func (o *Orchestrator) SendTrace(ctx context.Context, req SendRequest) (conversation.AppendResult, error) {
	req.Type = conversation.EventTrace
	if req.Finality != "" && req.Finality != conversation.FinalityNone {
		return conversation.AppendResult{}, apperrors.BadFinality("trace events must not carry finality")
	}
	req.Finality = conversation.FinalityNone
	return o.append(ctx, req)
}

// CloseTurnSystem appends a turn-closing system event (turn_cleared,
// turn_aborted, turn_timeout) on behalf of the runtime. The turn must be
// open and owned by ownerID.
func (o *Orchestrator) CloseTurnSystem(ctx context.Context, conversationID int64, ownerID, kind, note string) (conversation.AppendResult, error) {
	return o.append(ctx, SendRequest{
		ConversationID: conversationID,
		AgentID:        ownerID,
		Type:           conversation.EventSystem,
		Payload:        conversation.NewSystemPayload(kind, note),
		Finality:       conversation.FinalityTurn,
	})
}

// ClearTurn aborts the current open turn owned by agentID by appending a
// system turn_cleared event with finality=turn. Returns the cleared turn.
func (o *Orchestrator) ClearTurn(ctx context.Context, conversationID int64, agentID string) (int64, error) {
	res, err := o.CloseTurnSystem(ctx, conversationID, agentID, conversation.SystemTurnCleared, "")
	if err != nil {
		return 0, err
	}
	return res.Turn, nil
}

// append runs the pipeline under the conversation lock: idempotency check,
// status check, turn assignment, finality legality, persist, publish and
// guidance emission.
func (o *Orchestrator) append(ctx context.Context, req SendRequest) (conversation.AppendResult, error) {
	if req.AgentID == "" {
		return conversation.AppendResult{}, apperrors.Invalid("agentId is required")
	}
	if req.Payload == nil {
		req.Payload = json.RawMessage(`{}`)
	}

	l := o.lock(req.ConversationID)
	l.Lock()
	defer l.Unlock()

	if req.ClientRequestID != "" {
		if res, ok, err := o.store.GetIdempotent(ctx, req.ConversationID, req.ClientRequestID); err != nil {
			return conversation.AppendResult{}, err
		} else if ok {
			return res, nil
		}
	}

	conv, err := o.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return conversation.AppendResult{}, err
	}
	if conv.Status == conversation.StatusCompleted {
		return conversation.AppendResult{}, apperrors.ConversationFinalized(req.ConversationID)
	}

	// Finality legality. Message events may close turns or conversations;
	// runtime system closures (CloseTurnSystem) may close turns; everything
	// else is finality=none.
	if req.Finality != conversation.FinalityNone {
		switch {
		case req.Type == conversation.EventMessage:
		case req.Type == conversation.EventSystem && req.Finality == conversation.FinalityTurn:
		default:
			return conversation.AppendResult{}, apperrors.BadFinality(
				fmt.Sprintf("%s events must not carry finality %q", req.Type, req.Finality))
		}
	}

	history, err := o.store.EventsSince(ctx, req.ConversationID, 0)
	if err != nil {
		return conversation.AppendResult{}, err
	}

	turn, ordinal, err := assignTurn(history, &req)
	if err != nil {
		return conversation.AppendResult{}, err
	}

	ev := &conversation.Event{
		ConversationID: req.ConversationID,
		Turn:           turn,
		Event:          ordinal,
		Type:           req.Type,
		Payload:        req.Payload,
		Finality:       req.Finality,
		AgentID:        req.AgentID,
	}
	if err := o.store.Append(ctx, ev); err != nil {
		return conversation.AppendResult{}, err
	}

	res := conversation.AppendResult{Seq: ev.Seq, Turn: ev.Turn, Event: ev.Event}
	if req.ClientRequestID != "" {
		if err := o.store.PutIdempotent(ctx, req.ConversationID, req.ClientRequestID, res); err != nil {
			o.log.Warn("failed to record idempotency key",
				zap.Int64("conversation", req.ConversationID),
				zap.Error(err))
		}
	}

	o.bus.PublishEvent(*ev)
	if ev.Finality == conversation.FinalityConversation {
		o.publishLifecycle(ctx, events.ConversationCompleted, req.ConversationID)
	}

	// Guidance is best-effort; failures are logged, never surfaced.
	o.emitGuidanceLocked(ctx, req.ConversationID)

	return res, nil
}

// assignTurn computes (turn, event ordinal) for the next append.
// Turn state is derived from the most recent ownership-relevant event:
// the latest non-system event, or any turn-closing system event after it.
func assignTurn(log []conversation.Event, req *SendRequest) (int64, int64, error) {
	var last *conversation.Event
	for i := len(log) - 1; i >= 0; i-- {
		ev := &log[i]
		if ev.Type != conversation.EventSystem || ev.Finality.Closes() {
			last = ev
			break
		}
	}

	if last != nil && !last.Finality.Closes() {
		// Turn open: only the owner may append (system closures included,
		// since they act on the owner's behalf).
		if req.AgentID != last.AgentID {
			return 0, 0, apperrors.TurnState(fmt.Sprintf(
				"turn %d is open by %q; %q may not append", last.Turn, last.AgentID, req.AgentID))
		}
		if req.TurnHint != 0 && req.TurnHint != last.Turn {
			return 0, 0, apperrors.TurnHintMismatch(req.TurnHint, last.Turn)
		}
		return last.Turn, last.Event + 1, nil
	}

	// Turn closed (or empty log): a new turn begins.
	var prevTurn int64
	if last != nil {
		prevTurn = last.Turn
	}
	turn := prevTurn + 1
	if req.TurnHint != 0 && req.TurnHint != turn {
		return 0, 0, apperrors.TurnHintMismatch(req.TurnHint, turn)
	}
	// A runtime system closure needs an open turn to close.
	if req.Type == conversation.EventSystem && req.Finality.Closes() {
		return 0, 0, apperrors.TurnState("no open turn to close")
	}
	return turn, 1, nil
}

// publishLifecycle pushes a conversation lifecycle signal on the
// cross-component event bus.
func (o *Orchestrator) publishLifecycle(ctx context.Context, eventType string, conversationID int64) {
	if o.events == nil {
		return
	}
	ev := eventbus.NewEvent(eventType, "orchestrator", map[string]interface{}{
		"conversationId": conversationID,
	})
	if err := o.events.Publish(ctx, eventType, ev); err != nil {
		o.log.Warn("failed to publish lifecycle event",
			zap.String("type", eventType),
			zap.Int64("conversation", conversationID),
			zap.Error(err))
	}
}

// GetConversation returns the conversation header.
func (o *Orchestrator) GetConversation(ctx context.Context, id int64) (*conversation.Conversation, error) {
	return o.store.GetConversation(ctx, id)
}

// GetSnapshot returns a stable snapshot of the conversation.
func (o *Orchestrator) GetSnapshot(ctx context.Context, id int64) (*conversation.Snapshot, error) {
	return o.store.Snapshot(ctx, id)
}

// GetEventsPage returns up to limit events after afterSeq.
func (o *Orchestrator) GetEventsPage(ctx context.Context, id, afterSeq int64, limit int) ([]conversation.Event, error) {
	return o.store.EventsPage(ctx, id, afterSeq, limit)
}

// ListConversations lists conversation headers.
func (o *Orchestrator) ListConversations(ctx context.Context, filter store.ConversationFilter) ([]*conversation.Conversation, error) {
	return o.store.ListConversations(ctx, filter)
}
