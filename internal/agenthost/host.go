// Package agenthost runs internal agents as in-process workers. The host
// owns worker lifecycle (ensure, stop, resume after restart) and reacts to
// conversation completion by reaping workers.
package agenthost

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/banterop/banterop/internal/agenthost/agents"
	"github.com/banterop/banterop/internal/agenthost/executor"
	"github.com/banterop/banterop/internal/common/config"
	"github.com/banterop/banterop/internal/common/logger"
	"github.com/banterop/banterop/internal/conversation"
	"github.com/banterop/banterop/internal/events"
	eventbus "github.com/banterop/banterop/internal/events/bus"
	"github.com/banterop/banterop/internal/llm"
	"github.com/banterop/banterop/internal/orchestrator"
)

type workerKey struct {
	conversationID int64
	agentID        string
}

type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Host manages one executor goroutine per ensured (conversation, agent).
type Host struct {
	orc    *orchestrator.Orchestrator
	events eventbus.EventBus
	llm    llm.Provider
	log    *logger.Logger
	cfg    config.AgentConfig

	mu      sync.Mutex
	workers map[workerKey]*worker
	closed  bool

	lifecycleSub eventbus.Subscription
	baseCtx      context.Context
	baseCancel   context.CancelFunc
	wg           sync.WaitGroup
}

// New creates a host. Call Start before ensuring agents.
func New(orc *orchestrator.Orchestrator, events eventbus.EventBus, provider llm.Provider, cfg config.AgentConfig, log *logger.Logger) *Host {
	return &Host{
		orc:     orc,
		events:  events,
		llm:     provider,
		log:     log,
		cfg:     cfg,
		workers: map[workerKey]*worker{},
	}
}

// Start subscribes to conversation lifecycle signals and arms the host.
func (h *Host) Start(ctx context.Context) error {
	h.baseCtx, h.baseCancel = context.WithCancel(context.WithoutCancel(ctx))

	sub, err := h.events.Subscribe(events.ConversationCompleted, h.onConversationCompleted)
	if err != nil {
		return fmt.Errorf("subscribe to completion events: %w", err)
	}
	h.lifecycleSub = sub
	return nil
}

// Ensure starts workers for the given agents of a conversation. An empty
// agentIDs list means every internal agent in the conversation's metadata.
// Already-running workers are left alone. Returns the agent ids now ensured.
func (h *Host) Ensure(ctx context.Context, conversationID int64, agentIDs []string) ([]string, error) {
	conv, err := h.orc.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == conversation.StatusCompleted {
		return nil, fmt.Errorf("conversation %d is completed", conversationID)
	}

	entries, err := h.resolveEntries(&conv.Metadata, agentIDs)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ID)
	}
	if err := h.orc.Store().AddRunners(ctx, conversationID, ids); err != nil {
		return nil, fmt.Errorf("persist runner registry: %w", err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("agent host is shut down")
	}
	started := false
	for _, entry := range entries {
		key := workerKey{conversationID: conversationID, agentID: entry.ID}
		if _, running := h.workers[key]; running {
			continue
		}
		agent, err := agents.New(entry, agents.Deps{
			LLM:    h.llm,
			Custom: conv.Metadata.Custom,
			Logger: h.log,
		})
		if err != nil {
			h.mu.Unlock()
			return nil, fmt.Errorf("build agent %s: %w", entry.ID, err)
		}
		h.spawnLocked(key, agent)
		started = true
	}
	h.mu.Unlock()

	if started {
		// Wake any worker whose turn is already pending.
		if err := h.orc.PokeGuidance(ctx, conversationID); err != nil {
			h.log.Warn("guidance poke after ensure failed",
				zap.Int64("conversation", conversationID), zap.Error(err))
		}
	}
	return ids, nil
}

// resolveEntries maps requested agent ids to internal metadata entries. With
// no explicit ids every internal agent is selected.
func (h *Host) resolveEntries(meta *conversation.Metadata, agentIDs []string) ([]conversation.AgentEntry, error) {
	if len(agentIDs) == 0 {
		var out []conversation.AgentEntry
		for _, entry := range meta.Agents {
			if entry.Kind == conversation.AgentInternal {
				out = append(out, entry)
			}
		}
		return out, nil
	}
	out := make([]conversation.AgentEntry, 0, len(agentIDs))
	for _, id := range agentIDs {
		entry := meta.Agent(id)
		if entry == nil {
			return nil, fmt.Errorf("agent %q is not a conversation participant", id)
		}
		if entry.Kind != conversation.AgentInternal {
			return nil, fmt.Errorf("agent %q is external and cannot be hosted", id)
		}
		out = append(out, *entry)
	}
	return out, nil
}

// spawnLocked starts one worker goroutine. Caller holds h.mu.
func (h *Host) spawnLocked(key workerKey, agent agents.Agent) {
	wctx, cancel := context.WithCancel(h.baseCtx)
	w := &worker{cancel: cancel, done: make(chan struct{})}
	h.workers[key] = w

	opts := []executor.Option{
		executor.WithRecoveryMode(executor.RecoveryMode(h.cfg.RecoveryMode)),
		executor.WithDeadlineFloor(h.cfg.DeadlineFloor()),
	}
	ex := executor.New(key.conversationID, key.agentID, agent, h.orc, h.orc.Bus(), h.log, opts...)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer close(w.done)
		if err := ex.Run(wctx); err != nil {
			h.log.Error("agent worker exited with error",
				zap.Int64("conversation", key.conversationID),
				zap.String("agent", key.agentID),
				zap.Error(err))
		}
		h.mu.Lock()
		if h.workers[key] == w {
			delete(h.workers, key)
		}
		h.mu.Unlock()
	}()
}

// List returns the agent ids ensured for a conversation: live workers when
// any exist, otherwise the persisted registry (workers not yet resumed).
func (h *Host) List(ctx context.Context, conversationID int64) ([]string, error) {
	h.mu.Lock()
	var live []string
	for key := range h.workers {
		if key.conversationID == conversationID {
			live = append(live, key.agentID)
		}
	}
	h.mu.Unlock()
	if len(live) > 0 {
		sort.Strings(live)
		return live, nil
	}

	rows, err := h.orc.Store().ListRunners(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.AgentID)
	}
	sort.Strings(ids)
	return ids, nil
}

// Stop cancels workers for the given agents and removes their registry rows.
// An empty agentIDs list stops everything for the conversation.
func (h *Host) Stop(ctx context.Context, conversationID int64, agentIDs []string) error {
	h.mu.Lock()
	var stopped []*worker
	for key, w := range h.workers {
		if key.conversationID != conversationID {
			continue
		}
		if len(agentIDs) > 0 && !contains(agentIDs, key.agentID) {
			continue
		}
		w.cancel()
		stopped = append(stopped, w)
		delete(h.workers, key)
	}
	h.mu.Unlock()

	for _, w := range stopped {
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return h.orc.Store().RemoveRunners(ctx, conversationID, agentIDs)
}

// ResumeAll restarts workers for every active conversation recorded in the
// runner registry. Called once at startup.
func (h *Host) ResumeAll(ctx context.Context) error {
	active, err := h.orc.Store().ActiveRunners(ctx)
	if err != nil {
		return fmt.Errorf("load runner registry: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for conversationID, agentIDs := range active {
		conversationID, agentIDs := conversationID, agentIDs
		g.Go(func() error {
			if _, err := h.Ensure(gctx, conversationID, agentIDs); err != nil {
				h.log.Error("failed to resume agents",
					zap.Int64("conversation", conversationID),
					zap.Strings("agents", agentIDs),
					zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// onConversationCompleted reaps workers when a conversation closes. Workers
// also observe the closing event themselves; this is the backstop for
// workers stuck mid-turn.
func (h *Host) onConversationCompleted(ctx context.Context, event *eventbus.Event) error {
	conversationID, ok := conversationIDFromEvent(event)
	if !ok {
		h.log.Warn("completion event without conversation id", zap.String("type", event.Type))
		return nil
	}

	h.mu.Lock()
	for key, w := range h.workers {
		if key.conversationID == conversationID {
			w.cancel()
			delete(h.workers, key)
		}
	}
	h.mu.Unlock()

	if err := h.orc.Store().RemoveRunners(ctx, conversationID, nil); err != nil {
		h.log.Warn("failed to clear runner registry",
			zap.Int64("conversation", conversationID), zap.Error(err))
	}
	return nil
}

// conversationIDFromEvent extracts the conversation id from a lifecycle
// event. JSON transports deliver numbers as float64, the in-memory bus
// preserves int64.
func conversationIDFromEvent(event *eventbus.Event) (int64, bool) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return 0, false
	}
	switch v := data["conversationId"].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		id, err := v.Int64()
		return id, err == nil
	default:
		return 0, false
	}
}

// Shutdown cancels every worker and waits for them to exit.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	for key, w := range h.workers {
		w.cancel()
		delete(h.workers, key)
	}
	h.mu.Unlock()

	if h.lifecycleSub != nil {
		if err := h.lifecycleSub.Unsubscribe(); err != nil {
			h.log.Warn("failed to unsubscribe lifecycle handler", zap.Error(err))
		}
	}
	if h.baseCancel != nil {
		h.baseCancel()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
