package websocket

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/banterop/banterop/internal/agenthost"
	apperrors "github.com/banterop/banterop/internal/common/errors"
	"github.com/banterop/banterop/internal/common/logger"
	"github.com/banterop/banterop/internal/conversation"
	"github.com/banterop/banterop/internal/events"
	eventbus "github.com/banterop/banterop/internal/events/bus"
	"github.com/banterop/banterop/internal/orchestrator"
	"github.com/banterop/banterop/internal/orchestrator/subs"
	"github.com/banterop/banterop/internal/scenario"
	"github.com/banterop/banterop/pkg/jsonrpc"
)

// Push frame methods the server sends without a request.
const (
	pushEvent        = "event"
	pushGuidance     = "guidance"
	pushLag          = "lag"
	pushConversation = "conversation"
)

// Gateway dispatches JSON-RPC requests arriving on WebSocket clients to the
// orchestrator, the agent host and the subscription bus.
type Gateway struct {
	orc       *orchestrator.Orchestrator
	host      *agenthost.Host
	events    eventbus.EventBus
	scenarios *scenario.Store
	log       *logger.Logger
}

// NewGateway creates a gateway. scenarios may be nil when the scenario store
// is not wired (getConversation then ignores includeScenario).
func NewGateway(orc *orchestrator.Orchestrator, host *agenthost.Host, bus eventbus.EventBus, scenarios *scenario.Store, log *logger.Logger) *Gateway {
	return &Gateway{
		orc:       orc,
		host:      host,
		events:    bus,
		scenarios: scenarios,
		log:       log.WithFields(zap.String("component", "ws_gateway")),
	}
}

// dispatch routes one request. A nil response means the request was a
// notification or the method replies asynchronously.
func (g *Gateway) dispatch(ctx context.Context, c *Client, req *jsonrpc.Request) *jsonrpc.Response {
	switch req.Method {
	case "ping":
		return jsonrpc.NewResponse(req.ID, map[string]interface{}{
			"ok": true,
			"ts": time.Now().UnixMilli(),
		})
	case "createConversation":
		return g.createConversation(ctx, req)
	case "getConversation":
		return g.getConversation(ctx, req)
	case "getEventsPage":
		return g.getEventsPage(ctx, req)
	case "subscribe":
		return g.subscribe(ctx, c, req)
	case "subscribeAll":
		return g.subscribeAll(ctx, c, req)
	case "subscribeConversations":
		return g.subscribeConversations(c, req)
	case "unsubscribe":
		return g.unsubscribe(c, req)
	case "sendMessage":
		return g.sendMessage(ctx, req)
	case "sendTrace":
		return g.sendTrace(ctx, req)
	case "clearTurn":
		return g.clearTurn(ctx, req)
	case "lifecycle.ensure":
		return g.lifecycleEnsure(ctx, req)
	case "lifecycle.stop":
		return g.lifecycleStop(ctx, req)
	case "lifecycle.getEnsured":
		return g.lifecycleGetEnsured(ctx, req)
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.MethodNotFound, "unknown method "+req.Method)
	}
}

// fail maps an application error onto the JSON-RPC error space.
func fail(id interface{}, err error) *jsonrpc.Response {
	return jsonrpc.NewErrorResponse(id, apperrors.RPCCodeFor(err), err.Error())
}

func parseParams(req *jsonrpc.Request, out interface{}) *jsonrpc.Response {
	if len(req.Params) == 0 {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, "params required")
	}
	if err := json.Unmarshal(req.Params, out); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, "invalid params: "+err.Error())
	}
	return nil
}

func (g *Gateway) createConversation(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var meta conversation.Metadata
	if resp := parseParams(req, &meta); resp != nil {
		return resp
	}
	conv, err := g.orc.CreateConversation(ctx, meta)
	if err != nil {
		return fail(req.ID, err)
	}
	return jsonrpc.NewResponse(req.ID, map[string]interface{}{
		"conversationId": conv.ID,
		"title":          conv.Metadata.Title,
	})
}

type getConversationParams struct {
	ConversationID  int64 `json:"conversationId"`
	IncludeScenario bool  `json:"includeScenario"`
}

func (g *Gateway) getConversation(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var p getConversationParams
	if resp := parseParams(req, &p); resp != nil {
		return resp
	}
	snap, err := g.orc.GetSnapshot(ctx, p.ConversationID)
	if err != nil {
		return fail(req.ID, err)
	}
	result := struct {
		*conversation.Snapshot
		Scenario json.RawMessage `json:"scenario,omitempty"`
	}{Snapshot: snap}
	if p.IncludeScenario && g.scenarios != nil && snap.Metadata.ScenarioID != "" {
		if sc, err := g.scenarios.Get(ctx, snap.Metadata.ScenarioID); err == nil {
			result.Scenario = sc.Config
		}
	}
	return jsonrpc.NewResponse(req.ID, result)
}

type getEventsPageParams struct {
	ConversationID int64 `json:"conversationId"`
	AfterSeq       int64 `json:"afterSeq"`
	Limit          int   `json:"limit"`
}

func (g *Gateway) getEventsPage(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var p getEventsPageParams
	if resp := parseParams(req, &p); resp != nil {
		return resp
	}
	if p.Limit <= 0 {
		p.Limit = 100
	}
	evs, err := g.orc.GetEventsPage(ctx, p.ConversationID, p.AfterSeq, p.Limit)
	if err != nil {
		return fail(req.ID, err)
	}
	result := map[string]interface{}{"events": evs}
	if len(evs) == p.Limit {
		result["nextAfterSeq"] = evs[len(evs)-1].Seq
	}
	return jsonrpc.NewResponse(req.ID, result)
}

type subscribeParams struct {
	ConversationID  int64 `json:"conversationId"`
	IncludeGuidance bool  `json:"includeGuidance"`
	SinceSeq        int64 `json:"sinceSeq"`
	Filters         *struct {
		Types  []conversation.EventType `json:"types"`
		Agents []string                 `json:"agents"`
	} `json:"filters"`
}

func (g *Gateway) subscribe(ctx context.Context, c *Client, req *jsonrpc.Request) *jsonrpc.Response {
	var p subscribeParams
	if resp := parseParams(req, &p); resp != nil {
		return resp
	}
	if p.ConversationID == 0 {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, "conversationId required")
	}
	filter := subs.Filter{
		ConversationID:  p.ConversationID,
		IncludeGuidance: p.IncludeGuidance,
		SinceSeq:        p.SinceSeq,
	}
	if p.Filters != nil {
		filter.Types = p.Filters.Types
		filter.Agents = p.Filters.Agents
	}
	return g.startSubscription(ctx, c, req, filter)
}

type subscribeAllParams struct {
	IncludeGuidance bool `json:"includeGuidance"`
}

func (g *Gateway) subscribeAll(ctx context.Context, c *Client, req *jsonrpc.Request) *jsonrpc.Response {
	var p subscribeAllParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, "invalid params: "+err.Error())
		}
	}
	return g.startSubscription(ctx, c, req, subs.Filter{IncludeGuidance: p.IncludeGuidance})
}

// startSubscription registers a bus subscription and pumps its notifications
// to the client as push frames until the client drops or unsubscribes.
func (g *Gateway) startSubscription(ctx context.Context, c *Client, req *jsonrpc.Request, filter subs.Filter) *jsonrpc.Response {
	sub, err := g.orc.Bus().Subscribe(context.WithoutCancel(ctx), filter)
	if err != nil {
		return fail(req.ID, err)
	}
	subID := sub.ID()
	c.addSubscription(subID, sub.Cancel)

	go func() {
		defer c.removeSubscription(subID)
		for n := range sub.C() {
			switch n.Kind {
			case subs.KindEvent:
				c.sendNotification(pushEvent, map[string]interface{}{
					"subId": subID,
					"event": n.Event,
				})
			case subs.KindGuidance:
				c.sendNotification(pushGuidance, map[string]interface{}{
					"subId":    subID,
					"guidance": n.Guidance,
				})
			case subs.KindLag:
				c.sendNotification(pushLag, map[string]interface{}{
					"subId": subID,
				})
			}
		}
	}()

	return jsonrpc.NewResponse(req.ID, map[string]interface{}{"subId": subID})
}

// subscribeConversations pushes a frame whenever any conversation is created
// or terminally closes, via the cross-component event bus.
func (g *Gateway) subscribeConversations(c *Client, req *jsonrpc.Request) *jsonrpc.Response {
	subID := "conv-" + c.ID + "-" + time.Now().Format("150405.000000000")

	handler := func(ctx context.Context, event *eventbus.Event) error {
		data, _ := event.Data.(map[string]interface{})
		c.sendNotification(pushConversation, map[string]interface{}{
			"subId":          subID,
			"type":           event.Type,
			"conversationId": data["conversationId"],
		})
		return nil
	}

	created, err := g.events.Subscribe(events.ConversationCreated, handler)
	if err != nil {
		return fail(req.ID, err)
	}
	completed, err := g.events.Subscribe(events.ConversationCompleted, handler)
	if err != nil {
		_ = created.Unsubscribe()
		return fail(req.ID, err)
	}
	c.addSubscription(subID, func() {
		_ = created.Unsubscribe()
		_ = completed.Unsubscribe()
	})

	return jsonrpc.NewResponse(req.ID, map[string]interface{}{"subId": subID})
}

type unsubscribeParams struct {
	SubID string `json:"subId"`
}

func (g *Gateway) unsubscribe(c *Client, req *jsonrpc.Request) *jsonrpc.Response {
	var p unsubscribeParams
	if resp := parseParams(req, &p); resp != nil {
		return resp
	}
	c.cancelSubscription(p.SubID)
	return jsonrpc.NewResponse(req.ID, map[string]interface{}{"ok": true})
}

type sendParams struct {
	ConversationID  int64                 `json:"conversationId"`
	Turn            int64                 `json:"turn"`
	AgentID         string                `json:"agentId"`
	MessagePayload  json.RawMessage       `json:"messagePayload"`
	TracePayload    json.RawMessage       `json:"tracePayload"`
	Finality        conversation.Finality `json:"finality"`
	ClientRequestID string                `json:"clientRequestId"`
}

func (g *Gateway) sendMessage(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var p sendParams
	if resp := parseParams(req, &p); resp != nil {
		return resp
	}
	res, err := g.orc.SendMessage(ctx, orchestrator.SendRequest{
		ConversationID:  p.ConversationID,
		TurnHint:        p.Turn,
		AgentID:         p.AgentID,
		Payload:         p.MessagePayload,
		Finality:        p.Finality,
		ClientRequestID: p.ClientRequestID,
	})
	if err != nil {
		return fail(req.ID, err)
	}
	return jsonrpc.NewResponse(req.ID, res)
}

func (g *Gateway) sendTrace(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var p sendParams
	if resp := parseParams(req, &p); resp != nil {
		return resp
	}
	res, err := g.orc.SendTrace(ctx, orchestrator.SendRequest{
		ConversationID:  p.ConversationID,
		TurnHint:        p.Turn,
		AgentID:         p.AgentID,
		Payload:         p.TracePayload,
		Finality:        p.Finality,
		ClientRequestID: p.ClientRequestID,
	})
	if err != nil {
		return fail(req.ID, err)
	}
	return jsonrpc.NewResponse(req.ID, res)
}

type clearTurnParams struct {
	ConversationID int64  `json:"conversationId"`
	AgentID        string `json:"agentId"`
}

func (g *Gateway) clearTurn(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var p clearTurnParams
	if resp := parseParams(req, &p); resp != nil {
		return resp
	}
	turn, err := g.orc.ClearTurn(ctx, p.ConversationID, p.AgentID)
	if err != nil {
		return fail(req.ID, err)
	}
	return jsonrpc.NewResponse(req.ID, map[string]interface{}{"turn": turn})
}

type lifecycleParams struct {
	ConversationID int64    `json:"conversationId"`
	AgentIDs       []string `json:"agentIds"`
}

func ensuredList(ids []string) map[string]interface{} {
	out := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]string{"id": id})
	}
	return map[string]interface{}{"ensured": out}
}

func (g *Gateway) lifecycleEnsure(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var p lifecycleParams
	if resp := parseParams(req, &p); resp != nil {
		return resp
	}
	ids, err := g.host.Ensure(ctx, p.ConversationID, p.AgentIDs)
	if err != nil {
		return fail(req.ID, err)
	}
	return jsonrpc.NewResponse(req.ID, ensuredList(ids))
}

func (g *Gateway) lifecycleStop(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var p lifecycleParams
	if resp := parseParams(req, &p); resp != nil {
		return resp
	}
	if err := g.host.Stop(ctx, p.ConversationID, p.AgentIDs); err != nil {
		return fail(req.ID, err)
	}
	return jsonrpc.NewResponse(req.ID, map[string]interface{}{"ok": true})
}

func (g *Gateway) lifecycleGetEnsured(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var p lifecycleParams
	if resp := parseParams(req, &p); resp != nil {
		return resp
	}
	ids, err := g.host.List(ctx, p.ConversationID)
	if err != nil {
		return fail(req.ID, err)
	}
	return jsonrpc.NewResponse(req.ID, ensuredList(ids))
}
