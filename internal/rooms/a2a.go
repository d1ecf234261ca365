package rooms

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/banterop/banterop/internal/common/errors"
	"github.com/banterop/banterop/pkg/a2a"
	"github.com/banterop/banterop/pkg/jsonrpc"
)

// BackendLeaseHeader authorizes responder-side A2A writes.
const BackendLeaseHeader = "X-Banterop-Backend-Lease"

// maxA2ABodySize bounds request bodies (inline base64 attachments included).
const maxA2ABodySize = 16 << 20

// handleA2A serves POST /rooms/:pairId/a2a. JSON-RPC errors are returned
// with HTTP 200; only transport failures use HTTP status codes.
func (h *Handlers) handleA2A(c *gin.Context) {
	pairID := c.Param("pairId")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxA2ABodySize))
	if err != nil {
		c.JSON(http.StatusOK, jsonrpc.NewErrorResponse(nil, jsonrpc.ParseError, "failed to read body"))
		return
	}
	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusOK, jsonrpc.NewErrorResponse(nil, jsonrpc.ParseError, "invalid JSON"))
		return
	}

	switch req.Method {
	case a2a.MethodMessageSend:
		h.a2aSend(c, pairID, &req, false)
	case a2a.MethodMessageStream:
		h.a2aSend(c, pairID, &req, true)
	case a2a.MethodTasksGet:
		h.a2aTasksGet(c, pairID, &req)
	case a2a.MethodTasksCancel:
		h.a2aTasksCancel(c, pairID, &req)
	case a2a.MethodTasksResubscribe, a2a.MethodTasksSubscribe:
		h.a2aResubscribe(c, pairID, &req)
	default:
		c.JSON(http.StatusOK, jsonrpc.NewErrorResponse(req.ID, jsonrpc.MethodNotFound, "unknown method "+req.Method))
	}
}

// a2aAuthor determines which side is writing. Callers holding the backend
// lease act as the responder; everyone else is the initiator.
func (h *Handlers) a2aAuthor(c *gin.Context, pairID, taskID string) (Role, error) {
	author := RoleInit
	if taskID != "" {
		role, _, _, err := ParseTaskID(taskID)
		if err == nil {
			author = role
		}
	}
	if author == RoleResp {
		leaseID := c.GetHeader(BackendLeaseHeader)
		if leaseID == "" || !h.leases.Held(pairID, leaseID) {
			return "", apperrors.BackendNotHeld("responder writes require a live backend lease")
		}
	}
	return author, nil
}

func a2aFail(c *gin.Context, id interface{}, err error) {
	c.JSON(http.StatusOK, jsonrpc.NewErrorResponse(id, apperrors.RPCCodeFor(err), err.Error()))
}

func (h *Handlers) a2aSend(c *gin.Context, pairID string, req *jsonrpc.Request, stream bool) {
	var params a2a.MessageSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.JSON(http.StatusOK, jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, "invalid params: "+err.Error()))
		return
	}
	author, err := h.a2aAuthor(c, pairID, params.Message.TaskID)
	if err != nil {
		a2aFail(c, req.ID, err)
		return
	}

	task, err := h.bridge.Send(c.Request.Context(), pairID, author, params.Message)
	if err != nil {
		a2aFail(c, req.ID, err)
		return
	}

	if !stream {
		c.JSON(http.StatusOK, jsonrpc.NewResponse(req.ID, task))
		return
	}
	h.streamTask(c, pairID, req.ID, task)
}

func (h *Handlers) a2aTasksGet(c *gin.Context, pairID string, req *jsonrpc.Request) {
	var params a2a.TaskQueryParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.JSON(http.StatusOK, jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, "invalid params: "+err.Error()))
		return
	}
	task, err := h.bridge.ProjectTask(c.Request.Context(), pairID, params.ID, params.HistoryLength)
	if err != nil {
		a2aFail(c, req.ID, err)
		return
	}
	c.JSON(http.StatusOK, jsonrpc.NewResponse(req.ID, task))
}

func (h *Handlers) a2aTasksCancel(c *gin.Context, pairID string, req *jsonrpc.Request) {
	var params a2a.TaskIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.JSON(http.StatusOK, jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, "invalid params: "+err.Error()))
		return
	}
	task, err := h.bridge.Cancel(c.Request.Context(), pairID, params.ID)
	if err != nil {
		a2aFail(c, req.ID, err)
		return
	}
	c.JSON(http.StatusOK, jsonrpc.NewResponse(req.ID, task))
}

func (h *Handlers) a2aResubscribe(c *gin.Context, pairID string, req *jsonrpc.Request) {
	var params a2a.TaskIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.JSON(http.StatusOK, jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, "invalid params: "+err.Error()))
		return
	}
	task, err := h.bridge.ProjectTask(c.Request.Context(), pairID, params.ID, nil)
	if err != nil {
		a2aFail(c, req.ID, err)
		return
	}
	h.streamTask(c, pairID, req.ID, task)
}

// streamTask emits the current task frame, then a status-update frame on
// every pair event until the task turns terminal or the client goes away.
func (h *Handlers) streamTask(c *gin.Context, pairID string, rpcID interface{}, task *a2a.Task) {
	viewer, _, epochNum, err := ParseTaskID(task.ID)
	if err != nil {
		a2aFail(c, rpcID, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// A2A frames carry the full JSON-RPC envelope as the event payload, so
	// encode explicitly rather than relying on gin's value rendering.
	writeFrame := func(result interface{}) bool {
		payload, err := json.Marshal(jsonrpc.NewResponse(rpcID, result))
		if err != nil {
			return false
		}
		if err := sse.Encode(c.Writer, sse.Event{Event: "message", Data: string(payload)}); err != nil {
			return false
		}
		c.Writer.Flush()
		return c.Request.Context().Err() == nil
	}

	if !writeFrame(task) {
		return
	}
	lastState := task.Status.State
	if lastState.Terminal() {
		return
	}

	ctx := c.Request.Context()
	for {
		wait := h.bridge.Notifier().Wait(pairID)
		select {
		case <-ctx.Done():
			return
		case <-wait:
		case <-time.After(30 * time.Second):
			// keep-alive comment frame
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			c.Writer.Flush()
			continue
		}

		current, err := h.bridge.Project(ctx, pairID, epochNum, viewer, nil)
		if err != nil {
			h.log.Warn("stream projection failed", zap.String("pair", pairID), zap.Error(err))
			return
		}
		if current.Status.State == lastState && len(current.History) == len(task.History) {
			continue
		}
		task = current
		lastState = current.Status.State

		update := a2a.StatusUpdateEvent{
			Kind:      "status-update",
			TaskID:    current.ID,
			ContextID: pairID,
			Status:    current.Status,
			Final:     lastState.Terminal(),
		}
		if !writeFrame(update) {
			return
		}
		if lastState.Terminal() {
			writeFrame(current)
			return
		}
	}
}
