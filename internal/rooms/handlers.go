package rooms

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/banterop/banterop/internal/common/errors"
	"github.com/banterop/banterop/internal/common/logger"
)

// Handlers exposes the room HTTP surface: A2A JSON-RPC, SSE streams, lease
// endpoints, resets, epoch history and the agent card.
type Handlers struct {
	bridge    *Bridge
	leases    *LeaseManager
	heartbeat time.Duration
	log       *logger.Logger
}

// NewHandlers creates the room handlers.
func NewHandlers(bridge *Bridge, leases *LeaseManager, heartbeat time.Duration, log *logger.Logger) *Handlers {
	if heartbeat <= 0 {
		heartbeat = 20 * time.Second
	}
	return &Handlers{
		bridge:    bridge,
		leases:    leases,
		heartbeat: heartbeat,
		log:       log.WithFields(zap.String("component", "rooms")),
	}
}

// RegisterRoutes mounts the room surface under the given group.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	rooms := r.Group("/rooms")
	rooms.POST("/:pairId/a2a", h.handleA2A)
	rooms.GET("/:pairId/events.log", h.handleEventsLog)
	rooms.GET("/:pairId/server-events", h.handleServerEvents)
	rooms.POST("/:pairId/backend/release", h.handleBackendRelease)
	rooms.POST("/:pairId/reset", h.handleReset)
	rooms.GET("/:pairId/epochs", h.handleEpochs)
	rooms.GET("/:pairId/epochs/:epoch", h.handleEpoch)
	rooms.GET("/:pairId/.well-known/agent-card.json", h.handleAgentCard)
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status := apperrors.HTTPStatusFor(err)
	if status >= 500 {
		h.log.Error("room request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func sseHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
}

// handleEventsLog streams the pair's control-plane events. `since` replays
// the buffered backlog first; `backlogOnly=1` closes after the replay.
func (h *Handlers) handleEventsLog(c *gin.Context) {
	pairID := c.Param("pairId")
	since, _ := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	backlogOnly := c.Query("backlogOnly") == "1" || c.Query("backlogOnly") == "true"

	sseHeaders(c)
	notifier := h.bridge.Notifier()

	last := since
	for _, ev := range notifier.Backlog(pairID, since) {
		c.SSEvent(ev.Type, ev)
		last = ev.Seq
	}
	c.Writer.Flush()
	if backlogOnly {
		return
	}

	ctx := c.Request.Context()
	for {
		wait := notifier.Wait(pairID)
		select {
		case <-ctx.Done():
			return
		case <-wait:
		case <-time.After(h.heartbeat):
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			c.Writer.Flush()
			continue
		}
		for _, ev := range notifier.Backlog(pairID, last) {
			c.SSEvent(ev.Type, ev)
			last = ev.Seq
		}
		c.Writer.Flush()
	}
}

// handleServerEvents streams pair events like events.log; in backend mode it
// additionally negotiates the responder lease and renews it on each
// heartbeat tick.
func (h *Handlers) handleServerEvents(c *gin.Context) {
	pairID := c.Param("pairId")
	mode := c.DefaultQuery("mode", "observer")
	takeover := c.Query("takeover") == "1" || c.Query("takeover") == "true"
	leaseID := c.Query("leaseId")

	var (
		lease  Lease
		revoke <-chan string
		err    error
	)
	if mode == "backend" {
		connID := uuid.New().String()
		if leaseID != "" {
			lease, revoke, err = h.leases.Rebind(pairID, leaseID, connID)
		} else {
			lease, revoke, err = h.leases.Acquire(c.Request.Context(), pairID, connID, takeover)
		}
		if err != nil {
			h.fail(c, err)
			return
		}
	} else if mode != "observer" {
		h.fail(c, apperrors.Invalidf("unknown mode %q", mode))
		return
	}

	sseHeaders(c)
	if mode == "backend" {
		c.SSEvent(EventBackendGranted, gin.H{
			"leaseId": lease.LeaseID,
			"gen":     lease.Gen,
		})
	}
	c.Writer.Flush()

	notifier := h.bridge.Notifier()
	ctx := c.Request.Context()
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	// live-only stream: start past the buffered backlog
	last := notifier.Head(pairID)
	for {
		wait := notifier.Wait(pairID)
		select {
		case <-ctx.Done():
			return
		// revoke is nil in observer mode; a nil channel blocks forever
		case reason := <-revoke:
			c.SSEvent(EventBackendRevoked, gin.H{"reason": reason})
			c.Writer.Flush()
			return
		case <-ticker.C:
			if mode == "backend" && !h.leases.Renew(pairID, lease.LeaseID) {
				c.SSEvent(EventBackendRevoked, gin.H{"reason": "expired"})
				c.Writer.Flush()
				return
			}
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			c.Writer.Flush()
			continue
		case <-wait:
		}
		for _, ev := range notifier.Backlog(pairID, last) {
			c.SSEvent(ev.Type, ev)
			last = ev.Seq
		}
		c.Writer.Flush()
	}
}

// handleBackendRelease accepts the sendBeacon-style form release.
func (h *Handlers) handleBackendRelease(c *gin.Context) {
	pairID := c.Param("pairId")
	leaseID := c.PostForm("leaseId")
	if leaseID == "" {
		h.fail(c, apperrors.Invalid("leaseId is required"))
		return
	}
	released := h.leases.Release(c.Request.Context(), pairID, leaseID)
	c.JSON(http.StatusOK, gin.H{"released": released})
}

type resetRequest struct {
	Type string `json:"type"`
}

func (h *Handlers) handleReset(c *gin.Context) {
	pairID := c.Param("pairId")
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.Invalid("invalid body: "+err.Error()))
		return
	}
	if err := h.bridge.Reset(c.Request.Context(), pairID, req.Type); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) handleEpochs(c *gin.Context) {
	pairID := c.Param("pairId")
	asc := c.DefaultQuery("order", "desc") == "asc"
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	ctx := c.Request.Context()
	store := h.bridge.Store()

	var currentEpoch int64
	if pair, err := store.GetPair(ctx, pairID); err == nil {
		currentEpoch = pair.Epoch
	} else if apperrors.AsAppError(err) == nil {
		h.fail(c, err)
		return
	}

	epochs, err := store.ListEpochs(ctx, pairID, asc, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	counts, err := store.MessageCounts(ctx, pairID)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(epochs))
	for i := range epochs {
		e := &epochs[i]
		out = append(out, gin.H{
			"epoch":        e.Epoch,
			"initTaskId":   TaskID(RoleInit, pairID, e.Epoch),
			"respTaskId":   TaskID(RoleResp, pairID, e.Epoch),
			"terminal":     string(e.TerminalState),
			"messageCount": counts[e.Epoch],
			"createdAt":    e.CreatedAt,
			"updatedAt":    e.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"currentEpoch": currentEpoch, "epochs": out})
}

func (h *Handlers) handleEpoch(c *gin.Context) {
	pairID := c.Param("pairId")
	epochNum, err := strconv.ParseInt(c.Param("epoch"), 10, 64)
	if err != nil || epochNum < 1 {
		h.fail(c, apperrors.Invalid("invalid epoch"))
		return
	}
	viewer := Role(c.DefaultQuery("viewer", "init"))
	if !viewer.Valid() {
		h.fail(c, apperrors.Invalidf("unknown viewer %q", viewer))
		return
	}
	task, err := h.bridge.Project(c.Request.Context(), pairID, epochNum, viewer, nil)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}
