package scenario

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/banterop/banterop/internal/common/errors"
	"github.com/banterop/banterop/internal/common/logger"
)

// editTokenHeader guards writes on published scenarios.
const editTokenHeader = "X-Edit-Token"

// Handlers exposes the scenario HTTP surface.
type Handlers struct {
	store *Store
	log   *logger.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(store *Store, log *logger.Logger) *Handlers {
	return &Handlers{store: store, log: log}
}

// RegisterRoutes mounts the scenario routes on the API group.
func (h *Handlers) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/scenarios", h.list)
	api.GET("/scenarios/:id", h.get)
	api.POST("/scenarios", h.create)
	api.PUT("/scenarios/:id", h.update)
	api.DELETE("/scenarios/:id", h.remove)
}

type scenarioRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Config    json.RawMessage `json:"config"`
	Published bool            `json:"published"`
	EditToken string          `json:"editToken"`
}

func (h *Handlers) list(c *gin.Context) {
	scenarios, err := h.store.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scenarios": scenarios})
}

func (h *Handlers) get(c *gin.Context) {
	sc, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (h *Handlers) create(c *gin.Context) {
	var req scenarioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scenario body"})
		return
	}
	sc, err := h.store.Insert(c.Request.Context(), req.ID, req.Name, req.Config, req.Published, req.EditToken)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sc)
}

func (h *Handlers) update(c *gin.Context) {
	var req scenarioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scenario body"})
		return
	}
	sc, err := h.store.Update(c.Request.Context(), c.Param("id"), req.Name, req.Config, c.GetHeader(editTokenHeader))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (h *Handlers) remove(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("id"), c.GetHeader(editTokenHeader)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status := apperrors.HTTPStatusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("scenario request failed", zap.Error(err))
		c.JSON(status, gin.H{"error": "request failed"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
