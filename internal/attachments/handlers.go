package attachments

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/banterop/banterop/internal/common/errors"
	"github.com/banterop/banterop/internal/common/logger"
)

// Handlers exposes the attachment HTTP surface.
type Handlers struct {
	store *Store
	log   *logger.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(store *Store, log *logger.Logger) *Handlers {
	return &Handlers{store: store, log: log}
}

// RegisterRoutes mounts the attachment routes on the API group.
func (h *Handlers) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/attachments/:id", h.getMeta)
	api.GET("/attachments/:id/content", h.getContent)
	api.GET("/conversations/:conversationId/attachments/:docId", h.getByDoc)
}

func (h *Handlers) getMeta(c *gin.Context) {
	att, err := h.store.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(apperrors.HTTPStatusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, att)
}

func (h *Handlers) getContent(c *gin.Context) {
	att, err := h.store.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(apperrors.HTTPStatusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Disposition", contentDisposition(att.Name))
	c.Data(http.StatusOK, att.ContentType, att.Content)
}

// getByDoc resolves a scenario-scoped doc id to its latest attachment.
func (h *Handlers) getByDoc(c *gin.Context) {
	conversationID, err := strconv.ParseInt(c.Param("conversationId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}
	att, err := h.store.GetByDocID(c.Request.Context(), conversationID, c.Param("docId"))
	if err != nil {
		c.JSON(apperrors.HTTPStatusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, att)
}

// contentDisposition builds an RFC 5987 filename* disposition so non-ASCII
// names survive the header.
func contentDisposition(name string) string {
	if name == "" {
		name = "attachment"
	}
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`,
		asciiFallback(name), url.PathEscape(name))
}

func asciiFallback(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			out = append(out, '_')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
