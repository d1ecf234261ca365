package rooms

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/banterop/banterop/pkg/a2a"
)

// cardVersion is bumped when the advertised surface changes.
const cardVersion = "1.0.0"

// handleAgentCard serves the pair's A2A discovery document. The card is a
// template merged with the pair's URL so external clients can locate the
// JSON-RPC endpoint.
func (h *Handlers) handleAgentCard(c *gin.Context) {
	pairID := c.Param("pairId")

	scheme := "http"
	if c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	base := scheme + "://" + c.Request.Host + "/api/rooms/" + pairID

	card := a2a.AgentCard{
		Name:            "Banterop room " + pairID,
		Description:     "Conversational interoperability room; send A2A messages to converse with the hosted counterpart.",
		URL:             base + "/a2a",
		Version:         cardVersion,
		ProtocolVersion: "0.3.0",
		Capabilities: a2a.AgentCapabilities{
			Streaming: true,
		},
		DefaultInputModes:  []string{"text/plain"},
		DefaultOutputModes: []string{"text/plain"},
		Skills: []a2a.AgentSkill{
			{
				ID:          "chat",
				Name:        "Chat",
				Description: "Multi-turn conversation with the room's responder.",
				Tags:        []string{"chat", "interop"},
			},
		},
	}
	c.JSON(http.StatusOK, card)
}
