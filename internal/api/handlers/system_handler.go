package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yoockh/streamscribe/internal/models"
)

type ProviderStatuser interface {
	Status(ctx context.Context) ([]models.ProviderStatus, error)
}

type LiveCounter interface {
	LiveSessions() int
}

type BufferedSessions interface {
	ActiveSessions() []string
}

type SystemHandler struct {
	providers   ProviderStatuser
	live        LiveCounter
	buffers     BufferedSessions
	upstreamURL string
}

func NewSystemHandler(providers ProviderStatuser, live LiveCounter, buffers BufferedSessions, upstreamURL string) *SystemHandler {
	return &SystemHandler{providers: providers, live: live, buffers: buffers, upstreamURL: upstreamURL}
}

func (h *SystemHandler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}

func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "healthy",
		"upstream":         h.upstreamURL,
		"liveSessions":     h.live.LiveSessions(),
		"bufferedSessions": len(h.buffers.ActiveSessions()),
	})
}

func (h *SystemHandler) Providers(c *gin.Context) {
	st, err := h.providers.Status(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": st})
}
