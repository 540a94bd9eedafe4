package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yoockh/streamscribe/internal/services"
	"github.com/yoockh/streamscribe/internal/utils"
)

type TranscriptionHandler struct {
	svc services.TranscriptionService
}

func NewTranscriptionHandler(svc services.TranscriptionService) *TranscriptionHandler {
	return &TranscriptionHandler{svc: svc}
}

// Process answers 200 with success=false when there is nothing to analyse;
// every other failure maps to its error status.
func (h *TranscriptionHandler) Process(c *gin.Context) {
	var req services.ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "TranscriptionHandler.Process", "invalid request body", err))
		return
	}

	res, err := h.svc.Process(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *TranscriptionHandler) Get(c *gin.Context) {
	sessionID, ok := requireParam(c, "session_id", "TranscriptionHandler.Get")
	if !ok {
		return
	}

	t, err := h.svc.GetTranscription(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *TranscriptionHandler) Latest(c *gin.Context) {
	id, err := h.svc.LatestSession(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": id})
}

func (h *TranscriptionHandler) Analysis(c *gin.Context) {
	sessionID, ok := requireParam(c, "session_id", "TranscriptionHandler.Analysis")
	if !ok {
		return
	}

	a, err := h.svc.LatestAnalysis(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *TranscriptionHandler) Delete(c *gin.Context) {
	sessionID, ok := requireParam(c, "session_id", "TranscriptionHandler.Delete")
	if !ok {
		return
	}

	if err := h.svc.Remove(c.Request.Context(), sessionID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "sessionId": sessionID})
}
