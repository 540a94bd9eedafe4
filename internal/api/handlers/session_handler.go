package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yoockh/streamscribe/internal/models"
	"github.com/yoockh/streamscribe/internal/services"
	"github.com/yoockh/streamscribe/internal/utils"
)

// LiveStates reports the upstream state of a session that is still open.
type LiveStates interface {
	State(sessionID string) (models.SessionState, bool)
}

type SessionHandler struct {
	svc  services.SessionService // nil when Mongo is not configured
	live LiveStates
}

func NewSessionHandler(svc services.SessionService, live LiveStates) *SessionHandler {
	return &SessionHandler{svc: svc, live: live}
}

type SessionResponse struct {
	SessionID string                `json:"session_id"`
	Session   *models.StreamSession `json:"session,omitempty"`
	Live      bool                  `json:"live"`
	State     models.SessionState   `json:"state,omitempty"`
}

func (h *SessionHandler) Get(c *gin.Context) {
	const op = "SessionHandler.Get"

	sessionID, ok := requireParam(c, "session_id", op)
	if !ok {
		return
	}
	resp := SessionResponse{SessionID: sessionID}

	if h.live != nil {
		resp.State, resp.Live = h.live.State(sessionID)
	}

	if h.svc != nil {
		sess, err := h.svc.Get(c.Request.Context(), sessionID)
		switch {
		case err == nil:
			resp.Session = sess
		case utils.IsCode(err, utils.CodeNotFound) && resp.Live:
			// audit write may still be in flight
		default:
			writeError(c, err)
			return
		}
	}

	if resp.Session == nil && !resp.Live {
		writeError(c, utils.E(utils.CodeNotFound, op, "session not found", utils.ErrNotFound))
		return
	}
	c.JSON(http.StatusOK, resp)
}
