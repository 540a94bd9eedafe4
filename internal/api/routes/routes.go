package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yoockh/streamscribe/internal/api/handlers"
)

type Deps struct {
	System        *handlers.SystemHandler
	Transcription *handlers.TranscriptionHandler
	Recording     *handlers.RecordingHandler
	Session       *handlers.SessionHandler
	Conversation  *handlers.ConversationHandler // nil without Postgres
	WS            *handlers.WSHandler
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	// Health-ish
	r.GET("/ping", d.System.Ping)
	r.GET("/health", d.System.Health)
	r.GET("/providers", d.System.Providers)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	tr := r.Group("/transcription")
	tr.POST("/process", d.Transcription.Process)
	tr.GET("/latest", d.Transcription.Latest)
	tr.GET("/:session_id", d.Transcription.Get)
	tr.GET("/:session_id/analysis", d.Transcription.Analysis)
	tr.DELETE("/:session_id", d.Transcription.Delete)

	r.POST("/transcribe", d.Recording.Transcribe)
	r.GET("/session/:session_id", d.Session.Get)

	if d.Conversation != nil {
		r.GET("/conversation/:session_id", d.Conversation.ListBySession)
	}

	// WebSocket
	r.GET("/ws/stream-transcribe", d.WS.StreamTranscribe)
}
