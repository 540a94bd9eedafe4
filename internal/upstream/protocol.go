package upstream

// Message types exchanged with the recognition engine. Every message is a
// JSON text frame carrying the session id.
const (
	MsgConnect       = "connect"
	MsgConnected     = "connected"
	MsgAudioChunk    = "audio_chunk"
	MsgTranscription = "transcription"
	MsgFlushBuffer   = "flush_buffer"
	MsgBufferFlushed = "buffer_flushed"
	MsgEndStream     = "end_stream"
	MsgStreamEnded   = "stream_ended"
	MsgError         = "error"
)

// Message is the single envelope used in both directions.
type Message struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`

	// audio_chunk
	Chunk string `json:"chunk,omitempty"` // base64 PCM

	// audio_chunk carries ms; the engine stamps transcriptions with its own clock
	Timestamp float64 `json:"timestamp,omitempty"`

	// transcription
	Text       string   `json:"text,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Final      bool     `json:"final,omitempty"`

	// flush_buffer
	CutoffTimestamp int64 `json:"cutoffTimestamp,omitempty"`
	GracePeriodMS   int64 `json:"gracePeriodMs,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}
