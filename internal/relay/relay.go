package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/yoockh/streamscribe/internal/models"
	"github.com/yoockh/streamscribe/internal/upstream"
	"github.com/yoockh/streamscribe/internal/utils"
)

// Caller-facing message types.
const (
	MsgStartStream = "start_stream"
	MsgAudioChunk  = "audio_chunk"
	MsgFlushBuffer = "flush_buffer"
	MsgEndStream   = "end_stream"

	EventStreamStarted = "stream_started"
	EventTranscription = "transcription"
	EventBufferFlushed = "buffer_flushed"
	EventStreamEnded   = "stream_ended"
	EventError         = "error"
)

const DefaultEndGrace = 500 * time.Millisecond

// Event is one message to the caller.
type Event struct {
	Type       string   `json:"type"`
	SessionID  string   `json:"sessionId,omitempty"`
	Text       string   `json:"text,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Final      *bool    `json:"final,omitempty"`
	Message    string   `json:"message,omitempty"`
}

// Emitter delivers events to the caller. It must be safe for concurrent use.
type Emitter interface {
	Emit(ev Event) error
}

// Upstream is the part of upstream.Manager the relay drives.
type Upstream interface {
	Connect(ctx context.Context, sessionID string, l upstream.Listener) error
	SendAudioChunk(sessionID string, audio []byte, timestampMS int64) bool
	Flush(sessionID string, opts upstream.FlushOptions) (*upstream.FlushHandle, error)
	EndStream(sessionID string) error
	Disconnect(sessionID string) bool
}

// Auditor records stream lifecycles. Failures are logged only.
type Auditor interface {
	Start(ctx context.Context, sessionID, remoteIP string) (*models.StreamSession, error)
	End(ctx context.Context, sessionID string) (*models.StreamSession, error)
}

type Config struct {
	Upstream Upstream
	Emitter  Emitter
	Auditor  Auditor
	EndGrace time.Duration
	RemoteIP string
	Logger   *logrus.Entry
	NewID    func() string
}

// Relay bridges one caller connection and at most one upstream session.
type Relay struct {
	up       Upstream
	emit     Emitter
	audit    Auditor
	endGrace time.Duration
	remoteIP string
	log      *logrus.Entry
	newID    func() string

	mu           sync.Mutex
	sessionID    string
	ending       bool
	endNotified  bool
	releaseTimer *time.Timer

	wg sync.WaitGroup
}

func New(cfg Config) *Relay {
	r := &Relay{
		up:       cfg.Upstream,
		emit:     cfg.Emitter,
		audit:    cfg.Auditor,
		endGrace: cfg.EndGrace,
		remoteIP: cfg.RemoteIP,
		log:      cfg.Logger,
		newID:    cfg.NewID,
	}
	if r.endGrace <= 0 {
		r.endGrace = DefaultEndGrace
	}
	if r.log == nil {
		r.log = logrus.NewEntry(logrus.StandardLogger())
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	return r
}

type inbound struct {
	Type            string  `json:"type"`
	Chunk           string  `json:"chunk"`
	Timestamp       float64 `json:"timestamp"`
	CutoffTimestamp int64   `json:"cutoffTimestamp"`
	GracePeriodMS   int64   `json:"gracePeriodMs"`
}

// HandleMessage decodes one caller frame and dispatches it. Protocol errors
// are reported to the caller and never close the channel.
func (r *Relay) HandleMessage(ctx context.Context, raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.sendError("invalid json")
		return
	}

	switch msg.Type {
	case MsgStartStream:
		_ = r.OnStart(ctx)
	case MsgAudioChunk:
		audio, err := decodeChunk(msg.Chunk)
		if err != nil {
			r.sendError("invalid audio chunk")
			return
		}
		r.OnAudioChunk(audio, int64(msg.Timestamp))
	case MsgFlushBuffer:
		r.OnFlushRequest(msg.CutoffTimestamp, msg.GracePeriodMS)
	case MsgEndStream:
		r.OnEnd()
	default:
		r.sendError("unknown message type: " + msg.Type)
	}
}

func decodeChunk(s string) ([]byte, error) {
	if i := strings.Index(s, ","); i >= 0 {
		s = s[i+1:] // strip data:...;base64,
	}
	if s == "" {
		return nil, errors.New("empty chunk")
	}
	return base64.StdEncoding.DecodeString(s)
}

// SessionID is the live session, or empty before start and after release.
func (r *Relay) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// OnStart opens an upstream session. On failure the caller connection stays
// open and unstarted.
func (r *Relay) OnStart(ctx context.Context) error {
	const op = "Relay.OnStart"

	r.mu.Lock()
	if r.sessionID != "" {
		r.mu.Unlock()
		err := utils.E(utils.CodeConflict, op, "stream already started", nil)
		r.sendError(utils.PublicMessage(err))
		return err
	}
	r.mu.Unlock()

	id := r.newID()
	if err := r.up.Connect(ctx, id, r); err != nil {
		r.log.WithError(err).WithField("session_id", id).Warn("upstream connect failed")
		r.sendError(utils.PublicMessage(err))
		return err
	}

	r.mu.Lock()
	r.sessionID = id
	r.ending = false
	r.endNotified = false
	r.mu.Unlock()

	if r.audit != nil {
		if _, err := r.audit.Start(ctx, id, r.remoteIP); err != nil {
			r.log.WithError(err).WithField("session_id", id).Warn("session audit start failed")
		}
	}

	r.log.WithField("session_id", id).Info("stream started")
	r.send(Event{Type: EventStreamStarted, SessionID: id})
	return nil
}

// OnAudioChunk forwards audio. Chunks before start, or after the upstream
// session ended, are dropped with an error event; nothing is buffered.
func (r *Relay) OnAudioChunk(audio []byte, timestampMS int64) {
	id := r.SessionID()
	if id == "" {
		r.sendError("stream not started")
		return
	}
	if !r.up.SendAudioChunk(id, audio, timestampMS) {
		r.sendError("upstream session is not accepting audio")
	}
}

// OnFlushRequest asks upstream to flush and reports buffer_flushed once the
// flush settles, whatever the outcome.
func (r *Relay) OnFlushRequest(cutoffMS, graceMS int64) {
	id := r.SessionID()
	if id == "" {
		r.sendError("stream not started")
		return
	}

	h, err := r.up.Flush(id, upstream.FlushOptions{CutoffMS: cutoffMS, GraceMS: graceMS})
	if err != nil {
		r.sendError(utils.PublicMessage(err))
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		res := h.Result()
		r.log.WithFields(logrus.Fields{
			"session_id":   id,
			"acknowledged": res.Acknowledged,
			"timed_out":    res.TimedOut,
			"aborted":      res.Aborted,
		}).Debug("flush settled")
		r.send(Event{Type: EventBufferFlushed, SessionID: id})
	}()
}

// OnEnd signals end of stream upstream and releases the session after the
// grace delay, or earlier if upstream acknowledges.
func (r *Relay) OnEnd() {
	id := r.SessionID()
	if id == "" {
		r.sendError("stream not started")
		return
	}

	if err := r.up.EndStream(id); err != nil {
		r.log.WithError(err).WithField("session_id", id).Warn("end of stream not delivered")
		r.sendError(utils.PublicMessage(err))
		r.release(id, true)
		return
	}

	r.mu.Lock()
	if r.sessionID == id && !r.ending {
		r.ending = true
		r.releaseTimer = time.AfterFunc(r.endGrace, func() { r.release(id, true) })
	}
	r.mu.Unlock()
}

// OnDisconnect releases any open session, whether or not OnEnd ran.
func (r *Relay) OnDisconnect() {
	if id := r.SessionID(); id != "" {
		r.release(id, false)
	}
}

// Wait blocks until in-flight flush notifications are delivered.
func (r *Relay) Wait() { r.wg.Wait() }

func (r *Relay) release(id string, notify bool) {
	r.mu.Lock()
	if r.sessionID != id {
		r.mu.Unlock()
		return
	}
	r.sessionID = ""
	if r.releaseTimer != nil {
		r.releaseTimer.Stop()
		r.releaseTimer = nil
	}
	notify = notify && !r.endNotified
	r.endNotified = true
	r.mu.Unlock()

	r.up.Disconnect(id)
	if r.audit != nil {
		if _, err := r.audit.End(context.Background(), id); err != nil {
			r.log.WithError(err).WithField("session_id", id).Warn("session audit end failed")
		}
	}
	if notify {
		r.send(Event{Type: EventStreamEnded, SessionID: id})
	}
	r.log.WithField("session_id", id).Info("stream released")
}

func (r *Relay) OnTranscription(sessionID string, f models.Fragment) {
	conf, final := f.Confidence, f.Final
	r.send(Event{
		Type:       EventTranscription,
		SessionID:  sessionID,
		Text:       f.Text,
		Confidence: &conf,
		Final:      &final,
	})
}

// OnStreamEnded covers both the acknowledgment of our end_stream and the
// engine ending the stream on its own. Either way the session is over.
func (r *Relay) OnStreamEnded(sessionID string) {
	r.mu.Lock()
	if r.sessionID != sessionID {
		r.mu.Unlock()
		return
	}
	already := r.endNotified
	r.endNotified = true
	r.mu.Unlock()

	if !already {
		r.send(Event{Type: EventStreamEnded, SessionID: sessionID})
	}
	r.release(sessionID, false)
}

func (r *Relay) OnError(sessionID string, err error) {
	r.send(Event{Type: EventError, SessionID: sessionID, Message: err.Error()})
	// the upstream link is gone; free the slot so the caller can start again
	if errors.Is(err, upstream.ErrUpstreamClosed) {
		r.release(sessionID, false)
	}
}

func (r *Relay) sendError(msg string) {
	r.send(Event{Type: EventError, Message: msg})
}

func (r *Relay) send(ev Event) {
	if err := r.emit.Emit(ev); err != nil {
		r.log.WithError(err).WithField("type", ev.Type).Debug("emit to caller failed")
	}
}
