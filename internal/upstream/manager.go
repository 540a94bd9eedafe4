package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/yoockh/streamscribe/internal/metrics"
	"github.com/yoockh/streamscribe/internal/models"
	"github.com/yoockh/streamscribe/internal/utils"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultFlushDeadline  = 3 * time.Second
	DefaultGracePeriodMS  = 500

	// cutoff offsets applied when the caller does not pin one
	chunkLatencyMS = 50
	idleCutoffMS   = 100

	writeWait = 10 * time.Second
)

// Listener receives session events. Calls are best-effort and made from the
// session's read goroutine; implementations must not block.
type Listener interface {
	OnTranscription(sessionID string, f models.Fragment)
	OnStreamEnded(sessionID string)
	OnError(sessionID string, err error)
}

// FragmentSink stores recognized fragments. It is the binding side of a
// transcription event; listener fan-out is not.
type FragmentSink interface {
	Append(sessionID string, f models.Fragment) error
}

type Config struct {
	URL            string
	Dialer         *websocket.Dialer
	ConnectTimeout time.Duration
	FlushDeadline  time.Duration
	Logger         *logrus.Entry
	Now            func() time.Time
}

type session struct {
	id       string
	conn     *websocket.Conn
	wmu      sync.Mutex
	listener Listener

	// guarded by Manager.mu
	state       models.SessionState
	lastChunkMS int64
	pending     *FlushHandle
	confirmed   bool
	endAcked    bool
	closing     bool
	counted     bool

	connected chan struct{}
	done      chan struct{}
}

// Manager owns one engine connection per session and implements the
// audio-forward, transcript-receive and flush-acknowledge protocol.
type Manager struct {
	url            string
	dialer         *websocket.Dialer
	connectTimeout time.Duration
	flushDeadline  time.Duration
	log            *logrus.Entry
	now            func() time.Time
	sink           FragmentSink

	mu       sync.Mutex
	sessions map[string]*session

	lmu       sync.RWMutex
	listeners []Listener
}

func NewManager(cfg Config, sink FragmentSink) *Manager {
	m := &Manager{
		url:            cfg.URL,
		dialer:         cfg.Dialer,
		connectTimeout: cfg.ConnectTimeout,
		flushDeadline:  cfg.FlushDeadline,
		log:            cfg.Logger,
		now:            cfg.Now,
		sink:           sink,
		sessions:       make(map[string]*session),
	}
	if m.dialer == nil {
		m.dialer = websocket.DefaultDialer
	}
	if m.connectTimeout <= 0 {
		m.connectTimeout = DefaultConnectTimeout
	}
	if m.flushDeadline <= 0 {
		m.flushDeadline = DefaultFlushDeadline
	}
	if m.log == nil {
		m.log = logrus.NewEntry(logrus.StandardLogger())
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// AddListener registers a process-wide listener that sees every session.
func (m *Manager) AddListener(l Listener) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Connect opens the engine link for sessionID, registers the session and
// waits for the engine's confirmation. l, when non-nil, receives only this
// session's events.
func (m *Manager) Connect(ctx context.Context, sessionID string, l Listener) error {
	const op = "Manager.Connect"

	if sessionID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}

	s := &session{
		id:        sessionID,
		listener:  l,
		state:     models.SessionConnecting,
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		return utils.E(utils.CodeConflict, op, "session already exists", nil)
	}
	m.sessions[sessionID] = s
	m.mu.Unlock()

	log := m.log.WithField("session_id", sessionID)

	ctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	conn, _, err := m.dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		m.forget(s)
		metrics.UpstreamConnectsTotal.WithLabelValues("unreachable").Inc()
		log.WithError(err).Warn("upstream dial failed")
		if errors.Is(err, context.DeadlineExceeded) {
			return utils.E(utils.CodeTimeout, op, "upstream connection timed out", err)
		}
		return utils.E(utils.CodeUnavailable, op, "upstream engine unreachable", err)
	}

	m.mu.Lock()
	if m.sessions[sessionID] != s {
		m.mu.Unlock()
		_ = conn.Close()
		return utils.E(utils.CodeFailedPrecondition, op, "session released while connecting", ErrSessionNotReady)
	}
	s.conn = conn
	m.mu.Unlock()

	go m.readLoop(s)

	if err := m.write(s, Message{Type: MsgConnect, SessionID: sessionID}); err != nil {
		m.Disconnect(sessionID)
		metrics.UpstreamConnectsTotal.WithLabelValues("unreachable").Inc()
		return utils.E(utils.CodeUnavailable, op, "failed to register session upstream", err)
	}

	select {
	case <-s.connected:
	case <-s.done:
		m.Disconnect(sessionID)
		metrics.UpstreamConnectsTotal.WithLabelValues("closed").Inc()
		return utils.E(utils.CodeUnavailable, op, "upstream closed before confirming session", ErrUpstreamClosed)
	case <-ctx.Done():
		m.Disconnect(sessionID)
		metrics.UpstreamConnectsTotal.WithLabelValues("timeout").Inc()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return utils.E(utils.CodeTimeout, op, "upstream connection timed out", ctx.Err())
		}
		return utils.E(utils.CodeUnavailable, op, "upstream connection cancelled", ctx.Err())
	}

	// the handshake suspended us; the session may have been released meanwhile
	m.mu.Lock()
	if m.sessions[sessionID] != s || s.state != models.SessionConnecting {
		m.mu.Unlock()
		return utils.E(utils.CodeFailedPrecondition, op, "session released while connecting", ErrSessionNotReady)
	}
	s.state = models.SessionActive
	s.counted = true
	m.mu.Unlock()

	metrics.UpstreamConnectsTotal.WithLabelValues("connected").Inc()
	metrics.UpstreamSessionsActive.Inc()
	log.Info("upstream session active")
	return nil
}

// SendAudioChunk forwards one audio chunk. It reports false, and only logs,
// when the session is not ready: audio lost during setup or teardown is
// accepted.
func (m *Manager) SendAudioChunk(sessionID string, audio []byte, timestampMS int64) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || !accepting(s.state) {
		m.mu.Unlock()
		m.log.WithField("session_id", sessionID).Debug("audio chunk dropped: session not ready")
		metrics.AudioChunksTotal.WithLabelValues("dropped").Inc()
		return false
	}
	now := m.now().UnixMilli()
	s.lastChunkMS = now
	m.mu.Unlock()

	if timestampMS <= 0 {
		timestampMS = now
	}
	err := m.write(s, Message{
		Type:      MsgAudioChunk,
		SessionID: sessionID,
		Chunk:     base64.StdEncoding.EncodeToString(audio),
		Timestamp: float64(timestampMS),
	})
	if err != nil {
		m.log.WithField("session_id", sessionID).WithError(err).Warn("audio chunk write failed")
		metrics.AudioChunksTotal.WithLabelValues("dropped").Inc()
		return false
	}
	metrics.AudioChunksTotal.WithLabelValues("forwarded").Inc()
	return true
}

type FlushOptions struct {
	CutoffMS int64 // zero derives the cutoff from the last forwarded chunk
	GraceMS  int64 // zero means DefaultGracePeriodMS
}

// Flush asks the engine to process everything up to the cutoff. The returned
// handle resolves on the engine's acknowledgment or at the flush deadline,
// whichever comes first; both count as success.
func (m *Manager) Flush(sessionID string, opts FlushOptions) (*FlushHandle, error) {
	const op = "Manager.Flush"

	grace := opts.GraceMS
	if grace <= 0 {
		grace = DefaultGracePeriodMS
	}

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		metrics.FlushesTotal.WithLabelValues("rejected").Inc()
		return nil, utils.E(utils.CodeFailedPrecondition, op, "session is not live upstream", ErrUnknownSession)
	}
	if !accepting(s.state) {
		m.mu.Unlock()
		metrics.FlushesTotal.WithLabelValues("rejected").Inc()
		return nil, utils.E(utils.CodeFailedPrecondition, op, "session is "+string(s.state), ErrSessionNotReady)
	}
	if s.pending != nil {
		m.mu.Unlock()
		metrics.FlushesTotal.WithLabelValues("rejected").Inc()
		return nil, utils.E(utils.CodeConflict, op, "a flush is already pending", ErrAlreadyFlushing)
	}

	cutoff := opts.CutoffMS
	if cutoff <= 0 {
		if s.lastChunkMS > 0 {
			cutoff = s.lastChunkMS - chunkLatencyMS
		} else {
			cutoff = m.now().UnixMilli() - idleCutoffMS
		}
	}

	h := newFlushHandle(sessionID, cutoff, grace)
	s.pending = h
	s.state = models.SessionFlushing
	h.timer = time.AfterFunc(m.flushDeadline, func() { m.settleFlush(s, h, flushByDeadline) })
	m.mu.Unlock()

	err := m.write(s, Message{
		Type:            MsgFlushBuffer,
		SessionID:       sessionID,
		CutoffTimestamp: cutoff,
		GracePeriodMS:   grace,
	})
	if err != nil {
		m.settleFlush(s, h, flushByAbort)
		return nil, utils.E(utils.CodeUnavailable, op, "failed to send flush request", err)
	}

	m.log.WithFields(logrus.Fields{"session_id": sessionID, "cutoff_ms": cutoff, "grace_ms": grace}).Debug("flush requested")
	return h, nil
}

// EndStream tells the engine no more audio will follow. The connection stays
// open; the caller releases it with Disconnect.
func (m *Manager) EndStream(sessionID string) error {
	const op = "Manager.EndStream"

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return utils.E(utils.CodeFailedPrecondition, op, "session is not live upstream", ErrUnknownSession)
	}
	if !accepting(s.state) {
		m.mu.Unlock()
		return utils.E(utils.CodeFailedPrecondition, op, "session is "+string(s.state), ErrSessionNotReady)
	}
	m.mu.Unlock()

	if err := m.write(s, Message{Type: MsgEndStream, SessionID: sessionID}); err != nil {
		return utils.E(utils.CodeUnavailable, op, "failed to send end of stream", err)
	}
	return nil
}

// Disconnect closes the engine connection and discards the session. A flush
// still pending is resolved immediately as aborted.
func (m *Manager) Disconnect(sessionID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, sessionID)
	s.closing = true
	s.state = models.SessionEnded
	pending := s.pending
	s.pending = nil
	counted := s.counted
	s.counted = false
	conn := s.conn
	m.mu.Unlock()

	if pending != nil {
		pending.resolve(flushByAbort)
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session released"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if counted {
		metrics.UpstreamSessionsActive.Dec()
	}
	m.log.WithField("session_id", sessionID).Info("upstream session released")
	return true
}

// Close releases every session.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Disconnect(id)
	}
}

func (m *Manager) State(sessionID string) (models.SessionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return "", false
	}
	return s.state, true
}

func (m *Manager) LiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func accepting(st models.SessionState) bool {
	return st == models.SessionActive || st == models.SessionFlushing
}

func (m *Manager) forget(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
}

func (m *Manager) write(s *session, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

// settleFlush detaches h from the session, if it is still the pending flush,
// and resolves it.
func (m *Manager) settleFlush(s *session, h *FlushHandle, how flushOutcome) {
	m.mu.Lock()
	if s.pending == h {
		s.pending = nil
		if s.state == models.SessionFlushing {
			s.state = models.SessionActive
		}
	}
	m.mu.Unlock()
	h.resolve(how)
}

func (m *Manager) readLoop(s *session) {
	defer close(s.done)

	log := m.log.WithField("session_id", s.id)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			m.handleClose(s, err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.WithError(err).Warn("malformed upstream message")
			continue
		}
		m.dispatch(s, msg, log)
	}
}

func (m *Manager) dispatch(s *session, msg Message, log *logrus.Entry) {
	switch msg.Type {
	case MsgConnected:
		m.mu.Lock()
		if !s.confirmed {
			s.confirmed = true
			close(s.connected)
		}
		m.mu.Unlock()

	case MsgTranscription:
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			return
		}
		f := models.Fragment{
			Text:       text,
			Confidence: models.NormalizeConfidence(msg.Confidence),
			Final:      msg.Final,
			ReceivedAt: m.now().UnixMilli(),
		}
		if m.sink != nil {
			if err := m.sink.Append(s.id, f); err != nil {
				log.WithError(err).Warn("failed to store fragment")
				return
			}
		}
		metrics.FragmentsTotal.Inc()
		for _, l := range m.listenersFor(s) {
			l.OnTranscription(s.id, f)
		}

	case MsgBufferFlushed:
		m.mu.Lock()
		h := s.pending
		m.mu.Unlock()
		if h == nil {
			log.Debug("flush acknowledgment without pending flush")
			return
		}
		m.settleFlush(s, h, flushByAck)

	case MsgStreamEnded:
		m.mu.Lock()
		s.endAcked = true
		m.mu.Unlock()
		for _, l := range m.listenersFor(s) {
			l.OnStreamEnded(s.id)
		}

	case MsgError:
		err := &EngineError{SessionID: s.id, Message: msg.Message}
		log.WithError(err).Warn("upstream reported error")
		for _, l := range m.listenersFor(s) {
			l.OnError(s.id, err)
		}

	default:
		log.WithField("type", msg.Type).Debug("ignoring upstream message")
	}
}

// handleClose runs when the engine connection drops. A close we initiated,
// or one that follows an end-of-stream acknowledgment, is silent. A normal
// close without that acknowledgment is reported as stream ended; any other
// close is reported as an error.
func (m *Manager) handleClose(s *session, err error) {
	m.mu.Lock()
	if m.sessions[s.id] != s || s.closing {
		m.mu.Unlock()
		return
	}
	acked := s.endAcked
	wasConnecting := s.state == models.SessionConnecting
	s.state = models.SessionEnded
	pending := s.pending
	s.pending = nil
	counted := s.counted
	s.counted = false
	m.mu.Unlock()

	if pending != nil {
		pending.resolve(flushByAbort)
	}
	if counted {
		metrics.UpstreamSessionsActive.Dec()
	}

	log := m.log.WithField("session_id", s.id)
	if wasConnecting {
		// Connect reports this one itself
		log.WithError(err).Debug("upstream closed during handshake")
		return
	}
	switch {
	case acked:
		log.Debug("upstream closed after end of stream")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure):
		// the engine ended the stream on its own; holders still need to let go
		log.Info("upstream closed without end-of-stream acknowledgment")
		for _, l := range m.listenersFor(s) {
			l.OnStreamEnded(s.id)
		}
	default:
		log.WithError(err).Warn("upstream closed unexpectedly")
		for _, l := range m.listenersFor(s) {
			l.OnError(s.id, ErrUpstreamClosed)
		}
	}
}

func (m *Manager) listenersFor(s *session) []Listener {
	m.lmu.RLock()
	defer m.lmu.RUnlock()

	out := make([]Listener, 0, len(m.listeners)+1)
	if s.listener != nil {
		out = append(out, s.listener)
	}
	return append(out, m.listeners...)
}
