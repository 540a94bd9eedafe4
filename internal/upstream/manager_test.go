package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yoockh/streamscribe/internal/logger"
	"github.com/yoockh/streamscribe/internal/metrics"
	"github.com/yoockh/streamscribe/internal/models"
	"github.com/yoockh/streamscribe/internal/utils"
)

// fakeEngine speaks the engine side of the protocol over a real websocket.
type fakeEngine struct {
	srv *httptest.Server

	confirm  atomic.Bool
	ackFlush atomic.Bool

	mu       sync.Mutex
	conns    map[string]*engineConn
	received chan Message
}

type engineConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (c *engineConn) send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.c.WriteJSON(msg)
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	e := &fakeEngine{conns: make(map[string]*engineConn), received: make(chan Message, 64)}
	e.confirm.Store(true)
	e.ackFlush.Store(true)

	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ec := &engineConn{c: c}
		defer c.Close()

		for {
			var msg Message
			if err := c.ReadJSON(&msg); err != nil {
				return
			}
			e.received <- msg

			switch msg.Type {
			case MsgConnect:
				e.mu.Lock()
				e.conns[msg.SessionID] = ec
				e.mu.Unlock()
				if e.confirm.Load() {
					_ = ec.send(Message{Type: MsgConnected, SessionID: msg.SessionID})
				}
			case MsgFlushBuffer:
				if e.ackFlush.Load() {
					_ = ec.send(Message{Type: MsgBufferFlushed, SessionID: msg.SessionID})
				}
			case MsgEndStream:
				_ = ec.send(Message{Type: MsgStreamEnded, SessionID: msg.SessionID})
				ec.mu.Lock()
				_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
				ec.mu.Unlock()
				return
			}
		}
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *fakeEngine) url() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http")
}

func (e *fakeEngine) conn(t *testing.T, sessionID string) *engineConn {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conns[sessionID]
	require.True(t, ok, "engine has no connection for %s", sessionID)
	return c
}

// next returns the next message of the given type the engine received.
func (e *fakeEngine) next(t *testing.T, typ string) Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-e.received:
			if msg.Type == typ {
				return msg
			}
		case <-timeout:
			t.Fatalf("engine never received %s", typ)
		}
	}
}

type memSink struct {
	mu    sync.Mutex
	frags map[string][]models.Fragment
}

func (s *memSink) Append(sessionID string, f models.Fragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frags == nil {
		s.frags = make(map[string][]models.Fragment)
	}
	s.frags[sessionID] = append(s.frags[sessionID], f)
	return nil
}

func (s *memSink) get(sessionID string) []models.Fragment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Fragment(nil), s.frags[sessionID]...)
}

type recordingListener struct {
	fragments chan models.Fragment
	ended     chan string
	errs      chan error
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		fragments: make(chan models.Fragment, 16),
		ended:     make(chan string, 4),
		errs:      make(chan error, 4),
	}
}

func (l *recordingListener) OnTranscription(_ string, f models.Fragment) { l.fragments <- f }
func (l *recordingListener) OnStreamEnded(id string)                     { l.ended <- id }
func (l *recordingListener) OnError(_ string, err error)                 { l.errs <- err }

func fixedNow(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func newTestManager(e *fakeEngine, sink FragmentSink, mutate func(*Config)) *Manager {
	cfg := Config{
		URL:            e.url(),
		ConnectTimeout: time.Second,
		FlushDeadline:  200 * time.Millisecond,
		Logger:         logger.WithComponent(logger.Discard(), "upstream"),
		Now:            fixedNow(10_000),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewManager(cfg, sink)
}

func TestConnectRegistersAndActivates(t *testing.T) {
	e := newFakeEngine(t)
	m := newTestManager(e, &memSink{}, nil)
	t.Cleanup(m.Close)

	require.NoError(t, m.Connect(context.Background(), "s1", nil))

	assert.Equal(t, "s1", e.next(t, MsgConnect).SessionID)
	st, ok := m.State("s1")
	require.True(t, ok)
	assert.Equal(t, models.SessionActive, st)
	assert.Equal(t, 1, m.LiveSessions())
}

func TestConnectTimesOutWithoutConfirmation(t *testing.T) {
	e := newFakeEngine(t)
	e.confirm.Store(false)
	m := newTestManager(e, &memSink{}, func(c *Config) { c.ConnectTimeout = 100 * time.Millisecond })

	err := m.Connect(context.Background(), "s1", nil)
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.CodeTimeout))
	_, ok := m.State("s1")
	assert.False(t, ok)
}

func TestConnectUnreachable(t *testing.T) {
	e := newFakeEngine(t)
	url := e.url()
	e.srv.Close()

	m := newTestManager(e, &memSink{}, func(c *Config) { c.URL = url })
	err := m.Connect(context.Background(), "s1", nil)
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.CodeUnavailable))
	assert.Equal(t, 0, m.LiveSessions())
}

func TestConnectRejectsDuplicateSession(t *testing.T) {
	e := newFakeEngine(t)
	m := newTestManager(e, &memSink{}, nil)
	t.Cleanup(m.Close)

	require.NoError(t, m.Connect(context.Background(), "s1", nil))
	err := m.Connect(context.Background(), "s1", nil)
	assert.True(t, utils.IsCode(err, utils.CodeConflict))
}

func TestTranscriptionIsStoredAndFannedOut(t *testing.T) {
	e := newFakeEngine(t)
	sink := &memSink{}
	m := newTestManager(e, sink, nil)
	t.Cleanup(m.Close)

	global := newRecordingListener()
	m.AddListener(global)
	own := newRecordingListener()
	require.NoError(t, m.Connect(context.Background(), "s1", own))

	conf := 0.8
	ec := e.conn(t, "s1")
	require.NoError(t, ec.send(Message{Type: MsgTranscription, SessionID: "s1", Text: "  hello  ", Final: true, Confidence: &conf}))
	require.NoError(t, ec.send(Message{Type: MsgTranscription, SessionID: "s1", Text: "   "}))
	require.NoError(t, ec.send(Message{Type: MsgTranscription, SessionID: "s1", Text: "world"}))

	for _, l := range []*recordingListener{own, global} {
		first := <-l.fragments
		assert.Equal(t, "hello", first.Text)
		assert.Equal(t, 0.8, first.Confidence)
		assert.True(t, first.Final)
		assert.Equal(t, int64(10_000), first.ReceivedAt)

		second := <-l.fragments
		assert.Equal(t, "world", second.Text)
		assert.Equal(t, 1.0, second.Confidence)
	}

	frags := sink.get("s1")
	require.Len(t, frags, 2)
	assert.Equal(t, "hello", frags[0].Text)
}

func TestSendAudioChunkForwardsOnlyWhenReady(t *testing.T) {
	e := newFakeEngine(t)
	m := newTestManager(e, &memSink{}, nil)
	t.Cleanup(m.Close)

	assert.False(t, m.SendAudioChunk("nope", []byte{1, 2}, 0))

	require.NoError(t, m.Connect(context.Background(), "s1", nil))
	assert.True(t, m.SendAudioChunk("s1", []byte{1, 2, 3}, 1234))

	msg := e.next(t, MsgAudioChunk)
	assert.Equal(t, "AQID", msg.Chunk)
	assert.Equal(t, float64(1234), msg.Timestamp)
}

func TestFlushAcknowledged(t *testing.T) {
	e := newFakeEngine(t)
	m := newTestManager(e, &memSink{}, nil)
	t.Cleanup(m.Close)
	require.NoError(t, m.Connect(context.Background(), "s1", nil))
	require.True(t, m.SendAudioChunk("s1", []byte{0}, 0))

	h, err := m.Flush("s1", FlushOptions{})
	require.NoError(t, err)

	msg := e.next(t, MsgFlushBuffer)
	assert.Equal(t, int64(10_000-50), msg.CutoffTimestamp)
	assert.Equal(t, int64(500), msg.GracePeriodMS)

	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Acknowledged)
	assert.False(t, res.TimedOut)

	st, _ := m.State("s1")
	assert.Equal(t, models.SessionActive, st)
}

func TestFlushWithoutChunksUsesNow(t *testing.T) {
	e := newFakeEngine(t)
	m := newTestManager(e, &memSink{}, nil)
	t.Cleanup(m.Close)
	require.NoError(t, m.Connect(context.Background(), "s1", nil))

	h, err := m.Flush("s1", FlushOptions{GraceMS: 250})
	require.NoError(t, err)
	msg := e.next(t, MsgFlushBuffer)
	assert.Equal(t, int64(10_000-100), msg.CutoffTimestamp)
	assert.Equal(t, int64(250), msg.GracePeriodMS)
	<-h.Done()
}

func TestSecondFlushWhilePendingFails(t *testing.T) {
	e := newFakeEngine(t)
	e.ackFlush.Store(false)
	m := newTestManager(e, &memSink{}, func(c *Config) { c.FlushDeadline = time.Second })
	t.Cleanup(m.Close)
	require.NoError(t, m.Connect(context.Background(), "s1", nil))

	h, err := m.Flush("s1", FlushOptions{CutoffMS: 5000})
	require.NoError(t, err)

	_, err = m.Flush("s1", FlushOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyFlushing)
	assert.True(t, utils.IsCode(err, utils.CodeConflict))

	st, _ := m.State("s1")
	assert.Equal(t, models.SessionFlushing, st)
	assert.Equal(t, int64(5000), e.next(t, MsgFlushBuffer).CutoffTimestamp)

	m.Disconnect("s1")
	<-h.Done()
}

func TestFlushResolvesAtDeadlineWithoutAck(t *testing.T) {
	e := newFakeEngine(t)
	e.ackFlush.Store(false)
	m := newTestManager(e, &memSink{}, func(c *Config) { c.FlushDeadline = 100 * time.Millisecond })
	t.Cleanup(m.Close)
	require.NoError(t, m.Connect(context.Background(), "s1", nil))

	started := time.Now()
	h, err := m.Flush("s1", FlushOptions{})
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("flush never resolved")
	}
	assert.Less(t, time.Since(started), time.Second)

	res := h.Result()
	assert.True(t, res.TimedOut)
	assert.False(t, res.Acknowledged)

	// a new flush is accepted once the previous one settled
	_, err = m.Flush("s1", FlushOptions{})
	assert.NoError(t, err)
}

func TestDisconnectMidFlushResolvesImmediately(t *testing.T) {
	e := newFakeEngine(t)
	e.ackFlush.Store(false)
	m := newTestManager(e, &memSink{}, func(c *Config) { c.FlushDeadline = 10 * time.Second })
	require.NoError(t, m.Connect(context.Background(), "s1", nil))

	h, err := m.Flush("s1", FlushOptions{})
	require.NoError(t, err)

	assert.True(t, m.Disconnect("s1"))
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("flush was abandoned")
	}
	assert.True(t, h.Result().Aborted)
	assert.False(t, m.Disconnect("s1"))
}

func TestFlushRejectsUnknownSession(t *testing.T) {
	e := newFakeEngine(t)
	m := newTestManager(e, &memSink{}, nil)

	_, err := m.Flush("ghost", FlushOptions{})
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.ErrorIs(t, m.EndStream("ghost"), ErrUnknownSession)
}

func TestEndStreamIsAcknowledgedWithoutError(t *testing.T) {
	e := newFakeEngine(t)
	m := newTestManager(e, &memSink{}, nil)
	t.Cleanup(m.Close)
	l := newRecordingListener()
	require.NoError(t, m.Connect(context.Background(), "s1", l))

	require.NoError(t, m.EndStream("s1"))

	select {
	case id := <-l.ended:
		assert.Equal(t, "s1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("stream_ended not relayed")
	}

	// the engine closes normally after acknowledging; that is not an error
	require.Eventually(t, func() bool {
		st, _ := m.State("s1")
		return st == models.SessionEnded
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, l.errs)
	assert.False(t, m.SendAudioChunk("s1", []byte{1}, 0))
}

func TestEngineCloseWithoutAckEndsStream(t *testing.T) {
	e := newFakeEngine(t)
	m := newTestManager(e, &memSink{}, nil)
	t.Cleanup(m.Close)
	l := newRecordingListener()

	before := testutil.ToFloat64(metrics.UpstreamSessionsActive)
	require.NoError(t, m.Connect(context.Background(), "s1", l))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.UpstreamSessionsActive))

	ec := e.conn(t, "s1")
	ec.mu.Lock()
	require.NoError(t, ec.c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	ec.mu.Unlock()

	select {
	case id := <-l.ended:
		assert.Equal(t, "s1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("engine-side close not reported as stream ended")
	}
	assert.Empty(t, l.errs)

	st, _ := m.State("s1")
	assert.Equal(t, models.SessionEnded, st)
	assert.False(t, m.SendAudioChunk("s1", []byte{1}, 0))
	assert.Equal(t, before, testutil.ToFloat64(metrics.UpstreamSessionsActive))

	// releasing afterwards must not count the session twice
	assert.True(t, m.Disconnect("s1"))
	assert.Equal(t, before, testutil.ToFloat64(metrics.UpstreamSessionsActive))
}

func TestConnectCancelledIsUnavailable(t *testing.T) {
	e := newFakeEngine(t)
	e.confirm.Store(false)
	m := newTestManager(e, &memSink{}, nil)
	t.Cleanup(m.Close)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case msg := <-e.received:
				if msg.Type == MsgConnect {
					return
				}
			case <-timeout:
				return
			}
		}
	}()

	err := m.Connect(ctx, "s1", nil)
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.CodeUnavailable))
	assert.ErrorIs(t, err, context.Canceled)
	_, ok := m.State("s1")
	assert.False(t, ok)
}

func TestUnexpectedCloseIsReported(t *testing.T) {
	e := newFakeEngine(t)
	m := newTestManager(e, &memSink{}, nil)
	t.Cleanup(m.Close)
	l := newRecordingListener()
	require.NoError(t, m.Connect(context.Background(), "s1", l))

	ec := e.conn(t, "s1")
	ec.mu.Lock()
	_ = ec.c.UnderlyingConn().Close()
	ec.mu.Unlock()

	select {
	case err := <-l.errs:
		assert.ErrorIs(t, err, ErrUpstreamClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("unexpected close not reported")
	}
}

func TestEngineErrorIsRelayed(t *testing.T) {
	e := newFakeEngine(t)
	m := newTestManager(e, &memSink{}, nil)
	t.Cleanup(m.Close)
	l := newRecordingListener()
	require.NoError(t, m.Connect(context.Background(), "s1", l))

	require.NoError(t, e.conn(t, "s1").send(Message{Type: MsgError, SessionID: "s1", Message: "model overloaded"}))

	err := <-l.errs
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "model overloaded", ee.Message)

	// the channel survives a protocol error
	st, _ := m.State("s1")
	assert.Equal(t, models.SessionActive, st)
}

func TestMalformedMessageIsIgnored(t *testing.T) {
	e := newFakeEngine(t)
	sink := &memSink{}
	m := newTestManager(e, sink, nil)
	t.Cleanup(m.Close)
	l := newRecordingListener()
	require.NoError(t, m.Connect(context.Background(), "s1", l))

	ec := e.conn(t, "s1")
	ec.mu.Lock()
	require.NoError(t, ec.c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	ec.mu.Unlock()
	raw, _ := json.Marshal(Message{Type: MsgTranscription, SessionID: "s1", Text: "still here"})
	ec.mu.Lock()
	require.NoError(t, ec.c.WriteMessage(websocket.TextMessage, raw))
	ec.mu.Unlock()

	assert.Equal(t, "still here", (<-l.fragments).Text)
}
