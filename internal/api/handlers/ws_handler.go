package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/yoockh/streamscribe/internal/relay"
	"github.com/yoockh/streamscribe/internal/services"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	wsMaxMessage = 1 << 20
)

type WSHandler struct {
	upstream relay.Upstream
	sessions services.SessionService // optional audit
	endGrace time.Duration
	log      *logrus.Entry
	upgrader websocket.Upgrader
}

func NewWSHandler(up relay.Upstream, sessions services.SessionService, endGrace time.Duration, log *logrus.Entry) *WSHandler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &WSHandler{
		upstream: up,
		sessions: sessions,
		endGrace: endGrace,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 16 << 10,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type wsConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) Emit(ev relay.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.c.WriteJSON(ev)
}

func (w *wsConn) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// StreamTranscribe serves one caller connection. Each connection owns one
// relay and at most one upstream session at a time.
func (h *WSHandler) StreamTranscribe(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade already wrote response in most cases
		return
	}
	defer conn.Close()

	wc := &wsConn{c: conn}
	log := h.log.WithField("remote_ip", c.ClientIP())

	cfg := relay.Config{
		Upstream: h.upstream,
		Emitter:  wc,
		EndGrace: h.endGrace,
		RemoteIP: c.ClientIP(),
		Logger:   log,
	}
	if h.sessions != nil {
		cfg.Auditor = h.sessions
	}
	r := relay.New(cfg)

	ctx := c.Request.Context()
	done := make(chan struct{})
	defer func() {
		close(done)
		r.OnDisconnect()
		r.Wait()
		log.Debug("caller disconnected")
	}()

	go func() {
		t := time.NewTicker(wsPingPeriod)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := wc.ping(); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, rerr := conn.ReadMessage()
		if rerr != nil {
			if websocket.IsUnexpectedCloseError(rerr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(rerr).Debug("caller read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		r.HandleMessage(ctx, data)
	}
}
