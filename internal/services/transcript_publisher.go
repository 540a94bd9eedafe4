package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/yoockh/streamscribe/internal/models"
)

// Publisher is the pub/sub half of a redis client.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// TranscriptChannel is where live events of a session are published.
func TranscriptChannel(sessionID string) string {
	return "session:" + sessionID + ":transcript"
}

// TranscriptPublisher fans upstream session events out to Redis so other
// processes (dashboards, a second UI) can follow a live transcript. It is
// registered as a process-wide upstream listener.
type TranscriptPublisher struct {
	pub     Publisher
	log     *logrus.Entry
	timeout time.Duration
}

func NewTranscriptPublisher(pub Publisher, log *logrus.Entry) *TranscriptPublisher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TranscriptPublisher{pub: pub, log: log, timeout: 2 * time.Second}
}

type transcriptEvent struct {
	Type       string  `json:"type"`
	SessionID  string  `json:"sessionId"`
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Final      bool    `json:"final,omitempty"`
	ReceivedAt int64   `json:"receivedAt,omitempty"`
	Message    string  `json:"message,omitempty"`
}

func (p *TranscriptPublisher) OnTranscription(sessionID string, f models.Fragment) {
	p.publish(transcriptEvent{
		Type:       "transcription",
		SessionID:  sessionID,
		Text:       f.Text,
		Confidence: f.Confidence,
		Final:      f.Final,
		ReceivedAt: f.ReceivedAt,
	})
}

func (p *TranscriptPublisher) OnStreamEnded(sessionID string) {
	p.publish(transcriptEvent{Type: "stream_ended", SessionID: sessionID})
}

func (p *TranscriptPublisher) OnError(sessionID string, err error) {
	p.publish(transcriptEvent{Type: "error", SessionID: sessionID, Message: err.Error()})
}

func (p *TranscriptPublisher) publish(ev transcriptEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.pub.Publish(ctx, TranscriptChannel(ev.SessionID), string(b)).Err(); err != nil {
		p.log.WithError(err).WithField("session_id", ev.SessionID).Debug("transcript publish failed")
	}
}
