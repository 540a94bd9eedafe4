package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yoockh/streamscribe/internal/logger"
	"github.com/yoockh/streamscribe/internal/models"
)

type published struct {
	channel string
	payload string
}

type fakePublisher struct {
	mu  sync.Mutex
	out []published
	err error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, published{channel: channel, payload: message.(string)})
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestTranscriptPublisherPublishesEvents(t *testing.T) {
	fp := &fakePublisher{}
	p := NewTranscriptPublisher(fp, logger.WithComponent(logger.Discard(), "publisher"))

	p.OnTranscription("s1", models.Fragment{Text: "hi", Confidence: 0.7, Final: true, ReceivedAt: 42})
	p.OnStreamEnded("s1")
	p.OnError("s1", errors.New("boom"))

	require.Len(t, fp.out, 3)
	assert.Equal(t, "session:s1:transcript", fp.out[0].channel)

	var ev map[string]any
	require.NoError(t, json.Unmarshal([]byte(fp.out[0].payload), &ev))
	assert.Equal(t, "transcription", ev["type"])
	assert.Equal(t, "hi", ev["text"])
	assert.Equal(t, 0.7, ev["confidence"])
	assert.Equal(t, float64(42), ev["receivedAt"])

	assert.Contains(t, fp.out[1].payload, `"stream_ended"`)
	assert.Contains(t, fp.out[2].payload, `"boom"`)
}

func TestTranscriptPublisherSwallowsErrors(t *testing.T) {
	fp := &fakePublisher{err: errors.New("redis down")}
	p := NewTranscriptPublisher(fp, nil)
	assert.NotPanics(t, func() { p.OnTranscription("s1", models.Fragment{Text: "x"}) })
}
