package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yoockh/streamscribe/internal/cache"
	"github.com/yoockh/streamscribe/internal/logger"
	"github.com/yoockh/streamscribe/internal/models"
	"github.com/yoockh/streamscribe/internal/providers/llm"
	"github.com/yoockh/streamscribe/internal/upstream"
	"github.com/yoockh/streamscribe/internal/utils"
)

type fakeFlusher struct {
	mu    sync.Mutex
	err   error
	calls []upstream.FlushOptions
	// onFlush runs before the handle is returned, standing in for fragments
	// that arrive while the flush is in flight
	onFlush func()
}

func (f *fakeFlusher) Flush(id string, opts upstream.FlushOptions) (*upstream.FlushHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	if f.err != nil {
		return nil, f.err
	}
	if f.onFlush != nil {
		f.onFlush()
	}
	return upstream.SettledFlush(upstream.FlushResult{SessionID: id, CutoffMS: opts.CutoffMS, GraceMS: opts.GraceMS, Acknowledged: true}), nil
}

type registry []models.ProviderRecord

func (r registry) Load(context.Context) ([]models.ProviderRecord, error) { return r, nil }

type scriptedProvider struct {
	id     string
	answer string
	err    error
	mu     sync.Mutex
	seen   []llm.Request
	// during runs inside Complete, standing in for speech that arrives
	// while the provider is working
	during func()
}

func (p *scriptedProvider) Name() string { return p.id }
func (p *scriptedProvider) Close() error { return nil }
func (p *scriptedProvider) Complete(_ context.Context, req llm.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, req)
	if p.during != nil {
		p.during()
	}
	return p.answer, p.err
}

type providerSet map[string]llm.Provider

func (s providerSet) Get(_ context.Context, rec models.ProviderRecord) (llm.Provider, error) {
	p, ok := s[rec.ID]
	if !ok {
		return nil, errors.New("unknown provider " + rec.ID)
	}
	return p, nil
}

type recordingQueue struct {
	mu    sync.Mutex
	items []*models.Analysis
}

func (q *recordingQueue) Enqueue(_ context.Context, a *models.Analysis) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, a)
	return nil
}

type harness struct {
	buf     *transcriptBuffer
	flusher *fakeFlusher
	cache   *cache.MemoryCache
	queue   *recordingQueue
	slept   []time.Duration
	svc     TranscriptionService
}

func newHarness(t *testing.T, providers ...*scriptedProvider) *harness {
	t.Helper()
	h := &harness{
		buf:     newTestBuffer(),
		flusher: &fakeFlusher{},
		cache:   cache.NewMemoryCache(),
		queue:   &recordingQueue{},
	}

	var reg registry
	set := providerSet{}
	for _, p := range providers {
		reg = append(reg, models.ProviderRecord{ID: p.id, Enabled: true, APIKey: "k"})
		set[p.id] = p
	}
	orch := llm.NewOrchestrator(llm.OrchestratorConfig{
		Source:   reg,
		Resolver: set,
		Logger:   logger.WithComponent(logger.Discard(), "llm"),
	})

	h.svc = NewTranscriptionService(TranscriptionConfig{
		Buffer:       h.buf,
		Upstream:     h.flusher,
		LLM:          orch,
		Cache:        h.cache,
		Queue:        h.queue,
		SystemPrompt: "be brief",
		Logger:       logger.WithComponent(logger.Discard(), "transcription"),
		Sleep: func(_ context.Context, d time.Duration) error {
			h.slept = append(h.slept, d)
			return nil
		},
	})
	return h
}

func TestProcessEndToEnd(t *testing.T) {
	p := &scriptedProvider{id: "openai", answer: "Big O describes how cost grows with input size."}
	h := newHarness(t, p)

	require.NoError(t, h.buf.Append("S1", frag("Explain", 1)))
	require.NoError(t, h.buf.Append("S1", frag("big O notation", 401)))

	out, err := h.svc.Process(context.Background(), ProcessRequest{SessionID: "S1"})
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, "Explain big O notation", out.FullTranscription)
	assert.NotEmpty(t, out.FullResponse)
	assert.Equal(t, "openai", out.ProviderID)
	assert.Equal(t, "", h.buf.FullText("S1"))

	require.Len(t, h.flusher.calls, 1)
	assert.Equal(t, upstream.FlushOptions{GraceMS: 500}, h.flusher.calls[0])
	assert.Equal(t, []time.Duration{DefaultSettleDelay}, h.slept)
	require.NotNil(t, out.Flush)
	assert.True(t, out.Flush.Acknowledged)

	require.Len(t, p.seen, 1)
	assert.Equal(t, "be brief", p.seen[0].System)
	assert.Equal(t, "Explain big O notation", p.seen[0].Prompt)
}

func TestProcessReadsFragmentsThatLandDuringFlush(t *testing.T) {
	h := newHarness(t, &scriptedProvider{id: "openai", answer: "ok"})
	require.NoError(t, h.buf.Append("S1", frag("first", 1)))
	h.flusher.onFlush = func() { _ = h.buf.Append("S1", frag("second", 2)) }

	out, err := h.svc.Process(context.Background(), ProcessRequest{SessionID: "S1", CutoffMS: 1234})
	require.NoError(t, err)
	assert.Equal(t, "first second", out.FullTranscription)
	assert.Equal(t, int64(1234), h.flusher.calls[0].CutoffMS)
}

func TestProcessKeepsSpeechThatArrivesDuringAnalysis(t *testing.T) {
	p := &scriptedProvider{id: "openai", answer: "ok"}
	h := newHarness(t, p)
	require.NoError(t, h.buf.Append("S1", frag("first question", 1)))
	p.during = func() { _ = h.buf.Append("S1", frag("follow-up question", 2)) }

	out, err := h.svc.Process(context.Background(), ProcessRequest{SessionID: "S1"})
	require.NoError(t, err)
	assert.Equal(t, "first question", out.FullTranscription)
	assert.Equal(t, "follow-up question", h.buf.FullText("S1"))

	p.during = nil
	out, err = h.svc.Process(context.Background(), ProcessRequest{SessionID: "S1"})
	require.NoError(t, err)
	assert.Equal(t, "follow-up question", out.FullTranscription)
	assert.Equal(t, "", h.buf.FullText("S1"))
}

func TestProcessRequiresSessionID(t *testing.T) {
	h := newHarness(t, &scriptedProvider{id: "openai", answer: "ok"})
	_, err := h.svc.Process(context.Background(), ProcessRequest{SessionID: "  "})
	assert.True(t, utils.IsCode(err, utils.CodeInvalidArgument))
	assert.Empty(t, h.flusher.calls)
}

func TestProcessEmptyTranscriptIsNotAnError(t *testing.T) {
	p := &scriptedProvider{id: "openai", answer: "ok"}
	h := newHarness(t, p)

	out, err := h.svc.Process(context.Background(), ProcessRequest{SessionID: "quiet"})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "no transcription found", out.Error)
	assert.Empty(t, p.seen)
}

func TestProcessWithoutLiveUpstreamSkipsFlush(t *testing.T) {
	h := newHarness(t, &scriptedProvider{id: "openai", answer: "ok"})
	h.flusher.err = utils.E(utils.CodeFailedPrecondition, "Manager.Flush", "session is not live upstream", upstream.ErrUnknownSession)
	require.NoError(t, h.buf.Append("S1", frag("hello", 1)))

	out, err := h.svc.Process(context.Background(), ProcessRequest{SessionID: "S1"})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Nil(t, out.Flush)
	assert.Empty(t, h.slept)
}

func TestProcessRejectsConcurrentFlush(t *testing.T) {
	h := newHarness(t, &scriptedProvider{id: "openai", answer: "ok"})
	h.flusher.err = utils.E(utils.CodeConflict, "Manager.Flush", "a flush is already pending", upstream.ErrAlreadyFlushing)
	require.NoError(t, h.buf.Append("S1", frag("hello", 1)))

	_, err := h.svc.Process(context.Background(), ProcessRequest{SessionID: "S1"})
	assert.True(t, utils.IsCode(err, utils.CodeConflict))
	assert.Equal(t, "hello", h.buf.FullText("S1"))
}

func TestProcessFallsBackAcrossProviders(t *testing.T) {
	bad := &scriptedProvider{id: "openai", err: errors.New("rate limited")}
	good := &scriptedProvider{id: "grok", answer: "fine"}
	h := newHarness(t, bad, good)
	require.NoError(t, h.buf.Append("S1", frag("hello", 1)))

	out, err := h.svc.Process(context.Background(), ProcessRequest{SessionID: "S1"})
	require.NoError(t, err)
	assert.Equal(t, "grok", out.ProviderID)

	require.Len(t, h.queue.items, 1)
	assert.Equal(t, []string{"openai", "grok"}, h.queue.items[0].ProvidersTried)
}

func TestProcessExhaustionKeepsTranscript(t *testing.T) {
	h := newHarness(t,
		&scriptedProvider{id: "openai", err: errors.New("boom")},
		&scriptedProvider{id: "grok", err: errors.New("bust")},
	)
	require.NoError(t, h.buf.Append("S1", frag("hello", 1)))

	_, err := h.svc.Process(context.Background(), ProcessRequest{SessionID: "S1"})
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.CodeUnavailable))
	assert.Contains(t, utils.PublicMessage(err), "bust")
	assert.Equal(t, "hello", h.buf.FullText("S1"))
	assert.Empty(t, h.queue.items)
}

func TestProcessSinceUsesWindow(t *testing.T) {
	p := &scriptedProvider{id: "openai", answer: "ok"}
	h := newHarness(t, p)
	require.NoError(t, h.buf.Append("S1", frag("old", 1)))
	require.NoError(t, h.buf.Append("S1", frag("new", 9000)))

	out, err := h.svc.Process(context.Background(), ProcessRequest{SessionID: "S1", SinceMS: 5000})
	require.NoError(t, err)
	assert.Equal(t, "new", out.FullTranscription)
	assert.Equal(t, "", h.buf.FullText("S1"))
}

func TestLatestAnalysisIsCachedAfterProcess(t *testing.T) {
	h := newHarness(t, &scriptedProvider{id: "openai", answer: "answer"})
	require.NoError(t, h.buf.Append("S1", frag("question", 1)))

	_, err := h.svc.LatestAnalysis(context.Background(), "S1")
	assert.True(t, utils.IsCode(err, utils.CodeNotFound))

	out, err := h.svc.Process(context.Background(), ProcessRequest{SessionID: "S1"})
	require.NoError(t, err)

	a, err := h.svc.LatestAnalysis(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, out.AnalysisID, a.AnalysisID)
	assert.Equal(t, "answer", a.Response)
	assert.Equal(t, "question", a.Transcript)
}

func TestLatestSessionAndRemove(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.LatestSession(ctx)
	assert.True(t, utils.IsCode(err, utils.CodeNotFound))

	require.NoError(t, h.buf.Append("S1", frag("x", 1)))
	id, err := h.svc.LatestSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "S1", id)

	snap, err := h.svc.GetTranscription(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, "x", snap.FullText)

	require.NoError(t, h.svc.Remove(ctx, "S1"))
	assert.True(t, utils.IsCode(h.svc.Remove(ctx, "S1"), utils.CodeNotFound))
	_, err = h.svc.GetTranscription(ctx, "S1")
	assert.True(t, utils.IsCode(err, utils.CodeNotFound))
}
