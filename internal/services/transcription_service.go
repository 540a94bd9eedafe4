package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/yoockh/streamscribe/internal/cache"
	"github.com/yoockh/streamscribe/internal/metrics"
	"github.com/yoockh/streamscribe/internal/models"
	"github.com/yoockh/streamscribe/internal/providers/llm"
	"github.com/yoockh/streamscribe/internal/upstream"
	"github.com/yoockh/streamscribe/internal/utils"
)

const (
	DefaultSettleDelay = 400 * time.Millisecond

	defaultCacheTTL  = time.Hour
	defaultRetention = 30 * 24 * time.Hour
)

// Flusher is the flush side of the upstream manager.
type Flusher interface {
	Flush(sessionID string, opts upstream.FlushOptions) (*upstream.FlushHandle, error)
}

// Completer runs a prompt against the configured AI providers.
type Completer interface {
	CallWithFallback(ctx context.Context, prompt string, opts llm.CallOptions) (*llm.Result, error)
}

// AnalysisQueue hands completed analyses to the persistence worker.
type AnalysisQueue interface {
	Enqueue(ctx context.Context, a *models.Analysis) error
}

type ProcessRequest struct {
	SessionID string `json:"sessionId"`
	CutoffMS  int64  `json:"cutoffTimestamp,omitempty"`
	SinceMS   int64  `json:"sinceTimestamp,omitempty"`
}

type ProcessResult struct {
	Success           bool                  `json:"success"`
	SessionID         string                `json:"sessionId"`
	FullTranscription string                `json:"fullTranscription,omitempty"`
	FullResponse      string                `json:"fullResponse,omitempty"`
	ProviderID        string                `json:"providerId,omitempty"`
	AnalysisID        string                `json:"analysisId,omitempty"`
	Flush             *upstream.FlushResult `json:"flush,omitempty"`
	Error             string                `json:"error,omitempty"`
}

// TranscriptionService turns what has been said in a session so far into an
// AI analysis.
type TranscriptionService interface {
	Process(ctx context.Context, req ProcessRequest) (*ProcessResult, error)
	GetTranscription(ctx context.Context, sessionID string) (*models.Transcription, error)
	LatestSession(ctx context.Context) (string, error)
	LatestAnalysis(ctx context.Context, sessionID string) (*models.Analysis, error)
	Remove(ctx context.Context, sessionID string) error
}

type TranscriptionConfig struct {
	Buffer   TranscriptBuffer
	Upstream Flusher
	LLM      Completer
	Cache    cache.Cache   // optional
	Queue    AnalysisQueue // optional

	SettleDelay  time.Duration
	Lookback     time.Duration
	SystemPrompt string
	CacheTTL     time.Duration
	Retention    time.Duration

	Logger *logrus.Entry
	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
}

type transcriptionService struct {
	cfg TranscriptionConfig
	log *logrus.Entry
}

func NewTranscriptionService(cfg TranscriptionConfig) TranscriptionService {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &transcriptionService{cfg: cfg, log: log}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process flushes the session upstream, waits for in-flight fragments to
// land, sends the transcript to the AI providers and, on success, clears the
// fragments it sent so the next call only sees new speech.
func (s *transcriptionService) Process(ctx context.Context, req ProcessRequest) (*ProcessResult, error) {
	const op = "TranscriptionService.Process"

	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		metrics.ProcessTotal.WithLabelValues("invalid").Inc()
		return nil, utils.E(utils.CodeInvalidArgument, op, "sessionId is required", nil)
	}
	log := s.log.WithField("session_id", id)
	started := s.cfg.Now()
	out := &ProcessResult{SessionID: id}

	h, err := s.cfg.Upstream.Flush(id, upstream.FlushOptions{CutoffMS: req.CutoffMS, GraceMS: upstream.DefaultGracePeriodMS})
	switch {
	case err == nil:
		res, werr := h.Wait(ctx)
		if werr != nil {
			return nil, werr
		}
		out.Flush = &res
		if err := s.cfg.Sleep(ctx, s.cfg.SettleDelay); err != nil {
			return nil, err
		}
	case errors.Is(err, upstream.ErrUnknownSession), errors.Is(err, upstream.ErrSessionNotReady):
		// nothing live upstream; whatever is buffered is final
		log.WithError(err).Debug("processing without flush")
	default:
		metrics.ProcessTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	var (
		text string
		mark ReadMark
	)
	if req.SinceMS > 0 {
		text, mark = s.cfg.Buffer.ReadSince(id, req.SinceMS, s.cfg.Lookback)
	} else {
		text, mark = s.cfg.Buffer.ReadAll(id)
	}
	if text == "" {
		metrics.ProcessTotal.WithLabelValues("empty").Inc()
		out.Error = "no transcription found"
		return out, nil
	}
	out.FullTranscription = text

	res, err := s.cfg.LLM.CallWithFallback(ctx, text, llm.CallOptions{System: s.cfg.SystemPrompt})
	if err != nil {
		metrics.ProcessTotal.WithLabelValues("failed").Inc()
		log.WithError(err).Warn("analysis failed")
		return nil, wrapProviderError(op, err)
	}

	// speech that arrived while the providers were working stays for the next round
	s.cfg.Buffer.ClearThrough(id, mark)

	now := s.cfg.Now()
	analysis := &models.Analysis{
		AnalysisID:       uuid.NewString(),
		SessionID:        id,
		Transcript:       text,
		Response:         res.Content,
		ProviderID:       res.ProviderID,
		ProvidersTried:   attemptedProviders(res.Attempts),
		ProcessingTimeMS: now.Sub(started).Milliseconds(),
		CreatedAt:        now.UTC(),
		ExpiresAt:        now.Add(s.cfg.Retention).UTC(),
	}
	s.publish(ctx, analysis, log)

	metrics.ProcessTotal.WithLabelValues("success").Inc()
	out.Success = true
	out.FullResponse = res.Content
	out.ProviderID = res.ProviderID
	out.AnalysisID = analysis.AnalysisID
	return out, nil
}

// publish caches and enqueues the analysis. Neither step can fail the
// request: the caller already has its answer.
func (s *transcriptionService) publish(ctx context.Context, a *models.Analysis, log *logrus.Entry) {
	if s.cfg.Cache != nil {
		if err := s.cfg.Cache.SetJSON(ctx, cache.AnalysisKey(a.SessionID), a, s.cfg.CacheTTL); err != nil {
			log.WithError(err).Warn("failed to cache analysis")
		}
	}
	if s.cfg.Queue != nil {
		if err := s.cfg.Queue.Enqueue(ctx, a); err != nil {
			log.WithError(err).Warn("failed to enqueue analysis")
		}
	}
}

func wrapProviderError(op string, err error) error {
	var (
		unavailable *llm.UnavailableError
		exhausted   *llm.ExhaustedError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return utils.E(utils.CodeTimeout, op, "analysis interrupted", err)
	case errors.Is(err, llm.ErrNoProviders), errors.As(err, &unavailable), errors.As(err, &exhausted):
		return utils.E(utils.CodeUnavailable, op, "AI processing failed", err)
	default:
		return utils.E(utils.CodeInternal, op, "AI processing failed", err)
	}
}

func attemptedProviders(attempts []llm.Attempt) []string {
	out := make([]string, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, a.ProviderID)
	}
	return out
}

func (s *transcriptionService) GetTranscription(_ context.Context, sessionID string) (*models.Transcription, error) {
	const op = "TranscriptionService.GetTranscription"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	return s.cfg.Buffer.Snapshot(sessionID)
}

func (s *transcriptionService) LatestSession(_ context.Context) (string, error) {
	const op = "TranscriptionService.LatestSession"

	id, ok := s.cfg.Buffer.LatestSession()
	if !ok {
		return "", utils.E(utils.CodeNotFound, op, "no active session", utils.ErrNotFound)
	}
	return id, nil
}

func (s *transcriptionService) LatestAnalysis(ctx context.Context, sessionID string) (*models.Analysis, error) {
	const op = "TranscriptionService.LatestAnalysis"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	if s.cfg.Cache == nil {
		return nil, utils.E(utils.CodeUnavailable, op, "analysis cache is not configured", nil)
	}

	var a models.Analysis
	hit, err := s.cfg.Cache.GetJSON(ctx, cache.AnalysisKey(sessionID), &a)
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "failed to read analysis cache", err)
	}
	if !hit {
		return nil, utils.E(utils.CodeNotFound, op, "no analysis for session", utils.ErrNotFound)
	}
	return &a, nil
}

// Remove deletes the session's transcript bucket entirely, unlike the clear
// that follows a successful Process.
func (s *transcriptionService) Remove(ctx context.Context, sessionID string) error {
	const op = "TranscriptionService.Remove"

	if sessionID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	if !s.cfg.Buffer.Remove(sessionID) {
		return utils.E(utils.CodeNotFound, op, "session not found", utils.ErrNotFound)
	}
	if s.cfg.Cache != nil {
		if err := s.cfg.Cache.Del(ctx, cache.AnalysisKey(sessionID)); err != nil {
			s.log.WithError(err).WithField("session_id", sessionID).Warn("failed to drop cached analysis")
		}
	}
	return nil
}
