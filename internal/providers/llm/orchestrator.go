package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yoockh/streamscribe/internal/metrics"
	"github.com/yoockh/streamscribe/internal/models"
)

// DefaultCallTimeout bounds a single provider attempt.
const DefaultCallTimeout = 60 * time.Second

// RegistrySource returns the current provider registry in selection order.
// It is reloaded wholesale before every orchestration.
type RegistrySource interface {
	Load(ctx context.Context) ([]models.ProviderRecord, error)
}

// Resolver turns a registry record into a callable provider.
type Resolver interface {
	Get(ctx context.Context, rec models.ProviderRecord) (Provider, error)
}

type CallOptions struct {
	System      string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration // per provider attempt; DefaultCallTimeout when zero
}

type Result struct {
	Content    string    `json:"content"`
	ProviderID string    `json:"provider_id"`
	Attempts   []Attempt `json:"attempts"`
}

type OrchestratorConfig struct {
	Source      RegistrySource
	Resolver    Resolver
	Breaker     *Breaker
	CallTimeout time.Duration
	Logger      *logrus.Entry
	Now         func() time.Time
}

// Orchestrator selects among configured providers, skipping those in
// cooldown, and falls through to the next candidate on failure.
type Orchestrator struct {
	source      RegistrySource
	resolver    Resolver
	breaker     *Breaker
	callTimeout time.Duration
	log         *logrus.Entry
	now         func() time.Time
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	o := &Orchestrator{
		source:      cfg.Source,
		resolver:    cfg.Resolver,
		breaker:     cfg.Breaker,
		callTimeout: cfg.CallTimeout,
		log:         cfg.Logger,
		now:         cfg.Now,
	}
	if o.breaker == nil {
		o.breaker = NewBreaker(FailureTimeout)
	}
	if o.callTimeout <= 0 {
		o.callTimeout = DefaultCallTimeout
	}
	if o.log == nil {
		o.log = logrus.NewEntry(logrus.StandardLogger())
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

func (o *Orchestrator) Breaker() *Breaker { return o.breaker }

// CallWithFallback tries eligible providers in registry order and returns
// the first success. A failing provider is put in cooldown and the next one
// is tried; only exhaustion is returned as an error.
func (o *Orchestrator) CallWithFallback(ctx context.Context, prompt string, opts CallOptions) (*Result, error) {
	records, err := o.source.Load(ctx)
	if err != nil {
		return nil, err
	}

	now := o.now()
	var (
		candidates []models.ProviderRecord
		cooling    []Cooldown
	)
	for _, rec := range records {
		if !rec.Enabled || !rec.HasCredential() {
			continue
		}
		if o.breaker.Eligible(rec.ID, now) {
			candidates = append(candidates, rec)
			continue
		}
		cooling = append(cooling, Cooldown{ProviderID: rec.ID, Remaining: o.breaker.Remaining(rec.ID, now)})
	}

	if len(candidates) == 0 {
		if len(cooling) > 0 {
			return nil, &UnavailableError{Cooldowns: cooling}
		}
		return nil, ErrNoProviders
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = o.callTimeout
	}
	req := Request{System: opts.System, Prompt: prompt, MaxTokens: opts.MaxTokens, Temperature: opts.Temperature}

	var (
		attempts []Attempt
		lastErr  error
	)
	for _, rec := range candidates {
		log := o.log.WithField("provider", rec.ID)
		started := o.now()

		content, err := o.call(ctx, rec, req, timeout)
		latency := o.now().Sub(started)
		metrics.ProviderCallDuration.WithLabelValues(rec.ID).Observe(latency.Seconds())

		if err == nil {
			o.breaker.Clear(rec.ID)
			metrics.ProviderCallsTotal.WithLabelValues(rec.ID, "success").Inc()
			attempts = append(attempts, Attempt{ProviderID: rec.ID, Latency: latency})
			log.WithField("latency_ms", latency.Milliseconds()).Info("provider call succeeded")
			return &Result{Content: content, ProviderID: rec.ID, Attempts: attempts}, nil
		}

		// the caller went away; that says nothing about the provider
		if ctx.Err() != nil {
			metrics.ProviderCallsTotal.WithLabelValues(rec.ID, "canceled").Inc()
			return nil, ctx.Err()
		}

		o.breaker.MarkFailed(rec.ID, o.now())
		metrics.ProviderCallsTotal.WithLabelValues(rec.ID, "failure").Inc()
		attempts = append(attempts, Attempt{ProviderID: rec.ID, Latency: latency, Error: err.Error()})
		log.WithError(err).Warn("provider call failed, trying next")
		lastErr = err
	}

	return nil, &ExhaustedError{Attempts: attempts, Last: lastErr}
}

func (o *Orchestrator) call(ctx context.Context, rec models.ProviderRecord, req Request, timeout time.Duration) (string, error) {
	p, err := o.resolver.Get(ctx, rec)
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	content, err := p.Complete(callCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", errors.New(rec.ID + ": call timed out after " + timeout.String())
		}
		return "", err
	}
	if strings.TrimSpace(content) == "" {
		return "", errors.New(rec.ID + ": empty response")
	}
	return content, nil
}

// Status reports every configured provider with its cooldown state.
func (o *Orchestrator) Status(ctx context.Context) ([]models.ProviderStatus, error) {
	records, err := o.source.Load(ctx)
	if err != nil {
		return nil, err
	}

	now := o.now()
	out := make([]models.ProviderStatus, 0, len(records))
	for _, rec := range records {
		st := models.ProviderStatus{
			ID:            rec.ID,
			Enabled:       rec.Enabled,
			HasCredential: rec.HasCredential(),
		}
		if at, ok := o.breaker.FailedAt(rec.ID); ok {
			at := at
			st.FailedAt = &at
			st.CooldownRemainMS = o.breaker.Remaining(rec.ID, now).Milliseconds()
		}
		st.Eligible = st.Enabled && st.HasCredential && st.CooldownRemainMS == 0
		out = append(out, st)
	}
	return out, nil
}
