package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "streamscribe"

// HTTP metrics (incremented by gin middleware).
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "path_pattern", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})
)

// Streaming metrics.
var (
	UpstreamSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "upstream_sessions_active",
		Help:      "Upstream recognition sessions currently open.",
	})

	UpstreamConnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_connects_total",
		Help:      "Upstream connection attempts by outcome.",
	}, []string{"outcome"})

	AudioChunksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_chunks_total",
		Help:      "Audio chunks received from callers, by outcome.",
	}, []string{"outcome"})

	FragmentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcript_fragments_total",
		Help:      "Transcript fragments stored.",
	})

	FlushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flushes_total",
		Help:      "Flush requests by resolution (acknowledged, deadline, aborted, rejected).",
	}, []string{"resolution"})
)

// AI metrics.
var (
	ProviderCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_calls_total",
		Help:      "AI provider calls by provider and outcome.",
	}, []string{"provider", "outcome"})

	ProviderCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provider_call_duration_seconds",
		Help:      "AI provider call latency in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms → ~51s
	}, []string{"provider"})

	ProcessTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "process_requests_total",
		Help:      "Transcription process requests by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		UpstreamSessionsActive,
		UpstreamConnectsTotal,
		AudioChunksTotal,
		FragmentsTotal,
		FlushesTotal,
		ProviderCallsTotal,
		ProviderCallDuration,
		ProcessTotal,
	)
}
