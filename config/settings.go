package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings holds process-level knobs read from the environment. Backend
// connection strings stay with their Init* functions.
type Settings struct {
	Port     string
	LogLevel string

	UpstreamURL            string
	UpstreamConnectTimeout time.Duration
	FlushDeadline          time.Duration
	StreamEndGrace         time.Duration

	ProcessSettleDelay  time.Duration
	TranscriptLookback  time.Duration
	ProviderCallTimeout time.Duration
	ProvidersFile       string
	SystemPrompt        string
	AnalysisCacheTTL    time.Duration
	AnalysisRetention   time.Duration

	GCSBucket           string
	GoogleSpeechEnabled bool
	AnalysisWorkers     int
}

const defaultSystemPrompt = "You are a concise assistant. The user text is a live speech transcript " +
	"and may contain recognition errors. Identify the question or topic being discussed and answer it clearly."

func LoadSettings() Settings {
	return Settings{
		Port:     envString("PORT", "8080"),
		LogLevel: envString("LOG_LEVEL", "info"),

		UpstreamURL:            envString("UPSTREAM_ENGINE_URL", "ws://localhost:8000/ws/stream"),
		UpstreamConnectTimeout: envDuration("UPSTREAM_CONNECT_TIMEOUT", 10*time.Second),
		FlushDeadline:          envDuration("FLUSH_DEADLINE", 3*time.Second),
		StreamEndGrace:         envDuration("STREAM_END_GRACE", 500*time.Millisecond),

		ProcessSettleDelay:  envDuration("PROCESS_SETTLE_DELAY", 400*time.Millisecond),
		TranscriptLookback:  envDuration("TRANSCRIPT_LOOKBACK", 30*time.Second),
		ProviderCallTimeout: envDuration("PROVIDER_CALL_TIMEOUT", 60*time.Second),
		ProvidersFile:       envString("PROVIDERS_FILE", "providers.json"),
		SystemPrompt:        envString("PROCESS_SYSTEM_PROMPT", defaultSystemPrompt),
		AnalysisCacheTTL:    envDuration("ANALYSIS_CACHE_TTL", time.Hour),
		AnalysisRetention:   envDuration("ANALYSIS_RETENTION", 30*24*time.Hour),

		GCSBucket:           os.Getenv("GCS_BUCKET"),
		GoogleSpeechEnabled: envBool("GOOGLE_SPEECH_ENABLED", false),
		AnalysisWorkers:     envInt("ANALYSIS_WORKERS", 2),
	}
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// envDuration accepts Go durations ("750ms") or bare milliseconds ("750").
func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

func envBool(key string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
