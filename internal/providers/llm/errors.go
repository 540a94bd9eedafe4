package llm

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoProviders means nothing is enabled with a credential.
var ErrNoProviders = errors.New("no providers configured")

// Cooldown is one provider's remaining exclusion window.
type Cooldown struct {
	ProviderID string
	Remaining  time.Duration
}

// UnavailableError is returned when every configured provider is cooling
// down after a recent failure.
type UnavailableError struct {
	Cooldowns []Cooldown
}

func (e *UnavailableError) Error() string {
	parts := make([]string, 0, len(e.Cooldowns))
	for _, c := range e.Cooldowns {
		parts = append(parts, fmt.Sprintf("%s (retry in %s)", c.ProviderID, c.Remaining.Round(time.Second)))
	}
	return "all providers temporarily unavailable: " + strings.Join(parts, ", ")
}

// Attempt records one provider call made by CallWithFallback.
type Attempt struct {
	ProviderID string        `json:"provider_id"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
}

// ExhaustedError is returned when every candidate failed. It unwraps to the
// last failure.
type ExhaustedError struct {
	Attempts []Attempt
	Last     error
}

func (e *ExhaustedError) Error() string {
	ids := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		ids = append(ids, a.ProviderID)
	}
	return fmt.Sprintf("all providers failed (%s): last error: %v", strings.Join(ids, ", "), e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }
