package models

import (
	"math"
	"time"
)

// Fragment is one recognized span of speech. ReceivedAt is the backend
// receipt time in unix milliseconds; ordering and windowing use it.
type Fragment struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Final      bool    `json:"final"`
	ReceivedAt int64   `json:"receivedAt"`
}

// Transcription is a read-only snapshot of one session bucket.
type Transcription struct {
	SessionID string     `json:"sessionId"`
	FullText  string     `json:"fullText"`
	Chunks    []Fragment `json:"chunks"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// NormalizeConfidence defaults a missing value to 1.0 and clamps the rest
// into [0,1].
func NormalizeConfidence(c *float64) float64 {
	switch {
	case c == nil || math.IsNaN(*c):
		return 1.0
	case *c < 0:
		return 0
	case *c > 1:
		return 1
	default:
		return *c
	}
}
