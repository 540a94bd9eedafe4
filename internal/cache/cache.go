package cache

import (
	"context"
	"time"
)

type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (hit bool, err error)
	SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// AnalysisKey holds the latest AI analysis of a session.
func AnalysisKey(sessionID string) string {
	return "transcription:" + sessionID + ":analysis"
}
