package workers

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/yoockh/streamscribe/internal/models"
)

const (
	DefaultAnalysisStream = "analysis:stream"
	DefaultAnalysisGroup  = "analysis-workers"
)

// AnalysisQueue pushes completed analyses onto a Redis stream for the
// persistence workers.
type AnalysisQueue struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

func NewAnalysisQueue(rdb *redis.Client, stream string) *AnalysisQueue {
	if stream == "" {
		stream = DefaultAnalysisStream
	}
	return &AnalysisQueue{rdb: rdb, stream: stream, maxLen: 10000}
}

func (q *AnalysisQueue) Enqueue(ctx context.Context, a *models.Analysis) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"analysis_id": a.AnalysisID,
			"session_id":  a.SessionID,
			"payload":     string(payload),
		},
	}).Err()
}
