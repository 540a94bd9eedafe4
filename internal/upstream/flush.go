package upstream

import (
	"context"
	"sync"
	"time"

	"github.com/yoockh/streamscribe/internal/metrics"
)

type flushOutcome int

const (
	flushByAck flushOutcome = iota
	flushByDeadline
	flushByAbort
)

// FlushResult describes how a flush settled. Exactly one of the three flags
// is set.
type FlushResult struct {
	SessionID    string `json:"sessionId"`
	CutoffMS     int64  `json:"cutoffTimestamp"`
	GraceMS      int64  `json:"gracePeriodMs"`
	Acknowledged bool   `json:"acknowledged"`
	TimedOut     bool   `json:"timedOut"`
	Aborted      bool   `json:"aborted"`
}

// FlushHandle is the one-shot completion slot for a pending flush. The
// engine acknowledgment, the deadline timer and session teardown race to
// resolve it; the first wins and disarms the timer.
type FlushHandle struct {
	once   sync.Once
	done   chan struct{}
	timer  *time.Timer
	result FlushResult
}

func newFlushHandle(sessionID string, cutoffMS, graceMS int64) *FlushHandle {
	return &FlushHandle{
		done:   make(chan struct{}),
		result: FlushResult{SessionID: sessionID, CutoffMS: cutoffMS, GraceMS: graceMS},
	}
}

// SettledFlush returns a handle that is already resolved with res, for
// callers that have nothing to wait on.
func SettledFlush(res FlushResult) *FlushHandle {
	h := &FlushHandle{done: make(chan struct{}), result: res}
	h.once.Do(func() { close(h.done) })
	return h
}

func (h *FlushHandle) resolve(how flushOutcome) {
	h.once.Do(func() {
		if h.timer != nil {
			h.timer.Stop()
		}
		switch how {
		case flushByAck:
			h.result.Acknowledged = true
			metrics.FlushesTotal.WithLabelValues("acknowledged").Inc()
		case flushByDeadline:
			h.result.TimedOut = true
			metrics.FlushesTotal.WithLabelValues("deadline").Inc()
		default:
			h.result.Aborted = true
			metrics.FlushesTotal.WithLabelValues("aborted").Inc()
		}
		close(h.done)
	})
}

func (h *FlushHandle) Done() <-chan struct{} { return h.done }

// Result is only meaningful after Done is closed.
func (h *FlushHandle) Result() FlushResult {
	<-h.done
	return h.result
}

// Wait blocks until the flush settles or ctx ends. The flush itself never
// outlives its deadline.
func (h *FlushHandle) Wait(ctx context.Context) (FlushResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return FlushResult{}, ctx.Err()
	}
}
