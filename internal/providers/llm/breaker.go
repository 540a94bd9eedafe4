package llm

import (
	"sync"
	"time"
)

// FailureTimeout is how long a failed provider stays out of selection.
const FailureTimeout = 5 * time.Minute

// IsEligible is the cooldown rule: a provider is eligible when it never
// failed or its last failure is at least timeout old.
func IsEligible(now, lastFailure time.Time, timeout time.Duration) bool {
	if lastFailure.IsZero() {
		return true
	}
	return now.Sub(lastFailure) >= timeout
}

// Breaker tracks the last failure per provider id. Writes from concurrent
// orchestrations are last-write-wins.
type Breaker struct {
	mu       sync.Mutex
	timeout  time.Duration
	failedAt map[string]time.Time
}

func NewBreaker(timeout time.Duration) *Breaker {
	if timeout <= 0 {
		timeout = FailureTimeout
	}
	return &Breaker{timeout: timeout, failedAt: make(map[string]time.Time)}
}

func (b *Breaker) Timeout() time.Duration { return b.timeout }

func (b *Breaker) MarkFailed(id string, at time.Time) {
	b.mu.Lock()
	b.failedAt[id] = at
	b.mu.Unlock()
}

func (b *Breaker) Clear(id string) {
	b.mu.Lock()
	delete(b.failedAt, id)
	b.mu.Unlock()
}

// Eligible applies IsEligible and forgets failures whose cooldown elapsed.
func (b *Breaker) Eligible(id string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	last, ok := b.failedAt[id]
	if !ok {
		return true
	}
	if IsEligible(now, last, b.timeout) {
		delete(b.failedAt, id)
		return true
	}
	return false
}

// FailedAt returns the recorded failure time, if any.
func (b *Breaker) FailedAt(id string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.failedAt[id]
	return t, ok
}

// Remaining is the cooldown left for id, zero when eligible.
func (b *Breaker) Remaining(id string, now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	last, ok := b.failedAt[id]
	if !ok {
		return 0
	}
	left := b.timeout - now.Sub(last)
	if left < 0 {
		return 0
	}
	return left
}
