package pipeline

import (
	"sync"
	"time"
)

// CircuitBreaker disables uploads after a run of consecutive failures
// so a struggling backend is not hammered. State is in-memory and
// per-session; batches persisted while the breaker is open are
// replayed once it closes.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration

	mu                  sync.Mutex
	consecutiveFailures int
	open                bool
	openedAt            time.Time

	now func() time.Time
}

// NewCircuitBreaker creates a breaker that opens after threshold
// consecutive failures and self-closes after the cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// CanUpload reports whether uploads may be attempted. An open breaker
// self-closes once the cooldown has elapsed.
func (b *CircuitBreaker) CanUpload() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	if b.now().Sub(b.openedAt) >= b.cooldown {
		b.open = false
		b.consecutiveFailures = 0
		return true
	}
	return false
}

// RecordFailure counts one failed attempt. Returns true if this
// failure opened the breaker.
func (b *CircuitBreaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	if !b.open && b.consecutiveFailures >= b.threshold {
		b.open = true
		b.openedAt = b.now()
		return true
	}
	return false
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.open = false
}

// Failures returns the current consecutive-failure count.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}
