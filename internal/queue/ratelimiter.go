package queue

import (
	"sync"
	"time"

	"converge/internal/store"
)

const (
	// DefaultBaseDelay is the first retry delay for a failing key.
	DefaultBaseDelay = 5 * time.Millisecond

	// DefaultMaxDelay caps the per-key retry delay.
	DefaultMaxDelay = 16 * time.Minute
)

// RateLimiter computes per-key retry delays.
type RateLimiter interface {
	// When returns the delay before the key's next retry and records the
	// failure.
	When(key store.Key) time.Duration

	// Forget clears the key's failure history.
	Forget(key store.Key)

	// Retries returns the key's recorded failure count.
	Retries(key store.Key) int
}

// exponentialRateLimiter doubles the delay per consecutive failure, capped.
type exponentialRateLimiter struct {
	mu       sync.Mutex
	base     time.Duration
	max      time.Duration
	failures map[store.Key]int
}

// NewExponentialRateLimiter returns a per-key exponential backoff limiter.
func NewExponentialRateLimiter(base, max time.Duration) RateLimiter {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	return &exponentialRateLimiter{
		base:     base,
		max:      max,
		failures: make(map[store.Key]int),
	}
}

func (r *exponentialRateLimiter) When(key store.Key) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	exp := r.failures[key]
	r.failures[key]++

	// Shift overflow guard: past 62 doublings the cap applies regardless.
	if exp > 62 {
		return r.max
	}
	delay := r.base << uint(exp)
	if delay > r.max || delay < r.base {
		delay = r.max
	}
	return delay
}

func (r *exponentialRateLimiter) Forget(key store.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, key)
}

func (r *exponentialRateLimiter) Retries(key store.Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[key]
}
