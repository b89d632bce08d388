package circuitbreaker

import (
	"sync"
	"time"
)

// Breaker guards calls to the remote verdict service. After threshold
// consecutive failures the circuit opens and callers skip the network
// round trip until the cooldown elapses, at which point one attempt is
// let through again.
type Breaker struct {
	mu              sync.Mutex
	failures        int
	lastFailureTime time.Time
	open            bool

	threshold int
	cooldown  time.Duration
}

// New creates a circuit breaker
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether a call may proceed. An open circuit half-opens
// after the cooldown so the service gets probed again.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}

	if time.Since(b.lastFailureTime) > b.cooldown {
		b.open = false
		b.failures = 0
		return true
	}

	return false
}

// RecordSuccess closes the circuit and resets the failure count
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.open = false
}

// RecordFailure counts a failed call and opens the circuit at the threshold
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailureTime = time.Now()

	if b.failures >= b.threshold {
		b.open = true
	}
}

// Reset closes the circuit unconditionally
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.open = false
}

// State returns the current state for monitoring
func (b *Breaker) State() (open bool, failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.open, b.failures
}
