package provider

import (
	"sync"
	"time"
)

// breakerState is the circuit breaker's own state.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// circuitBreaker is a simple per-endpoint-group breaker: opens after N
// consecutive failures, stays open for a cooldown, then allows one
// half-open trial before closing on success or reopening on failure.
// Hand-rolled: no breaker library is otherwise in use on this path.
type circuitBreaker struct {
	mu               sync.Mutex
	threshold        int
	cooldown         time.Duration
	state            breakerState
	consecutiveFails int
	openedAt         time.Time
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &circuitBreaker{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a call may proceed, transitioning Open ->
// HalfOpen once the cooldown has elapsed.
func (b *circuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		return true
	default:
		return true
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *circuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.consecutiveFails = 0
}

// RecordFailure increments the failure count and opens the breaker
// once threshold consecutive failures (or a failed half-open trial)
// are observed.
func (b *circuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = time.Now()
		return
	}

	b.consecutiveFails++
	if b.consecutiveFails >= b.threshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}

// State reports the current breaker state, for health checks.
func (b *circuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
