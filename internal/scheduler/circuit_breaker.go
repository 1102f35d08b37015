package scheduler

import (
	"sync"
	"time"
)

// CircuitState is the dispatch circuit breaker's state machine.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitHalfOpen:
		return "HalfOpen"
	case CircuitOpen:
		return "Open"
	default:
		return "Closed"
	}
}

// CircuitBreaker guards RuntimeGateway.DispatchJob from being hammered
// during a runtime-fleet-wide outage: repeated dispatch failures trip it
// open, and it only lets a handful of trial dispatches through once the
// cooldown elapses. Adapted from the reference's scheduler/circuit_breaker.go.
type CircuitBreaker struct {
	mu sync.Mutex

	state        CircuitState
	failureCount int
	openedAt     time.Time
	halfOpenTrials int

	failureThreshold int
	cooldown         time.Duration
	trialLimit       int
}

// NewCircuitBreaker returns a closed breaker tripping after failureThreshold
// consecutive dispatch failures, reopening for trial traffic after cooldown.
func NewCircuitBreaker(failureThreshold int, cooldown time.Duration, trialLimit int) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if trialLimit <= 0 {
		trialLimit = 3
	}
	return &CircuitBreaker{failureThreshold: failureThreshold, cooldown: cooldown, trialLimit: trialLimit}
}

// Allow reports whether a dispatch attempt may proceed right now, given now.
func (b *CircuitBreaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if now.Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = CircuitHalfOpen
		b.halfOpenTrials = 0
		return true
	case CircuitHalfOpen:
		if b.halfOpenTrials >= b.trialLimit {
			return false
		}
		b.halfOpenTrials++
		return true
	default:
		return true
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.state = CircuitClosed
}

// RecordFailure counts a dispatch failure, tripping the breaker open once
// failureThreshold consecutive failures accumulate.
func (b *CircuitBreaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitHalfOpen {
		b.state = CircuitOpen
		b.openedAt = now
		return
	}

	b.failureCount++
	if b.failureCount >= b.failureThreshold {
		b.state = CircuitOpen
		b.openedAt = now
	}
}

// State reports the current state, for introspection/logging.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
