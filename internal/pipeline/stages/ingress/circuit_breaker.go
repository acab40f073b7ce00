// Package ingress runs the pipeline's input stage: reading compressed
// packets from a main source with automatic failover to a backup source.
package ingress

import (
	"errors"
	"sync"
	"time"
)

// circuitState is the health state of one ingress source.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// errCircuitOpen signals a source should not currently be attempted.
var errCircuitOpen = errors.New("ingress: circuit breaker is open")

// circuitBreakerConfig tunes failover sensitivity for one source.
type circuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive read failures before
	// the circuit opens. Default 1: swap on the first interrupt.
	FailureThreshold int
	// Timeout is how long the circuit stays open before a reconnect
	// attempt is allowed (half-open).
	Timeout time.Duration
}

func defaultCircuitBreakerConfig() circuitBreakerConfig {
	return circuitBreakerConfig{FailureThreshold: 1, Timeout: 30 * time.Second}
}

// circuitBreaker tracks one source's health independently of the other, so
// the stage can swap back to the replaced source once its circuit allows
// another attempt (half-open after Timeout).
type circuitBreaker struct {
	cfg circuitBreakerConfig

	mu              sync.Mutex
	state           circuitState
	failures        int
	lastFailureTime time.Time
}

func newCircuitBreaker(cfg circuitBreakerConfig) *circuitBreaker {
	return &circuitBreaker{cfg: cfg, state: circuitClosed}
}

func (cb *circuitBreaker) State() circuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == circuitOpen && time.Since(cb.lastFailureTime) >= cb.cfg.Timeout {
		return circuitHalfOpen
	}
	return cb.state
}

func (cb *circuitBreaker) Allow() bool {
	s := cb.State()
	return s == circuitClosed || s == circuitHalfOpen
}

func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case circuitClosed:
		cb.failures = 0
	case circuitHalfOpen, circuitOpen:
		cb.transitionTo(circuitClosed)
	}
}

func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFailureTime = time.Now()
	switch cb.state {
	case circuitClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.transitionTo(circuitOpen)
		}
	case circuitHalfOpen:
		cb.transitionTo(circuitOpen)
	}
}

// transitionTo must be called with mu held.
func (cb *circuitBreaker) transitionTo(s circuitState) {
	if cb.state == s {
		return
	}
	cb.state = s
	cb.failures = 0
}

// OpenSince reports, for an open circuit, how long it has been open.
func (cb *circuitBreaker) OpenSince() (time.Duration, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != circuitOpen {
		return 0, false
	}
	return time.Since(cb.lastFailureTime), true
}
