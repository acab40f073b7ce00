package ingress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensOnFirstFailureByDefault(t *testing.T) {
	cb := newCircuitBreaker(circuitBreakerConfig{FailureThreshold: 1, Timeout: time.Hour})
	require.True(t, cb.Allow())
	cb.RecordFailure()
	assert.False(t, cb.Allow())
	assert.Equal(t, circuitOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := newCircuitBreaker(circuitBreakerConfig{FailureThreshold: 1, Timeout: 10 * time.Millisecond})
	cb.RecordFailure()
	require.False(t, cb.Allow())
	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.Allow())
	assert.Equal(t, circuitHalfOpen, cb.State())
}

func TestCircuitBreaker_SuccessInHalfOpenCloses(t *testing.T) {
	cb := newCircuitBreaker(circuitBreakerConfig{FailureThreshold: 1, Timeout: 10 * time.Millisecond})
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, circuitHalfOpen, cb.State())
	cb.RecordSuccess()
	assert.Equal(t, circuitClosed, cb.State())
}

func TestCircuitBreaker_FailureInHalfOpenReopens(t *testing.T) {
	cb := newCircuitBreaker(circuitBreakerConfig{FailureThreshold: 1, Timeout: 10 * time.Millisecond})
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, circuitHalfOpen, cb.State())
	cb.RecordFailure()
	assert.Equal(t, circuitOpen, cb.State())
}
