package ingress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultsAppliedAndMainActive(t *testing.T) {
	s := New(Config{MainURL: "srt://main", BackupURL: "srt://backup"}, nil, nil)
	require.NotNil(t, s.backup)
	assert.Same(t, s.main, s.active)
	assert.Equal(t, 1, s.cfg.CircuitFailureThreshold)
	assert.Equal(t, 30*time.Second, s.cfg.CircuitTimeout)
	assert.Equal(t, 10*time.Second, s.cfg.BothDeadGrace)
}

func TestNew_NoBackupURLLeavesBackupNil(t *testing.T) {
	s := New(Config{MainURL: "srt://main"}, nil, nil)
	assert.Nil(t, s.backup)
}

func TestPickSource_SwapsToBackupWhenMainCircuitOpen(t *testing.T) {
	s := New(Config{MainURL: "srt://main", BackupURL: "srt://backup", CircuitFailureThreshold: 1}, nil, nil)
	s.main.breaker.RecordFailure()

	src := s.pickSource()
	require.NotNil(t, src)
	assert.Equal(t, "backup", src.Name)
	assert.Same(t, s.backup, s.active)
}

func TestPickSource_ReturnsNilWhenBothCircuitsOpen(t *testing.T) {
	s := New(Config{MainURL: "srt://main", BackupURL: "srt://backup", CircuitFailureThreshold: 1}, nil, nil)
	s.main.breaker.RecordFailure()
	s.backup.breaker.RecordFailure()

	assert.Nil(t, s.pickSource())
}

func TestPickSource_NoBackupReturnsNilOnceMainOpen(t *testing.T) {
	s := New(Config{MainURL: "srt://main", CircuitFailureThreshold: 1}, nil, nil)
	s.main.breaker.RecordFailure()

	assert.Nil(t, s.pickSource())
}

func TestSwap_StaysOnActiveWhenOtherCircuitOpen(t *testing.T) {
	s := New(Config{MainURL: "srt://main", BackupURL: "srt://backup", CircuitFailureThreshold: 1}, nil, nil)
	s.backup.breaker.RecordFailure()

	s.swap()
	assert.Same(t, s.main, s.active)
}
