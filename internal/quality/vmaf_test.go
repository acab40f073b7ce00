package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_AppliesDefaultsForZeroValues(t *testing.T) {
	a := New(Config{PassThreshold: 90})
	require.NotNil(t, a)
	assert.Equal(t, 30, a.cfg.Window)
	assert.Equal(t, 1, a.cfg.Cadence)
}

func TestShouldEvaluate_IgnoresNonKeyFrames(t *testing.T) {
	a := New(Config{Cadence: 1})
	assert.False(t, a.ShouldEvaluate(false))
}

func TestShouldEvaluate_GatesOnCadence(t *testing.T) {
	a := New(Config{Cadence: 3})
	assert.False(t, a.ShouldEvaluate(true))
	assert.False(t, a.ShouldEvaluate(true))
	assert.True(t, a.ShouldEvaluate(true))
	assert.False(t, a.ShouldEvaluate(true))
}

func TestDefaultConfig_MatchesDocumentedDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 90.0, cfg.PassThreshold)
	assert.Equal(t, 1, cfg.Cadence)
	assert.Equal(t, 30, cfg.Window)
}

func TestVMAFScorePattern_ExtractsScore(t *testing.T) {
	m := vmafScorePattern.FindStringSubmatch("[libvmaf @ 0x0] VMAF score: 93.214521")
	require.NotNil(t, m)
	assert.Equal(t, "93.214521", m[1])
}
