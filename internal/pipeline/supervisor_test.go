package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvpipe/tvpipe/internal/config"
	"github.com/tvpipe/tvpipe/internal/media"
	"github.com/tvpipe/tvpipe/internal/pipeline/stages/transform"
	"github.com/tvpipe/tvpipe/internal/queue"
)

func TestNew_GeneratesDistinctRunIDs(t *testing.T) {
	a := New(&config.Config{}, nil)
	b := New(&config.Config{}, nil)
	assert.NotEmpty(t, a.runID)
	assert.NotEmpty(t, b.runID)
	assert.NotEqual(t, a.runID, b.runID)
}

func TestBuildTransformConfig_Passthrough(t *testing.T) {
	for _, variant := range []string{"", "passthrough"} {
		s := New(&config.Config{Transform: config.TransformConfig{Variant: variant}}, nil)
		cfg, err := s.buildTransformConfig()
		require.NoError(t, err)
		assert.Equal(t, transform.VariantNone, cfg.Variant)
	}
}

func TestBuildTransformConfig_Composite(t *testing.T) {
	s := New(&config.Config{Transform: config.TransformConfig{Variant: "composite", MainIndex: 2}}, nil)
	cfg, err := s.buildTransformConfig()
	require.NoError(t, err)
	assert.Equal(t, transform.VariantComposite, cfg.Variant)
	assert.Equal(t, 2, cfg.MainIndex)
}

func TestBuildTransformConfig_Segmentation(t *testing.T) {
	s := New(&config.Config{
		Transform:    config.TransformConfig{Variant: "segmentation"},
		Segmentation: config.SegmentationConfig{Threshold: 0.7, Alpha: 0.2},
	}, nil)
	cfg, err := s.buildTransformConfig()
	require.NoError(t, err)
	assert.Equal(t, transform.VariantSegmentation, cfg.Variant)
	assert.Equal(t, 0.7, cfg.Segmentation.Threshold)
	assert.Equal(t, 0.2, cfg.Segmentation.Alpha)
}

func TestBuildTransformConfig_UnknownVariantErrors(t *testing.T) {
	s := New(&config.Config{Transform: config.TransformConfig{Variant: "nonsense"}}, nil)
	_, err := s.buildTransformConfig()
	assert.Error(t, err)
}

func TestBuildEncoders_UnknownCodecErrors(t *testing.T) {
	s := New(&config.Config{Encoders: []config.EncoderConfig{{Name: "hd", VideoCodec: "not-a-codec"}}}, nil)
	_, _, err := s.buildEncoders()
	assert.Error(t, err)
}

func TestBuildEgressStages_MissingRenditionErrors(t *testing.T) {
	s := New(&config.Config{Outputs: []config.OutputConfig{{Rendition: "hd", URL: "srt://out:9000"}}}, nil)
	s.renditionOut = map[string]*queue.BoundedQueue[*media.CompressedPacket]{}
	err := s.buildEgressStages(nil)
	assert.Error(t, err)
}
