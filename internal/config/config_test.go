package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEncoders() []EncoderConfig {
	return []EncoderConfig{
		{Name: "1080p", Width: 1920, Height: 1080, FrameRate: 60, VideoCodec: "h265", BitrateKbps: 8000, GOPSize: 120},
	}
}

func validOutputs() []OutputConfig {
	return []OutputConfig{
		{Rendition: "1080p", Type: "srt", URL: "srt://localhost:9001", Container: "mpegts"},
	}
}

func TestLoad_DefaultsRequireEncodersAndOutputs(t *testing.T) {
	t.Setenv("TVPIPE_INGRESS_MAIN_INPUT", "srt://main:9000")
	_, err := Load("")
	require.Error(t, err) // no encoders/outputs configured by defaults alone
	assert.Contains(t, err.Error(), "encoders")
}

func TestSetDefaults(t *testing.T) {
	cfg := &Config{
		Ingress:  IngressConfig{MainInput: "srt://main:9000", IOTimeout: time.Second, CircuitFailureThreshold: 1},
		Encoders: validEncoders(),
		Outputs:  validOutputs(),
	}
	cfg.Transform.Variant = "passthrough"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Queue.Capacity = 64

	require.NoError(t, cfg.Validate())
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "debug"
  format: "text"

ingress:
  main_input: "srt://primary.example:9000"
  backup_input: "srt://backup.example:9000"
  io_timeout: 3s

transform:
  variant: "passthrough"

encoders:
  - name: "1080p"
    width: 1920
    height: 1080
    frame_rate: 60
    video_codec: "h265"
    bitrate_kbps: 8000
    gop_size: 120

outputs:
  - rendition: "1080p"
    type: "srt"
    url: "srt://egress.example:9001"
    container: "mpegts"
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "srt://primary.example:9000", cfg.Ingress.MainInput)
	assert.Equal(t, "srt://backup.example:9000", cfg.Ingress.BackupInput)
	assert.Equal(t, 3*time.Second, cfg.Ingress.IOTimeout)
	require.Len(t, cfg.Encoders, 1)
	assert.Equal(t, "h265", cfg.Encoders[0].VideoCodec)
	require.Len(t, cfg.Outputs, 1)
	assert.Equal(t, "srt://egress.example:9001", cfg.Outputs[0].URL)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
ingress:
  main_input: "srt://file-configured:9000"

encoders:
  - name: "1080p"
    width: 1920
    height: 1080
    frame_rate: 60
    video_codec: "h265"
    bitrate_kbps: 8000

outputs:
  - rendition: "1080p"
    type: "srt"
    url: "srt://egress:9001"
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	t.Setenv("TVPIPE_INGRESS_MAIN_INPUT", "srt://env-configured:9000")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "srt://env-configured:9000", cfg.Ingress.MainInput)
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := &Config{
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Ingress:  IngressConfig{MainInput: "srt://main:9000", IOTimeout: time.Second, CircuitFailureThreshold: 1},
		Encoders: validEncoders(),
		Outputs:  validOutputs(),
		Queue:    QueueConfig{Capacity: 64},
	}
	cfg.Transform.Variant = "passthrough"

	assert.NoError(t, cfg.Validate())
}

func TestValidate_MissingMainInput(t *testing.T) {
	cfg := &Config{
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Ingress:  IngressConfig{IOTimeout: time.Second, CircuitFailureThreshold: 1},
		Encoders: validEncoders(),
		Outputs:  validOutputs(),
		Queue:    QueueConfig{Capacity: 64},
	}
	cfg.Transform.Variant = "passthrough"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "main_input")
}

func TestValidate_InvalidTransformVariant(t *testing.T) {
	cfg := &Config{
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Ingress:  IngressConfig{MainInput: "srt://main:9000", IOTimeout: time.Second, CircuitFailureThreshold: 1},
		Encoders: validEncoders(),
		Outputs:  validOutputs(),
		Queue:    QueueConfig{Capacity: 64},
	}
	cfg.Transform.Variant = "upscale"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transform.variant")
}

func TestValidate_SegmentationRequiresModelPath(t *testing.T) {
	cfg := &Config{
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Ingress:  IngressConfig{MainInput: "srt://main:9000", IOTimeout: time.Second, CircuitFailureThreshold: 1},
		Encoders: validEncoders(),
		Outputs:  validOutputs(),
		Queue:    QueueConfig{Capacity: 64},
	}
	cfg.Transform.Variant = "segmentation"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "segmentation.model_path")
}

func TestValidate_UnknownVideoCodec(t *testing.T) {
	encoders := validEncoders()
	encoders[0].VideoCodec = "not-a-codec"
	cfg := &Config{
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Ingress:  IngressConfig{MainInput: "srt://main:9000", IOTimeout: time.Second, CircuitFailureThreshold: 1},
		Encoders: encoders,
		Outputs:  validOutputs(),
		Queue:    QueueConfig{Capacity: 64},
	}
	cfg.Transform.Variant = "passthrough"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "video_codec")
}

func TestValidate_OutputRenditionMustMatchEncoder(t *testing.T) {
	outputs := validOutputs()
	outputs[0].Rendition = "4k"
	cfg := &Config{
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Ingress:  IngressConfig{MainInput: "srt://main:9000", IOTimeout: time.Second, CircuitFailureThreshold: 1},
		Encoders: validEncoders(),
		Outputs:  outputs,
		Queue:    QueueConfig{Capacity: 64},
	}
	cfg.Transform.Variant = "passthrough"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match any encoders")
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := &Config{
		Logging:  LoggingConfig{Level: "verbose", Format: "json"},
		Ingress:  IngressConfig{MainInput: "srt://main:9000", IOTimeout: time.Second, CircuitFailureThreshold: 1},
		Encoders: validEncoders(),
		Outputs:  validOutputs(),
		Queue:    QueueConfig{Capacity: 64},
	}
	cfg.Transform.Variant = "passthrough"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestValidate_QueueCapacityMustBePositive(t *testing.T) {
	cfg := &Config{
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Ingress:  IngressConfig{MainInput: "srt://main:9000", IOTimeout: time.Second, CircuitFailureThreshold: 1},
		Encoders: validEncoders(),
		Outputs:  validOutputs(),
		Queue:    QueueConfig{Capacity: 0},
	}
	cfg.Transform.Variant = "passthrough"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.capacity")
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	invalidContent := `
ingress:
  io_timeout: "not a duration"
  invalid yaml structure
`
	err := os.WriteFile(configPath, []byte(invalidContent), 0o600)
	require.NoError(t, err)

	_, err = Load(configPath)
	assert.Error(t, err)
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}
