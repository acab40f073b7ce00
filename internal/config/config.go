// Package config provides configuration management for tvpipe using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tvpipe/tvpipe/internal/codec"
)

// Default configuration values.
const (
	defaultIOTimeout          = 5 * time.Second
	defaultBothDeadGrace      = 10 * time.Second
	defaultCircuitThreshold   = 1
	defaultCircuitTimeout     = 30 * time.Second
	defaultQueueCapacity      = 64
	defaultQualityCadence     = 30
	defaultQualityWindow      = 10
	defaultQualityPassScore   = 90.0
	defaultSegmentationThresh = 0.5
	defaultSegmentationAlpha  = 0.6
	defaultMetricsPort        = 9090
)

// Config holds all configuration for the pipeline daemon.
type Config struct {
	Logging       LoggingConfig       `mapstructure:"logging"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Ingress       IngressConfig       `mapstructure:"ingress"`
	Transform     TransformConfig     `mapstructure:"transform"`
	Segmentation  SegmentationConfig  `mapstructure:"segmentation"`
	Encoders      []EncoderConfig     `mapstructure:"encoders"`
	Outputs       []OutputConfig      `mapstructure:"outputs"`
	Quality       QualityConfig       `mapstructure:"quality"`
	Queue         QueueConfig         `mapstructure:"queue"`
	HardwareAccel HardwareAccelConfig `mapstructure:"hwaccel"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds the Prometheus metrics server configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// IngressConfig holds the main/backup source and failover configuration.
type IngressConfig struct {
	MainInput               string        `mapstructure:"main_input"`
	BackupInput             string        `mapstructure:"backup_input"`
	IOTimeout               time.Duration `mapstructure:"io_timeout"`
	BothDeadGrace           time.Duration `mapstructure:"both_dead_grace"`
	CircuitFailureThreshold int           `mapstructure:"circuit_failure_threshold"`
	CircuitTimeout          time.Duration `mapstructure:"circuit_timeout"`
}

// TransformConfig selects and parameterizes the transform stage variant.
type TransformConfig struct {
	// Variant is one of "passthrough", "composite", "segmentation".
	Variant string `mapstructure:"variant"`
	// MainIndex selects which input stream is promoted to the main
	// composite region (0-3); only meaningful when Variant is "composite".
	MainIndex int `mapstructure:"main_index"`
	// CompositeInputs names up to three additional source URLs feeding the
	// thumbnail regions not already covered by ingress.main_input; only
	// meaningful when Variant is "composite". ingress.main_input always
	// fills slot 0.
	CompositeInputs []string `mapstructure:"composite_inputs"`
}

// SegmentationConfig parameterizes the segmentation transform variant.
type SegmentationConfig struct {
	ModelPath     string  `mapstructure:"model_path"`
	Threshold     float64 `mapstructure:"threshold"`
	Alpha         float64 `mapstructure:"alpha"`
	NumThreads    int     `mapstructure:"num_threads"`
	FallbackOnnx  bool    `mapstructure:"fallback_to_heuristic"`
	BackgroundHex string  `mapstructure:"background_color"`
}

// EncoderConfig describes one output rendition's encoder parameters.
type EncoderConfig struct {
	Name        string   `mapstructure:"name"`
	Width       int      `mapstructure:"width"`
	Height      int      `mapstructure:"height"`
	FrameRate   int      `mapstructure:"frame_rate"`
	VideoCodec  string   `mapstructure:"video_codec"`
	BitrateKbps int      `mapstructure:"bitrate_kbps"`
	GOPSize     int      `mapstructure:"gop_size"`
	MaxBFrames  int      `mapstructure:"max_b_frames"`
	UseGPU      bool     `mapstructure:"use_gpu"`
	HWAccel     string   `mapstructure:"hwaccel"`
	PixelFormat string   `mapstructure:"pixel_format"`
}

// OutputConfig describes one egress target.
type OutputConfig struct {
	Rendition string `mapstructure:"rendition"` // matches EncoderConfig.Name
	Type      string `mapstructure:"type"`      // "srt" or "file"
	URL       string `mapstructure:"url"`
	Container string `mapstructure:"container"` // "mpegts"
}

// QualityConfig parameterizes the VMAF-style quality adjunct.
type QualityConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	ModelPath     string  `mapstructure:"model_path"`
	Cadence       int     `mapstructure:"cadence"` // evaluate every Nth frame
	Window        int     `mapstructure:"window"`  // rolling average window size
	PassThreshold float64 `mapstructure:"pass_threshold"`
}

// QueueConfig tunes the bounded queues connecting pipeline stages.
type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// HardwareAccelConfig controls device/frames-context acquisition.
type HardwareAccelConfig struct {
	Priority []string `mapstructure:"priority"` // e.g. cuda, vaapi, qsv, none
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with TVPIPE_ and use underscores for nesting.
// Example: TVPIPE_INGRESS_MAIN_INPUT=srt://host:9000.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/tvpipe")
		v.AddConfigPath("$HOME/.tvpipe")
	}

	v.SetEnvPrefix("TVPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", fmt.Sprintf("127.0.0.1:%d", defaultMetricsPort))

	v.SetDefault("ingress.io_timeout", defaultIOTimeout)
	v.SetDefault("ingress.both_dead_grace", defaultBothDeadGrace)
	v.SetDefault("ingress.circuit_failure_threshold", defaultCircuitThreshold)
	v.SetDefault("ingress.circuit_timeout", defaultCircuitTimeout)

	v.SetDefault("transform.variant", "passthrough")
	v.SetDefault("transform.main_index", 0)

	v.SetDefault("segmentation.threshold", defaultSegmentationThresh)
	v.SetDefault("segmentation.alpha", defaultSegmentationAlpha)
	v.SetDefault("segmentation.num_threads", 1)
	v.SetDefault("segmentation.fallback_to_heuristic", true)
	v.SetDefault("segmentation.background_color", "#001219")

	v.SetDefault("quality.enabled", false)
	v.SetDefault("quality.cadence", defaultQualityCadence)
	v.SetDefault("quality.window", defaultQualityWindow)
	v.SetDefault("quality.pass_threshold", defaultQualityPassScore)

	v.SetDefault("queue.capacity", defaultQueueCapacity)

	v.SetDefault("hwaccel.priority", []string{"cuda", "vaapi", "qsv", "none"})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Ingress.MainInput == "" {
		return fmt.Errorf("ingress.main_input is required")
	}
	if c.Ingress.IOTimeout <= 0 {
		return fmt.Errorf("ingress.io_timeout must be positive")
	}
	if c.Ingress.CircuitFailureThreshold < 1 {
		return fmt.Errorf("ingress.circuit_failure_threshold must be at least 1")
	}

	switch c.Transform.Variant {
	case "passthrough", "composite", "segmentation":
	default:
		return fmt.Errorf("transform.variant must be one of: passthrough, composite, segmentation")
	}
	if c.Transform.Variant == "composite" && (c.Transform.MainIndex < 0 || c.Transform.MainIndex > 3) {
		return fmt.Errorf("transform.main_index must be between 0 and 3")
	}
	if c.Transform.Variant == "composite" && len(c.Transform.CompositeInputs) > 3 {
		return fmt.Errorf("transform.composite_inputs supports at most 3 additional sources, got %d", len(c.Transform.CompositeInputs))
	}
	if c.Transform.Variant == "segmentation" && c.Segmentation.ModelPath == "" {
		return fmt.Errorf("segmentation.model_path is required when transform.variant is segmentation")
	}

	if len(c.Encoders) == 0 {
		return fmt.Errorf("at least one entry in encoders is required")
	}
	names := make(map[string]bool, len(c.Encoders))
	for i, enc := range c.Encoders {
		if enc.Name == "" {
			return fmt.Errorf("encoders[%d].name is required", i)
		}
		if names[enc.Name] {
			return fmt.Errorf("encoders[%d].name %q is duplicated", i, enc.Name)
		}
		names[enc.Name] = true
		if _, ok := codec.ParseVideo(enc.VideoCodec); !ok {
			return fmt.Errorf("encoders[%d].video_codec %q is not recognized", i, enc.VideoCodec)
		}
		if enc.Width <= 0 || enc.Height <= 0 {
			return fmt.Errorf("encoders[%d] width/height must be positive", i)
		}
		if enc.MaxBFrames < 0 {
			return fmt.Errorf("encoders[%d].max_b_frames must not be negative", i)
		}
	}

	if len(c.Outputs) == 0 {
		return fmt.Errorf("at least one entry in outputs is required")
	}
	for i, out := range c.Outputs {
		if !names[out.Rendition] {
			return fmt.Errorf("outputs[%d].rendition %q does not match any encoders[].name", i, out.Rendition)
		}
		switch out.Type {
		case "srt", "file":
		default:
			return fmt.Errorf("outputs[%d].type must be one of: srt, file", i)
		}
		if out.URL == "" {
			return fmt.Errorf("outputs[%d].url is required", i)
		}
	}

	if c.Queue.Capacity < 1 {
		return fmt.Errorf("queue.capacity must be at least 1")
	}

	if c.Quality.Enabled && c.Quality.Cadence < 1 {
		return fmt.Errorf("quality.cadence must be at least 1 when quality.enabled is true")
	}

	return nil
}
