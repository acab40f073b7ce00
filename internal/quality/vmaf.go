// Package quality runs the VMAF-style quality adjunct: a secondary decode
// of an encoded rendition compared against the source, sampled on a
// cadence and reduced to a windowed average.
package quality

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"sync"

	"github.com/tvpipe/tvpipe/internal/ffmpeg"
)

// Config tunes one rendition's quality adjunct.
type Config struct {
	FFmpegPath    string
	PassThreshold float64
	// Cadence is how many encoded key packets pass between evaluations.
	Cadence int
	// Window is how many samples the rolling average covers.
	Window int
}

// DefaultConfig returns a 90.0 pass threshold, evaluating every key
// packet with a 30-sample rolling window.
func DefaultConfig() Config {
	return Config{FFmpegPath: "ffmpeg", PassThreshold: 90.0, Cadence: 1, Window: 30}
}

// Adjunct runs VMAF evaluations for one rendition by shelling out to
// ffmpeg's libvmaf filter, with the command line built by
// internal/ffmpeg.CommandBuilder, since no native Go VMAF binding exists.
// Its mutex guards the cadence counter and the sample window; the ffmpeg
// runs themselves are not serialized.
type Adjunct struct {
	cfg     Config
	mu      sync.Mutex
	samples []float64
	calls   int
}

// New creates an Adjunct.
func New(cfg Config) *Adjunct {
	if cfg.Window <= 0 {
		cfg.Window = 30
	}
	if cfg.Cadence <= 0 {
		cfg.Cadence = 1
	}
	return &Adjunct{cfg: cfg}
}

// ShouldEvaluate reports whether the adjunct should run this cycle,
// gating on key packets only per the cadence configuration.
func (a *Adjunct) ShouldEvaluate(keyFrame bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !keyFrame {
		return false
	}
	a.calls++
	return a.calls%a.cfg.Cadence == 0
}

var vmafScorePattern = regexp.MustCompile(`VMAF score:\s*([0-9.]+)`)

// Evaluate compares distortedPath against referencePath using ffmpeg's
// libvmaf filter, appends the score to the rolling window, and returns the
// windowed average plus whether it meets PassThreshold.
func (a *Adjunct) Evaluate(ctx context.Context, referencePath, distortedPath string) (avg float64, pass bool, err error) {
	score, err := a.runVMAF(ctx, referencePath, distortedPath)
	if err != nil {
		return 0, false, err
	}

	a.mu.Lock()
	a.samples = append(a.samples, score)
	if len(a.samples) > a.cfg.Window {
		a.samples = a.samples[len(a.samples)-a.cfg.Window:]
	}
	sum := 0.0
	for _, s := range a.samples {
		sum += s
	}
	avg = sum / float64(len(a.samples))
	a.mu.Unlock()

	return avg, avg >= a.cfg.PassThreshold, nil
}

func (a *Adjunct) runVMAF(ctx context.Context, referencePath, distortedPath string) (float64, error) {
	logPath, err := vmafLogPath()
	if err != nil {
		return 0, err
	}
	defer os.Remove(logPath)

	cmd := ffmpeg.NewCommandBuilder(a.cfg.FFmpegPath).
		LogLevel("info").
		HideBanner().
		Input(distortedPath).
		InputArgs("-i", referencePath).
		OutputArgs("-lavfi", fmt.Sprintf("[0:v][1:v]libvmaf=log_path=%s:log_fmt=json", logPath), "-f", "null").
		Output(os.DevNull).
		Build()

	// The stderr pipe has to exist before the process starts, so the built
	// command line runs through os/exec directly.
	proc := exec.CommandContext(ctx, cmd.Binary, cmd.Args...)
	stderr, err := proc.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("quality: stderr pipe: %w", err)
	}
	if err := proc.Start(); err != nil {
		return 0, fmt.Errorf("quality: start vmaf: %w", err)
	}

	score := 0.0
	found := false
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if m := vmafScorePattern.FindStringSubmatch(scanner.Text()); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				score, found = v, true
			}
		}
	}
	if err := proc.Wait(); err != nil {
		return 0, fmt.Errorf("quality: vmaf command failed: %w", err)
	}
	if !found {
		return 0, fmt.Errorf("quality: no VMAF score found in ffmpeg output")
	}
	return score, nil
}

func vmafLogPath() (string, error) {
	f, err := os.CreateTemp("", "tvpipe-vmaf-*.json")
	if err != nil {
		return "", fmt.Errorf("quality: temp log file: %w", err)
	}
	path := f.Name()
	_ = f.Close()
	return path, nil
}
