package ingress

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/asticode/go-astiav"

	"github.com/tvpipe/tvpipe/internal/codec/avio"
	"github.com/tvpipe/tvpipe/internal/media"
	"github.com/tvpipe/tvpipe/internal/queue"
)

// Demuxer is the narrow surface Ingress needs from an opened input: read
// one packet at a time and release it when the source is replaced or the
// stage shuts down. *avio.Demuxer satisfies this; tests substitute a fake
// that never touches libav.
type Demuxer interface {
	ReadPacket() (*media.CompressedPacket, error)
	Close() error
}

// Source is one of the two ingress feeds (main or backup).
type Source struct {
	Name    string
	URL     string
	breaker *circuitBreaker
	demux   Demuxer
}

// Config configures the Stage.
type Config struct {
	MainURL                 string
	BackupURL               string
	IOTimeout               time.Duration
	CircuitFailureThreshold int
	CircuitTimeout          time.Duration
	// BothDeadGrace is how long both sources may stay open (dead)
	// before the stage gives up and stops the packet queue, draining
	// the pipeline.
	BothDeadGrace time.Duration
	// Open opens one source URL into a Demuxer. Defaults to
	// avio.OpenDemuxer; tests override it with a fake that never touches
	// libav, which is how the black-box scenario tests under
	// internal/pipeline exercise Ingress without a real input.
	Open func(url string, opts avio.DemuxerOptions) (Demuxer, error)
}

// Stage reads compressed packets from whichever of main/backup is
// currently active, swapping to the other source after a failed open or
// read whenever that source's circuit allows it. The replaced source is
// not reconnected in the background; it is reopened only when the stage
// swaps back to it.
type Stage struct {
	cfg    Config
	logger *slog.Logger
	main   *Source
	backup *Source
	active *Source
	out    *queue.BoundedQueue[*media.CompressedPacket]
}

// New creates an ingress Stage. out is the packet queue feeding Decode.
func New(cfg Config, out *queue.BoundedQueue[*media.CompressedPacket], logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CircuitFailureThreshold <= 0 {
		cfg.CircuitFailureThreshold = 1
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = 30 * time.Second
	}
	if cfg.BothDeadGrace <= 0 {
		cfg.BothDeadGrace = 10 * time.Second
	}
	if cfg.Open == nil {
		cfg.Open = func(url string, opts avio.DemuxerOptions) (Demuxer, error) { return avio.OpenDemuxer(url, opts) }
	}

	bcfg := circuitBreakerConfig{FailureThreshold: cfg.CircuitFailureThreshold, Timeout: cfg.CircuitTimeout}
	s := &Stage{cfg: cfg, logger: logger, out: out}
	s.main = &Source{Name: "main", URL: cfg.MainURL, breaker: newCircuitBreaker(bcfg)}
	if cfg.BackupURL != "" {
		s.backup = &Source{Name: "backup", URL: cfg.BackupURL, breaker: newCircuitBreaker(bcfg)}
	}
	s.active = s.main
	return s
}

// Run drives the read loop until ctx is cancelled or both sources have
// been dead for longer than BothDeadGrace, at which point it stops the
// output queue and returns.
func (s *Stage) Run(ctx context.Context) error {
	defer s.closeDemuxers()

	var bothDeadSince time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		src := s.pickSource()
		if src == nil {
			if bothDeadSince.IsZero() {
				bothDeadSince = time.Now()
			}
			if time.Since(bothDeadSince) > s.cfg.BothDeadGrace {
				s.logger.Error("both ingress sources dead past grace period, draining pipeline")
				s.out.Stop()
				return errors.New("ingress: both sources dead")
			}
			time.Sleep(200 * time.Millisecond)
			continue
		}
		bothDeadSince = time.Time{}

		if err := s.readOneFrom(ctx, src); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				s.logger.Info("ingress end of stream", slog.String("source", src.Name))
				if src.demux != nil {
					_ = src.demux.Close()
					src.demux = nil
				}
				s.out.Stop()
				return nil
			}
			src.breaker.RecordFailure()
			s.logger.Warn("ingress read failed", slog.String("source", src.Name), slog.Any("error", err))
			if src.demux != nil {
				_ = src.demux.Close()
				src.demux = nil
			}
			if s.active == src {
				s.swap()
			}
		}
	}
}

// pickSource returns the best currently-allowed source, preferring the
// active one; nil means both circuits are open.
func (s *Stage) pickSource() *Source {
	if s.active != nil && s.active.breaker.Allow() {
		return s.active
	}
	s.swap()
	if s.active != nil && s.active.breaker.Allow() {
		return s.active
	}
	return nil
}

// swap switches the active source to whichever is not currently active, if
// that source's circuit allows it.
func (s *Stage) swap() {
	other := s.backup
	if s.active == s.backup {
		other = s.main
	}
	if other == nil || !other.breaker.Allow() {
		return
	}
	s.logger.Info("ingress failover swap", slog.String("to", other.Name))
	s.active = other
}

func (s *Stage) readOneFrom(ctx context.Context, src *Source) error {
	if src.demux == nil {
		d, err := s.cfg.Open(src.URL, avio.DemuxerOptions{IOTimeout: s.cfg.IOTimeout})
		if err != nil {
			return err
		}
		src.demux = d
	}

	pkt, err := src.demux.ReadPacket()
	if err != nil {
		return err
	}

	src.breaker.RecordSuccess()
	if !s.out.Push(pkt) {
		pkt.Release()
	}
	return nil
}

func (s *Stage) closeDemuxers() {
	if s.main != nil && s.main.demux != nil {
		_ = s.main.demux.Close()
	}
	if s.backup != nil && s.backup.demux != nil {
		_ = s.backup.demux.Close()
	}
}
