// Package egress writes one rendition's encoded packet stream to its
// configured destination, muxed into MPEG-TS.
package egress

import (
	"context"
	"io"
	"log/slog"
	"net/url"

	"github.com/tvpipe/tvpipe/internal/codec"
	"github.com/tvpipe/tvpipe/internal/codec/avio"
	"github.com/tvpipe/tvpipe/internal/media"
	"github.com/tvpipe/tvpipe/internal/quality"
	"github.com/tvpipe/tvpipe/internal/queue"
	"github.com/tvpipe/tvpipe/internal/transport"
)

// mpegTSTimeBase is the standard MPEG-TS 90kHz system clock every encoder
// time base is rescaled into before a packet reaches the muxer.
var mpegTSTimeBase = media.TimeBase{Num: 1, Den: 90000}

// Muxer is the narrow surface Egress needs from an opened container
// writer. *avio.Muxer satisfies this; tests substitute a fake that
// records packets instead of writing MPEG-TS bytes.
type Muxer interface {
	WriteVideo(pkt *media.CompressedPacket) error
	WriteAudioPassthrough(pkt *media.CompressedPacket) error
	Close() error
}

// Config configures one rendition's output.
type Config struct {
	Rendition  string
	URL        string
	VideoCodec codec.Video
	// AudioCodec is set only when this output also receives a passthrough
	// audio feed from Ingress.
	AudioCodec codec.Audio

	// NewMuxer opens the Muxer that writes to the destination. Defaults to
	// avio.NewMuxer; tests override it, and Writer below, so the black-box
	// scenario tests under internal/pipeline never touch a real transport
	// or MPEG-TS encoder.
	NewMuxer func(w io.Writer, cfg avio.MuxerConfig) (Muxer, error)
	// Writer, if set, is used directly instead of opening cfg.URL through
	// internal/transport.
	Writer io.WriteCloser
}

// Stage writes one rendition's encoded video (and optional passthrough
// audio) packets to its destination.
type Stage struct {
	cfg       Config
	in        *queue.BoundedQueue[*media.CompressedPacket]
	audioIn   *queue.BoundedQueue[*media.CompressedPacket]
	logger    *slog.Logger
	keyPacket int64

	quality   *quality.Adjunct
	onQuality func(avg float64, pass bool)
}

// New creates an egress Stage. audioIn may be nil for a video-only output.
func New(cfg Config, in, audioIn *queue.BoundedQueue[*media.CompressedPacket], logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NewMuxer == nil {
		cfg.NewMuxer = func(w io.Writer, mcfg avio.MuxerConfig) (Muxer, error) { return avio.NewMuxer(w, mcfg) }
	}
	return &Stage{cfg: cfg, in: in, audioIn: audioIn, logger: logger}
}

// SetQualityAdjunct attaches a cadence-gated VMAF adjunct and a callback
// for its windowed average and pass/fail. Run only advances the adjunct's
// key-packet cadence counter (ShouldEvaluate) and never calls Evaluate, so
// this stage does not invoke onReport.
func (s *Stage) SetQualityAdjunct(adj *quality.Adjunct, onReport func(avg float64, pass bool)) {
	s.quality = adj
	s.onQuality = onReport
}

// Rendition returns the name of the rendition this stage writes.
func (s *Stage) Rendition() string { return s.cfg.Rendition }

// KeyPacketCount returns how many key-frame video packets this stage has
// handed to its muxer, counted at the Encode->Egress handoff so that
// muxer-level header resends never inflate it.
func (s *Stage) KeyPacketCount() int64 { return s.keyPacket }

// Run opens the destination and writes until the input queue is stopped
// and drained.
func (s *Stage) Run(ctx context.Context) error {
	w, closer, err := s.destination()
	if err != nil {
		return err
	}
	defer closer.Close()

	mux, err := s.cfg.NewMuxer(w, avio.MuxerConfig{VideoCodec: s.cfg.VideoCodec, AudioCodec: s.cfg.AudioCodec})
	if err != nil {
		return err
	}
	defer mux.Close()

	if s.audioIn != nil {
		go s.runAudioPassthrough(ctx, mux)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pkt, ok := s.in.Pop()
		if !ok {
			return nil
		}
		if pkt.KeyFrame {
			s.keyPacket++
			// TODO(quality): ShouldEvaluate gates on key packets but actually
			// scoring a cycle needs matching reference/distorted segment
			// files, which nothing here writes yet; wire in once a segment
			// capture point exists upstream of the muxer.
			if s.quality != nil {
				s.quality.ShouldEvaluate(true)
			}
		}
		rescaleToContainer(pkt)
		if err := mux.WriteVideo(pkt); err != nil {
			s.logger.Warn("egress mux write failed", slog.String("rendition", s.cfg.Rendition), slog.Any("error", err))
		}
		pkt.Release()
	}
}

func (s *Stage) runAudioPassthrough(ctx context.Context, mux Muxer) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, ok := s.audioIn.Pop()
		if !ok {
			return
		}
		rescaleToContainer(pkt)
		if err := mux.WriteAudioPassthrough(pkt); err != nil {
			s.logger.Warn("egress audio passthrough write failed", slog.Any("error", err))
		}
		pkt.Release()
	}
}

// rescaleToContainer rescales pkt's pts, dts and duration from whatever
// time base it arrives in (an encoder's for video, the input stream's for
// passthrough audio) into the MPEG-TS 90kHz system clock, in a single
// operation per field.
func rescaleToContainer(pkt *media.CompressedPacket) {
	if pkt.TimeBase == mpegTSTimeBase {
		return
	}
	tb := pkt.TimeBase
	pkt.PTS = tb.Rescale(pkt.PTS, mpegTSTimeBase)
	pkt.DTS = tb.Rescale(pkt.DTS, mpegTSTimeBase)
	pkt.Duration = tb.Rescale(pkt.Duration, mpegTSTimeBase)
	pkt.TimeBase = mpegTSTimeBase
}

// destination returns cfg.Writer directly when set (the scenario-test
// seam), otherwise opens cfg.URL through internal/transport.
func (s *Stage) destination() (io.Writer, io.Closer, error) {
	if s.cfg.Writer != nil {
		return s.cfg.Writer, s.cfg.Writer, nil
	}
	return s.openDestination()
}

func (s *Stage) openDestination() (io.Writer, io.Closer, error) {
	u, err := url.Parse(s.cfg.URL)
	if err == nil && u.Scheme == "srt" {
		ln, err := transport.ListenEgress(s.cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		conn, err := ln.Accept()
		if err != nil {
			_ = ln.Close()
			return nil, nil, err
		}
		return conn, conn, nil
	}
	f, err := transport.OpenFile(s.cfg.URL, true)
	if err != nil {
		return nil, nil, err
	}
	return f, f, nil
}
