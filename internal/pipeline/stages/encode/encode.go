// Package encode runs one encoder instance per configured rendition,
// fanning a single transformed picture stream out to every output bitrate.
package encode

import (
	"context"
	"errors"
	"log/slog"

	"github.com/asticode/go-astiav"

	"github.com/tvpipe/tvpipe/internal/codec/avio"
	"github.com/tvpipe/tvpipe/internal/media"
	"github.com/tvpipe/tvpipe/internal/queue"
)

// Encoder is the narrow surface Encode needs from an opened codec: feed
// pictures (with a reconciled pts), pull compressed packets. *avio.Encoder
// satisfies this; tests substitute a fake that never touches libav.
type Encoder interface {
	SendFrame(pic *media.RawPicture, pts int64) error
	ReceivePacket(streamIndex, renditionIndex int) (*media.CompressedPacket, error)
	Close() error
}

// Scaler is the narrow surface Encode needs to fit a shared transformed
// picture to one rendition's geometry. *avio.ScalerCache satisfies this;
// tests substitute a fake that never touches libav.
type Scaler interface {
	Scale(pic *media.RawPicture, dstW, dstH int, dstFmt media.PixFmt) (*media.RawPicture, error)
	Close() error
}

// Rendition pairs one opened encoder with its output packet queue and
// rendition index, identifying which Egress output consumes it. Width,
// Height and FrameRate are the encoder's configured target shape, used to
// scale the shared transformed picture down to this rendition's geometry
// and to size its next_pts frame-duration step. Scaler defaults to a fresh
// *avio.ScalerCache when left nil.
type Rendition struct {
	Index     int
	Encoder   Encoder
	Out       *queue.BoundedQueue[*media.CompressedPacket]
	Width     int
	Height    int
	FrameRate int
	Scaler    Scaler

	nextPTS       int64
	frameDuration int64
}

// reconcilePTS maintains a monotonically advancing next_pts in pic's time
// base. An unknown picture pts uses next_pts as-is; a known pts is used
// directly but still advances next_pts to max(next_pts, pts+frame_duration)
// so a later unknown-pts picture picks up where the last known one left
// off instead of resetting to zero.
func (r *Rendition) reconcilePTS(pic *media.RawPicture) int64 {
	if r.frameDuration == 0 && r.FrameRate > 0 && pic.TimeBase.Num > 0 {
		r.frameDuration = pic.TimeBase.Den / (int64(r.FrameRate) * pic.TimeBase.Num)
		if r.frameDuration <= 0 {
			r.frameDuration = 1
		}
	}

	pts := r.nextPTS
	if pic.PTS != media.NoPTS {
		pts = pic.PTS
	}
	if step := pts + r.frameDuration; step > r.nextPTS {
		r.nextPTS = step
	}
	return pts
}

// Stage pulls transformed pictures and feeds a copy to every configured
// rendition's encoder, pushing each encoder's output packets to its own
// queue.
type Stage struct {
	in         *queue.BoundedQueue[*media.RawPicture]
	renditions []Rendition
	logger     *slog.Logger
}

// New creates an encode Stage.
func New(in *queue.BoundedQueue[*media.RawPicture], renditions []Rendition, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	for i := range renditions {
		if renditions[i].Scaler == nil {
			renditions[i].Scaler = &avio.ScalerCache{}
		}
	}
	return &Stage{in: in, renditions: renditions, logger: logger}
}

// Run pulls pictures until the input queue is stopped and drained.
func (s *Stage) Run(ctx context.Context) error {
	defer s.closeScalers()
	defer s.stopOutputs()

	for {
		select {
		case <-ctx.Done():
			s.flushAll()
			return ctx.Err()
		default:
		}

		pic, ok := s.in.Pop()
		if !ok {
			s.flushAll()
			return nil
		}

		for i := range s.renditions {
			r := &s.renditions[i]
			scaled, err := r.Scaler.Scale(pic, r.Width, r.Height, media.PixFmtYUV420P)
			if err != nil {
				s.logger.Warn("encode scale failed", slog.Int("rendition", r.Index), slog.Any("error", err))
				continue
			}
			pts := r.reconcilePTS(pic)
			if err := r.Encoder.SendFrame(scaled, pts); err != nil {
				s.logger.Warn("encode send frame failed", slog.Int("rendition", r.Index), slog.Any("error", err))
			}
			scaled.Release()
			s.drainRendition(r)
		}
		pic.Release()
	}
}

func (s *Stage) drainRendition(r *Rendition) {
	for {
		pkt, err := r.Encoder.ReceivePacket(0, r.Index)
		if err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				return
			}
			s.logger.Warn("encode receive packet failed", slog.Int("rendition", r.Index), slog.Any("error", err))
			return
		}
		if pkt == nil {
			return
		}
		if !r.Out.Push(pkt) {
			pkt.Release()
		}
	}
}

func (s *Stage) flushAll() {
	for i := range s.renditions {
		r := &s.renditions[i]
		if err := r.Encoder.SendFrame(nil, media.NoPTS); err != nil {
			continue
		}
		s.drainRendition(r)
	}
}

func (s *Stage) stopOutputs() {
	for i := range s.renditions {
		s.renditions[i].Out.Stop()
	}
}

func (s *Stage) closeScalers() {
	for i := range s.renditions {
		_ = s.renditions[i].Scaler.Close()
	}
}
