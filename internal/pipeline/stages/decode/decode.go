// Package decode runs the pipeline's decode stage: turning compressed
// packets from a single input stream into raw pictures.
package decode

import (
	"context"
	"errors"
	"log/slog"

	"github.com/asticode/go-astiav"

	"github.com/tvpipe/tvpipe/internal/device"
	"github.com/tvpipe/tvpipe/internal/media"
	"github.com/tvpipe/tvpipe/internal/queue"
)

// Config configures the Stage.
type Config struct {
	VideoStreamIndex int
	Hardware         *device.Context
}

// Decoder is the narrow surface Decode needs from an opened codec: feed
// compressed packets, pull decoded pictures. *avio.Decoder satisfies this;
// tests substitute a fake that never touches libav.
type Decoder interface {
	SendPacket(pkt *media.CompressedPacket) error
	ReceiveFrame() (*media.RawPicture, error)
	Close() error
}

// Stage decodes the video stream's packets and discards all others,
// audio included; no other stage receives the discarded packets.
type Stage struct {
	cfg    Config
	logger *slog.Logger
	in     *queue.BoundedQueue[*media.CompressedPacket]
	out    *queue.BoundedQueue[*media.RawPicture]
	dec    Decoder

	lastPTS    int64
	outOfOrder int64
}

// New creates a decode Stage without a decoder. Install an opened decoder
// with SetDecoder before Run; until one is installed, every packet is
// released and dropped.
func New(cfg Config, in *queue.BoundedQueue[*media.CompressedPacket], out *queue.BoundedQueue[*media.RawPicture], logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{cfg: cfg, logger: logger, in: in, out: out, lastPTS: media.NoPTS}
}

// OutOfOrderCount returns how many pictures this stage has observed with a
// pts lower than the previous one it decoded.
func (s *Stage) OutOfOrderCount() int64 { return s.outOfOrder }

// SetDecoder installs the opened decoder for the video stream; the
// Supervisor calls this once after probing the input's codec parameters.
func (s *Stage) SetDecoder(dec Decoder) {
	s.dec = dec
}

// Run pulls packets until the input queue is stopped and drained, decoding
// every video-stream packet and pushing the resulting pictures downstream.
// Audio and other non-video packets are released and dropped here.
func (s *Stage) Run(ctx context.Context) error {
	defer s.out.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flush()
			return ctx.Err()
		default:
		}

		pkt, ok := s.in.Pop()
		if !ok {
			s.flush()
			return nil
		}
		if pkt.StreamIndex != s.cfg.VideoStreamIndex || s.dec == nil {
			pkt.Release()
			continue
		}

		if err := s.dec.SendPacket(pkt); err != nil {
			pkt.Release()
			s.logger.Warn("decode send packet failed", slog.Any("error", err))
			continue
		}
		pkt.Release()

		if err := s.drainDecoder(); err != nil {
			s.logger.Warn("decode receive frame failed", slog.Any("error", err))
		}
	}
}

func (s *Stage) drainDecoder() error {
	for {
		pic, err := s.dec.ReceiveFrame()
		if err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				return nil
			}
			return err
		}
		if pic == nil {
			return nil
		}
		s.checkOrder(pic)
		if !s.out.Push(pic) {
			pic.Release()
		}
	}
}

// checkOrder reports (without dropping) a picture whose pts arrived lower
// than the last one decoded. Pictures with unknown pts never count as
// out-of-order and don't update lastPTS.
func (s *Stage) checkOrder(pic *media.RawPicture) {
	if pic.PTS == media.NoPTS {
		return
	}
	if s.lastPTS != media.NoPTS && pic.PTS < s.lastPTS {
		s.outOfOrder++
		s.logger.Warn("decode: out-of-order picture",
			slog.Int64("pts", pic.PTS), slog.Int64("last_pts", s.lastPTS))
	}
	s.lastPTS = pic.PTS
}

// flush signals end of stream to the decoder and drains any buffered
// pictures before the stage exits.
func (s *Stage) flush() {
	if s.dec == nil {
		return
	}
	if err := s.dec.SendPacket(nil); err != nil {
		return
	}
	_ = s.drainDecoder()
}
