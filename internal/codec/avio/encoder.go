package avio

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"

	"github.com/tvpipe/tvpipe/internal/codec"
	"github.com/tvpipe/tvpipe/internal/device"
	"github.com/tvpipe/tvpipe/internal/media"
)

// Encoder wraps a single video encoder context, producing compressed
// packets in the encoder's own time base (EncoderTimeBase) independent of
// both the input stream's time base and the eventual output container's.
type Encoder struct {
	ctx    *astiav.CodecContext
	frame  *astiav.Frame
	pkt    *astiav.Packet
	tb     media.TimeBase
	name   string
	frames int64
}

// EncoderOptions configures an output rendition's encoder.
type EncoderOptions struct {
	Rendition codec.Rendition
	Hardware  *device.Context
}

// OpenEncoder opens an encoder matching opts.Rendition, falling back to the
// rendition's GPU encoder name resolution having already happened upstream
// (internal/device.OpenWithFallback / SoftwareFallback); this constructor
// only ever opens the encoder name it is given.
func OpenEncoder(opts EncoderOptions) (*Encoder, error) {
	r := opts.Rendition
	encName := r.Encoder()
	enc := astiav.FindEncoderByName(encName)
	if enc == nil {
		return nil, fmt.Errorf("avio: no encoder registered as %q", encName)
	}
	ctx := astiav.AllocCodecContext(enc)
	if ctx == nil {
		return nil, errors.New("avio: AllocCodecContext failed")
	}

	ctx.SetWidth(r.Width)
	ctx.SetHeight(r.Height)
	ctx.SetPixelFormat(astiav.PixelFormatYuv420P)
	ctx.SetTimeBase(astiav.NewRational(1, r.FrameRate))
	ctx.SetFramerate(astiav.NewRational(r.FrameRate, 1))
	ctx.SetBitRate(int64(r.BitrateKbps) * 1000)
	ctx.SetGopSize(r.GOPSize)
	ctx.SetMaxBFrames(r.MaxBFrames)

	if opts.Hardware != nil {
		ctx.SetHardwareDeviceContext(opts.Hardware.Raw())
	}

	copts := astiav.NewDictionary()
	defer copts.Free()
	if err := ctx.Open(enc, copts); err != nil {
		ctx.Free()
		return nil, fmt.Errorf("avio: open encoder %q: %w", encName, err)
	}

	tb := ctx.TimeBase()
	return &Encoder{
		ctx:   ctx,
		frame: astiav.AllocFrame(),
		pkt:   astiav.AllocPacket(),
		tb:    media.TimeBase{Num: int64(tb.Num()), Den: int64(tb.Den())},
		name:  encName,
	}, nil
}

// TimeBase returns the encoder's own output time base.
func (e *Encoder) TimeBase() media.TimeBase { return e.tb }

// Name returns the resolved FFmpeg encoder name this instance opened.
func (e *Encoder) Name() string { return e.name }

// SendFrame feeds a picture into the encoder. pic may be nil to flush. pts
// is the reconciled timestamp to use, expressed in pic.TimeBase — the
// caller (encode.Stage) is responsible for next_pts monotonicity; SendFrame
// only rescales the value it is given into the encoder's own time base.
func (e *Encoder) SendFrame(pic *media.RawPicture, pts int64) error {
	if pic == nil {
		return e.ctx.SendFrame(nil)
	}

	e.frame.SetWidth(pic.Width)
	e.frame.SetHeight(pic.Height)
	e.frame.SetPixelFormat(astiav.PixelFormatYuv420P)
	if err := e.frame.AllocBuffer(1); err != nil {
		return fmt.Errorf("avio: encoder frame AllocBuffer: %w", err)
	}
	for i, plane := range pic.Planes {
		dst, err := e.frame.Data().Bytes(i)
		if err != nil {
			break
		}
		copy(dst, plane)
	}
	e.frame.SetPts(pic.TimeBase.Rescale(pts, e.tb))

	err := e.ctx.SendFrame(e.frame)
	e.frame.Unref()
	if err != nil {
		return err
	}
	e.frames++
	return nil
}

// ReceivePacket pulls one encoded packet, if available. Returns (nil, nil)
// on EAGAIN and (nil, astiav.ErrEof) once fully flushed. The returned
// packet's DTS is set to PTS when the encoder reports no DTS, matching the
// Encode stage's "unknown DTS becomes PTS" policy; KeyFrame reflects the
// encoder's own key-packet flag for Egress's duplication counter.
func (e *Encoder) ReceivePacket(streamIndex, renditionIndex int) (*media.CompressedPacket, error) {
	if err := e.ctx.ReceivePacket(e.pkt); err != nil {
		if errors.Is(err, astiav.ErrEagain) {
			return nil, nil
		}
		return nil, err
	}
	defer e.pkt.Unref()

	data := make([]byte, e.pkt.Size())
	copy(data, e.pkt.Data())

	p := media.NewCompressedPacket(data, nil)
	p.StreamIndex = streamIndex
	p.RenditionIndex = renditionIndex
	p.PTS = ptsOrNoPTS(e.pkt.Pts())
	p.DTS = ptsOrNoPTS(e.pkt.Dts())
	if p.WithUnknownDTS() {
		p.DTS = p.PTS
	}
	p.Duration = e.pkt.Duration()
	p.TimeBase = e.tb
	p.KeyFrame = e.pkt.Flags().Has(astiav.PacketFlagKey)
	return p, nil
}

// Close releases the encoder's scratch buffers and codec context.
func (e *Encoder) Close() error {
	if e.pkt != nil {
		e.pkt.Free()
		e.pkt = nil
	}
	if e.frame != nil {
		e.frame.Free()
		e.frame = nil
	}
	if e.ctx != nil {
		e.ctx.Free()
		e.ctx = nil
	}
	return nil
}
