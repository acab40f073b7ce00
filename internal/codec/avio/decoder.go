package avio

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"

	"github.com/tvpipe/tvpipe/internal/device"
	"github.com/tvpipe/tvpipe/internal/media"
)

// Decoder wraps a single video decoder context. A non-nil hwCtx makes the
// decoder request device-resident output frames; the caller is responsible
// for downstream hardware-frame handling and for falling back to software
// when OpenDecoder itself fails.
type Decoder struct {
	ctx    *astiav.CodecContext
	frame  *astiav.Frame
	hw     *device.Context
	tb     media.TimeBase
	stream int
}

// OpenDecoder creates a decoder for the given stream's codec parameters.
// hw may be nil for software-only decoding.
func OpenDecoder(par astiav.CodecParameters, streamTB media.TimeBase, streamIndex int, hw *device.Context) (*Decoder, error) {
	dec := astiav.FindDecoder(par.CodecID())
	if dec == nil {
		return nil, fmt.Errorf("avio: no decoder for codec id %v", par.CodecID())
	}
	ctx := astiav.AllocCodecContext(dec)
	if ctx == nil {
		return nil, errors.New("avio: AllocCodecContext failed")
	}
	if err := par.ToCodecContext(ctx); err != nil {
		ctx.Free()
		return nil, fmt.Errorf("avio: codec parameters to context: %w", err)
	}

	opts := astiav.NewDictionary()
	defer opts.Free()
	_ = opts.Set("err_detect", "careful", 0)

	if hw != nil {
		ctx.SetHardwareDeviceContext(hw.Raw())
	}

	if err := ctx.Open(dec, opts); err != nil {
		ctx.Free()
		return nil, fmt.Errorf("avio: open decoder: %w", err)
	}

	return &Decoder{
		ctx:    ctx,
		frame:  astiav.AllocFrame(),
		hw:     hw,
		tb:     streamTB,
		stream: streamIndex,
	}, nil
}

// SendPacket feeds a compressed packet into the decoder. pkt may be nil to
// signal end of stream and begin flushing buffered frames.
func (d *Decoder) SendPacket(pkt *media.CompressedPacket) error {
	ap := astiav.AllocPacket()
	defer ap.Free()
	if pkt != nil {
		if err := ap.FromData(pkt.Data); err != nil {
			return fmt.Errorf("avio: packet from data: %w", err)
		}
		ap.SetPts(ptsToAstiav(pkt.PTS))
		ap.SetDts(ptsToAstiav(pkt.DTS))
		ap.SetStreamIndex(pkt.StreamIndex)
		return d.ctx.SendPacket(ap)
	}
	return d.ctx.SendPacket(nil)
}

// ReceiveFrame pulls one decoded picture, if available. It returns
// (nil, nil) when the decoder needs more input (EAGAIN) and
// (nil, astiav.ErrEof) once fully flushed.
func (d *Decoder) ReceiveFrame() (*media.RawPicture, error) {
	if err := d.ctx.ReceiveFrame(d.frame); err != nil {
		if errors.Is(err, astiav.ErrEagain) {
			return nil, nil
		}
		return nil, err
	}
	defer d.frame.Unref()

	pic := framePlanesToPicture(d.frame)
	pic.PTS = ptsOrNoPTS(d.frame.Pts())
	if pic.PTS == media.NoPTS {
		pic.PTS = ptsOrNoPTS(d.frame.BestEffortTimestamp())
	}
	pic.TimeBase = d.tb
	pic.StreamIndex = d.stream
	return pic, nil
}

// Close releases the decoder's frame scratch buffer and codec context.
func (d *Decoder) Close() error {
	if d.frame != nil {
		d.frame.Free()
		d.frame = nil
	}
	if d.ctx != nil {
		d.ctx.Free()
		d.ctx = nil
	}
	return nil
}

func framePlanesToPicture(f *astiav.Frame) *media.RawPicture {
	pixFmt := astiavPixFmtToMedia(f.PixelFormat())
	linesize := f.Linesize()
	numPlanes := len(linesize)
	planes := make([][]byte, 0, numPlanes)
	strides := make([]int, 0, numPlanes)
	for i := 0; i < numPlanes; i++ {
		if linesize[i] == 0 {
			break
		}
		b, err := f.Data().Bytes(i)
		if err != nil {
			break
		}
		cp := make([]byte, len(b))
		copy(cp, b)
		planes = append(planes, cp)
		strides = append(strides, linesize[i])
	}
	return media.NewRawPicture(planes, strides, f.Width(), f.Height(), pixFmt, nil)
}

func astiavPixFmtToMedia(pf astiav.PixelFormat) media.PixFmt {
	switch pf {
	case astiav.PixelFormatYuv420P:
		return media.PixFmtYUV420P
	case astiav.PixelFormatNv12:
		return media.PixFmtNV12
	case astiav.PixelFormatRgb24:
		return media.PixFmtRGB24
	default:
		return media.PixFmtYUV420P
	}
}

func ptsToAstiav(pts int64) int64 {
	if pts == media.NoPTS {
		return astiav.NoPtsValue
	}
	return pts
}
