package media

import (
	"sync/atomic"

	"github.com/tvpipe/tvpipe/internal/device"
)

// PixFmt identifies the pixel layout of a RawPicture's planes.
type PixFmt string

// Recognized pixel formats. PixFmtDevice is a distinguished marker meaning
// "opaque device-resident surface" — Data is empty and Frames must be set.
const (
	PixFmtYUV420P PixFmt = "yuv420p"
	PixFmtNV12    PixFmt = "nv12"
	PixFmtRGB24   PixFmt = "rgb24"
	PixFmtDevice  PixFmt = "device"
)

// RawPicture is an owned, reference-counted decoded frame moving between
// Decode, Transform, Encode and the quality adjunct. Like CompressedPacket
// it is owned by exactly one stage at a time.
type RawPicture struct {
	// Planes holds one []byte per plane for CPU-resident pictures; it is
	// nil when PixFmt is PixFmtDevice.
	Planes      [][]byte
	Strides     []int
	Width       int
	Height      int
	PixFmt      PixFmt
	PTS         int64
	TimeBase    TimeBase
	StreamIndex int

	// Frames is set for device-resident pictures and must outlive any
	// consumer; Release() drops this picture's reference to it.
	Frames *device.FramesContext

	// QualityRef is an opaque attachment slot used only by the quality
	// adjunct to carry a one-way reference clone of this picture forward
	// to its secondary decoder's comparison step. It is never read by any
	// other stage and is cleared when Release is called, moving — never
	// sharing — ownership so the adjunct cannot create a reference cycle
	// back to the main pipeline.
	QualityRef *RawPicture

	refs    *int32
	release func(*RawPicture)
}

// NewRawPicture wraps CPU-resident plane data into a fresh, singly
// referenced picture.
func NewRawPicture(planes [][]byte, strides []int, width, height int, pixFmt PixFmt, release func(*RawPicture)) *RawPicture {
	count := int32(1)
	return &RawPicture{
		Planes:  planes,
		Strides: strides,
		Width:   width,
		Height:  height,
		PixFmt:  pixFmt,
		PTS:     NoPTS,
		refs:    &count,
		release: release,
	}
}

// NewDevicePicture wraps a device-resident surface. frames is ref'd once on
// behalf of the new picture; the caller retains its own reference.
func NewDevicePicture(frames *device.FramesContext, width, height int, release func(*RawPicture)) *RawPicture {
	count := int32(1)
	return &RawPicture{
		Width:  width,
		Height: height,
		PixFmt: PixFmtDevice,
		PTS:    NoPTS,
		Frames: frames.Ref(),
		refs:   &count,
		release: func(p *RawPicture) {
			p.Frames.Release()
			if release != nil {
				release(p)
			}
		},
	}
}

// Ref returns a new handle to the same underlying buffers, incrementing the
// shared reference count.
func (p *RawPicture) Ref() *RawPicture {
	atomic.AddInt32(p.refs, 1)
	clone := *p
	if p.Frames != nil {
		clone.Frames = p.Frames.Ref()
	}
	return &clone
}

// Release decrements the shared reference count and invokes the release
// callback once it reaches zero.
func (p *RawPicture) Release() {
	if p == nil || p.refs == nil {
		return
	}
	if p.QualityRef != nil {
		p.QualityRef.Release()
		p.QualityRef = nil
	}
	if atomic.AddInt32(p.refs, -1) == 0 && p.release != nil {
		p.release(p)
	}
}

// TakeQualityRef moves (not shares) a reference clone into the picture's
// quality-adjunct attachment slot. The adjunct later pulls it back out with
// Release on the original picture's path; the clone travels one-way so no
// cycle can form between the adjunct and the main pipeline.
func (p *RawPicture) TakeQualityRef(ref *RawPicture) {
	p.QualityRef = ref
}

// IsDeviceResident reports whether this picture's data lives on a hardware
// surface rather than in CPU-addressable planes.
func (p *RawPicture) IsDeviceResident() bool {
	return p.PixFmt == PixFmtDevice
}
