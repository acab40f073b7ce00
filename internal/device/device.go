// Package device wraps hardware acceleration device and frames-context
// handles (GPU decode/scale/encode surfaces) behind a narrow, reference
// counted interface so the rest of the pipeline never touches astiav's
// cgo hardware types directly.
package device

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/asticode/go-astiav"

	"github.com/tvpipe/tvpipe/internal/codec"
)

// Context owns a hardware device context (e.g. a CUDA device handle) and
// the frames contexts allocated from it. The Supervisor creates exactly
// one Context per session when hardware acceleration is requested, and
// frees it last during teardown, after every stage that borrowed a handle
// from it has been torn down.
type Context struct {
	mu      sync.Mutex
	accel   codec.HWAccel
	hwDevCt *astiav.HardwareDeviceContext
	logger  *slog.Logger
	closed  bool
}

// Open allocates a hardware device context for the given acceleration type.
// Open(codec.HWAccelNone) returns a nil *Context and a nil error, and so
// does Open(codec.HWAccelAuto): Auto is not resolved to a device type here
// and no hardware is probed. Callers must treat a nil *Context as "run
// entirely in software".
func Open(accel codec.HWAccel, logger *slog.Logger) (*Context, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if accel == codec.HWAccelNone || accel == "" {
		return nil, nil
	}

	avType, err := astiavHWDeviceType(accel)
	if err != nil {
		if accel == codec.HWAccelAuto {
			logger.Warn("no known hardware device type, continuing in software")
			return nil, nil
		}
		return nil, fmt.Errorf("resolving hwaccel %q: %w", accel, err)
	}

	hwDevCt, err := astiav.CreateHardwareDeviceContext(avType, "", nil, 0)
	if err != nil {
		return nil, fmt.Errorf("creating hardware device context for %s: %w", accel, err)
	}

	logger.Info("hardware device context created", slog.String("hwaccel", string(accel)))
	return &Context{accel: accel, hwDevCt: hwDevCt, logger: logger}, nil
}

// Raw exposes the underlying astiav hardware device context for decoder and
// encoder setup paths that need to attach it directly.
func (c *Context) Raw() *astiav.HardwareDeviceContext {
	if c == nil {
		return nil
	}
	return c.hwDevCt
}

// Accel returns the hardware acceleration type this context was opened for.
func (c *Context) Accel() codec.HWAccel {
	if c == nil {
		return codec.HWAccelNone
	}
	return c.accel
}

// NewFramesContext allocates a frames context for decode or scale surfaces
// of the given dimensions and device-side pixel format.
func (c *Context) NewFramesContext(width, height int, pixFmt astiav.PixelFormat) (*FramesContext, error) {
	if c == nil {
		return nil, fmt.Errorf("device: NewFramesContext called on nil hardware context")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("device: context already closed")
	}

	framesCt := c.hwDevCt.HardwareFramesContext()
	if framesCt == nil {
		return nil, fmt.Errorf("device: hardware device context does not support frames contexts")
	}

	count := int32(1)
	return &FramesContext{
		owner:  c,
		ctx:    framesCt,
		width:  width,
		height: height,
		pixFmt: pixFmt,
		refs:   &count,
	}, nil
}

// Close releases the hardware device context. Must be called last in the
// supervisor's reverse-dependency teardown order, after decoder, transform,
// scaler and encoder handles that borrowed frames from it are gone.
func (c *Context) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.hwDevCt != nil {
		c.hwDevCt.Free()
	}
	return nil
}

// FramesContext is a reference-counted, shared, immutable handle to a pool
// of hardware surfaces. Multiple RawPictures may reference the same
// FramesContext concurrently; releasing a handle only decrements the shared
// count, and the pool itself lives until the owning device Context is
// closed, so it outlives every consumer of device-resident pictures.
type FramesContext struct {
	owner  *Context
	ctx    *astiav.HardwareFramesContext
	width  int
	height int
	pixFmt astiav.PixelFormat
	refs   *int32
}

// Ref returns a new handle sharing the same underlying frames pool.
func (f *FramesContext) Ref() *FramesContext {
	if f == nil {
		return nil
	}
	atomic.AddInt32(f.refs, 1)
	clone := *f
	return &clone
}

// Release decrements the reference count; the underlying astiav context is
// never freed directly here — it is owned and freed by the device Context
// it was allocated from.
func (f *FramesContext) Release() {
	if f == nil {
		return
	}
	atomic.AddInt32(f.refs, -1)
}

// Dimensions returns the frame width and height this context was sized for.
func (f *FramesContext) Dimensions() (width, height int) {
	if f == nil {
		return 0, 0
	}
	return f.width, f.height
}

// astiavHWDeviceType maps a codec.HWAccel to the matching astiav hardware
// device type constant.
func astiavHWDeviceType(accel codec.HWAccel) (astiav.HardwareDeviceType, error) {
	switch accel {
	case codec.HWAccelCUDA:
		return astiav.HardwareDeviceTypeCUDA, nil
	case codec.HWAccelVAAPI:
		return astiav.HardwareDeviceTypeVAAPI, nil
	case codec.HWAccelQSV:
		return astiav.HardwareDeviceTypeQSV, nil
	case codec.HWAccelVT:
		return astiav.HardwareDeviceTypeVideoToolbox, nil
	default:
		return 0, fmt.Errorf("unsupported hardware acceleration type %q", accel)
	}
}
