package avio

import (
	"fmt"

	"github.com/asticode/go-astiav"

	"github.com/tvpipe/tvpipe/internal/media"
)

// ScalerCache holds one SoftwareScaleContext keyed by its current
// (width, height, pixel format) -> (width, height, pixel format) pair.
// Rebuilding for a different pair evicts and frees the previous graph
// before installing the new one; no dual-graph retention.
type ScalerCache struct {
	ssc *astiav.SoftwareScaleContext
	dst *astiav.Frame

	srcW, srcH int
	srcFmt     astiav.PixelFormat
	dstW, dstH int
	dstFmt     astiav.PixelFormat
}

// Scale converts pic into the given target dimensions and pixel format,
// rebuilding the cached scale graph if the source or target shape changed
// since the last call.
func (c *ScalerCache) Scale(pic *media.RawPicture, dstW, dstH int, dstFmt media.PixFmt) (*media.RawPicture, error) {
	srcFmt := mediaPixFmtToAstiav(pic.PixFmt)
	dstAvFmt := mediaPixFmtToAstiav(dstFmt)

	if err := c.ensure(pic.Width, pic.Height, srcFmt, dstW, dstH, dstAvFmt); err != nil {
		return nil, err
	}

	src := astiav.AllocFrame()
	defer src.Free()
	src.SetWidth(pic.Width)
	src.SetHeight(pic.Height)
	src.SetPixelFormat(srcFmt)
	if err := src.AllocBuffer(1); err != nil {
		return nil, fmt.Errorf("avio: scaler src AllocBuffer: %w", err)
	}
	for i, plane := range pic.Planes {
		buf, err := src.Data().Bytes(i)
		if err != nil {
			break
		}
		copy(buf, plane)
	}

	if err := c.ssc.ScaleFrame(src, c.dst); err != nil {
		return nil, fmt.Errorf("avio: ScaleFrame: %w", err)
	}

	out := framePlanesToPicture(c.dst)
	out.PTS = pic.PTS
	out.TimeBase = pic.TimeBase
	out.StreamIndex = pic.StreamIndex
	return out, nil
}

func (c *ScalerCache) ensure(srcW, srcH int, srcFmt astiav.PixelFormat, dstW, dstH int, dstFmt astiav.PixelFormat) error {
	if c.ssc != nil && srcW == c.srcW && srcH == c.srcH && srcFmt == c.srcFmt &&
		dstW == c.dstW && dstH == c.dstH && dstFmt == c.dstFmt {
		return nil
	}
	c.Close()

	ssc, err := astiav.CreateSoftwareScaleContext(srcW, srcH, srcFmt, dstW, dstH, dstFmt, astiav.NewSoftwareScaleContextFlags())
	if err != nil {
		return fmt.Errorf("avio: CreateSoftwareScaleContext: %w", err)
	}
	dst := astiav.AllocFrame()
	dst.SetWidth(dstW)
	dst.SetHeight(dstH)
	dst.SetPixelFormat(dstFmt)
	if err := dst.AllocBuffer(1); err != nil {
		dst.Free()
		ssc.Free()
		return fmt.Errorf("avio: scaler dst AllocBuffer: %w", err)
	}

	c.ssc, c.dst = ssc, dst
	c.srcW, c.srcH, c.srcFmt = srcW, srcH, srcFmt
	c.dstW, c.dstH, c.dstFmt = dstW, dstH, dstFmt
	return nil
}

// Close frees the currently cached scale graph, if any.
func (c *ScalerCache) Close() error {
	if c.dst != nil {
		c.dst.Free()
		c.dst = nil
	}
	if c.ssc != nil {
		c.ssc.Free()
		c.ssc = nil
	}
	return nil
}

func mediaPixFmtToAstiav(pf media.PixFmt) astiav.PixelFormat {
	switch pf {
	case media.PixFmtNV12:
		return astiav.PixelFormatNv12
	case media.PixFmtRGB24:
		return astiav.PixelFormatRgb24
	default:
		return astiav.PixelFormatYuv420P
	}
}
