// Package segmentation implements the person-segmentation overlay
// transform: a per-frame binary mask, from an ONNX model or a heuristic
// fallback, soft-blended over the input picture.
package segmentation

import (
	"math"

	"github.com/tvpipe/tvpipe/internal/media"
)

// Inferer is the narrow contract the ONNX session wrapper (internal/inference)
// satisfies: run a CHW float32 tensor through the model and get back a
// [0,1] mask of length H*W.
type Inferer interface {
	Run(chw []float32, n, c, h, w int) ([]float32, error)
}

// Config tunes the overlay.
type Config struct {
	Threshold   float64
	Alpha       float64
	InputWidth  int
	InputHeight int
	// OverlayColor is the YCbCr color blended over masked pixels.
	OverlayColor [3]byte
}

// DefaultConfig returns threshold 0.5, alpha 0.35, 192x192 model input,
// and a blue-ish overlay.
func DefaultConfig() Config {
	return Config{Threshold: 0.5, Alpha: 0.35, InputWidth: 192, InputHeight: 192, OverlayColor: [3]byte{41, 110, 200}}
}

// Variant applies the segmentation overlay to one picture at a time.
type Variant struct {
	cfg   Config
	model Inferer
}

// NewVariant creates a segmentation Variant. model may be nil, in which
// case every frame uses the heuristic fallback mask.
func NewVariant(cfg Config, model Inferer) *Variant {
	return &Variant{cfg: cfg, model: model}
}

// Apply computes a mask for pic (via the model if available, else the
// heuristic) and blends the overlay color into pic's planes according to
// the soft-blend formula, always producing a planar 4:2:0 output with
// chroma samples set to the 2x2 block average of the mask.
func (v *Variant) Apply(pic *media.RawPicture) (*media.RawPicture, error) {
	mask, err := v.maskFor(pic)
	if err != nil {
		return nil, err
	}

	out := cloneYUV420P(pic)
	w, h := pic.Width, pic.Height
	thr := v.cfg.Threshold
	alpha := v.cfg.Alpha

	y := out.Planes[0]
	for py := 0; py < h; py++ {
		for px := 0; px < w; px++ {
			m := float64(mask[py*w+px])
			a := softBlendAlpha(m, thr, alpha)
			if a <= 0 {
				continue
			}
			idx := py*out.Strides[0] + px
			y[idx] = blendByte(y[idx], v.cfg.OverlayColor[0], a)
		}
	}

	cw, ch := w/2, h/2
	u, cb := out.Planes[1], out.Planes[2]
	for py := 0; py < ch; py++ {
		for px := 0; px < cw; px++ {
			m := blockAverage(mask, w, h, px*2, py*2)
			a := softBlendAlpha(m, thr, alpha)
			idx := py*out.Strides[1] + px
			if a <= 0 {
				continue
			}
			u[idx] = blendByte(u[idx], v.cfg.OverlayColor[1], a)
			cb[idx] = blendByte(cb[idx], v.cfg.OverlayColor[2], a)
		}
	}
	return out, nil
}

// softBlendAlpha implements a = alpha * max(0, (m-thr)/(1-thr)).
func softBlendAlpha(m, thr, alpha float64) float64 {
	if thr >= 1 {
		return 0
	}
	ratio := (m - thr) / (1 - thr)
	if ratio < 0 {
		ratio = 0
	}
	return alpha * ratio
}

func blendByte(base, overlay byte, a float64) byte {
	v := float64(base)*(1-a) + float64(overlay)*a
	if v < 0 {
		v = 0
	}
	if v > 255 {
		v = 255
	}
	return byte(math.Round(v))
}

func blockAverage(mask []float32, w, h, x0, y0 int) float64 {
	sum := 0.0
	n := 0
	for dy := 0; dy < 2; dy++ {
		for dx := 0; dx < 2; dx++ {
			x, y := x0+dx, y0+dy
			if x >= w || y >= h {
				continue
			}
			sum += float64(mask[y*w+x])
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func cloneYUV420P(pic *media.RawPicture) *media.RawPicture {
	planes := make([][]byte, len(pic.Planes))
	for i, p := range pic.Planes {
		cp := make([]byte, len(p))
		copy(cp, p)
		planes[i] = cp
	}
	strides := append([]int(nil), pic.Strides...)
	out := media.NewRawPicture(planes, strides, pic.Width, pic.Height, media.PixFmtYUV420P, nil)
	out.PTS = pic.PTS
	out.TimeBase = pic.TimeBase
	out.StreamIndex = pic.StreamIndex
	return out
}
