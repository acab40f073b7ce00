// Package composite implements the multi-view transform: up to four
// synchronized input pictures scaled into a main region and three
// thumbnail regions of a single fixed canvas.
package composite

import (
	"fmt"

	"github.com/tvpipe/tvpipe/internal/codec/avio"
	"github.com/tvpipe/tvpipe/internal/media"
)

// Layout describes the canvas geometry. DefaultLayout matches the
// original filter_multiview_1 geometry: a 3840x2160 canvas with a
// 2496x1404 main region and three 784x440 thumbnails down the right edge.
type Layout struct {
	CanvasW, CanvasH int
	MainX, MainY     int
	MainW, MainH     int
	ThumbX           int
	ThumbY           [3]int
	ThumbW, ThumbH   int
}

// DefaultLayout is filter_multiview_1's geometry.
var DefaultLayout = Layout{
	CanvasW: 3840, CanvasH: 2160,
	MainX: 240, MainY: 160, MainW: 2496, MainH: 1404,
	ThumbX: 2816, ThumbY: [3]int{160, 642, 1124},
	ThumbW: 784, ThumbH: 440,
}

// Variant composes up to four input pictures into Layout's canvas.
// MainIndex selects which of the four input slots (0-3) is promoted to
// the main region; the remaining three fill the thumbnail slots in their
// original relative order. A missing input slot (nil) repeats that
// region's last composed content, matching the "late inputs repeat the
// last picture for that slot" rule.
type Variant struct {
	Layout    Layout
	MainIndex int

	scalers [4]avio.ScalerCache
	lastRaw [4][][]byte // last scaled plane data per input slot, for repeat-on-late
}

// NewVariant creates a composite Variant for the given main-region index.
func NewVariant(mainIndex int) *Variant {
	return &Variant{Layout: DefaultLayout, MainIndex: mainIndex}
}

// Compose scales and places up to four synchronized input pictures onto a
// fresh 4:2:0 canvas picture. inputs[i] may be nil if that stream's frame
// hasn't arrived yet this tick; the slot's last scaled content is repeated.
func (v *Variant) Compose(inputs [4]*media.RawPicture) (*media.RawPicture, error) {
	if v.MainIndex < 0 || v.MainIndex > 3 {
		return nil, fmt.Errorf("composite: main_index %d out of range [0,3]", v.MainIndex)
	}

	canvas := blankCanvas(v.Layout.CanvasW, v.Layout.CanvasH)

	order := slotOrder(v.MainIndex)
	regions := v.regions()

	for slot, inputIdx := range order {
		region := regions[slot]
		pic := inputs[inputIdx]
		if pic == nil {
			if v.lastRaw[inputIdx] != nil {
				blit(canvas, v.lastRaw[inputIdx], region)
			}
			continue
		}
		scaled, err := v.scalers[inputIdx].Scale(pic, region.w, region.h, media.PixFmtYUV420P)
		if err != nil {
			return nil, fmt.Errorf("composite: scale input %d: %w", inputIdx, err)
		}
		v.lastRaw[inputIdx] = scaled.Planes
		blit(canvas, scaled.Planes, region)
		scaled.Release()
	}

	return canvas, nil
}

// slotOrder returns, for slot 0 (main) and slots 1-3 (thumbnails in
// order), which original input index fills it.
func slotOrder(mainIndex int) [4]int {
	var order [4]int
	order[0] = mainIndex
	slot := 1
	for i := 0; i < 4; i++ {
		if i == mainIndex {
			continue
		}
		order[slot] = i
		slot++
	}
	return order
}

type region struct{ x, y, w, h int }

func (v *Variant) regions() [4]region {
	l := v.Layout
	return [4]region{
		{l.MainX, l.MainY, l.MainW, l.MainH},
		{l.ThumbX, l.ThumbY[0], l.ThumbW, l.ThumbH},
		{l.ThumbX, l.ThumbY[1], l.ThumbW, l.ThumbH},
		{l.ThumbX, l.ThumbY[2], l.ThumbW, l.ThumbH},
	}
}

// blankCanvas allocates a black 4:2:0 picture of the given dimensions
// (luma 0, chroma 128). The four regions do not cover the whole canvas,
// so this background shows around them in the composed output.
func blankCanvas(w, h int) *media.RawPicture {
	ySize := w * h
	cW, cH := w/2, h/2
	cSize := cW * cH
	y := make([]byte, ySize)
	u := make([]byte, cSize)
	cb := make([]byte, cSize)
	for i := range u {
		u[i] = 128
		cb[i] = 128
	}
	planes := [][]byte{y, u, cb}
	strides := []int{w, cW, cW}
	return media.NewRawPicture(planes, strides, w, h, media.PixFmtYUV420P, nil)
}

// blit copies scaled plane data (already sized to region.w x region.h) into
// canvas at region's offset, per plane, honoring 4:2:0 chroma subsampling.
func blit(canvas *media.RawPicture, src [][]byte, r region) {
	copyPlane(canvas.Planes[0], canvas.Width, src[0], r.w, r.x, r.y, r.h)
	if len(src) < 3 || len(canvas.Planes) < 3 {
		return
	}
	cx, cy, cw, ch := r.x/2, r.y/2, r.w/2, r.h/2
	copyPlane(canvas.Planes[1], canvas.Width/2, src[1], cw, cx, cy, ch)
	copyPlane(canvas.Planes[2], canvas.Width/2, src[2], cw, cx, cy, ch)
}

func copyPlane(dst []byte, dstStride int, src []byte, srcStride, x, y, h int) {
	for row := 0; row < h; row++ {
		dstOff := (y+row)*dstStride + x
		srcOff := row * srcStride
		if dstOff+srcStride > len(dst) || srcOff+srcStride > len(src) {
			return
		}
		copy(dst[dstOff:dstOff+srcStride], src[srcOff:srcOff+srcStride])
	}
}
