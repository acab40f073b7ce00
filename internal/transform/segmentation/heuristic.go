package segmentation

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/tvpipe/tvpipe/internal/media"
)

// maskFor returns a [0,1] mask of length Width*Height for pic, preferring
// the configured model and falling back to the heuristic on a missing
// model or a shape mismatch in its output.
func (v *Variant) maskFor(pic *media.RawPicture) ([]float32, error) {
	if v.model != nil {
		chw, err := toCHW(pic, v.cfg.InputWidth, v.cfg.InputHeight)
		if err == nil {
			mask, err := v.model.Run(chw, 1, 3, v.cfg.InputHeight, v.cfg.InputWidth)
			if err == nil && len(mask) == v.cfg.InputWidth*v.cfg.InputHeight {
				return upsampleNearest(mask, v.cfg.InputWidth, v.cfg.InputHeight, pic.Width, pic.Height), nil
			}
		}
	}
	return heuristicMask(pic), nil
}

// heuristicMask computes an Otsu-luminance-threshold OR'd with a YCbCr
// skin-color predicate, then applies a 3x3 dilation. If fewer than
// width*height/200 pixels are positive, the Otsu threshold is relaxed by
// 10% of the luminance range and the mask is recomputed once. Otsu
// thresholding and the dilation pass both run through gocv rather than
// hand-rolled histogram/neighborhood loops.
func heuristicMask(pic *media.RawPicture) []float32 {
	w, h := pic.Width, pic.Height

	otsu, ok := otsuThreshold(pic)
	if !ok {
		otsu = 128
	}
	mask := computeHeuristicMask(pic, otsu)

	positive := countPositive(mask)
	if positive < (w*h)/200 {
		relaxed := otsu - int(0.1*255)
		if relaxed < 0 {
			relaxed = 0
		}
		mask = computeHeuristicMask(pic, relaxed)
	}

	return dilateMask(mask, w, h)
}

func computeHeuristicMask(pic *media.RawPicture, lumaThreshold int) []float32 {
	w, h := pic.Width, pic.Height
	y := pic.Planes[0]
	yStride := pic.Strides[0]
	cb := pic.Planes[1]
	cr := pic.Planes[2]
	cStride := pic.Strides[1]

	mask := make([]float32, w*h)
	for py := 0; py < h; py++ {
		for px := 0; px < w; px++ {
			luma := int(y[py*yStride+px])
			cbv := int(cb[(py/2)*cStride+(px/2)])
			crv := int(cr[(py/2)*cStride+(px/2)])

			brightEnough := luma > lumaThreshold
			skinLike := cbv >= 77 && cbv <= 127 && crv >= 133 && crv <= 173

			if brightEnough || skinLike {
				mask[py*w+px] = 1
			}
		}
	}
	return mask
}

// otsuThreshold computes Otsu's between-class-variance-maximizing
// threshold over the packed luma plane via gocv.Threshold, which reports
// the threshold it chose as its return value. ok is false if the luma
// plane could not be wrapped as a Mat (e.g. a zero-sized picture).
func otsuThreshold(pic *media.RawPicture) (threshold int, ok bool) {
	w, h := pic.Width, pic.Height
	if w == 0 || h == 0 {
		return 0, false
	}
	packed := packedPlane(pic.Planes[0], pic.Strides[0], w, h)

	gray, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC1, packed)
	if err != nil {
		return 0, false
	}
	defer gray.Close()

	dst := gocv.NewMat()
	defer dst.Close()

	t := gocv.Threshold(gray, &dst, 0, 255, gocv.ThresholdBinary+gocv.ThresholdOtsu)
	return int(t), true
}

// dilateMask runs a 3x3 rectangular dilation over a binary mask using
// gocv.Dilate.
func dilateMask(mask []float32, w, h int) []float32 {
	packed := make([]byte, w*h)
	for i, v := range mask {
		if v > 0 {
			packed[i] = 255
		}
	}

	src, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC1, packed)
	if err != nil {
		return mask
	}
	defer src.Close()

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3))
	defer kernel.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Dilate(src, &dst, kernel)

	out := make([]float32, w*h)
	dilated := dst.ToBytes()
	for i, v := range dilated {
		if v > 0 {
			out[i] = 1
		}
	}
	return out
}

// packedPlane returns a tightly packed w*h copy of plane, which astiav
// frames store row-padded to stride.
func packedPlane(plane []byte, stride, w, h int) []byte {
	if stride == w {
		return plane[:w*h]
	}
	out := make([]byte, w*h)
	for row := 0; row < h; row++ {
		copy(out[row*w:row*w+w], plane[row*stride:row*stride+w])
	}
	return out
}

func countPositive(mask []float32) int {
	n := 0
	for _, v := range mask {
		if v > 0 {
			n++
		}
	}
	return n
}

// toCHW converts a YUV420P picture's luma plane into an RGB-ish planar
// float32 tensor resized to the model's expected input, via nearest-
// neighbour sampling. A real RGB conversion belongs in internal/codec/avio.ScalerCache;
// this path feeds the model, not the output, so luma-only grayscale
// replicated across channels is an acceptable approximation when the
// scaler cache isn't available in this code path.
func toCHW(pic *media.RawPicture, dstW, dstH int) ([]float32, error) {
	if pic.Width == 0 || pic.Height == 0 {
		return nil, fmt.Errorf("segmentation: empty picture")
	}
	y := pic.Planes[0]
	stride := pic.Strides[0]
	chw := make([]float32, 3*dstW*dstH)
	plane := dstW * dstH

	for py := 0; py < dstH; py++ {
		srcY := py * pic.Height / dstH
		for px := 0; px < dstW; px++ {
			srcX := px * pic.Width / dstW
			v := float32(y[srcY*stride+srcX]) / 255.0
			idx := py*dstW + px
			chw[idx] = v
			chw[plane+idx] = v
			chw[2*plane+idx] = v
		}
	}
	return chw, nil
}

func upsampleNearest(mask []float32, srcW, srcH, dstW, dstH int) []float32 {
	out := make([]float32, dstW*dstH)
	for py := 0; py < dstH; py++ {
		srcY := py * srcH / dstH
		for px := 0; px < dstW; px++ {
			srcX := px * srcW / dstW
			out[py*dstW+px] = mask[srcY*srcW+srcX]
		}
	}
	return out
}
