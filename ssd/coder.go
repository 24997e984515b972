package ssd

import (
	"github.com/chewxy/math32"

	"github.com/nvr-ai/go-ssd/boxes"
)

// BoxCoder converts between corner-form boxes and the center-form regression
// offsets the predictor layers are trained against. Offsets are divided by
// the per-axis stds on encode and multiplied back on decode, so both sides
// must be built with the same values.
type BoxCoder struct {
	stds [4]float32
}

// NewBoxCoder builds a coder for the given std vector.
//
// Returns:
//   - BoxCoder: ready for Encode/Decode, safe for concurrent use.
//   - error: *ConfigError when any std is not positive.
func NewBoxCoder(stds [4]float32) (BoxCoder, error) {
	for i, s := range stds {
		if s <= 0 {
			return BoxCoder{}, configErrorf("stds", "entry %d is %g, must be positive", i, s)
		}
	}
	return BoxCoder{stds: stds}, nil
}

// Encode computes the regression target that moves anchor onto gt. Both
// boxes are expected in the same (normalized) coordinate space. The anchor
// must have positive width and height, and gt must be non-degenerate, or the
// logarithmic size terms are undefined.
func (c BoxCoder) Encode(gt boxes.Box, anchor boxes.CenterBox) [4]float32 {
	g := gt.Center()
	return [4]float32{
		(g.CX - anchor.CX) / anchor.W / c.stds[0],
		(g.CY - anchor.CY) / anchor.H / c.stds[1],
		math32.Log(g.W/anchor.W) / c.stds[2],
		math32.Log(g.H/anchor.H) / c.stds[3],
	}
}

// Decode applies a predicted offset to an anchor and returns the resulting
// corner-form box. Decode(Encode(b, a), a) round-trips to b up to float
// precision for any anchor with positive width and height.
func (c BoxCoder) Decode(offset [4]float32, anchor boxes.CenterBox) boxes.Box {
	out := boxes.CenterBox{
		CX: anchor.CX + offset[0]*c.stds[0]*anchor.W,
		CY: anchor.CY + offset[1]*c.stds[1]*anchor.H,
		W:  anchor.W * math32.Exp(offset[2]*c.stds[2]),
		H:  anchor.H * math32.Exp(offset[3]*c.stds[3]),
	}
	return out.Corner()
}

// Stds returns the coder's std vector.
func (c BoxCoder) Stds() [4]float32 {
	return c.stds
}

// DecodeClass picks the winning foreground class from one anchor's
// probability row. probs holds numClasses+1 normalized entries with the
// background at index 0, which never competes.
//
// Returns:
//   - int: 0-based foreground class id (raw index minus one). Ties go to
//     the lowest class id.
//   - float32: the winning entry's probability. No threshold is applied
//     here, callers mask low-confidence results themselves.
func DecodeClass(probs []float32) (int, float32) {
	best := 1
	for i := 2; i < len(probs); i++ {
		if probs[i] > probs[best] {
			best = i
		}
	}
	return best - 1, probs[best]
}

// Softmax writes the softmax of src into dst, which may alias src. The
// maximum is subtracted first so large logits cannot overflow.
func Softmax(dst, src []float32) {
	max := src[0]
	for _, v := range src[1:] {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i, v := range src {
		e := math32.Exp(v - max)
		dst[i] = e
		sum += e
	}
	for i := range dst {
		dst[i] /= sum
	}
}
