// Package anchors - Fixed multi-scale reference box grids for the SSD detection head.
package anchors

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-ssd/boxes"
)

// ErrGridExceeded is returned by Forward when the requested feature-map size
// is larger than the grid allocated at construction. Callers that need bigger
// feature maps must rebuild the generator with a larger allocation.
var ErrGridExceeded = errors.New("feature map exceeds allocated anchor grid")

// Generator holds the pre-computed anchor grid for one feature-map scale.
//
// The full grid for the largest supported feature map is generated once at
// construction and kept in center form, normalized by the reference image
// size. Forward crops the top-left portion matching the actual feature-map
// size, which lets one generator serve any input resolution up to the
// allocation without regenerating anchors. The grid is never mutated after
// construction, so a Generator is safe for concurrent readers.
type Generator struct {
	scale  int
	depth  int
	allocH int
	allocW int
	stride int // floats per grid row: allocW * depth * 4
	grid   []float32
}

// NewGenerator builds the anchor grid for scale index scale.
//
// Arguments:
//   - scale: scale index, only used for bookkeeping and error text.
//   - imgW, imgH: reference image size in pixels; all stored coordinates are
//     divided by it (values outside [0,1] are kept, not clamped).
//   - minSize, maxSize: anchor size pair in pixels for this scale.
//   - ratios: aspect ratios; the first entry must be 1. Each ratio r after it
//     contributes two anchors, r and its reciprocal.
//   - step: distance in pixels between neighboring cell centers.
//   - allocH, allocW: allocation grid size, the largest feature map Forward
//     will ever be asked for.
//
// Returns:
//   - *Generator: the immutable grid.
//   - error: when any parameter is out of range.
func NewGenerator(scale int, imgW, imgH, minSize, maxSize float32, ratios []float32, step float32, allocH, allocW int) (*Generator, error) {
	if imgW <= 0 || imgH <= 0 {
		return nil, errors.Errorf("anchors: scale %d: image size %gx%g must be positive", scale, imgW, imgH)
	}
	if minSize <= 0 || maxSize < minSize {
		return nil, errors.Errorf("anchors: scale %d: size pair (%g, %g) must satisfy 0 < min <= max", scale, minSize, maxSize)
	}
	if len(ratios) == 0 || ratios[0] != 1 {
		return nil, errors.Errorf("anchors: scale %d: ratios must be non-empty and start with 1, got %v", scale, ratios)
	}
	for _, r := range ratios {
		if r <= 0 {
			return nil, errors.Errorf("anchors: scale %d: ratio %g must be positive", scale, r)
		}
	}
	if step <= 0 {
		return nil, errors.Errorf("anchors: scale %d: step %g must be positive", scale, step)
	}
	if allocH < 1 || allocW < 1 {
		return nil, errors.Errorf("anchors: scale %d: allocation %dx%d must be at least 1x1", scale, allocH, allocW)
	}

	depth := 2 + 2*(len(ratios)-1)
	g := &Generator{
		scale:  scale,
		depth:  depth,
		allocH: allocH,
		allocW: allocW,
		stride: allocW * depth * 4,
		grid:   make([]float32, 0, allocH*allocW*depth*4),
	}

	// Per cell the slot order is fixed for reproducibility: the
	// sqrt(min*max) square, the min square, then the (r, 1/r) pair for each
	// remaining ratio. Predictor channel layouts depend on this order.
	sqSize := math32.Sqrt(minSize * maxSize)
	for row := 0; row < allocH; row++ {
		cy := (float32(row) + 0.5) * step
		for col := 0; col < allocW; col++ {
			cx := (float32(col) + 0.5) * step
			g.emit(cx, cy, sqSize, sqSize, imgW, imgH)
			g.emit(cx, cy, minSize, minSize, imgW, imgH)
			for _, r := range ratios[1:] {
				sr := math32.Sqrt(r)
				w := minSize * sr
				h := minSize / sr
				g.emit(cx, cy, w, h, imgW, imgH)
				g.emit(cx, cy, h, w, imgW, imgH)
			}
		}
	}
	return g, nil
}

func (g *Generator) emit(cx, cy, w, h, imgW, imgH float32) {
	g.grid = append(g.grid, cx/imgW, cy/imgH, w/imgW, h/imgH)
}

// Forward returns the anchors covering an fmH x fmW feature map as a flat
// center-form sequence (cx, cy, w, h per anchor), cropped from the top-left
// of the allocated grid, row-major over (row, col, slot).
//
// Returns:
//   - []float32 of length fmH*fmW*Depth()*4, freshly allocated per call.
//   - error: ErrGridExceeded (wrapped) when fmH/fmW exceed the allocation.
func (g *Generator) Forward(fmH, fmW int) ([]float32, error) {
	if fmH < 1 || fmW < 1 {
		return nil, errors.Errorf("anchors: scale %d: feature map %dx%d must be at least 1x1", g.scale, fmH, fmW)
	}
	if fmH > g.allocH || fmW > g.allocW {
		return nil, errors.Wrapf(ErrGridExceeded, "anchors: scale %d: requested %dx%d, allocated %dx%d",
			g.scale, fmH, fmW, g.allocH, g.allocW)
	}

	rowFloats := fmW * g.depth * 4
	out := make([]float32, fmH*rowFloats)
	for r := 0; r < fmH; r++ {
		copy(out[r*rowFloats:(r+1)*rowFloats], g.grid[r*g.stride:r*g.stride+rowFloats])
	}
	return out, nil
}

// Depth reports the number of anchors per grid cell. Predictor layers size
// their output channels as Depth()*(numClasses+1) and Depth()*4.
func (g *Generator) Depth() int {
	return g.depth
}

// NumAnchors reports how many anchors Forward(fmH, fmW) yields.
func (g *Generator) NumAnchors(fmH, fmW int) int {
	return fmH * fmW * g.depth
}

// Scale reports the scale index this generator was built for.
func (g *Generator) Scale() int {
	return g.scale
}

// AllocSize reports the allocated (rows, cols) grid bounds.
func (g *Generator) AllocSize() (int, int) {
	return g.allocH, g.allocW
}

// CenterAt reads anchor i from a flat center-form sequence.
func CenterAt(flat []float32, i int) boxes.CenterBox {
	q := flat[i*4 : i*4+4]
	return boxes.CenterBox{CX: q[0], CY: q[1], W: q[2], H: q[3]}
}

// Corners converts a flat center-form anchor sequence to corner-form boxes.
func Corners(flat []float32) []boxes.Box {
	out := make([]boxes.Box, len(flat)/4)
	for i := range out {
		out[i] = CenterAt(flat, i).Corner()
	}
	return out
}
