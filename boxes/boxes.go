// Package boxes - Axis-aligned bounding box geometry shared by the detection head.
package boxes

// Box is an axis-aligned rectangle in corner form (x1, y1, x2, y2).
// Coordinates are normalized to the reference image size unless a caller
// explicitly scales them; the zero value is an empty box at the origin.
// Degenerate boxes (zero width or height) are legal and contribute zero IoU.
type Box struct {
	X1, Y1, X2, Y2 float32
}

// CenterBox is the same rectangle in center form (cx, cy, w, h). Anchors are
// stored in this form because the offset encoder operates on centers.
type CenterBox struct {
	CX, CY, W, H float32
}

// Width returns x2-x1. Negative for non-canonical boxes.
func (b Box) Width() float32 {
	return b.X2 - b.X1
}

// Height returns y2-y1. Negative for non-canonical boxes.
func (b Box) Height() float32 {
	return b.Y2 - b.Y1
}

// Area returns the box area, or 0 when the box is degenerate or inverted.
func (b Box) Area() float32 {
	w := b.Width()
	h := b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Center converts the box to center form.
func (b Box) Center() CenterBox {
	return CenterBox{
		CX: (b.X1 + b.X2) / 2,
		CY: (b.Y1 + b.Y2) / 2,
		W:  b.Width(),
		H:  b.Height(),
	}
}

// Corner converts the box to corner form.
func (c CenterBox) Corner() Box {
	return Box{
		X1: c.CX - c.W/2,
		Y1: c.CY - c.H/2,
		X2: c.CX + c.W/2,
		Y2: c.CY + c.H/2,
	}
}

// Scale multiplies both axes, e.g. to map normalized coordinates back to
// pixels with Scale(imgW, imgH) or the reverse with Scale(1/w, 1/h).
func (b Box) Scale(sx, sy float32) Box {
	return Box{X1: b.X1 * sx, Y1: b.Y1 * sy, X2: b.X2 * sx, Y2: b.Y2 * sy}
}

// IoU computes intersection-over-union between two corner-form boxes.
//
// The intersection corners are the max of the top-left corners and the min of
// the bottom-right corners; a non-positive width or height means the boxes do
// not overlap. The union uses inclusion-exclusion so the overlap is not
// counted twice. Boxes with zero area yield 0 against everything.
//
// Returns:
//   - float32 in [0, 1]; 1 for identical non-degenerate boxes.
func (b Box) IoU(o Box) float32 {
	ix1 := max(b.X1, o.X1)
	iy1 := max(b.Y1, o.Y1)
	ix2 := min(b.X2, o.X2)
	iy2 := min(b.Y2, o.Y2)

	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih

	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// IoUMatrix computes the full pairwise IoU between two box sets, row-major:
// the entry for (rows[i], cols[j]) lives at index i*len(cols)+j. Used by the
// anchor matcher, which needs every anchor×ground-truth pair.
func IoUMatrix(rows, cols []Box) []float32 {
	m := make([]float32, len(rows)*len(cols))
	for i, r := range rows {
		base := i * len(cols)
		for j, c := range cols {
			m[base+j] = r.IoU(c)
		}
	}
	return m
}
