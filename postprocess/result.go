// Package postprocess - Confidence masking and non-maximum suppression over
// decoded detections.
package postprocess

import "github.com/nvr-ai/go-ssd/boxes"

// Detection represents a single decoded detection slot.
type Detection struct {
	// The 0-based foreground class id, -1 for an invalid slot.
	ClassID int
	// The confidence score of the detection.
	Score float32
	// The bounding box of the detection, corner form.
	Box boxes.Box
}

// Invalid returns the padding record that marks an empty slot. Every field
// is -1 so the record stays recognizable after being flattened into a
// fixed-shape output tensor.
func Invalid() Detection {
	return Detection{
		ClassID: -1,
		Score:   -1,
		Box:     boxes.Box{X1: -1, Y1: -1, X2: -1, Y2: -1},
	}
}

// Valid reports whether the slot holds a real detection.
func (d Detection) Valid() bool {
	return d.ClassID >= 0
}
