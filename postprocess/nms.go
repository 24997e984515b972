package postprocess

import "sort"

// NMSConfig defines parameters for non-maximum suppression.
type NMSConfig struct {
	OverlapThresh float32 // Suppress at IoU >= this; outside (0,1) disables NMS.
	TopK          int     // Candidates examined, not kept. Negative = unlimited.
	ForceSuppress bool    // If true, suppress across classes too.
}

// Enabled reports whether the threshold actually suppresses anything.
// Values outside (0, 1) turn Suppress into a pass-through.
func (c NMSConfig) Enabled() bool {
	return c.OverlapThresh > 0 && c.OverlapThresh < 1
}

// Suppress runs greedy non-maximum suppression over a fixed set of slots.
//
// Valid candidates are visited in descending score order (equal scores keep
// their input order). A candidate is kept only while its IoU with every
// previously kept detection of the same class, or of any class when
// ForceSuppress is set, stays below OverlapThresh. Once TopK candidates
// have been examined the rest are dropped unseen.
//
// Arguments:
//   - dets: detection slots, invalid ones marked with ClassID -1.
//   - config: suppression parameters.
//
// Returns:
//   - A new slice of len(dets) slots: kept detections packed to the front in
//     visit order, every other slot Invalid(). With suppression disabled the
//     input slots are returned unchanged (copied). The input is never
//     mutated, and re-running Suppress on its own output is a no-op.
func Suppress(dets []Detection, config NMSConfig) []Detection {
	out := make([]Detection, len(dets))
	if !config.Enabled() {
		copy(out, dets)
		return out
	}
	for i := range out {
		out[i] = Invalid()
	}

	order := make([]int, 0, len(dets))
	for i, d := range dets {
		if d.Valid() {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return dets[order[a]].Score > dets[order[b]].Score
	})

	kept := 0
	for examined, idx := range order {
		if config.TopK >= 0 && examined >= config.TopK {
			break
		}
		d := dets[idx]
		suppressed := false
		for k := 0; k < kept; k++ {
			if !config.ForceSuppress && out[k].ClassID != d.ClassID {
				continue
			}
			if out[k].Box.IoU(d.Box) >= config.OverlapThresh {
				suppressed = true
				break
			}
		}
		if !suppressed {
			out[kept] = d
			kept++
		}
	}
	return out
}
