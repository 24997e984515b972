package ssd

import (
	"sort"

	"github.com/nvr-ai/go-ssd/anchors"
	"github.com/nvr-ai/go-ssd/boxes"
)

// GroundTruth is one annotated object in a training image.
type GroundTruth struct {
	// Box is corner form, in the same normalized coordinate space as the
	// anchors it will be matched against.
	Box boxes.Box
	// Label is the foreground class id in [0, numClasses).
	Label int
}

// Targets holds per-anchor training labels for one image, indexed by flat
// anchor position. ClassLabels and Weights carry one entry per anchor,
// BoxTargets four.
type Targets struct {
	// ClassLabels is 0 for background and label+1 for foreground. Values are
	// integral, stored as float32 so they can back a loss tensor directly.
	ClassLabels []float32
	// BoxTargets holds encoded regression offsets, zero outside foreground
	// rows. Regression loss is masked to anchors with ClassLabels > 0.
	BoxTargets []float32
	// Weights is 1 when the anchor contributes to the classification loss
	// and 0 when the anchor is ignored.
	Weights []float32

	NumPositives int
	NumNegatives int
	// DegenerateGT counts supplied ground-truth boxes with zero area. They
	// overlap nothing, so they match no anchor and produce no targets.
	DegenerateGT int
}

// TargetGenerator matches anchors against ground truth and emits
// classification and regression targets with hard-negative mining. A
// generator is stateless and safe for concurrent use.
//
// Matching runs in two passes. The bipartite pass walks ground-truth boxes
// in ascending index order and force-assigns each one its highest-IoU anchor
// among those not already forced, regardless of threshold, as long as the
// IoU is positive. The threshold pass then assigns every remaining anchor to
// its highest-IoU ground truth when that IoU reaches iouThresh. Ties break
// toward the lowest anchor index in the first pass and the lowest
// ground-truth index in the second, so identical inputs always produce
// identical matches.
type TargetGenerator struct {
	iouThresh   float32
	negThresh   float32
	miningRatio float32
	coder       BoxCoder
}

// NewTargetGenerator builds a target generator.
//
// Arguments:
//   - iouThresh: minimum IoU for the threshold pass, in (0, 1].
//   - negThresh: unmatched anchors whose best IoU reaches this value are
//     ignored rather than used as negatives, in [0, 1].
//   - miningRatio: cap on selected negatives as a multiple of the positive
//     count. Negative values disable mining so every background candidate
//     keeps weight 1.
//   - stds: box-encoding divisors, shared with the inference-time decoder.
//
// Returns:
//   - *TargetGenerator: ready for Generate.
//   - error: *ConfigError on out-of-range parameters.
func NewTargetGenerator(iouThresh, negThresh, miningRatio float32, stds [4]float32) (*TargetGenerator, error) {
	if iouThresh <= 0 || iouThresh > 1 {
		return nil, configErrorf("iou_thresh", "%g must be in (0, 1]", iouThresh)
	}
	if negThresh < 0 || negThresh > 1 {
		return nil, configErrorf("neg_thresh", "%g must be in [0, 1]", negThresh)
	}
	coder, err := NewBoxCoder(stds)
	if err != nil {
		return nil, err
	}
	return &TargetGenerator{
		iouThresh:   iouThresh,
		negThresh:   negThresh,
		miningRatio: miningRatio,
		coder:       coder,
	}, nil
}

// Generate produces training targets for one image.
//
// Arguments:
//   - anchorsFlat: flat center-form anchor sequence (cx, cy, w, h per
//     anchor) as produced by the aggregation step.
//   - clsPreds: raw per-anchor class scores, numClasses+1 values per anchor
//     with background at index 0. Mining ranks background candidates by the
//     model's softmaxed background probability, ascending, so the anchors
//     the model most confidently mistakes for foreground are selected
//     first. Ties keep ascending anchor order.
//   - numClasses: foreground class count.
//   - gts: the image's ground-truth boxes, possibly empty.
//
// Returns:
//   - *Targets: per-anchor labels, offsets, and weights.
//   - error: *ShapeError when slice lengths disagree with the anchor count,
//     or a validation error for out-of-range labels.
//
// When an image yields no positive anchor (zero ground truths, or none with
// positive IoU), mining has no positive count to scale by. All background
// candidates keep weight 1 in that case, so the image still contributes
// background supervision.
func (t *TargetGenerator) Generate(anchorsFlat, clsPreds []float32, numClasses int, gts []GroundTruth) (*Targets, error) {
	if numClasses < 1 {
		return nil, configErrorf("classes", "numClasses %d must be positive", numClasses)
	}
	if len(anchorsFlat)%4 != 0 {
		return nil, shapeErrorf("anchors", "flat length %d is not a multiple of 4", len(anchorsFlat))
	}
	n := len(anchorsFlat) / 4
	stride := numClasses + 1
	if len(clsPreds) != n*stride {
		return nil, shapeErrorf("clsPreds", "have %d values, want %d (%d anchors x %d scores)",
			len(clsPreds), n*stride, n, stride)
	}

	out := &Targets{
		ClassLabels: make([]float32, n),
		BoxTargets:  make([]float32, n*4),
		Weights:     make([]float32, n),
	}

	m := len(gts)
	gtBoxes := make([]boxes.Box, m)
	for j, gt := range gts {
		if gt.Label < 0 || gt.Label >= numClasses {
			return nil, configErrorf("ground_truth", "label %d of box %d out of range [0, %d)", gt.Label, j, numClasses)
		}
		gtBoxes[j] = gt.Box
		if gt.Box.Area() == 0 {
			out.DegenerateGT++
		}
	}

	corners := anchors.Corners(anchorsFlat)
	iou := boxes.IoUMatrix(corners, gtBoxes)

	matches := make([]int, n)
	for i := range matches {
		matches[i] = -1
	}
	forced := make([]bool, n)

	// Bipartite pass. Strict > keeps the lowest anchor index on ties, and a
	// zero best IoU (degenerate or fully disjoint ground truth) assigns
	// nothing.
	for j := 0; j < m; j++ {
		best := -1
		var bestIoU float32
		for i := 0; i < n; i++ {
			if forced[i] {
				continue
			}
			if v := iou[i*m+j]; v > bestIoU {
				bestIoU, best = v, i
			}
		}
		if best >= 0 {
			matches[best] = j
			forced[best] = true
		}
	}

	// Threshold pass, plus the per-anchor IoU maximum needed to decide
	// which unmatched anchors are ignored instead of mined.
	anchorMax := make([]float32, n)
	for i := 0; i < n; i++ {
		bestJ := -1
		var bestIoU float32
		for j := 0; j < m; j++ {
			if v := iou[i*m+j]; v > bestIoU {
				bestIoU, bestJ = v, j
			}
		}
		anchorMax[i] = bestIoU
		if !forced[i] && bestJ >= 0 && bestIoU >= t.iouThresh {
			matches[i] = bestJ
		}
	}

	for i, j := range matches {
		if j < 0 {
			continue
		}
		out.NumPositives++
		out.ClassLabels[i] = float32(gts[j].Label + 1)
		off := t.coder.Encode(gts[j].Box, anchors.CenterAt(anchorsFlat, i))
		copy(out.BoxTargets[i*4:i*4+4], off[:])
		out.Weights[i] = 1
	}

	// Background candidates: unmatched anchors that do not overlap any
	// ground truth too strongly. The rest of the unmatched set stays at
	// weight 0.
	type negCand struct {
		idx int
		bg  float32
	}
	cands := make([]negCand, 0, n-out.NumPositives)
	probs := make([]float32, stride)
	for i := 0; i < n; i++ {
		if matches[i] >= 0 || anchorMax[i] >= t.negThresh {
			continue
		}
		Softmax(probs, clsPreds[i*stride:(i+1)*stride])
		cands = append(cands, negCand{idx: i, bg: probs[0]})
	}

	keep := len(cands)
	if t.miningRatio >= 0 && out.NumPositives > 0 {
		if limit := int(t.miningRatio * float32(out.NumPositives)); limit < keep {
			keep = limit
		}
		sort.SliceStable(cands, func(a, b int) bool {
			return cands[a].bg < cands[b].bg
		})
	}
	for _, c := range cands[:keep] {
		out.Weights[c.idx] = 1
		out.NumNegatives++
	}
	return out, nil
}
