// Package ssd - Detection head for single-shot multi-box object detectors:
// multi-scale anchor grids, training-target assignment with hard-negative
// mining, box decoding, and non-maximum suppression over externally produced
// predictor tensors.
package ssd

import (
	"fmt"
	"runtime"
	"sync"

	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-ssd/anchors"
	"github.com/nvr-ai/go-ssd/postprocess"
)

// ScaleOutput is one feature-map scale's predictor output pair.
//
// Cls and Box must be flattened row-major over (row, col, anchor slot),
// matching the anchor generation order, or every downstream decode is
// silently misaligned.
type ScaleOutput struct {
	// H, W is the feature-map size the predictor ran on.
	H, W int
	// Cls holds raw class scores, shape [batch, H*W*depth, numClasses+1].
	Cls *tensor.Dense
	// Box holds raw box offsets, shape [batch, H*W*depth, 4].
	Box *tensor.Dense
}

// TrainOutput carries the aggregated raw tensors a loss stage consumes.
type TrainOutput struct {
	// ClsPreds is [batch, N, numClasses+1], raw scores across all scales.
	ClsPreds *tensor.Dense
	// BoxPreds is [batch, N, 4], raw offsets across all scales.
	BoxPreds *tensor.Dense
	// Anchors is the flat center-form anchor sequence (N*4 values), shared
	// by every image in the batch.
	Anchors []float32
	// ScaleCounts is the number of anchors each scale contributed, in
	// ascending scale order, partitioning the N aggregated slots.
	ScaleCounts []int
}

// AnchorAt resolves an aggregated anchor index to the scale that owns it and
// the flat (row, col, slot) position within that scale's grid.
//
// Returns:
//   - scale, idx: the owning scale and the position inside it.
//   - error: *ShapeError when flat lies outside [0, N).
func (t *TrainOutput) AnchorAt(flat int) (scale, idx int, err error) {
	if flat >= 0 {
		rem := flat
		for s, n := range t.ScaleCounts {
			if rem < n {
				return s, rem, nil
			}
			rem -= n
		}
	}
	return 0, 0, shapeErrorf("anchor_index", "%d out of range [0, %d)", flat, len(t.Anchors)/4)
}

// Head ties the per-scale anchor generators, the box coder, the target
// generator, and the suppressor into the two entry points of a single-shot
// detector: ForwardTrain for the training path and Infer for deployment.
//
// A Head is immutable after construction except for SetNMS, which must not
// be called concurrently with Infer.
type Head struct {
	cfg    Config
	gens   []*anchors.Generator
	coder  BoxCoder
	target *TargetGenerator
	nms    postprocess.NMSConfig
}

// New builds a detection head from cfg. Zero-valued optional fields are
// filled with defaults before validation.
//
// Returns:
//   - *Head: ready for Infer/ForwardTrain from any number of goroutines.
//   - error: *ConfigError describing the first invalid parameter.
func New(cfg Config) (*Head, error) {
	cfg = cfg.normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	coder, err := NewBoxCoder(cfg.Stds)
	if err != nil {
		return nil, err
	}
	target, err := NewTargetGenerator(cfg.IoUThresh, cfg.NegThresh, cfg.NegMiningRatio, cfg.Stds)
	if err != nil {
		return nil, err
	}

	h := &Head{
		cfg:    cfg,
		gens:   make([]*anchors.Generator, cfg.NumScales()),
		coder:  coder,
		target: target,
		nms: postprocess.NMSConfig{
			OverlapThresh: cfg.NMSThresh,
			TopK:          cfg.NMSTopk,
			ForceSuppress: cfg.ForceNMS,
		},
	}

	// Deeper scales see coarser feature maps, so the allocation halves per
	// scale instead of paying the full grid everywhere.
	alloc := cfg.AnchorAlloc
	base := float32(cfg.BaseSize)
	for i := range h.gens {
		gen, err := anchors.NewGenerator(i, base, base, cfg.Sizes[i], cfg.Sizes[i+1],
			cfg.Ratios[i], cfg.Steps[i], alloc, alloc)
		if err != nil {
			return nil, &ConfigError{Field: "anchors", Reason: fmt.Sprintf("scale %d", i), Cause: err}
		}
		h.gens[i] = gen
		alloc /= 2
		if alloc < 1 {
			alloc = 1
		}
	}
	return h, nil
}

// Config returns a copy of the normalized configuration the head runs with.
func (h *Head) Config() Config {
	return h.cfg
}

// NumScales reports the number of feature-map scales the head consumes.
func (h *Head) NumScales() int {
	return h.cfg.NumScales()
}

// NumClasses reports the number of foreground classes.
func (h *Head) NumClasses() int {
	return h.cfg.NumClasses()
}

// Classes returns the ordered foreground class names.
func (h *Head) Classes() []string {
	return h.cfg.Classes
}

// Depth reports the anchors per grid cell at the given scale.
func (h *Head) Depth(scale int) int {
	return h.gens[scale].Depth()
}

// PredictorChannels reports the output channel counts a predictor layer for
// the given scale must produce: depth*(numClasses+1) for class scores and
// depth*4 for box offsets.
func (h *Head) PredictorChannels(scale int) (clsChannels, boxChannels int) {
	d := h.gens[scale].Depth()
	return d * (h.cfg.NumClasses() + 1), d * 4
}

// Anchors returns the flat center-form anchor sequence for one scale at the
// given feature-map size. The result is freshly allocated, callers may keep
// or mutate it.
//
// Returns:
//   - []float32: fmH*fmW*Depth(scale)*4 values.
//   - error: *ConfigError when the request exceeds the allocated grid.
func (h *Head) Anchors(scale, fmH, fmW int) ([]float32, error) {
	if scale < 0 || scale >= len(h.gens) {
		return nil, configErrorf("scale", "%d out of range [0, %d)", scale, len(h.gens))
	}
	flat, err := h.gens[scale].Forward(fmH, fmW)
	if err != nil {
		return nil, &ConfigError{Field: "feature_map", Reason: fmt.Sprintf("scale %d", scale), Cause: err}
	}
	return flat, nil
}

// SetNMS adjusts the suppression parameters after construction, mirroring
// the constructor fields. Not safe to call concurrently with Infer.
func (h *Head) SetNMS(overlapThresh float32, topK int, forceSuppress bool) {
	h.nms = postprocess.NMSConfig{
		OverlapThresh: overlapThresh,
		TopK:          topK,
		ForceSuppress: forceSuppress,
	}
}

// aggregated holds the per-batch flat buffers after scale concatenation.
type aggregated struct {
	batch   int
	n       int       // anchors across all scales
	counts  []int     // anchors per scale, summing to n
	anchors []float32 // n*4 center form, batch-invariant
	cls     []float32 // batch*n*(numClasses+1)
	box     []float32 // batch*n*4
}

// checkDense validates one predictor tensor and returns its float32 backing.
func checkDense(name string, t *tensor.Dense, batch, n, width int) ([]float32, error) {
	if t == nil {
		return nil, shapeErrorf(name, "tensor is nil")
	}
	s := t.Shape()
	if len(s) != 3 || s[0] != batch || s[1] != n || s[2] != width {
		return nil, shapeErrorf(name, "have shape %v, want (%d, %d, %d)", s, batch, n, width)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, shapeErrorf(name, "backing is %T, want []float32", t.Data())
	}
	if len(data) != batch*n*width {
		return nil, shapeErrorf(name, "backing holds %d values, want %d (non-contiguous view?)",
			len(data), batch*n*width)
	}
	return data, nil
}

// aggregate concatenates the per-scale outputs in ascending scale order into
// single flat sequences. Anchors, class scores, and box offsets are
// concatenated in the same order, keeping the three sequences aligned.
func (h *Head) aggregate(outs []ScaleOutput) (*aggregated, error) {
	if len(outs) != len(h.gens) {
		return nil, shapeErrorf("scales", "have %d outputs, want %d", len(outs), len(h.gens))
	}
	if outs[0].Cls == nil {
		return nil, shapeErrorf("cls[0]", "tensor is nil")
	}
	s := outs[0].Cls.Shape()
	if len(s) != 3 || s[0] < 1 {
		return nil, shapeErrorf("cls[0]", "have shape %v, want (batch, anchors, scores)", s)
	}
	batch := s[0]
	stride := h.cfg.NumClasses() + 1

	counts := make([]int, len(outs))
	scaleAnchors := make([][]float32, len(outs))
	scaleCls := make([][]float32, len(outs))
	scaleBox := make([][]float32, len(outs))
	total := 0
	for i, out := range outs {
		flat, err := h.gens[i].Forward(out.H, out.W)
		if err != nil {
			return nil, &ConfigError{Field: "feature_map", Reason: fmt.Sprintf("scale %d", i), Cause: err}
		}
		ni := h.gens[i].NumAnchors(out.H, out.W)
		cls, err := checkDense(fmt.Sprintf("cls[%d]", i), out.Cls, batch, ni, stride)
		if err != nil {
			return nil, err
		}
		box, err := checkDense(fmt.Sprintf("box[%d]", i), out.Box, batch, ni, 4)
		if err != nil {
			return nil, err
		}
		counts[i] = ni
		scaleAnchors[i] = flat
		scaleCls[i] = cls
		scaleBox[i] = box
		total += ni
	}

	agg := &aggregated{
		batch:   batch,
		n:       total,
		counts:  counts,
		anchors: make([]float32, 0, total*4),
		cls:     make([]float32, batch*total*stride),
		box:     make([]float32, batch*total*4),
	}
	for i := range outs {
		agg.anchors = append(agg.anchors, scaleAnchors[i]...)
	}
	off := 0
	for i, ni := range counts {
		for b := 0; b < batch; b++ {
			copy(agg.cls[(b*total+off)*stride:], scaleCls[i][b*ni*stride:(b+1)*ni*stride])
			copy(agg.box[(b*total+off)*4:], scaleBox[i][b*ni*4:(b+1)*ni*4])
		}
		off += ni
	}
	return agg, nil
}

// ForwardTrain aggregates the per-scale predictor outputs into the raw
// triple the loss stage consumes: class scores, box offsets, and the
// matching anchor sequence. No decoding or suppression is applied.
//
// Returns:
//   - *TrainOutput: aggregated tensors with freshly allocated backings.
//   - error: *ShapeError or *ConfigError from aggregation.
func (h *Head) ForwardTrain(outs []ScaleOutput) (*TrainOutput, error) {
	agg, err := h.aggregate(outs)
	if err != nil {
		return nil, err
	}
	stride := h.cfg.NumClasses() + 1
	return &TrainOutput{
		ClsPreds:    tensor.New(tensor.WithShape(agg.batch, agg.n, stride), tensor.WithBacking(agg.cls)),
		BoxPreds:    tensor.New(tensor.WithShape(agg.batch, agg.n, 4), tensor.WithBacking(agg.box)),
		Anchors:     agg.anchors,
		ScaleCounts: agg.counts,
	}, nil
}

// Targets generates training targets for a single image.
//
// Arguments:
//   - anchorsFlat: the anchor sequence from ForwardTrain.
//   - clsPreds: that image's raw class scores, numClasses+1 per anchor.
//   - gts: the image's ground truth.
func (h *Head) Targets(anchorsFlat, clsPreds []float32, gts []GroundTruth) (*Targets, error) {
	return h.target.Generate(anchorsFlat, clsPreds, h.cfg.NumClasses(), gts)
}

// TargetsBatch generates training targets for every image of a forward
// pass, one ground-truth slice per image. Images are processed in parallel.
func (h *Head) TargetsBatch(train *TrainOutput, gts [][]GroundTruth) ([]*Targets, error) {
	if train == nil || train.ClsPreds == nil {
		return nil, shapeErrorf("cls_preds", "tensor is nil")
	}
	n := len(train.Anchors) / 4
	stride := h.cfg.NumClasses() + 1
	s := train.ClsPreds.Shape()
	if len(s) != 3 || s[1] != n || s[2] != stride {
		return nil, shapeErrorf("cls_preds", "have shape %v, want (batch, %d, %d)", s, n, stride)
	}
	batch := s[0]
	if len(gts) != batch {
		return nil, shapeErrorf("ground_truth", "have %d images, want %d", len(gts), batch)
	}
	cls, err := checkDense("cls_preds", train.ClsPreds, batch, n, stride)
	if err != nil {
		return nil, err
	}

	results := make([]*Targets, batch)
	errs := make([]error, batch)
	parallelImages(batch, func(b int) {
		results[b], errs[b] = h.target.Generate(
			train.Anchors, cls[b*n*stride:(b+1)*n*stride], h.cfg.NumClasses(), gts[b])
	})
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// Infer runs the deployment path: aggregate scales, softmax and decode every
// anchor, mask low-confidence rows, and suppress overlaps.
//
// Returns:
//   - *tensor.Dense of shape [batch, N, 6] with columns (classId, score,
//     xMin, yMin, xMax, yMax) in the anchors' normalized coordinate space.
//     Empty slots hold -1 in every column, so the shape is stable across
//     calls regardless of how many objects survive.
//   - error: *ShapeError or *ConfigError from aggregation. Decoding and
//     suppression themselves never fail on valid-shaped input.
func (h *Head) Infer(outs []ScaleOutput) (*tensor.Dense, error) {
	agg, err := h.aggregate(outs)
	if err != nil {
		return nil, err
	}
	nms := h.nms
	out := make([]float32, agg.batch*agg.n*6)
	parallelImages(agg.batch, func(b int) {
		h.inferImage(agg, b, nms, out[b*agg.n*6:(b+1)*agg.n*6])
	})
	return tensor.New(tensor.WithShape(agg.batch, agg.n, 6), tensor.WithBacking(out)), nil
}

// inferImage decodes and suppresses one image's slots into dst (n*6 floats).
func (h *Head) inferImage(agg *aggregated, b int, nms postprocess.NMSConfig, dst []float32) {
	stride := h.cfg.NumClasses() + 1
	clsBase := b * agg.n * stride
	boxBase := b * agg.n * 4

	dets := make([]postprocess.Detection, agg.n)
	probs := make([]float32, stride)
	for i := 0; i < agg.n; i++ {
		Softmax(probs, agg.cls[clsBase+i*stride:clsBase+(i+1)*stride])
		clsID, score := DecodeClass(probs)
		if score <= h.cfg.ConfThresh {
			dets[i] = postprocess.Invalid()
			continue
		}
		var off [4]float32
		copy(off[:], agg.box[boxBase+i*4:boxBase+(i+1)*4])
		dets[i] = postprocess.Detection{
			ClassID: clsID,
			Score:   score,
			Box:     h.coder.Decode(off, anchors.CenterAt(agg.anchors, i)),
		}
	}
	if nms.Enabled() {
		dets = postprocess.Suppress(dets, nms)
	}
	for i, d := range dets {
		o := i * 6
		dst[o] = float32(d.ClassID)
		dst[o+1] = d.Score
		dst[o+2] = d.Box.X1
		dst[o+3] = d.Box.Y1
		dst[o+4] = d.Box.X2
		dst[o+5] = d.Box.Y2
	}
}

// parallelImages fans image indices [0, batch) out to a bounded worker pool.
// Image work shares only read-only state, so no synchronization beyond the
// pool itself is needed.
func parallelImages(batch int, fn func(b int)) {
	if batch <= 1 {
		if batch == 1 {
			fn(0)
		}
		return
	}
	workers := runtime.NumCPU()
	if workers > batch {
		workers = batch
	}
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range jobs {
				fn(b)
			}
		}()
	}
	for b := 0; b < batch; b++ {
		jobs <- b
	}
	close(jobs)
	wg.Wait()
}
