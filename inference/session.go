// Package inference - ONNX Runtime sessions for SSD detection models.
package inference

import (
	"image"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-ssd/boxes"
	"github.com/nvr-ai/go-ssd/ssd"
)

// Config describes how an exported SSD graph binds to a Session.
type Config struct {
	// ModelPath is the path to the ONNX model file.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// LibraryPath overrides the bundled onnxruntime shared library.
	LibraryPath string `json:"library_path" yaml:"library_path"`
	// InputName is the graph input holding the image tensor. Defaults to
	// "images".
	InputName string `json:"input_name" yaml:"input_name"`
	// ClsOutputs and BoxOutputs name the per-scale prediction outputs, in
	// scale order. ClsOutputs[i] has shape [1, Ni, classes+1] and
	// BoxOutputs[i] has shape [1, Ni, 4].
	ClsOutputs []string `json:"cls_outputs" yaml:"cls_outputs"`
	BoxOutputs []string `json:"box_outputs" yaml:"box_outputs"`
	// FeatureMaps holds the {height, width} of each scale's feature map for
	// the model's input resolution.
	FeatureMaps [][2]int `json:"feature_maps" yaml:"feature_maps"`
	// IntraOpThreads parallelizes execution within graph nodes. Defaults
	// to 4.
	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads"`
	// InterOpThreads parallelizes execution across graph nodes. Defaults
	// to 2.
	InterOpThreads int `json:"inter_op_threads" yaml:"inter_op_threads"`
	// Provider selects a hardware execution provider: "cpu" (default),
	// "coreml", "openvino" or "cuda".
	Provider string `json:"provider" yaml:"provider"`
	// ProviderOptions passes provider-specific settings, such as OpenVINO's
	// device_type or CUDA's device_id.
	ProviderOptions map[string]string `json:"provider_options" yaml:"provider_options"`
}

// validate checks the config against the head it will feed.
func (c *Config) validate(head *ssd.Head) error {
	if c.ModelPath == "" {
		return errors.New("inference: model_path is required")
	}
	scales := head.NumScales()
	if len(c.ClsOutputs) != scales || len(c.BoxOutputs) != scales {
		return errors.Errorf("inference: head has %d scales, config names %d cls and %d box outputs",
			scales, len(c.ClsOutputs), len(c.BoxOutputs))
	}
	if len(c.FeatureMaps) != scales {
		return errors.Errorf("inference: head has %d scales, config lists %d feature maps",
			scales, len(c.FeatureMaps))
	}
	for i, fm := range c.FeatureMaps {
		if fm[0] < 1 || fm[1] < 1 {
			return errors.Errorf("inference: feature_maps[%d] is %dx%d, dimensions must be positive",
				i, fm[0], fm[1])
		}
	}
	switch c.Provider {
	case "", "cpu", "coreml", "openvino", "cuda":
	default:
		return errors.Errorf("inference: unknown provider %q, want cpu, coreml, openvino or cuda",
			c.Provider)
	}
	return nil
}

// Result is one detection in pixel coordinates of the original image.
type Result struct {
	// Class is the foreground class index.
	Class int
	// Name is the class name from the head's class list.
	Name string
	// Score is the softmax confidence.
	Score float32
	// Box is the detection box, clamped to the image bounds.
	Box boxes.Box
}

// Session binds an ONNX Runtime session to a detection head. The session
// owns fixed input and output tensors, so calls that run the graph are
// serialized internally.
type Session struct {
	head    *ssd.Head
	cfg     Config
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	cls     []*ort.Tensor[float32]
	box     []*ort.Tensor[float32]
	size    int

	mu             sync.RWMutex
	inferenceCount int64
	totalTime      float64
}

// NewSession loads the model at cfg.ModelPath and wires its per-scale
// outputs to head.
//
// Arguments:
//   - head: The detection head that decodes the model's raw predictions.
//   - cfg: The session configuration.
//
// Returns:
//   - *Session: The ready session.
//   - error: An error if the library, model or tensor setup fails.
func NewSession(head *ssd.Head, cfg Config) (*Session, error) {
	if head == nil {
		return nil, errors.New("inference: head is required")
	}
	if err := cfg.validate(head); err != nil {
		return nil, err
	}
	if cfg.InputName == "" {
		cfg.InputName = "images"
	}
	if cfg.IntraOpThreads == 0 {
		cfg.IntraOpThreads = 4
	}
	if cfg.InterOpThreads == 0 {
		cfg.InterOpThreads = 2
	}

	// Check that the shared library exists before trying to load it.
	libPath := cfg.LibraryPath
	if libPath == "" {
		var err error
		libPath, err = DefaultLibraryPath()
		if err != nil {
			return nil, err
		}
	}
	if _, err := os.Stat(libPath); os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "inference: onnxruntime library not found at %s", libPath)
	}

	ort.SetSharedLibraryPath(libPath)
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, errors.Wrap(err, "inference: initializing ORT environment")
		}
	}

	size := head.Config().BaseSize
	var created []*ort.Tensor[float32]
	fail := func(err error) (*Session, error) {
		destroyTensors(created)
		return nil, err
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(size), int64(size)))
	if err != nil {
		return nil, errors.Wrap(err, "inference: creating input tensor")
	}
	created = append(created, inputTensor)

	scales := head.NumScales()
	clsTensors := make([]*ort.Tensor[float32], scales)
	boxTensors := make([]*ort.Tensor[float32], scales)
	stride := int64(head.NumClasses() + 1)
	for i := 0; i < scales; i++ {
		fm := cfg.FeatureMaps[i]
		n := int64(fm[0] * fm[1] * head.Depth(i))
		clsTensors[i], err = ort.NewEmptyTensor[float32](ort.NewShape(1, n, stride))
		if err != nil {
			return fail(errors.Wrapf(err, "inference: creating cls tensor for scale %d", i))
		}
		created = append(created, clsTensors[i])
		boxTensors[i], err = ort.NewEmptyTensor[float32](ort.NewShape(1, n, 4))
		if err != nil {
			return fail(errors.Wrapf(err, "inference: creating box tensor for scale %d", i))
		}
		created = append(created, boxTensors[i])
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return fail(errors.Wrap(err, "inference: creating ORT session options"))
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(cfg.IntraOpThreads)
	options.SetInterOpNumThreads(cfg.InterOpThreads)
	options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended)

	switch cfg.Provider {
	case "", "cpu":
	case "coreml":
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return fail(errors.Wrap(err, "inference: enabling CoreML"))
		}
	case "openvino":
		if err := options.AppendExecutionProviderOpenVINO(cfg.ProviderOptions); err != nil {
			return fail(errors.Wrap(err, "inference: enabling OpenVINO"))
		}
	case "cuda":
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return fail(errors.Wrap(err, "inference: creating CUDA provider options"))
		}
		defer cudaOpts.Destroy()
		if len(cfg.ProviderOptions) > 0 {
			if err := cudaOpts.Update(cfg.ProviderOptions); err != nil {
				return fail(errors.Wrap(err, "inference: applying CUDA provider options"))
			}
		}
		if err := options.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return fail(errors.Wrap(err, "inference: enabling CUDA"))
		}
	}

	outputNames := make([]string, 0, scales*2)
	outputNames = append(outputNames, cfg.ClsOutputs...)
	outputNames = append(outputNames, cfg.BoxOutputs...)
	outputTensors := make([]ort.ArbitraryTensor, 0, scales*2)
	for _, t := range clsTensors {
		outputTensors = append(outputTensors, t)
	}
	for _, t := range boxTensors {
		outputTensors = append(outputTensors, t)
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		outputNames,
		[]ort.ArbitraryTensor{inputTensor},
		outputTensors,
		options,
	)
	if err != nil {
		return fail(errors.Wrap(err, "inference: creating ORT session"))
	}

	return &Session{
		head:    head,
		cfg:     cfg,
		session: session,
		input:   inputTensor,
		cls:     clsTensors,
		box:     boxTensors,
		size:    size,
	}, nil
}

// Detect runs the model on img and decodes the detections.
//
// Arguments:
//   - img: The image to detect objects in.
//
// Returns:
//   - []Result: The decoded detections in pixel coordinates of img.
//   - error: An error if preprocessing, execution or decoding fails.
func (s *Session) Detect(img image.Image) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := PrepareInput(img, s.size, s.input.GetData()); err != nil {
		return nil, err
	}
	if err := s.run(); err != nil {
		return nil, errors.Wrap(err, "inference: running session")
	}

	outs := make([]ssd.ScaleOutput, len(s.cls))
	stride := s.head.NumClasses() + 1
	for i := range outs {
		fm := s.cfg.FeatureMaps[i]
		n := fm[0] * fm[1] * s.head.Depth(i)
		outs[i] = ssd.ScaleOutput{
			H: fm[0],
			W: fm[1],
			Cls: tensor.New(
				tensor.WithShape(1, n, stride),
				tensor.WithBacking(s.cls[i].GetData()),
			),
			Box: tensor.New(
				tensor.WithShape(1, n, 4),
				tensor.WithBacking(s.box[i].GetData()),
			),
		}
	}

	dets, err := s.head.Infer(outs)
	if err != nil {
		return nil, err
	}
	return s.collect(dets, img.Bounds()), nil
}

// run executes the graph and tracks timing. The caller holds s.mu.
func (s *Session) run() error {
	start := time.Now()
	err := s.session.Run()
	duration := float64(time.Since(start).Nanoseconds()) / 1e6

	s.inferenceCount++
	s.totalTime += duration

	return err
}

// collect converts the head's [1, N, 6] output into pixel-space results.
func (s *Session) collect(dets *tensor.Dense, bounds image.Rectangle) []Result {
	data := dets.Data().([]float32)
	classes := s.head.Classes()
	imgW := float32(bounds.Dx())
	imgH := float32(bounds.Dy())

	var results []Result
	for base := 0; base+6 <= len(data); base += 6 {
		id := int(data[base])
		if id < 0 {
			continue
		}
		name := ""
		if id < len(classes) {
			name = classes[id]
		}
		results = append(results, Result{
			Class: id,
			Name:  name,
			Score: data[base+1],
			Box: boxes.Box{
				X1: clamp(data[base+2]*imgW, 0, imgW),
				Y1: clamp(data[base+3]*imgH, 0, imgH),
				X2: clamp(data[base+4]*imgW, 0, imgW),
				Y2: clamp(data[base+5]*imgH, 0, imgH),
			},
		})
	}
	return results
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Warmup runs the model on the current input buffer to warm caches and
// lazy allocations.
//
// Arguments:
//   - runs: The number of times to run inference.
//
// Returns:
//   - error: An error if any warmup run fails.
func (s *Session) Warmup(runs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < runs; i++ {
		if err := s.run(); err != nil {
			return errors.Wrapf(err, "inference: warmup run %d", i)
		}
	}
	return nil
}

// Metrics returns the accumulated execution statistics.
//
// Returns:
//   - map[string]interface{}: Inference counters and timings.
func (s *Session) Metrics() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metrics := map[string]interface{}{
		"inference_count": s.inferenceCount,
		"total_time_ms":   s.totalTime,
	}
	if s.inferenceCount > 0 {
		metrics["average_time_ms"] = s.totalTime / float64(s.inferenceCount)
		metrics["throughput_fps"] = 1000.0 / (s.totalTime / float64(s.inferenceCount))
	}
	return metrics
}

// ResetMetrics clears the execution statistics.
func (s *Session) ResetMetrics() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inferenceCount = 0
	s.totalTime = 0.0
}

// Close releases the tensors and the underlying ORT session.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.input != nil {
		s.input.Destroy()
		s.input = nil
	}
	destroyTensors(s.cls)
	s.cls = nil
	destroyTensors(s.box)
	s.box = nil
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
}

func destroyTensors(ts []*ort.Tensor[float32]) {
	for _, t := range ts {
		if t != nil {
			t.Destroy()
		}
	}
}
