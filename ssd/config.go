package ssd

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Default matching, encoding, and suppression parameters. Zero-valued Config
// fields are replaced by these during New/LoadConfig.
const (
	DefaultIoUThresh      float32 = 0.5
	DefaultNegThresh      float32 = 0.5
	DefaultNegMiningRatio float32 = 3
	DefaultConfThresh     float32 = 0.01
	DefaultAnchorAlloc            = 128
)

// DefaultStds is the per-axis divisor applied to box regression targets. The
// same values must be used for encoding during training and decoding during
// inference, or decoded boxes are silently wrong.
var DefaultStds = [4]float32{0.1, 0.1, 0.2, 0.2}

// Config carries every constructor parameter of a detection head.
//
// Anchor layout: Sizes holds numScales+1 ascending pixel sizes which are
// zipped into per-scale (min, max) pairs. Ratios holds one aspect-ratio list
// per scale, or a single list that is broadcast to every scale; each entry
// after the leading 1 yields an anchor pair, r and its reciprocal. Steps
// holds the per-scale pixel distance between cell centers.
type Config struct {
	// Classes is the ordered foreground class names. Background is implicit
	// and occupies score index 0, it is never listed here.
	Classes []string `json:"classes" yaml:"classes"`
	// BaseSize is the reference input size in pixels anchors are normalized
	// against.
	BaseSize int `json:"base_size" yaml:"base_size"`

	Sizes  []float32   `json:"sizes"  yaml:"sizes"`
	Ratios [][]float32 `json:"ratios" yaml:"ratios"`
	Steps  []float32   `json:"steps"  yaml:"steps"`

	// AnchorAlloc is the side of the pre-allocated anchor grid at the first
	// scale. Each following scale halves it (floor 1). Feature maps larger
	// than the allocation are rejected at inference time.
	AnchorAlloc int `json:"anchor_alloc" yaml:"anchor_alloc"`

	// Training-time matching parameters.
	IoUThresh float32 `json:"iou_thresh" yaml:"iou_thresh"`
	NegThresh float32 `json:"neg_thresh" yaml:"neg_thresh"`
	// NegMiningRatio caps selected negatives at ratio*numPositives. Zero
	// selects the default, a negative value disables mining so every
	// background candidate keeps weight 1.
	NegMiningRatio float32 `json:"negative_mining_ratio" yaml:"negative_mining_ratio"`

	Stds [4]float32 `json:"stds" yaml:"stds"`

	// ConfThresh masks detections at or below this score before suppression.
	// Zero selects the default, a negative value keeps every decoded box.
	ConfThresh float32 `json:"conf_thresh" yaml:"conf_thresh"`

	// Suppression parameters, adjustable later through Head.SetNMS.
	// NMSThresh outside (0, 1) disables suppression entirely.
	NMSThresh float32 `json:"nms_thresh" yaml:"nms_thresh"`
	NMSTopk   int     `json:"nms_topk" yaml:"nms_topk"`
	ForceNMS  bool    `json:"force_nms" yaml:"force_nms"`
}

// NumClasses reports the number of foreground classes.
func (c Config) NumClasses() int {
	return len(c.Classes)
}

// NumScales reports the number of feature-map scales the head consumes.
func (c Config) NumScales() int {
	return len(c.Sizes) - 1
}

// normalized returns a copy with defaults filled in and a single shared
// ratio list broadcast to every scale.
func (c Config) normalized() Config {
	if c.IoUThresh == 0 {
		c.IoUThresh = DefaultIoUThresh
	}
	if c.NegThresh == 0 {
		c.NegThresh = DefaultNegThresh
	}
	if c.NegMiningRatio == 0 {
		c.NegMiningRatio = DefaultNegMiningRatio
	}
	if c.ConfThresh == 0 {
		c.ConfThresh = DefaultConfThresh
	}
	if c.AnchorAlloc == 0 {
		c.AnchorAlloc = DefaultAnchorAlloc
	}
	if c.Stds == ([4]float32{}) {
		c.Stds = DefaultStds
	}
	if c.NMSTopk == 0 {
		c.NMSTopk = -1
	}
	if len(c.Ratios) == 1 && c.NumScales() > 1 {
		shared := c.Ratios[0]
		c.Ratios = make([][]float32, c.NumScales())
		for i := range c.Ratios {
			c.Ratios[i] = shared
		}
	}
	return c
}

// Validate checks a normalized Config. It returns a *ConfigError naming the
// first offending field.
func (c Config) Validate() error {
	if len(c.Classes) == 0 {
		return configErrorf("classes", "at least one foreground class required")
	}
	if c.BaseSize <= 0 {
		return configErrorf("base_size", "%d must be positive", c.BaseSize)
	}
	if len(c.Sizes) < 2 {
		return configErrorf("sizes", "need numScales+1 entries, got %d", len(c.Sizes))
	}
	for i, s := range c.Sizes {
		if s <= 0 {
			return configErrorf("sizes", "entry %d is %g, must be positive", i, s)
		}
		if i > 0 && s < c.Sizes[i-1] {
			return configErrorf("sizes", "entry %d (%g) breaks ascending order", i, s)
		}
	}
	n := c.NumScales()
	if len(c.Ratios) != n {
		return configErrorf("ratios", "%d lists for %d scales (a single list is broadcast)", len(c.Ratios), n)
	}
	for i, rs := range c.Ratios {
		if len(rs) == 0 || rs[0] != 1 {
			return configErrorf("ratios", "scale %d list must be non-empty and start with 1, got %v", i, rs)
		}
		for _, r := range rs {
			if r <= 0 {
				return configErrorf("ratios", "scale %d ratio %g must be positive", i, r)
			}
		}
	}
	if len(c.Steps) != n {
		return configErrorf("steps", "%d entries for %d scales", len(c.Steps), n)
	}
	for i, st := range c.Steps {
		if st <= 0 {
			return configErrorf("steps", "scale %d step %g must be positive", i, st)
		}
	}
	if c.AnchorAlloc < 1 {
		return configErrorf("anchor_alloc", "%d must be at least 1", c.AnchorAlloc)
	}
	if c.IoUThresh <= 0 || c.IoUThresh > 1 {
		return configErrorf("iou_thresh", "%g must be in (0, 1]", c.IoUThresh)
	}
	if c.NegThresh < 0 || c.NegThresh > 1 {
		return configErrorf("neg_thresh", "%g must be in [0, 1]", c.NegThresh)
	}
	for i, s := range c.Stds {
		if s <= 0 {
			return configErrorf("stds", "entry %d is %g, must be positive", i, s)
		}
	}
	return nil
}

// LoadConfig reads a YAML head configuration from path, fills defaults, and
// validates it.
//
// Arguments:
//   - path: YAML file with Config fields under their snake_case keys.
//
// Returns:
//   - Config: the normalized configuration.
//   - error: read/parse failures or a *ConfigError from validation.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "ssd: read config %s", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "ssd: parse config %s", path)
	}
	cfg = cfg.normalized()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// VOCClasses returns the 20 Pascal VOC foreground class names in their
// canonical order.
func VOCClasses() []string {
	return []string{
		"aeroplane", "bicycle", "bird", "boat", "bottle",
		"bus", "car", "cat", "chair", "cow",
		"diningtable", "dog", "horse", "motorbike", "person",
		"pottedplant", "sheep", "sofa", "train", "tvmonitor",
	}
}

// VOC300VGG16 is the classic 300x300 six-scale layout for Pascal VOC.
func VOC300VGG16() Config {
	return Config{
		Classes:  VOCClasses(),
		BaseSize: 300,
		Sizes:    []float32{30, 60, 111, 162, 213, 264, 315},
		Ratios: [][]float32{
			{1, 2},
			{1, 2, 3},
			{1, 2, 3},
			{1, 2, 3},
			{1, 2},
			{1, 2},
		},
		Steps:          []float32{8, 16, 32, 64, 100, 300},
		AnchorAlloc:    DefaultAnchorAlloc,
		IoUThresh:      DefaultIoUThresh,
		NegThresh:      DefaultNegThresh,
		NegMiningRatio: DefaultNegMiningRatio,
		Stds:           DefaultStds,
		ConfThresh:     DefaultConfThresh,
		NMSThresh:      0.45,
		NMSTopk:        400,
	}
}

// Preset resolves a named head configuration. It is the single entry point
// callers use to pick a layout without hardcoding constructor calls.
//
// Arguments:
//   - name: "voc300" or "voc512".
//
// Returns:
//   - Config: the preset configuration.
//   - error: a *ConfigError when the name is unknown.
func Preset(name string) (Config, error) {
	switch name {
	case "voc300":
		return VOC300VGG16(), nil
	case "voc512":
		return VOC512VGG16(), nil
	default:
		return Config{}, configErrorf("preset", "unsupported preset name: %s", name)
	}
}

// VOC512VGG16 is the 512x512 seven-scale layout for Pascal VOC.
func VOC512VGG16() Config {
	return Config{
		Classes:  VOCClasses(),
		BaseSize: 512,
		Sizes:    []float32{35.84, 76.8, 153.6, 230.4, 307.2, 384.0, 460.8, 537.6},
		Ratios: [][]float32{
			{1, 2},
			{1, 2, 3},
			{1, 2, 3},
			{1, 2, 3},
			{1, 2, 3},
			{1, 2},
			{1, 2},
		},
		Steps:          []float32{8, 16, 32, 64, 128, 256, 512},
		AnchorAlloc:    DefaultAnchorAlloc,
		IoUThresh:      DefaultIoUThresh,
		NegThresh:      DefaultNegThresh,
		NegMiningRatio: DefaultNegMiningRatio,
		Stds:           DefaultStds,
		ConfThresh:     DefaultConfThresh,
		NMSThresh:      0.45,
		NMSTopk:        400,
	}
}
