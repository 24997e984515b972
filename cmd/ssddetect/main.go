// Command ssddetect runs an exported SSD detection model over images.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nvr-ai/go-ssd/inference"
	"github.com/nvr-ai/go-ssd/profiler"
	"github.com/nvr-ai/go-ssd/ssd"
	"github.com/nvr-ai/go-ssd/util"
)

func main() {
	var (
		modelPath   string
		configPath  string
		preset      string
		libraryPath string
		imagePath   string
		dirPath     string
		inputName   string
		clsOutputs  string
		boxOutputs  string
		featureMaps string
		confThresh  float64
		nmsThresh   float64
		nmsTopk     int
		warmupRuns  int
		provider    string
		profile     bool
	)
	flag.StringVar(&modelPath, "model", "", "Path to the exported SSD ONNX model")
	flag.StringVar(&configPath, "config", "", "Path to a detector YAML config (overrides -preset)")
	flag.StringVar(&preset, "preset", "voc300", "Detector preset: voc300 or voc512")
	flag.StringVar(&libraryPath, "lib", "", "Path to the onnxruntime shared library")
	flag.StringVar(&imagePath, "image", "", "Path to a single image")
	flag.StringVar(&dirPath, "dir", "", "Directory of images, processed in frame order")
	flag.StringVar(&inputName, "input-name", "images", "Name of the model's image input")
	flag.StringVar(&clsOutputs, "cls-outputs", "", "Comma-separated class prediction output names, one per scale")
	flag.StringVar(&boxOutputs, "box-outputs", "", "Comma-separated box prediction output names, one per scale")
	flag.StringVar(&featureMaps, "feature-maps", "", "Comma-separated HxW feature map sizes, one per scale")
	flag.Float64Var(&confThresh, "confidence", 0, "Confidence threshold override")
	flag.Float64Var(&nmsThresh, "nms", -1, "NMS overlap threshold override, 0 disables suppression")
	flag.IntVar(&nmsTopk, "nms-topk", 0, "Examine at most this many detections during NMS, -1 for all")
	flag.IntVar(&warmupRuns, "warmup", 1, "Warmup runs before processing")
	flag.StringVar(&provider, "provider", "cpu", "Execution provider: cpu, coreml, openvino or cuda")
	flag.BoolVar(&profile, "profile", false, "Sample runtime stats and report timings")
	flag.Parse()

	if modelPath == "" {
		log.Fatal("missing required -model flag")
	}
	if (imagePath == "") == (dirPath == "") {
		log.Fatal("specify exactly one of -image or -dir")
	}

	cfg, err := loadDetectorConfig(configPath, preset)
	if err != nil {
		log.Fatalf("loading detector config: %v", err)
	}
	if confThresh > 0 {
		cfg.ConfThresh = float32(confThresh)
	}
	if nmsThresh >= 0 {
		cfg.NMSThresh = float32(nmsThresh)
	}
	if nmsTopk != 0 {
		cfg.NMSTopk = nmsTopk
	}

	head, err := ssd.New(cfg)
	if err != nil {
		log.Fatalf("building detection head: %v", err)
	}

	sessionCfg := inference.Config{
		ModelPath:   modelPath,
		LibraryPath: libraryPath,
		InputName:   inputName,
		ClsOutputs:  splitNames(clsOutputs, "cls", head.NumScales()),
		BoxOutputs:  splitNames(boxOutputs, "box", head.NumScales()),
		Provider:    provider,
	}
	if featureMaps != "" {
		sessionCfg.FeatureMaps, err = parseFeatureMaps(featureMaps)
		if err != nil {
			log.Fatalf("parsing -feature-maps: %v", err)
		}
	} else {
		sessionCfg.FeatureMaps = defaultFeatureMaps(head.Config())
	}

	session, err := inference.NewSession(head, sessionCfg)
	if err != nil {
		log.Fatalf("creating session: %v", err)
	}
	defer session.Close()

	fmt.Printf("model: %s\n", modelPath)
	fmt.Printf("input: %dx%d | scales: %d | classes: %d\n",
		head.Config().BaseSize, head.Config().BaseSize, head.NumScales(), head.NumClasses())

	if warmupRuns > 0 {
		if err := session.Warmup(warmupRuns); err != nil {
			log.Fatalf("warmup: %v", err)
		}
		session.ResetMetrics()
	}

	var prof *profiler.Profiler
	if profile {
		prof = profiler.New(profiler.Options{ReportInterval: 10 * time.Second})
		prof.Start()
		defer prof.Stop()
	}

	paths := []string{imagePath}
	if dirPath != "" {
		paths, err = util.ListImages(dirPath)
		if err != nil {
			log.Fatalf("listing images: %v", err)
		}
		if len(paths) == 0 {
			log.Fatalf("no images found in %s", dirPath)
		}
	}

	for _, path := range paths {
		img, err := util.LoadImage(path)
		if err != nil {
			log.Printf("skipping %s: %v", path, err)
			continue
		}

		start := time.Now()
		var stopTiming func()
		if prof != nil {
			stopTiming = prof.StartOperation("detect")
		}
		results, err := session.Detect(img)
		if stopTiming != nil {
			stopTiming()
		}
		if err != nil {
			log.Fatalf("detecting %s: %v", path, err)
		}
		fmt.Printf("%s: %d objects in %.1fms\n", path, len(results), float64(time.Since(start).Microseconds())/1000.0)
		for _, r := range results {
			fmt.Printf("  %-14s %.3f  [%6.1f %6.1f %6.1f %6.1f]\n",
				r.Name, r.Score, r.Box.X1, r.Box.Y1, r.Box.X2, r.Box.Y2)
		}
	}

	metrics := session.Metrics()
	if avg, ok := metrics["average_time_ms"]; ok {
		fmt.Printf("inferences: %d | avg: %.2fms | throughput: %.1f fps\n",
			metrics["inference_count"], avg, metrics["throughput_fps"])
	}
	if prof != nil {
		prof.Report()
	}
}

// loadDetectorConfig resolves the detector config from a YAML file or a
// named preset.
func loadDetectorConfig(configPath, preset string) (ssd.Config, error) {
	if configPath != "" {
		return ssd.LoadConfig(configPath)
	}
	return ssd.Preset(preset)
}

// splitNames parses a comma-separated name list, falling back to
// prefix0..prefixN-1 when the flag is empty.
func splitNames(flagValue, prefix string, scales int) []string {
	if flagValue == "" {
		names := make([]string, scales)
		for i := range names {
			names[i] = fmt.Sprintf("%s%d", prefix, i)
		}
		return names
	}
	parts := strings.Split(flagValue, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		names = append(names, strings.TrimSpace(p))
	}
	return names
}

// parseFeatureMaps parses "38x38,19x19,..." into {height, width} pairs.
func parseFeatureMaps(flagValue string) ([][2]int, error) {
	parts := strings.Split(flagValue, ",")
	maps := make([][2]int, len(parts))
	for i, p := range parts {
		dims := strings.Split(strings.ToLower(strings.TrimSpace(p)), "x")
		if len(dims) != 2 {
			return nil, fmt.Errorf("entry %q is not HxW", p)
		}
		h, err := strconv.Atoi(dims[0])
		if err != nil {
			return nil, fmt.Errorf("entry %q: %v", p, err)
		}
		w, err := strconv.Atoi(dims[1])
		if err != nil {
			return nil, fmt.Errorf("entry %q: %v", p, err)
		}
		maps[i] = [2]int{h, w}
	}
	return maps, nil
}

// defaultFeatureMaps derives the feature map ladder from the anchor steps,
// assuming the usual ceil(input/stride) downsampling.
func defaultFeatureMaps(cfg ssd.Config) [][2]int {
	maps := make([][2]int, len(cfg.Steps))
	for i, step := range cfg.Steps {
		side := int(math.Ceil(float64(cfg.BaseSize) / float64(step)))
		maps[i] = [2]int{side, side}
	}
	return maps
}
