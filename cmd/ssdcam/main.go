// Command ssdcam runs SSD detection on a live camera feed.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"log"
	"math"
	"time"

	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-ssd/inference"
	"github.com/nvr-ai/go-ssd/ssd"
)

func main() {
	var (
		deviceID    int
		modelPath   string
		preset      string
		libraryPath string
		confThresh  float64
	)
	flag.IntVar(&deviceID, "device", 0, "Video capture device ID")
	flag.StringVar(&modelPath, "model", "", "Path to the exported SSD ONNX model")
	flag.StringVar(&preset, "preset", "voc300", "Detector preset: voc300 or voc512")
	flag.StringVar(&libraryPath, "lib", "", "Path to the onnxruntime shared library")
	flag.Float64Var(&confThresh, "confidence", 0.5, "Minimum score to draw a detection")
	flag.Parse()

	if modelPath == "" {
		log.Fatal("missing required -model flag")
	}

	cfg, err := ssd.Preset(preset)
	if err != nil {
		log.Fatalf("resolving preset: %v", err)
	}
	if confThresh > 0 {
		cfg.ConfThresh = float32(confThresh)
	}

	head, err := ssd.New(cfg)
	if err != nil {
		log.Fatalf("building detection head: %v", err)
	}
	session, err := inference.NewSession(head, inference.Config{
		ModelPath:   modelPath,
		LibraryPath: libraryPath,
		ClsOutputs:  scaleNames("cls", head.NumScales()),
		BoxOutputs:  scaleNames("box", head.NumScales()),
		FeatureMaps: featureMapsFor(cfg),
	})
	if err != nil {
		log.Fatalf("creating session: %v", err)
	}
	defer session.Close()

	// open webcam
	webcam, err := gocv.OpenVideoCapture(deviceID)
	if err != nil {
		log.Fatalf("opening capture device %v: %v", deviceID, err)
	}
	defer webcam.Close()

	// open display window
	window := gocv.NewWindow("SSD Detect")
	defer window.Close()

	// prepare image matrix
	img := gocv.NewMat()
	defer img.Close()

	green := color.RGBA{0, 255, 0, 0}

	// FPS tracking variables
	fps := 0.0
	frameCount := 0
	lastTime := time.Now()

	fmt.Printf("start reading camera device: %v\n", deviceID)
	for {
		if ok := webcam.Read(&img); !ok {
			fmt.Printf("cannot read device %v\n", deviceID)
			return
		}
		if img.Empty() {
			continue
		}

		frame, err := img.ToImage()
		if err != nil {
			log.Printf("converting frame: %v", err)
			continue
		}
		results, err := session.Detect(frame)
		if err != nil {
			log.Fatalf("detecting: %v", err)
		}

		// Update FPS calculation
		frameCount++
		currentTime := time.Now()
		elapsed := currentTime.Sub(lastTime).Seconds()
		if elapsed >= 1.0 {
			fps = float64(frameCount) / elapsed
			frameCount = 0
			lastTime = currentTime
		}

		fmt.Printf("found %d objects | FPS: %.2f\n", len(results), fps)

		// draw a rectangle and label around each detection
		for _, r := range results {
			rect := image.Rect(int(r.Box.X1), int(r.Box.Y1), int(r.Box.X2), int(r.Box.Y2))
			gocv.Rectangle(&img, rect, green, 2)
			label := fmt.Sprintf("%s %.2f", r.Name, r.Score)
			gocv.PutText(&img, label, image.Pt(rect.Min.X, rect.Min.Y-5), gocv.FontHersheyPlain, 1.2, green, 2)
		}

		// show the image in the window, and wait 1 millisecond
		window.IMShow(img)
		window.WaitKey(1)
	}
}

// scaleNames returns prefix0..prefixN-1 matching the export's output names.
func scaleNames(prefix string, scales int) []string {
	names := make([]string, scales)
	for i := range names {
		names[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return names
}

// featureMapsFor derives the feature map ladder from the anchor steps,
// assuming the usual ceil(input/stride) downsampling.
func featureMapsFor(cfg ssd.Config) [][2]int {
	maps := make([][2]int, len(cfg.Steps))
	for i, step := range cfg.Steps {
		side := int(math.Ceil(float64(cfg.BaseSize) / float64(step)))
		maps[i] = [2]int{side, side}
	}
	return maps
}
