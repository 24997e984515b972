package inference

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-ssd/ssd"
)

// testHead builds a single-scale head so config validation has real scale
// counts to check against.
func testHead(t *testing.T) *ssd.Head {
	t.Helper()
	h, err := ssd.New(ssd.Config{
		Classes:  []string{"object"},
		BaseSize: 10,
		Sizes:    []float32{2, 4},
		Ratios:   [][]float32{{1}},
		Steps:    []float32{10},
	})
	require.NoError(t, err)
	return h
}

func validSessionConfig() Config {
	return Config{
		ModelPath:   "model.onnx",
		ClsOutputs:  []string{"cls0"},
		BoxOutputs:  []string{"box0"},
		FeatureMaps: [][2]int{{1, 1}},
	}
}

func TestNewSessionRequiresHead(t *testing.T) {
	_, err := NewSession(nil, validSessionConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "head is required")
}

func TestNewSessionValidatesConfig(t *testing.T) {
	head := testHead(t)

	cases := []struct {
		name    string
		mutate  func(*Config)
		message string
	}{
		{
			name:    "missing model path",
			mutate:  func(c *Config) { c.ModelPath = "" },
			message: "model_path is required",
		},
		{
			name:    "wrong output count",
			mutate:  func(c *Config) { c.ClsOutputs = []string{"cls0", "cls1"} },
			message: "names 2 cls",
		},
		{
			name:    "wrong feature map count",
			mutate:  func(c *Config) { c.FeatureMaps = [][2]int{{1, 1}, {2, 2}} },
			message: "lists 2 feature maps",
		},
		{
			name:    "zero feature map dimension",
			mutate:  func(c *Config) { c.FeatureMaps = [][2]int{{0, 1}} },
			message: "must be positive",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Provider = "tpu" },
			message: "unknown provider",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validSessionConfig()
			tc.mutate(&cfg)
			_, err := NewSession(head, cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.message)
		})
	}
}

func TestNewSessionMissingLibrary(t *testing.T) {
	cfg := validSessionConfig()
	cfg.LibraryPath = filepath.Join(t.TempDir(), "libonnxruntime.so")

	_, err := NewSession(testHead(t), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "onnxruntime library not found")
}

func TestDefaultLibraryPath(t *testing.T) {
	path, err := DefaultLibraryPath()
	switch runtime.GOOS {
	case "linux", "darwin":
		require.NoError(t, err)
		assert.Contains(t, path, "third_party/")
	default:
		if err != nil {
			t.Skipf("no bundled library for %s/%s", runtime.GOOS, runtime.GOARCH)
		}
	}
}
