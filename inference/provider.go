package inference

import (
	"runtime"

	"github.com/pkg/errors"
)

// DefaultLibraryPath returns the bundled onnxruntime shared library for the
// current platform, relative to the working directory.
//
// Returns:
//   - string: The path to the shared library.
//   - error: An error when no bundled library matches the platform.
func DefaultLibraryPath() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if runtime.GOARCH == "amd64" {
			return "third_party/onnxruntime.dll", nil
		}
	case "darwin":
		if runtime.GOARCH == "arm64" || runtime.GOARCH == "amd64" {
			return "third_party/libonnxruntime.1.23.0.dylib", nil
		}
	case "linux":
		if runtime.GOARCH == "arm64" {
			return "third_party/onnxruntime_arm64.so", nil
		}
		return "third_party/onnxruntime.so", nil
	}
	return "", errors.Errorf("inference: no bundled onnxruntime library for %s/%s, set library_path explicitly",
		runtime.GOOS, runtime.GOARCH)
}
