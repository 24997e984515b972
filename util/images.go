// Package util - Filesystem helpers for feeding detectors.
package util

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ListImages returns the decodable image paths in dir, ordered for playback:
// names carrying a trailing frame number (frame-17.jpg, img_003.png) sort
// numerically and come first, the rest sort by name.
//
// Arguments:
//   - dir: Directory path containing image files.
//
// Returns:
//   - []string: Ordered image paths.
//   - error: Error if the directory cannot be read.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "util: reading directory %s", dir)
	}

	type candidate struct {
		path  string
		name  string
		frame int
	}
	var found []candidate
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".jpg", ".jpeg", ".png":
			found = append(found, candidate{
				path:  filepath.Join(dir, entry.Name()),
				name:  entry.Name(),
				frame: frameNumber(entry.Name()),
			})
		}
	}

	sort.SliceStable(found, func(i, j int) bool {
		fi, fj := found[i].frame, found[j].frame
		if fi >= 0 && fj >= 0 && fi != fj {
			return fi < fj
		}
		if (fi >= 0) != (fj >= 0) {
			return fi >= 0
		}
		return found[i].name < found[j].name
	})

	paths := make([]string, len(found))
	for i, c := range found {
		paths[i] = c.path
	}
	return paths, nil
}

// LoadImage opens and decodes a JPEG or PNG file.
//
// Arguments:
//   - path: The image file path.
//
// Returns:
//   - image.Image: The decoded image.
//   - error: Error if the file cannot be opened or decoded.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "util: opening %s", path)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "util: decoding %s", path)
	}
	return img, nil
}

// frameNumber extracts a trailing frame index from a file name. Returns -1
// when the name has none.
func frameNumber(name string) int {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	end := len(base)
	for end > 0 && base[end-1] >= '0' && base[end-1] <= '9' {
		end--
	}
	if end == len(base) {
		return -1
	}
	n, err := strconv.Atoi(base[end:])
	if err != nil {
		return -1
	}
	return n
}
