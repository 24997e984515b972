package inference

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// PrepareInput converts an image into the planar CHW float32 layout the
// detector consumes: the image is resized to size x size with Lanczos3,
// split into R, G and B planes and scaled into [0, 1].
//
// Arguments:
//   - img: The image to prepare.
//   - size: The square input resolution of the model.
//   - dst: The destination buffer, at least 3*size*size floats. Passing the
//     session input tensor's data slice fills the tensor in place.
//
// Returns:
//   - error: An error if dst cannot hold the three channel planes.
func PrepareInput(img image.Image, size int, dst []float32) error {
	channelSize := size * size
	if len(dst) < channelSize*3 {
		return errors.Errorf("inference: destination holds %d floats, needs %d (make sure it's the right shape)",
			len(dst), channelSize*3)
	}
	red := dst[0:channelSize]
	green := dst[channelSize : channelSize*2]
	blue := dst[channelSize*2 : channelSize*3]

	img = resize.Resize(uint(size), uint(size), img, resize.Lanczos3)

	i := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			red[i] = float32(r>>8) / 255.0
			green[i] = float32(g>>8) / 255.0
			blue[i] = float32(b>>8) / 255.0
			i++
		}
	}
	return nil
}
