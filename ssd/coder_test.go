package ssd

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-ssd/boxes"
)

func TestNewBoxCoderRejectsNonPositiveStds(t *testing.T) {
	_, err := NewBoxCoder([4]float32{0.1, 0, 0.2, 0.2})
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "stds", cfgErr.Field)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	coder, err := NewBoxCoder(DefaultStds)
	require.NoError(t, err)

	tests := []struct {
		name   string
		gt     boxes.Box
		anchor boxes.CenterBox
	}{
		{
			name:   "ground truth around a centered anchor",
			gt:     boxes.Box{X1: 0.1, Y1: 0.1, X2: 0.9, Y2: 0.9},
			anchor: boxes.CenterBox{CX: 0.5, CY: 0.5, W: 0.2828427, H: 0.2828427},
		},
		{
			name:   "small box far from the anchor",
			gt:     boxes.Box{X1: 0.7, Y1: 0.65, X2: 0.75, Y2: 0.72},
			anchor: boxes.CenterBox{CX: 0.25, CY: 0.25, W: 0.1, H: 0.1},
		},
		{
			name:   "anchor hanging off the image edge",
			gt:     boxes.Box{X1: 0.0, Y1: 0.0, X2: 0.3, Y2: 0.2},
			anchor: boxes.CenterBox{CX: 0.05, CY: 0.05, W: 0.4, H: 0.4},
		},
		{
			name:   "elongated ground truth",
			gt:     boxes.Box{X1: 0.2, Y1: 0.45, X2: 0.8, Y2: 0.55},
			anchor: boxes.CenterBox{CX: 0.5, CY: 0.5, W: 0.3, H: 0.3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := coder.Decode(coder.Encode(tt.gt, tt.anchor), tt.anchor)
			assert.InDelta(t, tt.gt.X1, got.X1, 1e-4)
			assert.InDelta(t, tt.gt.Y1, got.Y1, 1e-4)
			assert.InDelta(t, tt.gt.X2, got.X2, 1e-4)
			assert.InDelta(t, tt.gt.Y2, got.Y2, 1e-4)
		})
	}
}

func TestEncodeDecodeRoundTripCustomStds(t *testing.T) {
	coder, err := NewBoxCoder([4]float32{1, 1, 1, 1})
	require.NoError(t, err)

	gt := boxes.Box{X1: 0.12, Y1: 0.3, X2: 0.5, Y2: 0.66}
	anchor := boxes.CenterBox{CX: 0.4, CY: 0.4, W: 0.25, H: 0.25}
	got := coder.Decode(coder.Encode(gt, anchor), anchor)
	assert.InDelta(t, gt.X1, got.X1, 1e-4)
	assert.InDelta(t, gt.Y1, got.Y1, 1e-4)
	assert.InDelta(t, gt.X2, got.X2, 1e-4)
	assert.InDelta(t, gt.Y2, got.Y2, 1e-4)
}

func TestDecodeZeroOffsetReturnsAnchor(t *testing.T) {
	coder, err := NewBoxCoder(DefaultStds)
	require.NoError(t, err)

	anchor := boxes.CenterBox{CX: 0.5, CY: 0.5, W: 0.2, H: 0.4}
	got := coder.Decode([4]float32{}, anchor)
	want := anchor.Corner()
	assert.InDelta(t, want.X1, got.X1, 1e-6)
	assert.InDelta(t, want.Y1, got.Y1, 1e-6)
	assert.InDelta(t, want.X2, got.X2, 1e-6)
	assert.InDelta(t, want.Y2, got.Y2, 1e-6)
}

func TestDecodeClass(t *testing.T) {
	tests := []struct {
		name      string
		probs     []float32
		wantClass int
		wantScore float32
	}{
		{
			name:      "foreground wins",
			probs:     []float32{0.1, 0.2, 0.7},
			wantClass: 1,
			wantScore: 0.7,
		},
		{
			name:      "background majority never competes",
			probs:     []float32{0.9, 0.04, 0.06},
			wantClass: 1,
			wantScore: 0.06,
		},
		{
			name:      "tie goes to the lowest class id",
			probs:     []float32{0.5, 0.25, 0.25},
			wantClass: 0,
			wantScore: 0.25,
		},
		{
			name:      "single foreground class",
			probs:     []float32{0.99, 0.01},
			wantClass: 0,
			wantScore: 0.01,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, score := DecodeClass(tt.probs)
			assert.Equal(t, tt.wantClass, id)
			assert.InDelta(t, tt.wantScore, score, 1e-6)
		})
	}
}

func TestSoftmax(t *testing.T) {
	src := []float32{1, 2, 3}
	dst := make([]float32, 3)
	Softmax(dst, src)

	var sum float32
	for _, v := range dst {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
	assert.Greater(t, dst[2], dst[1])
	assert.Greater(t, dst[1], dst[0])
}

func TestSoftmaxLargeLogitsStayFinite(t *testing.T) {
	src := []float32{1000, 999, 998}
	dst := make([]float32, 3)
	Softmax(dst, src)

	var sum float32
	for _, v := range dst {
		require.False(t, math.IsNaN(float64(v)))
		require.False(t, math.IsInf(float64(v), 0))
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestSoftmaxInPlace(t *testing.T) {
	buf := []float32{0, 0, 0, 0}
	Softmax(buf, buf)
	for _, v := range buf {
		assert.InDelta(t, 0.25, v, 1e-6)
	}
}
