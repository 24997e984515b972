package anchors

import (
	"errors"
	"math"
	"testing"
)

func approx(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-6
}

func TestDepth(t *testing.T) {
	tests := []struct {
		name   string
		ratios []float32
		want   int
	}{
		{name: "ratio 1 only", ratios: []float32{1}, want: 2},
		{name: "voc first scale", ratios: []float32{1, 2}, want: 4},
		{name: "voc middle scale", ratios: []float32{1, 2, 3}, want: 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewGenerator(0, 300, 300, 30, 60, tt.ratios, 8, 4, 4)
			if err != nil {
				t.Fatalf("NewGenerator: %v", err)
			}
			if g.Depth() != tt.want {
				t.Errorf("Depth() = %d, want %d", g.Depth(), tt.want)
			}
			if g.NumAnchors(3, 2) != 3*2*tt.want {
				t.Errorf("NumAnchors(3,2) = %d, want %d", g.NumAnchors(3, 2), 3*2*tt.want)
			}
		})
	}
}

func TestCellLayout(t *testing.T) {
	// 10x10 image, step 10: cell (0,0) is centered at (5,5) -> (0.5, 0.5).
	g, err := NewGenerator(0, 10, 10, 2, 4, []float32{1, 2}, 10, 2, 2)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	if g.Depth() != 4 {
		t.Fatalf("Depth() = %d, want 4", g.Depth())
	}

	flat, err := g.Forward(2, 2)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(flat) != 2*2*4*4 {
		t.Fatalf("Forward len = %d, want %d", len(flat), 2*2*4*4)
	}

	sqrt2 := float32(math.Sqrt(2))
	sqrt8 := float32(math.Sqrt(8))
	want := [][4]float32{
		// slot 0: sqrt(min*max) square, slot 1: min square,
		// slot 2: ratio 2, slot 3: its reciprocal.
		{0.5, 0.5, sqrt8 / 10, sqrt8 / 10},
		{0.5, 0.5, 0.2, 0.2},
		{0.5, 0.5, 2 * sqrt2 / 10, 2 / sqrt2 / 10},
		{0.5, 0.5, 2 / sqrt2 / 10, 2 * sqrt2 / 10},
	}
	for slot, w := range want {
		got := CenterAt(flat, slot)
		if !approx(got.CX, w[0]) || !approx(got.CY, w[1]) || !approx(got.W, w[2]) || !approx(got.H, w[3]) {
			t.Errorf("cell(0,0) slot %d = %+v, want %v", slot, got, w)
		}
	}

	// Row-major ordering: anchor depth..2*depth-1 is cell (row 0, col 1),
	// centered at (15, 5). Centers are not clamped to the image.
	right := CenterAt(flat, 4)
	if !approx(right.CX, 1.5) || !approx(right.CY, 0.5) {
		t.Errorf("cell(0,1) center = (%g, %g), want (1.5, 0.5)", right.CX, right.CY)
	}
	below := CenterAt(flat, 8)
	if !approx(below.CX, 0.5) || !approx(below.CY, 1.5) {
		t.Errorf("cell(1,0) center = (%g, %g), want (0.5, 1.5)", below.CX, below.CY)
	}
}

func TestForwardCropsAllocation(t *testing.T) {
	g, err := NewGenerator(2, 300, 300, 111, 162, []float32{1, 2, 0.5}, 32, 8, 8)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	full, err := g.Forward(8, 8)
	if err != nil {
		t.Fatalf("Forward(8,8): %v", err)
	}
	crop, err := g.Forward(3, 5)
	if err != nil {
		t.Fatalf("Forward(3,5): %v", err)
	}
	if len(crop) != 3*5*g.Depth()*4 {
		t.Fatalf("crop len = %d, want %d", len(crop), 3*5*g.Depth()*4)
	}

	// Every cropped cell must match the same (row, col) cell of the full grid.
	cellFloats := g.Depth() * 4
	for row := 0; row < 3; row++ {
		for col := 0; col < 5; col++ {
			cropOff := (row*5 + col) * cellFloats
			fullOff := (row*8 + col) * cellFloats
			for k := 0; k < cellFloats; k++ {
				if crop[cropOff+k] != full[fullOff+k] {
					t.Fatalf("cell (%d,%d) float %d: crop %g != full %g",
						row, col, k, crop[cropOff+k], full[fullOff+k])
				}
			}
		}
	}
}

func TestForwardRejectsOversizedFeatureMap(t *testing.T) {
	g, err := NewGenerator(0, 300, 300, 30, 60, []float32{1}, 8, 4, 4)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	tests := []struct {
		name   string
		h, w   int
		wantOK bool
	}{
		{name: "exactly allocation", h: 4, w: 4, wantOK: true},
		{name: "rows exceed", h: 5, w: 4},
		{name: "cols exceed", h: 4, w: 5},
		{name: "zero rows", h: 0, w: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Forward(tt.h, tt.w)
			if tt.wantOK {
				if err != nil {
					t.Fatalf("Forward(%d,%d): %v", tt.h, tt.w, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Forward(%d,%d) succeeded, want error", tt.h, tt.w)
			}
			if tt.h > 4 || tt.w > 4 {
				if !errors.Is(err, ErrGridExceeded) {
					t.Errorf("Forward(%d,%d) error = %v, want ErrGridExceeded", tt.h, tt.w, err)
				}
			}
		})
	}
}

func TestNewGeneratorValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func() (*Generator, error)
		wantErr bool
	}{
		{
			name: "valid",
			mutate: func() (*Generator, error) {
				return NewGenerator(0, 300, 300, 30, 60, []float32{1, 2}, 8, 2, 2)
			},
		},
		{
			name: "empty ratios",
			mutate: func() (*Generator, error) {
				return NewGenerator(0, 300, 300, 30, 60, nil, 8, 2, 2)
			},
			wantErr: true,
		},
		{
			name: "first ratio not one",
			mutate: func() (*Generator, error) {
				return NewGenerator(0, 300, 300, 30, 60, []float32{2, 1}, 8, 2, 2)
			},
			wantErr: true,
		},
		{
			name: "negative ratio",
			mutate: func() (*Generator, error) {
				return NewGenerator(0, 300, 300, 30, 60, []float32{1, -2}, 8, 2, 2)
			},
			wantErr: true,
		},
		{
			name: "max below min",
			mutate: func() (*Generator, error) {
				return NewGenerator(0, 300, 300, 60, 30, []float32{1}, 8, 2, 2)
			},
			wantErr: true,
		},
		{
			name: "zero step",
			mutate: func() (*Generator, error) {
				return NewGenerator(0, 300, 300, 30, 60, []float32{1}, 0, 2, 2)
			},
			wantErr: true,
		},
		{
			name: "zero allocation",
			mutate: func() (*Generator, error) {
				return NewGenerator(0, 300, 300, 30, 60, []float32{1}, 8, 0, 2)
			},
			wantErr: true,
		},
		{
			name: "zero image size",
			mutate: func() (*Generator, error) {
				return NewGenerator(0, 0, 300, 30, 60, []float32{1}, 8, 2, 2)
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.mutate()
			if (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestCornersRoundTrip(t *testing.T) {
	g, err := NewGenerator(0, 300, 300, 30, 60, []float32{1, 2}, 8, 3, 3)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	flat, err := g.Forward(3, 3)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	corners := Corners(flat)
	if len(corners) != g.NumAnchors(3, 3) {
		t.Fatalf("Corners len = %d, want %d", len(corners), g.NumAnchors(3, 3))
	}
	for i, c := range corners {
		cb := CenterAt(flat, i)
		back := c.Center()
		if !approx(back.CX, cb.CX) || !approx(back.CY, cb.CY) || !approx(back.W, cb.W) || !approx(back.H, cb.H) {
			t.Fatalf("anchor %d: round trip %+v != %+v", i, back, cb)
		}
	}
}

func BenchmarkForward(b *testing.B) {
	g, err := NewGenerator(0, 300, 300, 30, 60, []float32{1, 2, 0.5}, 8, 128, 128)
	if err != nil {
		b.Fatalf("NewGenerator: %v", err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := g.Forward(38, 38); err != nil {
			b.Fatal(err)
		}
	}
}
