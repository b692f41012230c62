package reduce

import (
	"errors"
	"math"
	"testing"

	"photrack/internal/ccd"
)

func TestNewCutoutGeometry(t *testing.T) {
	w, err := ccd.NewWindow(1, 1, 1, 1, 40, 40)
	if err != nil {
		t.Fatalf("NewWindow: %v", err)
	}
	for iy := 0; iy < 40; iy++ {
		for ix := 0; ix < 40; ix++ {
			w.Set(ix, iy, float32(ix+100*iy))
		}
	}

	c, err := NewCutout(w, 20, 20, 5)
	if err != nil {
		t.Fatalf("NewCutout: %v", err)
	}
	if c.Clipped {
		t.Fatalf("expected unclipped cutout")
	}
	if c.NX != 11 || c.NY != 11 {
		t.Fatalf("expected 11x11 cutout, got %dx%d", c.NX, c.NY)
	}
	if c.X0 != 15 || c.Y0 != 15 {
		t.Fatalf("expected origin at (15, 15), got (%g, %g)", c.X0, c.Y0)
	}
	if c.XAt(5) != 20 || c.YAt(5) != 20 {
		t.Fatalf("expected centre pixel at (20, 20), got (%g, %g)", c.XAt(5), c.YAt(5))
	}
	if got := c.At(0, 0); got != 14+100*14 {
		t.Fatalf("expected detector pixel (15, 15) value %d, got %g", 14+100*14, got)
	}
	if got := c.At(3, 7); got != 17+100*21 {
		t.Fatalf("expected value %d at (3, 7), got %g", 17+100*21, got)
	}
}

func TestNewCutoutBinned(t *testing.T) {
	w, err := ccd.NewWindow(1, 1, 2, 2, 10, 10)
	if err != nil {
		t.Fatalf("NewWindow: %v", err)
	}
	c, err := NewCutout(w, 10.5, 10.5, 4)
	if err != nil {
		t.Fatalf("NewCutout: %v", err)
	}
	if c.NX != 4 || c.NY != 4 {
		t.Fatalf("expected 4x4 binned cutout, got %dx%d", c.NX, c.NY)
	}
	if c.X0 != 7.5 || c.XBin != 2 {
		t.Fatalf("expected origin 7.5 with bin 2, got %g bin %d", c.X0, c.XBin)
	}
	if got := c.XAt(1); got != 9.5 {
		t.Fatalf("expected column 1 at x=9.5, got %g", got)
	}
}

func TestNewCutoutClipsAtEdge(t *testing.T) {
	w, err := ccd.NewWindow(1, 1, 1, 1, 40, 40)
	if err != nil {
		t.Fatalf("NewWindow: %v", err)
	}
	c, err := NewCutout(w, 3, 3, 5)
	if err != nil {
		t.Fatalf("NewCutout: %v", err)
	}
	if !c.Clipped {
		t.Fatalf("expected clipped flag near the window edge")
	}
	if c.NX != 8 || c.NY != 8 {
		t.Fatalf("expected 8x8 after clamping, got %dx%d", c.NX, c.NY)
	}
	if c.X0 != 1 || c.Y0 != 1 {
		t.Fatalf("expected origin at window corner (1, 1), got (%g, %g)", c.X0, c.Y0)
	}
}

func TestNewCutoutMissesWindow(t *testing.T) {
	w, err := ccd.NewWindow(1, 1, 1, 1, 40, 40)
	if err != nil {
		t.Fatalf("NewWindow: %v", err)
	}
	if _, err := NewCutout(w, 200, 200, 5); !errors.Is(err, ErrTooFewPixels) {
		t.Fatalf("expected ErrTooFewPixels, got %v", err)
	}
}

func TestCutoutMedian(t *testing.T) {
	c := &Cutout{X0: 1, Y0: 1, XBin: 1, YBin: 1, NX: 2, NY: 2, Data: []float64{4, 1, 3, 2}}
	if got := c.Median(); math.Abs(got-2.5) > 1e-12 {
		t.Fatalf("expected median 2.5, got %g", got)
	}
	c.Data = []float64{9, 1, 5, 2}
	c.Data = append(c.Data, 7)
	c.NX, c.NY = 5, 1
	if got := c.Median(); got != 5 {
		t.Fatalf("expected median 5, got %g", got)
	}
}
