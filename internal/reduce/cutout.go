package reduce

import (
	"fmt"
	"math"
	"sort"

	"photrack/internal/ccd"
)

// Cutout is a rectangular block of pixels lifted out of a window,
// converted to float64 and carrying enough geometry to map indices
// back to unbinned detector coordinates.
type Cutout struct {
	X0, Y0     float64 // centre of pixel (0,0)
	XBin, YBin int
	NX, NY     int
	Data       []float64 // row-major
	Clipped    bool      // requested box extended past a window edge
}

// NewCutout extracts the pixels whose centres lie within half unbinned
// pixels of (x, y) along each axis, clamped to the window. Returns
// ErrTooFewPixels when the box misses the window entirely.
func NewCutout(w *ccd.Window, x, y, half float64) (*Cutout, error) {
	ix0 := int(math.Ceil(w.XIndex(x - half)))
	ix1 := int(math.Floor(w.XIndex(x + half)))
	iy0 := int(math.Ceil(w.YIndex(y - half)))
	iy1 := int(math.Floor(w.YIndex(y + half)))

	clipped := false
	if ix0 < 0 {
		ix0, clipped = 0, true
	}
	if ix1 > w.NX-1 {
		ix1, clipped = w.NX-1, true
	}
	if iy0 < 0 {
		iy0, clipped = 0, true
	}
	if iy1 > w.NY-1 {
		iy1, clipped = w.NY-1, true
	}
	if ix0 > ix1 || iy0 > iy1 {
		return nil, fmt.Errorf("cutout at (%.1f, %.1f): %w", x, y, ErrTooFewPixels)
	}

	nx := ix1 - ix0 + 1
	ny := iy1 - iy0 + 1
	c := &Cutout{
		X0:      w.XOf(ix0),
		Y0:      w.YOf(iy0),
		XBin:    w.XBin,
		YBin:    w.YBin,
		NX:      nx,
		NY:      ny,
		Data:    make([]float64, nx*ny),
		Clipped: clipped,
	}
	for iy := 0; iy < ny; iy++ {
		for ix := 0; ix < nx; ix++ {
			c.Data[iy*nx+ix] = float64(w.At(ix0+ix, iy0+iy))
		}
	}
	return c, nil
}

// XAt returns the unbinned x coordinate of column ix.
func (c *Cutout) XAt(ix int) float64 { return c.X0 + float64(c.XBin)*float64(ix) }

// YAt returns the unbinned y coordinate of row iy.
func (c *Cutout) YAt(iy int) float64 { return c.Y0 + float64(c.YBin)*float64(iy) }

// At returns the pixel value at binned column ix, row iy.
func (c *Cutout) At(ix, iy int) float64 { return c.Data[iy*c.NX+ix] }

// Median returns the median pixel value of the cutout.
func (c *Cutout) Median() float64 { return median(c.Data) }

// median of a slice, averaging the central pair for even lengths. The
// input is not modified.
func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return 0.5 * (sorted[n/2-1] + sorted[n/2])
}
