// Package ccd models multi-window CCD frames: rectangular readout windows
// with binning, grouped per detector, plus the coordinate arithmetic between
// unbinned detector pixels and binned buffer indices.
package ccd

import (
	"errors"
	"fmt"
)

var (
	// ErrLayoutMismatch reports a frame whose window layout differs from the
	// one established at the start of a run.
	ErrLayoutMismatch = errors.New("window layout mismatch")

	// ErrDuplicateLabel reports an attempt to register two windows or
	// detectors under the same label.
	ErrDuplicateLabel = errors.New("duplicate label")
)

// Window is one rectangular readout window on a detector. Coordinates follow
// the instrument convention: the detector is indexed by 1-based unbinned
// pixels, LLX/LLY name the unbinned pixel at the window's lower-left corner,
// and the data buffer holds NY rows by NX columns of binned pixels.
type Window struct {
	LLX  int // leftmost unbinned pixel covered, 1-based
	LLY  int // lowest unbinned pixel covered, 1-based
	XBin int // binning factor in x
	YBin int // binning factor in y
	NX   int // binned columns
	NY   int // binned rows

	// Data is row-major: the pixel at binned column ix, row iy is
	// Data[iy*NX+ix]. Values are in ADU.
	Data []float32
}

// NewWindow allocates a zeroed window with the given geometry.
func NewWindow(llx, lly, xbin, ybin, nx, ny int) (*Window, error) {
	if xbin < 1 || ybin < 1 {
		return nil, fmt.Errorf("invalid binning %dx%d", xbin, ybin)
	}
	if nx < 1 || ny < 1 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", nx, ny)
	}
	return &Window{
		LLX: llx, LLY: lly,
		XBin: xbin, YBin: ybin,
		NX: nx, NY: ny,
		Data: make([]float32, nx*ny),
	}, nil
}

// At returns the value of the binned pixel at column ix, row iy.
func (w *Window) At(ix, iy int) float32 {
	return w.Data[iy*w.NX+ix]
}

// Set stores v at binned column ix, row iy.
func (w *Window) Set(ix, iy int, v float32) {
	w.Data[iy*w.NX+ix] = v
}

// XOf returns the unbinned x coordinate of the centre of binned column ix.
// With XBin == 1 the first column maps exactly to LLX.
func (w *Window) XOf(ix int) float64 {
	return float64(w.LLX) + float64(w.XBin)*(float64(ix)+0.5) - 0.5
}

// YOf returns the unbinned y coordinate of the centre of binned row iy.
func (w *Window) YOf(iy int) float64 {
	return float64(w.LLY) + float64(w.YBin)*(float64(iy)+0.5) - 0.5
}

// XIndex returns the fractional binned column corresponding to unbinned x.
// It inverts XOf; integer values land on pixel centres.
func (w *Window) XIndex(x float64) float64 {
	return (x-float64(w.LLX)+0.5)/float64(w.XBin) - 0.5
}

// YIndex returns the fractional binned row corresponding to unbinned y.
func (w *Window) YIndex(y float64) float64 {
	return (y-float64(w.LLY)+0.5)/float64(w.YBin) - 0.5
}

// Contains reports whether the unbinned coordinate (x, y) falls inside the
// area covered by the window, edges included.
func (w *Window) Contains(x, y float64) bool {
	xlo, ylo, xhi, yhi := w.Bounds()
	return x >= xlo && x <= xhi && y >= ylo && y <= yhi
}

// Bounds returns the unbinned coordinate range covered by the window,
// from the outer edge of the first pixel to the outer edge of the last.
func (w *Window) Bounds() (xlo, ylo, xhi, yhi float64) {
	xlo = float64(w.LLX) - 0.5
	ylo = float64(w.LLY) - 0.5
	xhi = float64(w.LLX+w.XBin*w.NX) - 0.5
	yhi = float64(w.LLY+w.YBin*w.NY) - 0.5
	return
}

// SameGeometry reports whether two windows cover the same detector area with
// the same binning. Pixel content is not compared.
func (w *Window) SameGeometry(o *Window) bool {
	return w.LLX == o.LLX && w.LLY == o.LLY &&
		w.XBin == o.XBin && w.YBin == o.YBin &&
		w.NX == o.NX && w.NY == o.NY
}

// Copy returns a deep copy of the window.
func (w *Window) Copy() *Window {
	c := *w
	c.Data = make([]float32, len(w.Data))
	copy(c.Data, w.Data)
	return &c
}
