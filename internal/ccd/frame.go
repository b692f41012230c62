package ccd

import (
	"fmt"
	"time"
)

// CCD is one detector's set of windows together with the per-detector header
// constants needed for photometry. Windows keep their insertion order, which
// follows the readout order of the instrument.
type CCD struct {
	Label     string
	NSkip     int     // exposures skipped between reads of this detector
	Gain      float64 // electrons per ADU
	ReadNoise float64 // RMS ADU

	labels  []string
	windows map[string]*Window
}

// NewCCD returns an empty detector with the given header constants.
func NewCCD(label string, nskip int, gain, readNoise float64) *CCD {
	return &CCD{
		Label:     label,
		NSkip:     nskip,
		Gain:      gain,
		ReadNoise: readNoise,
		windows:   make(map[string]*Window),
	}
}

// AddWindow registers w under the given label, keeping insertion order.
func (c *CCD) AddWindow(label string, w *Window) error {
	if _, ok := c.windows[label]; ok {
		return fmt.Errorf("%w: window %q on CCD %q", ErrDuplicateLabel, label, c.Label)
	}
	c.labels = append(c.labels, label)
	c.windows[label] = w
	return nil
}

// Window returns the window registered under label.
func (c *CCD) Window(label string) (*Window, bool) {
	w, ok := c.windows[label]
	return w, ok
}

// Labels returns the window labels in insertion order. The returned slice
// must not be modified.
func (c *CCD) Labels() []string {
	return c.labels
}

// Find returns the label and window containing the unbinned coordinate
// (x, y), or ok == false if the coordinate lies outside every window.
func (c *CCD) Find(x, y float64) (string, *Window, bool) {
	for _, label := range c.labels {
		if w := c.windows[label]; w.Contains(x, y) {
			return label, w, true
		}
	}
	return "", nil, false
}

// SameLayout reports whether two detectors expose the same windows, by label
// and geometry, in the same order.
func (c *CCD) SameLayout(o *CCD) bool {
	if len(c.labels) != len(o.labels) {
		return false
	}
	for i, label := range c.labels {
		if o.labels[i] != label {
			return false
		}
		if !c.windows[label].SameGeometry(o.windows[label]) {
			return false
		}
	}
	return true
}

// Copy returns a deep copy of the detector, windows included.
func (c *CCD) Copy() *CCD {
	n := NewCCD(c.Label, c.NSkip, c.Gain, c.ReadNoise)
	for _, label := range c.labels {
		n.labels = append(n.labels, label)
		n.windows[label] = c.windows[label].Copy()
	}
	return n
}

// Frame is one exposure: an ordered collection of detectors plus frame-level
// metadata. Frames are produced by a source, read by the reduction, and never
// mutated after calibration.
type Frame struct {
	Index   int       // 1-based frame number within the run
	Time    time.Time // mid-exposure timestamp
	Exptime float64   // exposure length, seconds

	labels []string
	ccds   map[string]*CCD
}

// NewFrame returns an empty frame.
func NewFrame(index int, t time.Time, exptime float64) *Frame {
	return &Frame{
		Index:   index,
		Time:    t,
		Exptime: exptime,
		ccds:    make(map[string]*CCD),
	}
}

// AddCCD registers a detector, keeping insertion order.
func (f *Frame) AddCCD(c *CCD) error {
	if _, ok := f.ccds[c.Label]; ok {
		return fmt.Errorf("%w: CCD %q", ErrDuplicateLabel, c.Label)
	}
	f.labels = append(f.labels, c.Label)
	f.ccds[c.Label] = c
	return nil
}

// CCD returns the detector registered under label.
func (f *Frame) CCD(label string) (*CCD, bool) {
	c, ok := f.ccds[label]
	return c, ok
}

// Labels returns the detector labels in insertion order. The returned slice
// must not be modified.
func (f *Frame) Labels() []string {
	return f.labels
}

// SameLayout reports whether two frames expose the same detectors and window
// layouts. Only pixel content may differ between frames of one run; anything
// else is a format error.
func (f *Frame) SameLayout(o *Frame) error {
	if len(f.labels) != len(o.labels) {
		return fmt.Errorf("%w: %d CCDs vs %d", ErrLayoutMismatch, len(f.labels), len(o.labels))
	}
	for i, label := range f.labels {
		if o.labels[i] != label {
			return fmt.Errorf("%w: CCD %q vs %q", ErrLayoutMismatch, label, o.labels[i])
		}
		if !f.ccds[label].SameLayout(o.ccds[label]) {
			return fmt.Errorf("%w: CCD %q windows differ", ErrLayoutMismatch, label)
		}
	}
	return nil
}
