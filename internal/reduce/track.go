package reduce

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"photrack/internal/aperture"
	"photrack/internal/ccd"
)

var errOutsideWindows = errors.New("position outside all windows")

// SearchParams configures the pre-fit target search.
type SearchParams struct {
	HalfWidth  float64 // search box half width, unbinned pixels
	SmoothFWHM float64 // smoothing FWHM, binned pixels
	SmoothFFT  bool    // convolve via FFT instead of directly
}

// TrackParams configures profile fitting and position updates.
type TrackParams struct {
	Method       FitMethod
	FWHM         float64 // starting FWHM, unbinned pixels
	FWHMMin      float64
	FWHMFixed    bool
	Beta         float64 // starting Moffat exponent
	BetaMax      float64
	NDiv         int     // sub-pixel averaging factor for fits
	HalfWidth    float64 // fit box half width, unbinned pixels
	Thresh       float64 // RMS rejection threshold for fit pixels
	HeightMinRef float64 // acceptance floor, reference apertures
	HeightMinNRF float64 // acceptance floor, non-reference apertures
	MaxShift     float64 // cap on non-reference shifts from prediction
	Alpha        float64 // fraction of measured shift applied, (0, 1]
	Diff         float64 // max differential shift between references
}

// Resize selects whether aperture radii follow the seeing.
type Resize int

const (
	ResizeFixed Resize = iota
	ResizeVariable
)

// ParseResize maps a config token to a Resize mode.
func ParseResize(s string) (Resize, error) {
	switch s {
	case "fixed":
		return ResizeFixed, nil
	case "variable":
		return ResizeVariable, nil
	}
	return 0, fmt.Errorf("unknown resize mode %q (want fixed or variable)", s)
}

func (r Resize) String() string {
	if r == ResizeVariable {
		return "variable"
	}
	return "fixed"
}

// ExtractMethod selects straight or profile-weighted summation.
type ExtractMethod int

const (
	ExtractNormal ExtractMethod = iota
	ExtractOptimal
)

// ParseExtractMethod maps a config token to an ExtractMethod.
func ParseExtractMethod(s string) (ExtractMethod, error) {
	switch s {
	case "normal":
		return ExtractNormal, nil
	case "optimal":
		return ExtractOptimal, nil
	}
	return 0, fmt.Errorf("unknown extraction method %q (want normal or optimal)", s)
}

func (m ExtractMethod) String() string {
	if m == ExtractOptimal {
		return "optimal"
	}
	return "normal"
}

// RadiusScale converts a fitted FWHM into an aperture radius: the FWHM
// is scaled by Fac then clamped into [Min, Max] unbinned pixels. Fixed
// apertures only apply the clamp.
type RadiusScale struct {
	Fac, Min, Max float64
}

// Scale returns the radius for a given FWHM.
func (r RadiusScale) Scale(fwhm float64) float64 { return clamp(r.Fac*fwhm, r.Min, r.Max) }

// Bound clamps an existing radius into the configured range.
func (r RadiusScale) Bound(v float64) float64 { return clamp(v, r.Min, r.Max) }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ExtractParams is the per-CCD extraction line: resize mode, summation
// method and the three radius scalings (target, inner sky, outer sky).
type ExtractParams struct {
	Resize Resize
	Method ExtractMethod
	R      RadiusScale
	SInner RadiusScale
	SOuter RadiusScale
}

// TrackOutcome is what one tracking pass produced for one CCD.
type TrackOutcome struct {
	Aborted        bool    // reference shifts diverged, positions held
	ShiftX, ShiftY float64 // consensus reference shift
	NRef           int     // references contributing to the consensus
	FWHM           float64 // running mean FWHM used for resizing
	Fits           map[string]*FitResult
	Status         map[string]Status
}

// Tracker re-locates the apertures of one CCD frame by frame. It owns
// the aperture set it was built with and mutates positions and radii
// in place; per-CCD seeing history persists across frames for the
// lifetime of the tracker.
type Tracker struct {
	label    string
	apers    *aperture.Set
	fixed    bool // hold all positions, skip search and fit
	search   SearchParams
	track    TrackParams
	extract  ExtractParams
	smoother *Smoother
	log      *slog.Logger

	// seeing history, frozen across frames with no accepted fits
	fwhm float64
	beta float64
}

// NewTracker validates the aperture set and prepares per-CCD tracking
// state. With fixed set no searching or fitting happens and positions
// come straight from the aperture set. Fixed-resize radii are clamped
// into their configured bounds immediately.
func NewTracker(label string, apers *aperture.Set, fixed bool, search SearchParams, track TrackParams, extract ExtractParams, log *slog.Logger) (*Tracker, error) {
	if err := apers.Validate(); err != nil {
		return nil, fmt.Errorf("ccd %s apertures: %w", label, err)
	}
	sm, err := NewSmoother(search.SmoothFWHM, search.SmoothFFT)
	if err != nil {
		return nil, fmt.Errorf("ccd %s: %w", label, err)
	}
	t := &Tracker{
		label:    label,
		apers:    apers,
		fixed:    fixed,
		search:   search,
		track:    track,
		extract:  extract,
		smoother: sm,
		log:      log,
		fwhm:     track.FWHM,
		beta:     track.Beta,
	}
	if extract.Resize == ResizeFixed {
		for _, label := range apers.Labels() {
			a, _ := apers.Get(label)
			a.R1 = extract.R.Bound(a.R1)
			a.R2 = extract.SInner.Bound(a.R2)
			a.R3 = extract.SOuter.Bound(a.R3)
		}
	}
	return t, nil
}

// Apertures exposes the tracked set, positions current as of the last
// Track call.
func (t *Tracker) Apertures() *aperture.Set { return t.apers }

// Track runs one frame of repositioning: reference search and fit,
// consensus shift with a divergence guard, predicted and damped
// non-reference updates, then variable resizing. Linked apertures are
// never fitted; they follow their parents through position resolution.
func (t *Tracker) Track(c *ccd.CCD) *TrackOutcome {
	out := &TrackOutcome{
		FWHM:   t.fwhm,
		Fits:   make(map[string]*FitResult),
		Status: make(map[string]Status),
	}
	if t.fixed {
		return out
	}

	// Reference pass establishes the consensus shift.
	type refShift struct{ dx, dy float64 }
	var shifts []refShift
	for _, label := range t.apers.Labels() {
		a, _ := t.apers.Get(label)
		if !a.Ref || a.Linked() {
			continue
		}
		fit, err := t.locate(c, a.X, a.Y, t.track.HeightMinRef)
		if err != nil {
			out.Status[label] |= NoFwhm | NoExtraction
			if errors.Is(err, errOutsideWindows) {
				out.Status[label] |= NoData
			}
			t.log.Warn("reference target lost", "ccd", t.label, "aperture", label, "err", err)
			continue
		}
		out.Fits[label] = fit
		shifts = append(shifts, refShift{fit.X - a.X, fit.Y - a.Y})
	}

	// Consistency check: references must move together.
	if len(shifts) > 1 {
		var maxDiff float64
		for i := 0; i < len(shifts); i++ {
			for j := i + 1; j < len(shifts); j++ {
				d := math.Hypot(shifts[i].dx-shifts[j].dx, shifts[i].dy-shifts[j].dy)
				if d > maxDiff {
					maxDiff = d
				}
			}
		}
		if maxDiff > t.track.Diff {
			out.Aborted = true
			out.Fits = make(map[string]*FitResult)
			for _, label := range t.apers.Labels() {
				out.Status[label] |= NoFwhm | NoExtraction
			}
			t.log.Warn("reference shifts diverged, holding positions",
				"ccd", t.label, "diff", maxDiff, "limit", t.track.Diff)
			return out
		}
	}
	if len(shifts) > 0 {
		for _, s := range shifts {
			out.ShiftX += s.dx
			out.ShiftY += s.dy
		}
		out.ShiftX /= float64(len(shifts))
		out.ShiftY /= float64(len(shifts))
		out.NRef = len(shifts)
	}

	// Accepted references move to their fitted positions, undamped.
	for _, label := range t.apers.Labels() {
		a, _ := t.apers.Get(label)
		if !a.Ref || a.Linked() {
			continue
		}
		if fit, ok := out.Fits[label]; ok {
			a.X, a.Y = fit.X, fit.Y
		}
	}

	// Non-reference pass: search around the prediction, cap the shift,
	// damp the applied update.
	for _, label := range t.apers.Labels() {
		a, _ := t.apers.Get(label)
		if a.Ref || a.Linked() {
			continue
		}
		predX := a.X + out.ShiftX
		predY := a.Y + out.ShiftY
		measX, measY := predX, predY
		fit, err := t.locate(c, predX, predY, t.track.HeightMinNRF)
		switch {
		case err != nil:
			out.Status[label] |= NoFwhm | NoExtraction
			if errors.Is(err, errOutsideWindows) {
				out.Status[label] |= NoData
			}
			t.log.Warn("target lost", "ccd", t.label, "aperture", label, "err", err)
		case math.Hypot(fit.X-predX, fit.Y-predY) > t.track.MaxShift:
			// Fit landed implausibly far from the prediction; trust
			// the prediction instead.
			out.Status[label] |= NoFwhm
			t.log.Warn("fit shifted too far, using prediction",
				"ccd", t.label, "aperture", label,
				"shift", math.Hypot(fit.X-predX, fit.Y-predY), "limit", t.track.MaxShift)
		default:
			out.Fits[label] = fit
			measX, measY = fit.X, fit.Y
		}
		a.X += t.track.Alpha * (measX - a.X)
		a.Y += t.track.Alpha * (measY - a.Y)
	}

	// Seeing history feeds the next frame's fit seeds and this frame's
	// resizing. Frames with no accepted fits keep the previous value.
	if len(out.Fits) > 0 {
		var sumF, sumB float64
		for _, fit := range out.Fits {
			sumF += fit.FWHM
			sumB += fit.Beta
		}
		t.fwhm = sumF / float64(len(out.Fits))
		if t.track.Method == FitMoffat {
			t.beta = sumB / float64(len(out.Fits))
		}
	}
	out.FWHM = t.fwhm

	if t.extract.Resize == ResizeVariable {
		r1 := t.extract.R.Scale(t.fwhm)
		r2 := t.extract.SInner.Scale(t.fwhm)
		r3 := t.extract.SOuter.Scale(t.fwhm)
		for _, label := range t.apers.Labels() {
			a, _ := t.apers.Get(label)
			a.R1, a.R2, a.R3 = r1, r2, r3
		}
	}
	return out
}

// locate searches for a peak near (x, y) and fits the profile around
// it, seeded by the tracker's seeing history.
func (t *Tracker) locate(c *ccd.CCD, x, y, heightMin float64) (*FitResult, error) {
	_, w, ok := c.Find(x, y)
	if !ok {
		return nil, fmt.Errorf("(%.1f, %.1f): %w", x, y, errOutsideWindows)
	}
	sc, err := NewCutout(w, x, y, t.search.HalfWidth)
	if err != nil {
		return nil, err
	}
	px, py, ph, err := searchPeak(sc, t.smoother, x, y, heightMin)
	if err != nil {
		return nil, err
	}
	fc, err := NewCutout(w, px, py, t.track.HalfWidth)
	if err != nil {
		return nil, err
	}
	fit, err := FitProfile(fc, fc.Median(), ph, px, py, FitParams{
		Method:    t.track.Method,
		FWHM:      t.fwhm,
		FWHMMin:   t.track.FWHMMin,
		FWHMFixed: t.track.FWHMFixed,
		Beta:      t.beta,
		BetaMax:   t.track.BetaMax,
		HeightMin: heightMin,
		Thresh:    t.track.Thresh,
		NDiv:      t.track.NDiv,
	})
	if err != nil {
		return nil, err
	}
	if fit.FWHMAtFloor {
		t.log.Warn("fitted width below floor", "ccd", t.label,
			"fwhm", fit.FWHM, "floor", t.track.FWHMMin)
	}
	return &fit, nil
}
