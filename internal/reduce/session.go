package reduce

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"photrack/internal/aperture"
	"photrack/internal/ccd"
)

// Params bundles every knob of one reduction session.
type Params struct {
	LocationFixed bool // hold all aperture positions; no search or fit
	Search        SearchParams
	Track         TrackParams
	Sky           SkyParams
	Extract       map[string]ExtractParams  // per CCD; absent CCDs are not reduced
	Limits        map[string]Limits         // per CCD warn levels
	Regions       map[string]ccd.RegionList // optional per-CCD exclusion regions
	Workers       int                       // CCD fan-out bound, capped at the CCD count
}

// Record is one aperture's measurement on one frame.
type Record struct {
	Frame    int
	Time     time.Time
	CCD      string
	Aperture string
	X, Y     float64
	FWHM     float64 // zero when this aperture was not fitted
	Beta     float64 // zero unless a Moffat fit backed it
	Flux     float64
	FluxVar  float64
	Sky      float64
	SkyVar   float64
	NSky     int
	NRej     int // sky pixels clipped
	NPix     int
	Status   Status
}

// CCDResult is one CCD's outcome for one frame.
type CCDResult struct {
	CCD            string
	Aborted        bool // reference divergence held every position
	ShiftX, ShiftY float64
	NRef           int
	FWHM           float64
	Records        []Record
}

// FrameResult gathers the CCD outcomes of one frame in configuration
// order.
type FrameResult struct {
	Frame int
	Time  time.Time
	CCDs  []CCDResult
}

// Session drives tracking and extraction over one frame sequence. It
// owns a private copy of the aperture collection; positions and radii
// evolve inside it as frames are processed. Frames must arrive in
// order, one Process call at a time. CCDs within a frame are reduced
// concurrently, each by the tracker that exclusively owns its state.
type Session struct {
	sky      SkyParams
	order    []string
	trackers map[string]*Tracker
	extract  map[string]ExtractParams
	limits   map[string]Limits
	regions  map[string]ccd.RegionList
	layout   *ccd.Frame
	workers  int
	log      *slog.Logger
}

// NewSession validates the configuration against the aperture
// collection and builds per-CCD trackers. Only CCDs present in both
// the collection and the extraction config are reduced. All validation
// failures here are fatal; nothing about a running session can repair
// a bad configuration.
func NewSession(col *aperture.Collection, p Params, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := validateParams(p); err != nil {
		return nil, err
	}

	col = col.Copy()
	s := &Session{
		sky:      p.Sky,
		trackers: make(map[string]*Tracker),
		extract:  make(map[string]ExtractParams),
		limits:   p.Limits,
		regions:  p.Regions,
		log:      log,
	}
	for _, label := range col.CCDs() {
		ep, ok := p.Extract[label]
		if !ok {
			log.Warn("no extraction entry for CCD, skipping", "ccd", label)
			continue
		}
		if p.LocationFixed {
			if ep.Resize == ResizeVariable {
				return nil, fmt.Errorf("ccd %s: variable aperture sizes need profile fits but location is fixed", label)
			}
			if ep.Method == ExtractOptimal {
				return nil, fmt.Errorf("ccd %s: optimal extraction needs profile fits but location is fixed", label)
			}
		}
		if err := validateScales(label, ep); err != nil {
			return nil, err
		}
		set, _ := col.Get(label)
		tr, err := NewTracker(label, set, p.LocationFixed, p.Search, p.Track, ep, log)
		if err != nil {
			return nil, err
		}
		s.order = append(s.order, label)
		s.trackers[label] = tr
		s.extract[label] = ep
	}
	if len(s.order) == 0 {
		return nil, errors.New("no CCD has both apertures and an extraction entry")
	}

	s.workers = p.Workers
	if s.workers < 1 {
		s.workers = 1
	}
	if s.workers > len(s.order) {
		s.workers = len(s.order)
	}
	return s, nil
}

func validateParams(p Params) error {
	if !p.LocationFixed {
		t := p.Track
		if t.Alpha <= 0 || t.Alpha > 1 {
			return fmt.Errorf("fit alpha must be in (0, 1], got %g", t.Alpha)
		}
		if t.FWHM <= 0 {
			return fmt.Errorf("fit fwhm must be positive, got %g", t.FWHM)
		}
		if t.Method == FitMoffat && t.Beta <= 0 {
			return fmt.Errorf("moffat beta must be positive, got %g", t.Beta)
		}
		if t.HalfWidth <= 0 {
			return fmt.Errorf("fit half width must be positive, got %g", t.HalfWidth)
		}
		if t.Thresh <= 0 {
			return fmt.Errorf("fit rejection threshold must be positive, got %g", t.Thresh)
		}
		if t.MaxShift <= 0 {
			return fmt.Errorf("fit max shift must be positive, got %g", t.MaxShift)
		}
		if t.Diff <= 0 {
			return fmt.Errorf("fit diff must be positive, got %g", t.Diff)
		}
		if p.Search.HalfWidth <= 0 {
			return fmt.Errorf("search half width must be positive, got %g", p.Search.HalfWidth)
		}
		if p.Search.SmoothFWHM <= 0 {
			return fmt.Errorf("search smoothing fwhm must be positive, got %g", p.Search.SmoothFWHM)
		}
	}
	if p.Sky.Method == SkyClipped && p.Sky.Thresh <= 0 {
		return fmt.Errorf("sky clip threshold must be positive, got %g", p.Sky.Thresh)
	}
	if p.Sky.Method == SkyMedian && p.Sky.Error == SkyErrorVariance {
		return errors.New("sky error variance requires the clipped method")
	}
	return nil
}

func validateScales(label string, ep ExtractParams) error {
	check := func(name string, rs RadiusScale) error {
		if rs.Min < 0 || rs.Max < rs.Min {
			return fmt.Errorf("ccd %s: %s radius bounds invalid (min %g, max %g)", label, name, rs.Min, rs.Max)
		}
		if ep.Resize == ResizeVariable && rs.Fac <= 0 {
			return fmt.Errorf("ccd %s: %s radius scale must be positive, got %g", label, name, rs.Fac)
		}
		return nil
	}
	if err := check("target", ep.R); err != nil {
		return err
	}
	if err := check("inner sky", ep.SInner); err != nil {
		return err
	}
	return check("outer sky", ep.SOuter)
}

// CCDs returns the labels being reduced, in configuration order.
func (s *Session) CCDs() []string { return s.order }

// Apertures returns the live aperture set for a CCD. Callers must not
// mutate it while frames are being processed.
func (s *Session) Apertures(label string) (*aperture.Set, bool) {
	tr, ok := s.trackers[label]
	if !ok {
		return nil, false
	}
	return tr.Apertures(), true
}

// Process reduces one frame: every CCD is tracked and extracted, with
// at most Workers CCDs in flight at once. The first frame fixes the
// window layout; later frames must match it exactly.
func (s *Session) Process(frame *ccd.Frame) (*FrameResult, error) {
	if s.layout == nil {
		s.layout = frame
	} else if err := frame.SameLayout(s.layout); err != nil {
		return nil, fmt.Errorf("frame %d: %w", frame.Index, err)
	}

	res := &FrameResult{
		Frame: frame.Index,
		Time:  frame.Time,
		CCDs:  make([]CCDResult, len(s.order)),
	}
	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	for i, label := range s.order {
		c, ok := frame.CCD(label)
		if !ok {
			return nil, fmt.Errorf("frame %d: %w: CCD %q missing", frame.Index, ccd.ErrLayoutMismatch, label)
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, c *ccd.CCD) {
			defer wg.Done()
			defer func() { <-sem }()
			res.CCDs[i] = s.reduceCCD(frame, c)
		}(i, c)
	}
	wg.Wait()
	return res, nil
}

// reduceCCD runs the per-frame track-then-extract sequence for one
// detector.
func (s *Session) reduceCCD(frame *ccd.Frame, c *ccd.CCD) CCDResult {
	tr := s.trackers[c.Label]
	out := tr.Track(c)

	cr := CCDResult{
		CCD:     c.Label,
		Aborted: out.Aborted,
		ShiftX:  out.ShiftX,
		ShiftY:  out.ShiftY,
		NRef:    out.NRef,
		FWHM:    out.FWHM,
	}

	apers := tr.Apertures()
	ep := s.extract[c.Label]
	limits := s.limits[c.Label]
	regions := s.regions[c.Label]

	for _, label := range apers.Labels() {
		a, _ := apers.Get(label)
		rec := Record{
			Frame:    frame.Index,
			Time:     frame.Time,
			CCD:      c.Label,
			Aperture: label,
			Status:   out.Status[label],
		}
		x, y, err := apers.Resolve(label)
		if err != nil {
			// Links were validated at session start; a failure here
			// means the set was mutated behind our back.
			rec.Status |= NoData | NoExtraction
			cr.Records = append(cr.Records, rec)
			continue
		}
		rec.X, rec.Y = x, y
		if fit, ok := out.Fits[label]; ok {
			rec.FWHM = fit.FWHM
			rec.Beta = fit.Beta
		}
		if rec.Status.Has(NoExtraction) {
			cr.Records = append(cr.Records, rec)
			continue
		}

		ext := ExtractAperture(c, a, x, y, ep.Method, fitFor(apers, out, label), s.sky, limits, regions)
		rec.Flux = ext.Flux
		rec.FluxVar = ext.FluxVar
		rec.Sky = ext.Sky.Level
		rec.SkyVar = ext.Sky.Var
		rec.NSky = ext.Sky.N
		rec.NRej = ext.Sky.NRej
		rec.NPix = ext.NPix
		rec.Status |= ext.Status
		cr.Records = append(cr.Records, rec)
	}
	return cr
}

// fitFor returns the profile fit backing an aperture's extraction:
// its own if it was fitted this frame, otherwise the nearest fit up
// its link chain.
func fitFor(apers *aperture.Set, out *TrackOutcome, label string) *FitResult {
	for {
		if fit, ok := out.Fits[label]; ok {
			return fit
		}
		a, ok := apers.Get(label)
		if !ok || !a.Linked() {
			return nil
		}
		label = a.Link
	}
}
