package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"photrack/internal/ccd"
	"photrack/internal/reduce"
)

// Reduce is one reduction's parameter file. A file names every CCD it
// wants reduced in its extraction table; CCDs absent from the table
// are skipped even when the run carries them.
type Reduce struct {
	Apertures   Apertures                 `json:"apertures"`
	Extraction  map[string]Extraction     `json:"extraction"`
	Sky         Sky                       `json:"sky"`
	Calibration Calibration               `json:"calibration"`
	Warn        map[string]Warn           `json:"warn,omitempty"`
	Regions     map[string]ccd.RegionList `json:"regions,omitempty"`
	Monitor     map[string][]string       `json:"monitor,omitempty"`
	Run         Run                       `json:"run"`
}

// Apertures controls target search and profile fitting.
type Apertures struct {
	Location         string  `json:"location"`           // fixed, variable
	SearchHalfWidth  float64 `json:"search_half_width"`  // unbinned pixels, min 3
	SearchSmoothFWHM float64 `json:"search_smooth_fwhm"` // binned pixels, min 3
	SearchSmoothFFT  bool    `json:"search_smooth_fft"`
	FitMethod        string  `json:"fit_method"` // gaussian, moffat
	FitBeta          float64 `json:"fit_beta"`
	FitBetaMax       float64 `json:"fit_beta_max"`
	FitFWHM          float64 `json:"fit_fwhm"` // unbinned pixels
	FitFWHMMin       float64 `json:"fit_fwhm_min"`
	FitFWHMFixed     bool    `json:"fit_fwhm_fixed"`
	FitNDiv          int     `json:"fit_ndiv"`
	FitHalfWidth     float64 `json:"fit_half_width"` // unbinned pixels, min 5
	FitThresh        float64 `json:"fit_thresh"`     // RMS rejection, min 2
	FitHeightMinRef  float64 `json:"fit_height_min_ref"`
	FitHeightMinNRF  float64 `json:"fit_height_min_nrf"`
	FitMaxShift      float64 `json:"fit_max_shift"`
	FitAlpha         float64 `json:"fit_alpha"` // (0, 1]
	FitDiff          float64 `json:"fit_diff"`  // > 0
}

// Extraction is one CCD's extraction line.
type Extraction struct {
	Resize string  `json:"resize"` // fixed, variable
	Method string  `json:"method"` // normal, optimal
	RFac   float64 `json:"rfac"`   // target radius = rfac * FWHM
	RMin   float64 `json:"rmin"`   // unbinned pixels
	RMax   float64 `json:"rmax"`
	SInner float64 `json:"sinner"` // sky annulus radii, unbinned pixels
	SOuter float64 `json:"souter"`
}

// Sky controls background estimation.
type Sky struct {
	Method string  `json:"method"` // clipped, median
	Error  string  `json:"error"`  // variance, photon
	Thresh float64 `json:"thresh"` // clip threshold in sigma
}

// Calibration names the optional calibration frames and the detector
// noise model used when the run headers carry none.
type Calibration struct {
	Bias    string           `json:"bias,omitempty"`
	Dark    string           `json:"dark,omitempty"`
	Flat    string           `json:"flat,omitempty"`
	Readout float64          `json:"readout"`       // counts RMS
	Gain    float64          `json:"gain"`          // electrons per count
	CCD     map[string]Noise `json:"ccd,omitempty"` // per-CCD overrides
}

// Noise overrides the global readout/gain for one CCD. Zero fields
// inherit the global value.
type Noise struct {
	Readout float64 `json:"readout"`
	Gain    float64 `json:"gain"`
}

// Warn sets the count levels above which target pixels are flagged.
type Warn struct {
	Nonlinear  float64 `json:"nonlinear"`
	Saturation float64 `json:"saturation"`
}

// Run controls the frame loop.
type Run struct {
	NCPU    int     `json:"ncpu"`    // CCD fan-out bound
	NGroup  int     `json:"ngroup"`  // frames fetched per batch
	First   int     `json:"first"`   // first frame, 1-based
	Last    int     `json:"last"`    // 0 = to the end of the run
	TWait   float64 `json:"twait"`   // seconds between retries for a missing frame
	TMax    float64 `json:"tmax"`    // seconds of waiting before calling end-of-run
	TOffset float64 `json:"toffset"` // seconds subtracted from output timestamps
}

// WaitInterval is the pause between retries for a frame that has not
// arrived yet.
func (r Run) WaitInterval() time.Duration { return time.Duration(r.TWait * float64(time.Second)) }

// WaitLimit is the total time to keep retrying before treating the run
// as finished.
func (r Run) WaitLimit() time.Duration { return time.Duration(r.TMax * float64(time.Second)) }

// TimeOffset is subtracted from frame timestamps in output records.
func (r Run) TimeOffset() time.Duration { return time.Duration(r.TOffset * float64(time.Second)) }

// ReadoutFor returns the readout noise for a CCD, counts RMS.
func (c Calibration) ReadoutFor(label string) float64 {
	if n, ok := c.CCD[label]; ok && n.Readout > 0 {
		return n.Readout
	}
	return c.Readout
}

// GainFor returns the gain for a CCD, electrons per count.
func (c Calibration) GainFor(label string) float64 {
	if n, ok := c.CCD[label]; ok && n.Gain > 0 {
		return n.Gain
	}
	return c.Gain
}

// DefaultExtraction is the standard extraction line.
func DefaultExtraction() Extraction {
	return Extraction{
		Resize: "variable",
		Method: "normal",
		RFac:   1.8,
		RMin:   6,
		RMax:   30,
		SInner: 30,
		SOuter: 50,
	}
}

// DefaultWarn is the standard pixel level warning pair.
func DefaultWarn() Warn {
	return Warn{Nonlinear: 50000, Saturation: 64000}
}

// DefaultReduce returns a complete reduce file for the named CCDs
// ("1" when none are given), carrying the standard defaults.
func DefaultReduce(ccds ...string) *Reduce {
	cfg := baseReduce()
	if len(ccds) == 0 {
		ccds = []string{"1"}
	}
	for _, label := range ccds {
		cfg.Extraction[label] = DefaultExtraction()
		cfg.Warn[label] = DefaultWarn()
	}
	return cfg
}

// baseReduce carries the scalar defaults with empty per-CCD tables, so
// a decoded file's tables are exactly what the file wrote.
func baseReduce() *Reduce {
	return &Reduce{
		Apertures: Apertures{
			Location:         "variable",
			SearchHalfWidth:  11,
			SearchSmoothFWHM: 6,
			SearchSmoothFFT:  false,
			FitMethod:        "gaussian",
			FitBeta:          4,
			FitBetaMax:       20,
			FitFWHM:          5,
			FitFWHMMin:       1.5,
			FitFWHMFixed:     false,
			FitNDiv:          0,
			FitHalfWidth:     21,
			FitThresh:        5,
			FitHeightMinRef:  10,
			FitHeightMinNRF:  5,
			FitMaxShift:      15,
			FitAlpha:         1,
			FitDiff:          2,
		},
		Extraction: map[string]Extraction{},
		Sky: Sky{
			Method: "clipped",
			Error:  "variance",
			Thresh: 3,
		},
		Calibration: Calibration{
			Readout: 4.5,
			Gain:    1.1,
		},
		Warn: map[string]Warn{},
		Run: Run{
			NCPU:   1,
			NGroup: 1,
			First:  1,
			Last:   0,
			TWait:  1,
			TMax:   10,
		},
	}
}

// LoadReduce reads a reduce file. Fields the file omits keep their
// defaults; the per-CCD tables come from the file alone.
func LoadReduce(path string) (*Reduce, error) {
	expanded, err := ExpandUser(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(expanded)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := baseReduce()
	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse reduce file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("reduce file %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the reduce file as indented JSON.
func (r *Reduce) Save(path string) error {
	expanded, err := ExpandUser(path)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(expanded, append(data, '\n'), 0o644)
}

// Validate checks every enumerated and bounded field. Any failure is
// fatal for the run; nothing downstream can repair a bad file.
func (r *Reduce) Validate() error {
	a := r.Apertures
	switch a.Location {
	case "fixed", "variable":
	default:
		return fmt.Errorf("apertures.location: unknown mode %q (want fixed or variable)", a.Location)
	}
	if a.SearchHalfWidth < 3 {
		return fmt.Errorf("apertures.search_half_width: %g below minimum 3", a.SearchHalfWidth)
	}
	if a.SearchSmoothFWHM < 3 {
		return fmt.Errorf("apertures.search_smooth_fwhm: %g below minimum 3", a.SearchSmoothFWHM)
	}
	switch a.FitMethod {
	case "gaussian", "moffat":
	default:
		return fmt.Errorf("apertures.fit_method: unknown method %q (want gaussian or moffat)", a.FitMethod)
	}
	if a.FitBeta < 1.1 {
		return fmt.Errorf("apertures.fit_beta: %g below minimum 1.1", a.FitBeta)
	}
	if a.FitBetaMax < a.FitBeta {
		return fmt.Errorf("apertures.fit_beta_max: %g below fit_beta %g", a.FitBetaMax, a.FitBeta)
	}
	if a.FitFWHMMin <= 0 {
		return fmt.Errorf("apertures.fit_fwhm_min: %g must be positive", a.FitFWHMMin)
	}
	if a.FitFWHM < a.FitFWHMMin {
		return fmt.Errorf("apertures.fit_fwhm: %g below fit_fwhm_min %g", a.FitFWHM, a.FitFWHMMin)
	}
	if a.FitNDiv < 0 {
		return fmt.Errorf("apertures.fit_ndiv: %d must not be negative", a.FitNDiv)
	}
	if a.FitHalfWidth < 5 {
		return fmt.Errorf("apertures.fit_half_width: %g below minimum 5", a.FitHalfWidth)
	}
	if a.FitThresh < 2 {
		return fmt.Errorf("apertures.fit_thresh: %g below minimum 2", a.FitThresh)
	}
	if a.FitHeightMinRef <= 0 || a.FitHeightMinNRF <= 0 {
		return fmt.Errorf("apertures.fit_height_min_ref/nrf: %g/%g must be positive", a.FitHeightMinRef, a.FitHeightMinNRF)
	}
	if a.FitMaxShift <= 0 {
		return fmt.Errorf("apertures.fit_max_shift: %g must be positive", a.FitMaxShift)
	}
	if a.FitAlpha <= 0 || a.FitAlpha > 1 {
		return fmt.Errorf("apertures.fit_alpha: %g outside (0, 1]", a.FitAlpha)
	}
	if a.FitDiff <= 0 {
		return fmt.Errorf("apertures.fit_diff: %g must be positive", a.FitDiff)
	}

	if len(r.Extraction) == 0 {
		return fmt.Errorf("extraction: no CCD entries")
	}
	for label, e := range r.Extraction {
		switch e.Resize {
		case "fixed", "variable":
		default:
			return fmt.Errorf("extraction.%s.resize: unknown mode %q (want fixed or variable)", label, e.Resize)
		}
		switch e.Method {
		case "normal", "optimal":
		default:
			return fmt.Errorf("extraction.%s.method: unknown method %q (want normal or optimal)", label, e.Method)
		}
		if a.Location == "fixed" {
			if e.Resize == "variable" {
				return fmt.Errorf("extraction.%s: variable resize needs profile fits but apertures.location is fixed", label)
			}
			if e.Method == "optimal" {
				return fmt.Errorf("extraction.%s: optimal extraction needs profile fits but apertures.location is fixed", label)
			}
		}
		if e.RFac <= 0 {
			return fmt.Errorf("extraction.%s.rfac: %g must be positive", label, e.RFac)
		}
		if e.RMin <= 0 || e.RMax < e.RMin {
			return fmt.Errorf("extraction.%s: target radius bounds invalid (rmin %g, rmax %g)", label, e.RMin, e.RMax)
		}
		if e.SInner <= 0 || e.SOuter <= e.SInner {
			return fmt.Errorf("extraction.%s: sky annulus invalid (sinner %g, souter %g)", label, e.SInner, e.SOuter)
		}
	}

	switch r.Sky.Method {
	case "clipped", "median":
	default:
		return fmt.Errorf("sky.method: unknown method %q (want clipped or median)", r.Sky.Method)
	}
	switch r.Sky.Error {
	case "variance", "photon":
	default:
		return fmt.Errorf("sky.error: unknown mode %q (want variance or photon)", r.Sky.Error)
	}
	if r.Sky.Method == "median" && r.Sky.Error == "variance" {
		return fmt.Errorf("sky.error: variance errors require the clipped method")
	}
	if r.Sky.Thresh <= 0 {
		return fmt.Errorf("sky.thresh: %g must be positive", r.Sky.Thresh)
	}

	if r.Calibration.Readout < 0 {
		return fmt.Errorf("calibration.readout: %g must not be negative", r.Calibration.Readout)
	}
	if r.Calibration.Gain <= 0 {
		return fmt.Errorf("calibration.gain: %g must be positive", r.Calibration.Gain)
	}

	for label, w := range r.Warn {
		if w.Nonlinear <= 0 || w.Saturation < w.Nonlinear {
			return fmt.Errorf("warn.%s: levels invalid (nonlinear %g, saturation %g)", label, w.Nonlinear, w.Saturation)
		}
	}

	for label, flags := range r.Monitor {
		for _, name := range flags {
			if _, err := reduce.ParseFlag(name); err != nil {
				return fmt.Errorf("monitor.%s: %w", label, err)
			}
		}
	}

	ru := r.Run
	if ru.NCPU < 1 {
		return fmt.Errorf("run.ncpu: %d below minimum 1", ru.NCPU)
	}
	if ru.NGroup < 1 {
		return fmt.Errorf("run.ngroup: %d below minimum 1", ru.NGroup)
	}
	if ru.First < 1 {
		return fmt.Errorf("run.first: %d below minimum 1", ru.First)
	}
	if ru.Last != 0 && ru.Last < ru.First {
		return fmt.Errorf("run.last: %d before run.first %d", ru.Last, ru.First)
	}
	if ru.TWait <= 0 {
		return fmt.Errorf("run.twait: %g must be positive", ru.TWait)
	}
	if ru.TMax < ru.TWait {
		return fmt.Errorf("run.tmax: %g below run.twait %g", ru.TMax, ru.TWait)
	}
	return nil
}

// Params assembles the engine parameters the file describes. CCDs in
// the extraction table but missing a warn entry get the defaults.
func (r *Reduce) Params() (reduce.Params, error) {
	var p reduce.Params
	a := r.Apertures

	method, err := reduce.ParseFitMethod(a.FitMethod)
	if err != nil {
		return p, err
	}
	skyMethod, err := reduce.ParseSkyMethod(r.Sky.Method)
	if err != nil {
		return p, err
	}
	skyError, err := reduce.ParseSkyError(r.Sky.Error)
	if err != nil {
		return p, err
	}

	p = reduce.Params{
		LocationFixed: a.Location == "fixed",
		Search: reduce.SearchParams{
			HalfWidth:  a.SearchHalfWidth,
			SmoothFWHM: a.SearchSmoothFWHM,
			SmoothFFT:  a.SearchSmoothFFT,
		},
		Track: reduce.TrackParams{
			Method:       method,
			FWHM:         a.FitFWHM,
			FWHMMin:      a.FitFWHMMin,
			FWHMFixed:    a.FitFWHMFixed,
			Beta:         a.FitBeta,
			BetaMax:      a.FitBetaMax,
			NDiv:         a.FitNDiv,
			HalfWidth:    a.FitHalfWidth,
			Thresh:       a.FitThresh,
			HeightMinRef: a.FitHeightMinRef,
			HeightMinNRF: a.FitHeightMinNRF,
			MaxShift:     a.FitMaxShift,
			Alpha:        a.FitAlpha,
			Diff:         a.FitDiff,
		},
		Sky: reduce.SkyParams{
			Method: skyMethod,
			Error:  skyError,
			Thresh: r.Sky.Thresh,
		},
		Extract: make(map[string]reduce.ExtractParams, len(r.Extraction)),
		Limits:  make(map[string]reduce.Limits, len(r.Extraction)),
		Regions: r.Regions,
		Workers: r.Run.NCPU,
	}

	for label, e := range r.Extraction {
		resize, err := reduce.ParseResize(e.Resize)
		if err != nil {
			return p, fmt.Errorf("ccd %s: %w", label, err)
		}
		xm, err := reduce.ParseExtractMethod(e.Method)
		if err != nil {
			return p, fmt.Errorf("ccd %s: %w", label, err)
		}
		p.Extract[label] = reduce.ExtractParams{
			Resize: resize,
			Method: xm,
			R:      reduce.RadiusScale{Fac: e.RFac, Min: e.RMin, Max: e.RMax},
			SInner: reduce.RadiusScale{Fac: 1, Min: e.SInner, Max: e.SInner},
			SOuter: reduce.RadiusScale{Fac: 1, Min: e.SOuter, Max: e.SOuter},
		}
		w, ok := r.Warn[label]
		if !ok {
			w = DefaultWarn()
		}
		p.Limits[label] = reduce.Limits{Nonlinear: w.Nonlinear, Saturation: w.Saturation}
	}
	return p, nil
}

// MonitorMasks folds each monitored aperture's flag names into one
// status mask.
func (r *Reduce) MonitorMasks() (map[string]reduce.Status, error) {
	if len(r.Monitor) == 0 {
		return nil, nil
	}
	masks := make(map[string]reduce.Status, len(r.Monitor))
	for label, flags := range r.Monitor {
		var mask reduce.Status
		for _, name := range flags {
			bit, err := reduce.ParseFlag(name)
			if err != nil {
				return nil, fmt.Errorf("monitor.%s: %w", label, err)
			}
			mask |= bit
		}
		masks[label] = mask
	}
	return masks, nil
}
