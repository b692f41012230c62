package reduce

import (
	"errors"
	"math"
	"testing"
	"time"

	"photrack/internal/aperture"
	"photrack/internal/ccd"
)

func testParams(workers int) Params {
	return Params{
		Search: testSearchParams(),
		Track:  testTrackParams(),
		Sky:    SkyParams{Method: SkyClipped, Error: SkyErrorVariance, Thresh: 3},
		Extract: map[string]ExtractParams{
			"1": testExtractParams(),
		},
		Limits:  map[string]Limits{"1": {Nonlinear: 50000, Saturation: 64000}},
		Workers: workers,
	}
}

// sessionApertures is the standard two-target field: a bright reference
// and a fainter companion.
func sessionApertures(t *testing.T) *aperture.Collection {
	t.Helper()
	set := aperture.NewSet()
	mustAdd(t, set, "1", aperture.New(100, 100, 8, 13, 20, true))
	mustAdd(t, set, "2", aperture.New(50, 50, 8, 13, 20, false))
	col := aperture.NewCollection()
	if err := col.Add("1", set); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return col
}

func recordFor(t *testing.T, res *FrameResult, ccdLabel, aper string) Record {
	t.Helper()
	for _, cr := range res.CCDs {
		if cr.CCD != ccdLabel {
			continue
		}
		for _, rec := range cr.Records {
			if rec.Aperture == aper {
				return rec
			}
		}
	}
	t.Fatalf("no record for CCD %s aperture %s", ccdLabel, aper)
	return Record{}
}

// TestSessionTracksFieldShift runs three frames where the whole field
// drifts between the first two: the reference fixes the shift and the
// companion is carried with it, flux intact.
func TestSessionTracksFieldShift(t *testing.T) {
	sess, err := NewSession(sessionApertures(t), testParams(1), testLogger())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	res, err := sess.Process(starFrame(t, 1, []testStar{{100, 100, 1000, 4}, {50, 50, 400, 4}}))
	if err != nil {
		t.Fatalf("frame 1: %v", err)
	}
	rec := recordFor(t, res, "1", "2")
	if rec.Status != StatusOK {
		t.Fatalf("frame 1: expected a clean record, got %v", rec.Status)
	}
	flux1 := rec.Flux

	// The field drifts (+2, +1).
	res, err = sess.Process(starFrame(t, 2, []testStar{{102, 101, 1000, 4}, {52, 51, 400, 4}}))
	if err != nil {
		t.Fatalf("frame 2: %v", err)
	}
	if res.CCDs[0].Aborted {
		t.Fatalf("frame 2: unexpected abort")
	}
	rec = recordFor(t, res, "1", "2")
	if math.Abs(rec.X-52) > 0.05 || math.Abs(rec.Y-51) > 0.05 {
		t.Fatalf("frame 2: expected the companion carried to (52, 51), got (%.4f, %.4f)", rec.X, rec.Y)
	}
	if rec.Status != StatusOK {
		t.Fatalf("frame 2: expected a clean record, got %v", rec.Status)
	}
	if math.Abs(rec.Flux-flux1) > 0.05*flux1 {
		t.Fatalf("frame 2: flux moved from %.1f to %.1f", flux1, rec.Flux)
	}

	// The field holds; nothing should drift further.
	res, err = sess.Process(starFrame(t, 3, []testStar{{102, 101, 1000, 4}, {52, 51, 400, 4}}))
	if err != nil {
		t.Fatalf("frame 3: %v", err)
	}
	rec = recordFor(t, res, "1", "2")
	if math.Abs(rec.X-52) > 0.05 || math.Abs(rec.Y-51) > 0.05 {
		t.Fatalf("frame 3: position drifted to (%.4f, %.4f)", rec.X, rec.Y)
	}
	if rec.FWHM <= 0 {
		t.Fatalf("frame 3: fitted companion carries no seeing estimate")
	}
	if rec.Frame != 3 || !rec.Time.Equal(res.Time) {
		t.Fatalf("frame 3: record metadata wrong: %+v", rec)
	}
}

func TestSessionMultiCCDOrder(t *testing.T) {
	set1 := aperture.NewSet()
	mustAdd(t, set1, "1", aperture.New(100, 100, 8, 13, 20, true))
	set2 := aperture.NewSet()
	mustAdd(t, set2, "1", aperture.New(60, 60, 8, 13, 20, true))
	col := aperture.NewCollection()
	if err := col.Add("1", set1); err != nil {
		t.Fatal(err)
	}
	if err := col.Add("2", set2); err != nil {
		t.Fatal(err)
	}

	p := testParams(2)
	p.Extract["2"] = testExtractParams()
	p.Limits["2"] = Limits{Nonlinear: 50000, Saturation: 64000}
	sess, err := NewSession(col, p, testLogger())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	f := ccd.NewFrame(1, time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC), 3)
	if err := f.AddCCD(starField(t, "1", []testStar{{100, 100, 1000, 4}})); err != nil {
		t.Fatal(err)
	}
	if err := f.AddCCD(starField(t, "2", []testStar{{60, 60, 800, 4}})); err != nil {
		t.Fatal(err)
	}

	res, err := sess.Process(f)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(res.CCDs) != 2 || res.CCDs[0].CCD != "1" || res.CCDs[1].CCD != "2" {
		t.Fatalf("expected CCD results in configuration order, got %+v", res.CCDs)
	}
	rec := recordFor(t, res, "2", "1")
	if math.Abs(rec.X-60) > 0.05 || math.Abs(rec.Y-60) > 0.05 {
		t.Fatalf("CCD 2 tracked to (%.4f, %.4f), want (60, 60)", rec.X, rec.Y)
	}
	if rec.Status != StatusOK {
		t.Fatalf("CCD 2: expected a clean record, got %v", rec.Status)
	}
}

func TestSessionSkipsUnconfiguredCCD(t *testing.T) {
	set1 := aperture.NewSet()
	mustAdd(t, set1, "1", aperture.New(100, 100, 8, 13, 20, true))
	set2 := aperture.NewSet()
	mustAdd(t, set2, "1", aperture.New(60, 60, 8, 13, 20, true))
	col := aperture.NewCollection()
	if err := col.Add("1", set1); err != nil {
		t.Fatal(err)
	}
	if err := col.Add("2", set2); err != nil {
		t.Fatal(err)
	}

	// Only CCD 1 has an extraction entry.
	sess, err := NewSession(col, testParams(1), testLogger())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if got := sess.CCDs(); len(got) != 1 || got[0] != "1" {
		t.Fatalf("expected only CCD 1 reduced, got %v", got)
	}

	f := ccd.NewFrame(1, time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC), 3)
	if err := f.AddCCD(starField(t, "1", []testStar{{100, 100, 1000, 4}})); err != nil {
		t.Fatal(err)
	}
	if err := f.AddCCD(starField(t, "2", []testStar{{60, 60, 800, 4}})); err != nil {
		t.Fatal(err)
	}
	res, err := sess.Process(f)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(res.CCDs) != 1 || res.CCDs[0].CCD != "1" {
		t.Fatalf("expected results for CCD 1 only, got %+v", res.CCDs)
	}
}

func TestSessionRejectsLayoutChange(t *testing.T) {
	sess, err := NewSession(sessionApertures(t), testParams(1), testLogger())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if _, err := sess.Process(starFrame(t, 1, []testStar{{100, 100, 1000, 4}, {50, 50, 400, 4}})); err != nil {
		t.Fatalf("frame 1: %v", err)
	}

	// Same CCD, smaller window.
	f := ccd.NewFrame(2, time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC), 3)
	w, err := ccd.NewWindow(1, 1, 1, 1, 100, 100)
	if err != nil {
		t.Fatal(err)
	}
	c := ccd.NewCCD("1", 0, 1, 3)
	if err := c.AddWindow("E1", w); err != nil {
		t.Fatal(err)
	}
	if err := f.AddCCD(c); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Process(f); !errors.Is(err, ccd.ErrLayoutMismatch) {
		t.Fatalf("expected a layout mismatch, got %v", err)
	}
}

func TestSessionRejectsMissingCCD(t *testing.T) {
	sess, err := NewSession(sessionApertures(t), testParams(1), testLogger())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	f := ccd.NewFrame(1, time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC), 3)
	if err := f.AddCCD(starField(t, "9", []testStar{{100, 100, 1000, 4}})); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Process(f); !errors.Is(err, ccd.ErrLayoutMismatch) {
		t.Fatalf("expected a missing-CCD error, got %v", err)
	}
}

func TestSessionOwnsApertureCopy(t *testing.T) {
	col := sessionApertures(t)
	sess, err := NewSession(col, testParams(1), testLogger())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	// Vandalize the caller's collection; the session must not notice.
	set, _ := col.Get("1")
	a, _ := set.Get("1")
	a.X, a.Y = 0, 0

	res, err := sess.Process(starFrame(t, 1, []testStar{{100, 100, 1000, 4}, {50, 50, 400, 4}}))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	rec := recordFor(t, res, "1", "1")
	if math.Abs(rec.X-100) > 0.05 || math.Abs(rec.Y-100) > 0.05 {
		t.Fatalf("session state leaked: reference at (%.4f, %.4f)", rec.X, rec.Y)
	}
}

func TestNewSessionRejectsBadParams(t *testing.T) {
	cases := []struct {
		name   string
		mangle func(*Params)
	}{
		{"zero alpha", func(p *Params) { p.Track.Alpha = 0 }},
		{"alpha above one", func(p *Params) { p.Track.Alpha = 1.5 }},
		{"zero fit diff", func(p *Params) { p.Track.Diff = 0 }},
		{"zero search width", func(p *Params) { p.Search.HalfWidth = 0 }},
		{"median variance sky", func(p *Params) {
			p.Sky.Method = SkyMedian
			p.Sky.Error = SkyErrorVariance
		}},
		{"fixed location optimal", func(p *Params) {
			p.LocationFixed = true
			e := p.Extract["1"]
			e.Method = ExtractOptimal
			p.Extract["1"] = e
		}},
		{"fixed location variable resize", func(p *Params) {
			p.LocationFixed = true
			e := p.Extract["1"]
			e.Resize = ResizeVariable
			p.Extract["1"] = e
		}},
		{"inverted radius bounds", func(p *Params) {
			e := p.Extract["1"]
			e.R = RadiusScale{Fac: 1.8, Min: 10, Max: 3}
			p.Extract["1"] = e
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := testParams(1)
			tc.mangle(&p)
			if _, err := NewSession(sessionApertures(t), p, testLogger()); err == nil {
				t.Fatalf("expected NewSession to reject %s", tc.name)
			}
		})
	}

	// No overlap between apertures and extraction entries.
	p := testParams(1)
	p.Extract = map[string]ExtractParams{"9": testExtractParams()}
	if _, err := NewSession(sessionApertures(t), p, testLogger()); err == nil {
		t.Fatalf("expected NewSession to reject a config with no reducible CCD")
	}
}
