package reduce

import (
	"errors"
	"math"
	"testing"

	"photrack/internal/aperture"
)

func mustAdd(t *testing.T, s *aperture.Set, label string, a *aperture.Aperture) {
	t.Helper()
	if err := s.Add(label, a); err != nil {
		t.Fatalf("Add(%s): %v", label, err)
	}
}

func TestTrackerFollowsReference(t *testing.T) {
	set := aperture.NewSet()
	mustAdd(t, set, "1", aperture.New(100, 100, 8, 13, 20, true))
	tr, err := NewTracker("1", set, false, testSearchParams(), testTrackParams(), testExtractParams(), testLogger())
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	out := tr.Track(starField(t, "1", []testStar{{100, 100, 1000, 4}}))
	if out.Aborted || out.NRef != 1 {
		t.Fatalf("expected one clean reference, got %+v", out)
	}
	if math.Abs(out.ShiftX) > 0.01 || math.Abs(out.ShiftY) > 0.01 {
		t.Fatalf("expected no shift on the first frame, got (%.4f, %.4f)", out.ShiftX, out.ShiftY)
	}

	out = tr.Track(starField(t, "1", []testStar{{102.5, 101.2, 1000, 4}}))
	if math.Abs(out.ShiftX-2.5) > 0.02 || math.Abs(out.ShiftY-1.2) > 0.02 {
		t.Fatalf("expected shift (2.5, 1.2), got (%.4f, %.4f)", out.ShiftX, out.ShiftY)
	}
	a, _ := set.Get("1")
	if math.Abs(a.X-102.5) > 0.02 || math.Abs(a.Y-101.2) > 0.02 {
		t.Fatalf("expected the aperture moved to (102.5, 101.2), got (%.4f, %.4f)", a.X, a.Y)
	}
	if out.Status["1"] != StatusOK {
		t.Fatalf("expected clean status, got %v", out.Status["1"])
	}
	if math.Abs(out.FWHM-4) > 0.05 {
		t.Fatalf("expected seeing near 4, got %.4f", out.FWHM)
	}
}

func TestTrackerAbortsOnDivergence(t *testing.T) {
	set := aperture.NewSet()
	mustAdd(t, set, "1", aperture.New(60, 100, 8, 13, 20, true))
	mustAdd(t, set, "2", aperture.New(140, 100, 8, 13, 20, true))
	tr, err := NewTracker("1", set, false, testSearchParams(), testTrackParams(), testExtractParams(), testLogger())
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	if out := tr.Track(starField(t, "1", []testStar{{60, 100, 800, 4}, {140, 100, 800, 4}})); out.Aborted {
		t.Fatalf("unexpected abort on the first frame")
	}
	a1, _ := set.Get("1")
	a2, _ := set.Get("2")
	x1, y1, x2, y2 := a1.X, a1.Y, a2.X, a2.Y

	// One reference jumps by 4 pixels while the other stays put.
	out := tr.Track(starField(t, "1", []testStar{{64, 100, 800, 4}, {140, 100, 800, 4}}))
	if !out.Aborted {
		t.Fatalf("expected abort, shifts differ by 4 with a limit of 2")
	}
	if len(out.Fits) != 0 {
		t.Fatalf("expected no fits after abort, got %d", len(out.Fits))
	}
	if out.NRef != 0 || out.ShiftX != 0 || out.ShiftY != 0 {
		t.Fatalf("expected no consensus after abort, got %+v", out)
	}
	want := NoFwhm | NoExtraction
	if out.Status["1"] != want || out.Status["2"] != want {
		t.Fatalf("expected NO_FWHM|NO_EXTRACTION on every aperture, got %v and %v",
			out.Status["1"], out.Status["2"])
	}
	if a1.X != x1 || a1.Y != y1 || a2.X != x2 || a2.Y != y2 {
		t.Fatalf("expected positions held, got (%.4f, %.4f) and (%.4f, %.4f)", a1.X, a1.Y, a2.X, a2.Y)
	}
}

func TestTrackerPredictionCarriesLostTarget(t *testing.T) {
	set := aperture.NewSet()
	mustAdd(t, set, "1", aperture.New(100, 100, 8, 13, 20, true))
	mustAdd(t, set, "2", aperture.New(50, 50, 8, 13, 20, false))
	tr, err := NewTracker("1", set, false, testSearchParams(), testTrackParams(), testExtractParams(), testLogger())
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	if out := tr.Track(starField(t, "1", []testStar{{100, 100, 1000, 4}, {50, 50, 400, 4}})); out.NRef != 1 {
		t.Fatalf("expected one reference on the first frame, got %+v", out)
	}

	// Whole field moves +6 in x but the faint target has vanished; the
	// consensus shift must carry its aperture anyway.
	out := tr.Track(starField(t, "1", []testStar{{106, 100, 1000, 4}}))
	if out.Status["2"] != NoFwhm|NoExtraction {
		t.Fatalf("expected NO_FWHM|NO_EXTRACTION for the lost target, got %v", out.Status["2"])
	}
	a, _ := set.Get("2")
	if math.Abs(a.X-56) > 0.02 || math.Abs(a.Y-50) > 0.02 {
		t.Fatalf("expected the lost target carried to (56, 50), got (%.4f, %.4f)", a.X, a.Y)
	}
}

func TestTrackerMaxShiftTrustsPrediction(t *testing.T) {
	set := aperture.NewSet()
	mustAdd(t, set, "1", aperture.New(100, 100, 8, 13, 20, true))
	mustAdd(t, set, "2", aperture.New(50, 50, 8, 13, 20, false))
	tp := testTrackParams()
	tp.MaxShift = 5
	tr, err := NewTracker("1", set, false, testSearchParams(), tp, testExtractParams(), testLogger())
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	tr.Track(starField(t, "1", []testStar{{100, 100, 1000, 4}, {50, 50, 400, 4}}))

	// The faint target jumps 8 pixels with the reference still; the fit
	// lands too far from the prediction to trust.
	out := tr.Track(starField(t, "1", []testStar{{100, 100, 1000, 4}, {58, 50, 400, 4}}))
	if out.Status["2"] != NoFwhm {
		t.Fatalf("expected NO_FWHM only, got %v", out.Status["2"])
	}
	if _, ok := out.Fits["2"]; ok {
		t.Fatalf("expected the rejected fit discarded")
	}
	a, _ := set.Get("2")
	if math.Abs(a.X-50) > 0.01 || math.Abs(a.Y-50) > 0.01 {
		t.Fatalf("expected the aperture held at (50, 50), got (%.4f, %.4f)", a.X, a.Y)
	}
}

func TestTrackerDampedApproach(t *testing.T) {
	set := aperture.NewSet()
	mustAdd(t, set, "1", aperture.New(50, 50, 8, 13, 20, false))
	tp := testTrackParams()
	tp.Alpha = 0.5
	tr, err := NewTracker("1", set, false, testSearchParams(), tp, testExtractParams(), testLogger())
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	// The target sits at (54, 52); each frame closes half the distance.
	a, _ := set.Get("1")
	for i, want := range []struct{ x, y float64 }{{52, 51}, {53, 51.5}, {53.5, 51.75}} {
		out := tr.Track(starField(t, "1", []testStar{{54, 52, 400, 4}}))
		if out.NRef != 0 {
			t.Fatalf("frame %d: expected no references, got %d", i+1, out.NRef)
		}
		if out.Status["1"] != StatusOK {
			t.Fatalf("frame %d: expected clean status, got %v", i+1, out.Status["1"])
		}
		if math.Abs(a.X-want.x) > 0.02 || math.Abs(a.Y-want.y) > 0.02 {
			t.Fatalf("frame %d: expected (%.2f, %.2f), got (%.4f, %.4f)", i+1, want.x, want.y, a.X, a.Y)
		}
	}
}

func TestTrackerVariableResize(t *testing.T) {
	set := aperture.NewSet()
	mustAdd(t, set, "1", aperture.New(100, 100, 8, 13, 20, true))
	ep := testExtractParams()
	ep.Resize = ResizeVariable
	tr, err := NewTracker("1", set, false, testSearchParams(), testTrackParams(), ep, testLogger())
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	out := tr.Track(starField(t, "1", []testStar{{100, 100, 1000, 4}}))
	a, _ := set.Get("1")
	if math.Abs(a.R1-1.8*out.FWHM) > 1e-9 {
		t.Fatalf("expected r1 = 1.8 x seeing, got %.4f for fwhm %.4f", a.R1, out.FWHM)
	}
	if math.Abs(a.R1-7.2) > 0.1 || math.Abs(a.R2-10) > 0.15 || math.Abs(a.R3-14) > 0.2 {
		t.Fatalf("expected radii near (7.2, 10, 14), got (%.3f, %.3f, %.3f)", a.R1, a.R2, a.R3)
	}

	// A scale landing below the floor clamps to it.
	set2 := aperture.NewSet()
	mustAdd(t, set2, "1", aperture.New(100, 100, 8, 13, 20, true))
	ep.R = RadiusScale{Fac: 0.5, Min: 6, Max: 30}
	tr2, err := NewTracker("1", set2, false, testSearchParams(), testTrackParams(), ep, testLogger())
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	tr2.Track(starField(t, "1", []testStar{{100, 100, 1000, 4}}))
	a2, _ := set2.Get("1")
	if a2.R1 != 6 {
		t.Fatalf("expected r1 clamped to 6, got %.4f", a2.R1)
	}
}

func TestTrackerFixedLocation(t *testing.T) {
	set := aperture.NewSet()
	mustAdd(t, set, "1", aperture.New(50, 50, 8, 13, 20, false))
	tr, err := NewTracker("1", set, true, testSearchParams(), testTrackParams(), testExtractParams(), testLogger())
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	// The star sits elsewhere; a fixed tracker must not care.
	out := tr.Track(starField(t, "1", []testStar{{70, 50, 400, 4}}))
	if out.Aborted || len(out.Fits) != 0 || len(out.Status) != 0 {
		t.Fatalf("expected an empty outcome, got %+v", out)
	}
	a, _ := set.Get("1")
	if a.X != 50 || a.Y != 50 {
		t.Fatalf("expected the aperture untouched, got (%.4f, %.4f)", a.X, a.Y)
	}
}

func TestNewTrackerClampsFixedRadii(t *testing.T) {
	set := aperture.NewSet()
	mustAdd(t, set, "1", aperture.New(50, 50, 8, 13, 20, false))
	ep := testExtractParams()
	ep.R = RadiusScale{Fac: 1.8, Min: 3, Max: 6}
	ep.SInner = RadiusScale{Fac: 2.5, Min: 14, Max: 40}
	ep.SOuter = RadiusScale{Fac: 3.5, Min: 3, Max: 18}
	if _, err := NewTracker("1", set, false, testSearchParams(), testTrackParams(), ep, testLogger()); err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	a, _ := set.Get("1")
	if a.R1 != 6 || a.R2 != 14 || a.R3 != 18 {
		t.Fatalf("expected radii clamped to (6, 14, 18), got (%.1f, %.1f, %.1f)", a.R1, a.R2, a.R3)
	}
}

func TestNewTrackerRejectsBadInput(t *testing.T) {
	set := aperture.NewSet()
	a := aperture.New(10, 0, 8, 13, 20, false)
	a.LinkTo("2")
	b := aperture.New(-10, 0, 8, 13, 20, false)
	b.LinkTo("1")
	mustAdd(t, set, "1", a)
	mustAdd(t, set, "2", b)
	if _, err := NewTracker("1", set, false, testSearchParams(), testTrackParams(), testExtractParams(), testLogger()); !errors.Is(err, aperture.ErrLinkCycle) {
		t.Fatalf("expected ErrLinkCycle, got %v", err)
	}

	good := aperture.NewSet()
	mustAdd(t, good, "1", aperture.New(10, 10, 8, 13, 20, true))
	sp := testSearchParams()
	sp.SmoothFWHM = 0
	if _, err := NewTracker("1", good, false, sp, testTrackParams(), testExtractParams(), testLogger()); err == nil {
		t.Fatalf("expected error for zero smoothing fwhm")
	}
}
