package reduce

import (
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"photrack/internal/ccd"
)

// testLogger discards output; tests assert on returned values, not on
// what gets logged.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testStar is a synthetic Gaussian target.
type testStar struct {
	x, y, h, fwhm float64
}

// starField builds a single-window detector with the given stars on a
// flat sky of 20 counts.
func starField(t *testing.T, label string, stars []testStar) *ccd.CCD {
	t.Helper()
	w, err := ccd.NewWindow(1, 1, 1, 1, 200, 200)
	if err != nil {
		t.Fatalf("NewWindow: %v", err)
	}
	fillLevel(w, 20)
	for _, st := range stars {
		addGaussian(w, st.x, st.y, st.h, st.fwhm)
	}
	c := ccd.NewCCD(label, 0, 1, 3)
	if err := c.AddWindow("E1", w); err != nil {
		t.Fatalf("AddWindow: %v", err)
	}
	return c
}

// starFrame wraps one single-CCD star field into a frame.
func starFrame(t *testing.T, idx int, stars []testStar) *ccd.Frame {
	t.Helper()
	f := ccd.NewFrame(idx, time.Date(2026, 8, 25, 2, 0, 0, 0, time.UTC).Add(time.Duration(idx)*10*time.Second), 3)
	if err := f.AddCCD(starField(t, "1", stars)); err != nil {
		t.Fatalf("AddCCD: %v", err)
	}
	return f
}

func testSearchParams() SearchParams {
	return SearchParams{HalfWidth: 11, SmoothFWHM: 6}
}

func testTrackParams() TrackParams {
	return TrackParams{
		Method:       FitGaussian,
		FWHM:         5,
		FWHMMin:      1.5,
		HalfWidth:    21,
		Thresh:       5,
		HeightMinRef: 10,
		HeightMinNRF: 5,
		MaxShift:     15,
		Alpha:        1,
		Diff:         2,
	}
}

func testExtractParams() ExtractParams {
	return ExtractParams{
		Resize: ResizeFixed,
		Method: ExtractNormal,
		R:      RadiusScale{Fac: 1.8, Min: 3, Max: 30},
		SInner: RadiusScale{Fac: 2.5, Min: 3, Max: 40},
		SOuter: RadiusScale{Fac: 3.5, Min: 3, Max: 50},
	}
}

// fillLevel sets every pixel of a window to a constant sky level.
func fillLevel(w *ccd.Window, level float64) {
	for i := range w.Data {
		w.Data[i] = float32(level)
	}
}

// addGaussian adds a Gaussian star evaluated at pixel centres.
func addGaussian(w *ccd.Window, x, y, height, fwhm float64) {
	sigma := fwhm / fwhmToSigma
	for iy := 0; iy < w.NY; iy++ {
		dy := w.YOf(iy) - y
		for ix := 0; ix < w.NX; ix++ {
			dx := w.XOf(ix) - x
			v := height * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
			w.Set(ix, iy, w.At(ix, iy)+float32(v))
		}
	}
}

// addMoffat adds a Moffat star evaluated at pixel centres.
func addMoffat(w *ccd.Window, x, y, height, fwhm, beta float64) {
	alpha := moffatAlpha(fwhm, beta)
	for iy := 0; iy < w.NY; iy++ {
		dy := w.YOf(iy) - y
		for ix := 0; ix < w.NX; ix++ {
			dx := w.XOf(ix) - x
			q := dx*dx + dy*dy
			v := height * math.Pow(1+q/(alpha*alpha), -beta)
			w.Set(ix, iy, w.At(ix, iy)+float32(v))
		}
	}
}

// addGaussianSubsampled adds a Gaussian averaged over each binned pixel
// on an ndiv sub-grid, reproducing how sharp profiles pixellate.
func addGaussianSubsampled(w *ccd.Window, x, y, height, fwhm float64, ndiv int) {
	sigma := fwhm / fwhmToSigma
	nxs := w.XBin * ndiv
	nys := w.YBin * ndiv
	step := 1.0 / float64(ndiv)
	for iy := 0; iy < w.NY; iy++ {
		y0 := w.YOf(iy) - 0.5*float64(w.YBin) + 0.5*step
		for ix := 0; ix < w.NX; ix++ {
			x0 := w.XOf(ix) - 0.5*float64(w.XBin) + 0.5*step
			var sum float64
			for sy := 0; sy < nys; sy++ {
				dy := y0 + float64(sy)*step - y
				for sx := 0; sx < nxs; sx++ {
					dx := x0 + float64(sx)*step - x
					sum += math.Exp(-(dx*dx + dy*dy) / (2 * sigma * sigma))
				}
			}
			w.Set(ix, iy, w.At(ix, iy)+float32(height*sum/float64(nxs*nys)))
		}
	}
}
