package reduce

import (
	"math"

	"photrack/internal/aperture"
	"photrack/internal/ccd"
)

// SkyParams configures sky estimation for a session.
type SkyParams struct {
	Method SkyMethod
	Error  SkyError
	Thresh float64 // clip threshold in sigma
}

// Limits are per-CCD warn levels in counts.
type Limits struct {
	Nonlinear  float64
	Saturation float64
}

// Extraction is one aperture's flux measurement on one frame.
type Extraction struct {
	Flux    float64
	FluxVar float64
	Sky     SkyEstimate
	NPix    int // target pixels summed
	Status  Status
}

// ExtractAperture measures the flux of one aperture at its resolved
// position (x, y). Target pixels lie within R1 of the centre or inside
// an extra circle; sky pixels lie in the R2..R3 annulus; mask circles
// and any exclusion regions remove pixels from both. With the optimal
// method pixels are weighted by the fitted profile shape, falling back
// to a straight sum when no fit is available. All failures degrade to
// status bits on the returned value.
func ExtractAperture(c *ccd.CCD, a *aperture.Aperture, x, y float64, method ExtractMethod, fit *FitResult, skyP SkyParams, limits Limits, regions []ccd.Region) Extraction {
	var ext Extraction
	_, w, ok := c.Find(x, y)
	if !ok {
		ext.Status = NoData | NoSky | NoExtraction
		return ext
	}

	xlo, ylo, xhi, yhi := w.Bounds()
	if x-a.R1 < xlo || x+a.R1 > xhi || y-a.R1 < ylo || y+a.R1 > yhi {
		ext.Status |= TargetAtEdge
	}
	if x-a.R3 < xlo || x+a.R3 > xhi || y-a.R3 < ylo || y+a.R3 > yhi {
		ext.Status |= SkyAtEdge
	}

	var excluded []bool
	if len(regions) > 0 {
		excluded = ccd.ApplyRegions(w, regions)
	}

	// Scan box must reach the sky annulus and any extra circles.
	reach := math.Max(a.R1, a.R3)
	for _, e := range a.Extra {
		if r := math.Hypot(e.XOff, e.YOff) + e.Radius; r > reach {
			reach = r
		}
	}
	ix0 := int(math.Ceil(w.XIndex(x - reach)))
	ix1 := int(math.Floor(w.XIndex(x + reach)))
	iy0 := int(math.Ceil(w.YIndex(y - reach)))
	iy1 := int(math.Floor(w.YIndex(y + reach)))
	if ix0 < 0 {
		ix0 = 0
	}
	if ix1 > w.NX-1 {
		ix1 = w.NX - 1
	}
	if iy0 < 0 {
		iy0 = 0
	}
	if iy1 > w.NY-1 {
		iy1 = w.NY - 1
	}
	if ix0 > ix1 || iy0 > iy1 {
		ext.Status |= NoData | NoSky | NoExtraction
		return ext
	}

	var tVals, tX, tY, sVals []float64
	for iy := iy0; iy <= iy1; iy++ {
		py := w.YOf(iy)
		for ix := ix0; ix <= ix1; ix++ {
			if excluded != nil && excluded[iy*w.NX+ix] {
				continue
			}
			px := w.XOf(ix)
			d := math.Hypot(px-x, py-y)

			masked := false
			for _, m := range a.Mask {
				if math.Hypot(px-(x+m.XOff), py-(y+m.YOff)) <= m.Radius {
					masked = true
					break
				}
			}
			if masked {
				continue
			}

			v := float64(w.At(ix, iy))
			if d >= a.R2 && d <= a.R3 {
				sVals = append(sVals, v)
			}

			inTarget := d <= a.R1
			if !inTarget {
				for _, e := range a.Extra {
					if math.Hypot(px-(x+e.XOff), py-(y+e.YOff)) <= e.Radius {
						inTarget = true
						break
					}
				}
			}
			if inTarget {
				tVals = append(tVals, v)
				tX = append(tX, px)
				tY = append(tY, py)
			}
		}
	}

	if len(sVals) == 0 {
		ext.Status |= NoSky
	} else if est, err := EstimateSky(sVals, skyP.Method, skyP.Error, skyP.Thresh, c.ReadNoise, c.Gain); err != nil {
		ext.Status |= NoSky
	} else {
		ext.Sky = est
	}

	if len(tVals) == 0 {
		ext.Status |= NoData | NoExtraction
		return ext
	}
	ext.NPix = len(tVals)

	for _, v := range tVals {
		if v >= limits.Saturation {
			ext.Status |= TargetSaturated
		}
		if v >= limits.Nonlinear {
			ext.Status |= TargetNonlinear
		}
	}

	if method == ExtractOptimal && fit == nil {
		method = ExtractNormal
		ext.Status |= NoFwhm
	}

	gain, rn := c.Gain, c.ReadNoise
	switch method {
	case ExtractOptimal:
		// Naylor profile weighting with the fitted shape re-centred on
		// the extraction position. The shape is normalized to unit sum
		// over the aperture so the estimator returns the aperture flux,
		// matching the normal method on noiseless data.
		var sumS, sumSD, sumS2, sumS2V float64
		for i, v := range tVals {
			s := fit.ShapeAt(x, y, tX[i], tY[i])
			sumS += s
			sumSD += s * (v - ext.Sky.Level)
			sumS2 += s * s
			sumS2V += s * s * (rn*rn + math.Max(v, 0)/gain + ext.Sky.Var)
		}
		if sumS2 <= 0 {
			ext.Status |= NoExtraction
			return ext
		}
		ext.Flux = sumS * sumSD / sumS2
		ext.FluxVar = sumS * sumS * sumS2V / (sumS2 * sumS2)
	default:
		for _, v := range tVals {
			ext.Flux += v - ext.Sky.Level
			ext.FluxVar += rn*rn + math.Max(v, 0)/gain
		}
		ext.FluxVar += float64(len(tVals)) * ext.Sky.Var
	}
	return ext
}
