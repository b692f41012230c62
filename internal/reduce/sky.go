package reduce

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// ErrTooFewPixels is returned when an estimate or fit has fewer usable
// pixels than free parameters.
var ErrTooFewPixels = errors.New("too few pixels")

// maxSkyIters bounds the clipped-mean rejection loop.
const maxSkyIters = 20

// SkyMethod selects how the sky level is estimated from annulus pixels.
type SkyMethod int

const (
	// SkyClipped iterates a mean with sigma rejection of outliers.
	SkyClipped SkyMethod = iota
	// SkyMedian takes the plain median of the annulus pixels.
	SkyMedian
)

// ParseSkyMethod maps a config token to a SkyMethod.
func ParseSkyMethod(s string) (SkyMethod, error) {
	switch s {
	case "clipped":
		return SkyClipped, nil
	case "median":
		return SkyMedian, nil
	}
	return 0, fmt.Errorf("unknown sky method %q (want clipped or median)", s)
}

func (m SkyMethod) String() string {
	if m == SkyMedian {
		return "median"
	}
	return "clipped"
}

// SkyError selects how the uncertainty of the sky level is computed.
type SkyError int

const (
	// SkyErrorVariance uses the sample variance of the accepted pixels.
	// Only meaningful for the clipped method.
	SkyErrorVariance SkyError = iota
	// SkyErrorPhoton propagates read noise and photon noise at the
	// estimated level.
	SkyErrorPhoton
)

// ParseSkyError maps a config token to a SkyError.
func ParseSkyError(s string) (SkyError, error) {
	switch s {
	case "variance":
		return SkyErrorVariance, nil
	case "photon":
		return SkyErrorPhoton, nil
	}
	return 0, fmt.Errorf("unknown sky error method %q (want variance or photon)", s)
}

func (e SkyError) String() string {
	if e == SkyErrorPhoton {
		return "photon"
	}
	return "variance"
}

// SkyEstimate is the per-aperture sky determination.
type SkyEstimate struct {
	Level float64 // counts per pixel
	RMS   float64 // scatter of the accepted pixels
	Var   float64 // variance of Level itself
	N     int     // pixels used
	NRej  int     // pixels clipped away
}

// EstimateSky determines the sky level from annulus pixel values.
// Clipped mode iterates a mean, rejecting pixels more than thresh
// sigma from it, until no pixel is rejected or the iteration cap is
// hit. Median mode is robust without iteration but its level variance
// can only be modelled from photon statistics, so it rejects the
// variance error method. readNoise is in counts, gain in electrons
// per count.
func EstimateSky(vals []float64, method SkyMethod, errMethod SkyError, thresh, readNoise, gain float64) (SkyEstimate, error) {
	if len(vals) == 0 {
		return SkyEstimate{}, fmt.Errorf("sky estimate: %w (none usable)", ErrTooFewPixels)
	}
	if len(vals) == 1 {
		// A lone pixel still gives a level; only photon statistics can
		// price it.
		return SkyEstimate{
			Level: vals[0],
			Var:   photonVar(vals[0], readNoise, gain, 1),
			N:     1,
		}, nil
	}

	switch method {
	case SkyMedian:
		if errMethod == SkyErrorVariance {
			return SkyEstimate{}, errors.New("sky estimate: variance errors require the clipped method")
		}
		level := median(vals)
		return SkyEstimate{
			Level: level,
			RMS:   stat.StdDev(vals, nil),
			Var:   photonVar(level, readNoise, gain, len(vals)),
			N:     len(vals),
		}, nil

	case SkyClipped:
		work := append([]float64(nil), vals...)
		for iter := 0; iter < maxSkyIters; iter++ {
			m, s := stat.MeanStdDev(work, nil)
			if s <= 0 {
				break
			}
			var keep []float64
			for _, v := range work {
				if math.Abs(v-m) <= thresh*s {
					keep = append(keep, v)
				}
			}
			// Clipping stops rather than erroring when it would leave
			// too few pixels to measure scatter from.
			if len(keep) == len(work) || len(keep) < 2 {
				break
			}
			work = keep
		}
		m, s := stat.MeanStdDev(work, nil)
		n := len(work)
		est := SkyEstimate{Level: m, RMS: s, N: n, NRej: len(vals) - n}
		if errMethod == SkyErrorVariance {
			est.Var = s * s / float64(n)
		} else {
			est.Var = photonVar(m, readNoise, gain, n)
		}
		return est, nil
	}
	return SkyEstimate{}, fmt.Errorf("unknown sky method %d", method)
}

// photonVar is the variance of a mean of n pixels from read and photon
// noise at the given level. Negative levels contribute no photon term.
func photonVar(level, readNoise, gain float64, n int) float64 {
	return (readNoise*readNoise + math.Max(level, 0)/gain) / float64(n)
}
