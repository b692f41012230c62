package reduce

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrFitConverge is returned when the least-squares iteration runs
	// out of budget or cannot find a downhill step.
	ErrFitConverge = errors.New("profile fit did not converge")
	// ErrFitHeight is returned when the fitted peak height falls below
	// the acceptance minimum. The fit itself may be fine; the target is
	// just too faint to trust.
	ErrFitHeight = errors.New("fitted height below minimum")
)

const (
	maxFitIters     = 100
	maxRejectPasses = 5
	fitTol          = 1e-7
	maxLambda       = 1e10
)

// FitMethod selects the 2D profile shape.
type FitMethod int

const (
	FitGaussian FitMethod = iota
	FitMoffat
)

// ParseFitMethod maps a config token to a FitMethod.
func ParseFitMethod(s string) (FitMethod, error) {
	switch s {
	case "gaussian":
		return FitGaussian, nil
	case "moffat":
		return FitMoffat, nil
	}
	return 0, fmt.Errorf("unknown fit method %q (want gaussian or moffat)", s)
}

func (m FitMethod) String() string {
	if m == FitMoffat {
		return "moffat"
	}
	return "gaussian"
}

// FitParams configures one profile fit. HeightMin differs between
// reference and non-reference targets, so the caller sets it per fit.
type FitParams struct {
	Method    FitMethod
	FWHM      float64 // initial guess, unbinned pixels
	FWHMMin   float64 // below this the result is flagged, not rejected
	FWHMFixed bool    // hold the width (and Moffat exponent) at the initial value
	Beta      float64 // initial Moffat exponent
	BetaMax   float64 // clamp for runaway exponents
	HeightMin float64 // reject fits with peaks below this
	Thresh    float64 // RMS multiple for outlier pixel rejection
	NDiv      int     // sub-pixel averaging factor, 0 = pixel centres
}

// FitResult is a refined profile. FWHM and Beta stay meaningful even
// when flagged; callers decide what to do with flagged values.
type FitResult struct {
	Method      FitMethod
	X, Y        float64
	Height      float64
	FWHM        float64
	Beta        float64 // zero for Gaussian fits
	Sky         float64
	RMS         float64 // residual RMS per degree of freedom
	NUsed       int
	NRejected   int
	FWHMAtFloor bool
	BetaClamped bool
}

// Shape evaluates the fitted profile at unit height and zero sky.
// Used as the pixel weight for optimal extraction.
func (r FitResult) Shape(x, y float64) float64 {
	return r.ShapeAt(r.X, r.Y, x, y)
}

// ShapeAt evaluates the fitted shape as if the profile were centred at
// (cx, cy). Linked apertures weight pixels with their parent's profile
// moved onto their own position.
func (r FitResult) ShapeAt(cx, cy, x, y float64) float64 {
	dx := x - cx
	dy := y - cy
	q := dx*dx + dy*dy
	if r.Method == FitMoffat {
		alpha := moffatAlpha(r.FWHM, r.Beta)
		return math.Pow(1+q/(alpha*alpha), -r.Beta)
	}
	sigma := r.FWHM / fwhmToSigma
	return math.Exp(-q / (2 * sigma * sigma))
}

// gaussianWeight is the 1D Gaussian profile at distance d.
func gaussianWeight(d, sigma float64) float64 {
	return math.Exp(-d * d / (2 * sigma * sigma))
}

// moffatAlpha converts a FWHM and exponent to the Moffat scale radius.
func moffatAlpha(fwhm, beta float64) float64 {
	return fwhm / (2 * math.Sqrt(math.Pow(2, 1/beta)-1))
}

// moffatFWHM is the inverse of moffatAlpha.
func moffatFWHM(alpha, beta float64) float64 {
	return 2 * alpha * math.Sqrt(math.Pow(2, 1/beta)-1)
}

// FitProfile fits a 2D Gaussian or Moffat plus constant background to
// a cutout by damped least squares, with bounded passes of RMS outlier
// rejection. sky0, height0, x0, y0 seed the fit; the width seeds come
// from fp. Rejected fits return ErrFitHeight or ErrFitConverge; a
// too-small cutout returns ErrTooFewPixels.
func FitProfile(c *Cutout, sky0, height0, x0, y0 float64, fp FitParams) (FitResult, error) {
	if fp.FWHM <= 0 {
		return FitResult{}, fmt.Errorf("profile fit: initial fwhm must be positive, got %g", fp.FWHM)
	}
	if fp.Method == FitMoffat && fp.Beta <= 0 {
		return FitResult{}, fmt.Errorf("profile fit: moffat beta must be positive, got %g", fp.Beta)
	}

	model := &profile{method: fp.Method, fwhmFixed: fp.FWHMFixed}
	var p []float64
	switch {
	case fp.FWHMFixed && fp.Method == FitMoffat:
		model.alpha = moffatAlpha(fp.FWHM, fp.Beta)
		model.beta = fp.Beta
		p = []float64{sky0, height0, x0, y0}
	case fp.FWHMFixed:
		model.sigma = fp.FWHM / fwhmToSigma
		p = []float64{sky0, height0, x0, y0}
	case fp.Method == FitMoffat:
		p = []float64{sky0, height0, x0, y0, moffatAlpha(fp.FWHM, fp.Beta), fp.Beta}
	default:
		p = []float64{sky0, height0, x0, y0, fp.FWHM / fwhmToSigma}
	}

	np := len(p)
	if len(c.Data) < np+1 {
		return FitResult{}, fmt.Errorf("profile fit: %w (%d pixels for %d parameters)", ErrTooFewPixels, len(c.Data), np)
	}

	f := &fitter{
		c:      c,
		model:  model,
		params: fp,
		p:      p,
		used:   make([]bool, len(c.Data)),
		grad:   make([]float64, np),
		sub:    make([]float64, np),
	}
	for i := range f.used {
		f.used[i] = true
	}

	for pass := 0; ; pass++ {
		if err := f.lm(); err != nil {
			return FitResult{}, err
		}
		if pass >= maxRejectPasses || f.rejectOutliers() == 0 {
			break
		}
	}

	rms, nUsed := f.stats()
	res := FitResult{
		Method:    fp.Method,
		Sky:       f.p[0],
		Height:    f.p[1],
		X:         f.p[2],
		Y:         f.p[3],
		RMS:       rms,
		NUsed:     nUsed,
		NRejected: len(c.Data) - nUsed,
	}
	if fp.Method == FitMoffat {
		alpha, beta := model.alpha, model.beta
		if !fp.FWHMFixed {
			alpha, beta = math.Abs(f.p[4]), f.p[5]
		}
		if fp.BetaMax > 0 && beta > fp.BetaMax {
			beta = fp.BetaMax
			res.BetaClamped = true
		}
		res.Beta = beta
		res.FWHM = moffatFWHM(alpha, beta)
	} else {
		sigma := model.sigma
		if !fp.FWHMFixed {
			sigma = math.Abs(f.p[4])
		}
		res.FWHM = fwhmToSigma * sigma
	}

	if res.Height < fp.HeightMin {
		return res, fmt.Errorf("profile fit at (%.1f, %.1f): %w (%.2f < %.2f)",
			res.X, res.Y, ErrFitHeight, res.Height, fp.HeightMin)
	}
	if res.FWHM < fp.FWHMMin {
		res.FWHMAtFloor = true
	}
	return res, nil
}

// profile evaluates a Gaussian or Moffat plus background and its
// gradient with respect to the free parameters. The free vector is
// [sky, height, xc, yc] plus [sigma] (Gaussian) or [alpha, beta]
// (Moffat) unless the width is fixed.
type profile struct {
	method    FitMethod
	fwhmFixed bool
	sigma     float64
	alpha     float64
	beta      float64
}

func (m *profile) valid(p []float64) bool {
	if m.fwhmFixed {
		return true
	}
	if m.method == FitMoffat {
		return p[4] != 0 && p[5] > 0
	}
	return p[4] != 0
}

func (m *profile) eval(p []float64, x, y float64, grad []float64) float64 {
	dx := x - p[2]
	dy := y - p[3]
	q := dx*dx + dy*dy
	h := p[1]

	if m.method == FitMoffat {
		alpha, beta := m.alpha, m.beta
		if !m.fwhmFixed {
			alpha, beta = p[4], p[5]
		}
		a2 := alpha * alpha
		t := 1 + q/a2
		tb := math.Pow(t, -beta)
		grad[0] = 1
		grad[1] = tb
		common := 2 * beta * h * tb / (t * a2)
		grad[2] = common * dx
		grad[3] = common * dy
		if !m.fwhmFixed {
			grad[4] = common * q / alpha
			grad[5] = -h * tb * math.Log(t)
		}
		return p[0] + h*tb
	}

	sigma := m.sigma
	if !m.fwhmFixed {
		sigma = p[4]
	}
	s2 := sigma * sigma
	e := math.Exp(-q / (2 * s2))
	grad[0] = 1
	grad[1] = e
	grad[2] = h * e * dx / s2
	grad[3] = h * e * dy / s2
	if !m.fwhmFixed {
		grad[4] = h * e * q / (s2 * sigma)
	}
	return p[0] + h*e
}

// fitter holds the working state of one least-squares fit.
type fitter struct {
	c      *Cutout
	model  *profile
	params FitParams
	p      []float64
	used   []bool
	grad   []float64
	sub    []float64
}

// pixelEval evaluates the model averaged over one binned pixel. With
// NDiv > 0 the profile is sampled on an (xbin*ndiv) x (ybin*ndiv) grid
// across the pixel to account for pixellation of sharp profiles.
func (f *fitter) pixelEval(p []float64, ix, iy int, grad []float64) float64 {
	x := f.c.XAt(ix)
	y := f.c.YAt(iy)
	if f.params.NDiv <= 0 {
		return f.model.eval(p, x, y, grad)
	}

	nxs := f.c.XBin * f.params.NDiv
	nys := f.c.YBin * f.params.NDiv
	step := 1.0 / float64(f.params.NDiv)
	xs0 := x - 0.5*float64(f.c.XBin) + 0.5*step
	ys0 := y - 0.5*float64(f.c.YBin) + 0.5*step

	for j := range grad {
		grad[j] = 0
	}
	var sum float64
	for sy := 0; sy < nys; sy++ {
		yy := ys0 + float64(sy)*step
		for sx := 0; sx < nxs; sx++ {
			sum += f.model.eval(p, xs0+float64(sx)*step, yy, f.sub)
			for j := range grad {
				grad[j] += f.sub[j]
			}
		}
	}
	inv := 1.0 / float64(nxs*nys)
	for j := range grad {
		grad[j] *= inv
	}
	return sum * inv
}

func (f *fitter) chi2(p []float64) float64 {
	if !f.model.valid(p) {
		return math.Inf(1)
	}
	var sum float64
	idx := 0
	for iy := 0; iy < f.c.NY; iy++ {
		for ix := 0; ix < f.c.NX; ix++ {
			if f.used[idx] {
				r := f.c.Data[idx] - f.pixelEval(p, ix, iy, f.grad)
				sum += r * r
			}
			idx++
		}
	}
	if math.IsNaN(sum) {
		return math.Inf(1)
	}
	return sum
}

// normalEqs fills a = J'J and b = J'r over the used pixels and returns
// the current chi-squared.
func (f *fitter) normalEqs(a *mat.SymDense, b []float64) float64 {
	if !f.model.valid(f.p) {
		return math.Inf(1)
	}
	np := len(f.p)
	var sum float64
	idx := 0
	for iy := 0; iy < f.c.NY; iy++ {
		for ix := 0; ix < f.c.NX; ix++ {
			if f.used[idx] {
				m := f.pixelEval(f.p, ix, iy, f.grad)
				r := f.c.Data[idx] - m
				sum += r * r
				for j := 0; j < np; j++ {
					b[j] += f.grad[j] * r
					for k := j; k < np; k++ {
						a.SetSym(j, k, a.At(j, k)+f.grad[j]*f.grad[k])
					}
				}
			}
			idx++
		}
	}
	if math.IsNaN(sum) {
		return math.Inf(1)
	}
	return sum
}

// lm runs damped Gauss-Newton until the chi-squared improvement drops
// below tolerance.
func (f *fitter) lm() error {
	np := len(f.p)
	lambda := 1e-3
	for iter := 0; iter < maxFitIters; iter++ {
		a := mat.NewSymDense(np, nil)
		b := make([]float64, np)
		chi2 := f.normalEqs(a, b)
		if math.IsInf(chi2, 1) {
			return fmt.Errorf("profile fit: %w (model diverged)", ErrFitConverge)
		}
		for {
			damped := mat.NewSymDense(np, nil)
			damped.CopySym(a)
			for j := 0; j < np; j++ {
				damped.SetSym(j, j, a.At(j, j)*(1+lambda))
			}
			var chol mat.Cholesky
			if !chol.Factorize(damped) {
				lambda *= 10
				if lambda > maxLambda {
					return fmt.Errorf("profile fit: %w (singular normal equations)", ErrFitConverge)
				}
				continue
			}
			var step mat.VecDense
			if err := chol.SolveVecTo(&step, mat.NewVecDense(np, b)); err != nil {
				lambda *= 10
				if lambda > maxLambda {
					return fmt.Errorf("profile fit: %w (%v)", ErrFitConverge, err)
				}
				continue
			}
			trial := make([]float64, np)
			for j := range trial {
				trial[j] = f.p[j] + step.AtVec(j)
			}
			tchi2 := f.chi2(trial)
			if tchi2 <= chi2 {
				copy(f.p, trial)
				improved := chi2 - tchi2
				lambda = math.Max(lambda/10, 1e-12)
				if improved <= fitTol*math.Max(chi2, 1) {
					return nil
				}
				break
			}
			lambda *= 10
			if lambda > maxLambda {
				return fmt.Errorf("profile fit: %w (no downhill step)", ErrFitConverge)
			}
		}
	}
	return fmt.Errorf("profile fit: %w (iteration budget exhausted)", ErrFitConverge)
}

// rejectOutliers drops used pixels whose residual exceeds Thresh times
// the current RMS and reports how many were dropped. It never rejects
// below the minimum pixel count needed by the fit.
func (f *fitter) rejectOutliers() int {
	np := len(f.p)
	resid := make([]float64, len(f.c.Data))
	var sum float64
	n := 0
	idx := 0
	for iy := 0; iy < f.c.NY; iy++ {
		for ix := 0; ix < f.c.NX; ix++ {
			if f.used[idx] {
				r := f.c.Data[idx] - f.pixelEval(f.p, ix, iy, f.grad)
				resid[idx] = r
				sum += r * r
				n++
			}
			idx++
		}
	}
	if n <= np {
		return 0
	}
	rms := math.Sqrt(sum / float64(n-np))
	if rms <= 0 {
		return 0
	}
	limit := f.params.Thresh * rms
	var marks []int
	for i, ok := range f.used {
		if ok && math.Abs(resid[i]) > limit {
			marks = append(marks, i)
		}
	}
	if len(marks) == 0 || n-len(marks) < np+1 {
		return 0
	}
	for _, i := range marks {
		f.used[i] = false
	}
	return len(marks)
}

// stats returns the residual RMS per degree of freedom and the used
// pixel count for the current parameters.
func (f *fitter) stats() (float64, int) {
	np := len(f.p)
	var sum float64
	n := 0
	idx := 0
	for iy := 0; iy < f.c.NY; iy++ {
		for ix := 0; ix < f.c.NX; ix++ {
			if f.used[idx] {
				r := f.c.Data[idx] - f.pixelEval(f.p, ix, iy, f.grad)
				sum += r * r
				n++
			}
			idx++
		}
	}
	if n <= np {
		return 0, n
	}
	return math.Sqrt(sum / float64(n-np)), n
}
