package reduce

import (
	"fmt"

	"gonum.org/v1/gonum/dsp/fourier"
)

// fwhmToSigma converts a Gaussian FWHM to its standard deviation,
// 2*sqrt(2*ln 2).
const fwhmToSigma = 2.3548200450309493

// Smoother applies a separable Gaussian blur to a 2D cutout. It is
// used to suppress noise and cosmic rays before locating a target. The
// direct and FFT paths compute the same zero-padded linear
// convolution, so swapping them never moves a detected peak.
type Smoother struct {
	useFFT bool
	half   int
	kern   []float64
}

// NewSmoother builds a smoother for the given FWHM in pixels of the
// grid it will be applied to. The kernel extends to three sigma either
// side and is normalized to unit sum.
func NewSmoother(fwhm float64, useFFT bool) (*Smoother, error) {
	if fwhm <= 0 {
		return nil, fmt.Errorf("smoothing fwhm must be positive, got %g", fwhm)
	}
	sigma := fwhm / fwhmToSigma
	half := int(3*sigma) + 1
	kern := make([]float64, 2*half+1)
	var sum float64
	for i := range kern {
		d := float64(i - half)
		v := gaussianWeight(d, sigma)
		kern[i] = v
		sum += v
	}
	for i := range kern {
		kern[i] /= sum
	}
	return &Smoother{useFFT: useFFT, half: half, kern: kern}, nil
}

// Smooth convolves a row-major ny by nx cutout with the kernel along
// both axes and returns a new slice. Pixels beyond the cutout edge
// count as zero.
func (s *Smoother) Smooth(data []float64, ny, nx int) []float64 {
	if len(data) != ny*nx {
		panic(fmt.Sprintf("smooth: %d values for %dx%d cutout", len(data), ny, nx))
	}
	out := make([]float64, len(data))

	rowConv := s.convolver(nx)
	row := make([]float64, nx)
	for iy := 0; iy < ny; iy++ {
		copy(row, data[iy*nx:(iy+1)*nx])
		copy(out[iy*nx:(iy+1)*nx], rowConv(row))
	}

	colConv := s.convolver(ny)
	col := make([]float64, ny)
	for ix := 0; ix < nx; ix++ {
		for iy := 0; iy < ny; iy++ {
			col[iy] = out[iy*nx+ix]
		}
		sm := colConv(col)
		for iy := 0; iy < ny; iy++ {
			out[iy*nx+ix] = sm[iy]
		}
	}
	return out
}

// convolver returns a 1D convolution for signals of length n, choosing
// the direct or FFT implementation.
func (s *Smoother) convolver(n int) func([]float64) []float64 {
	if !s.useFFT {
		return func(x []float64) []float64 {
			return convolveDirect(x, s.kern, s.half)
		}
	}
	// Zero padding to n+2*half turns the circular FFT product into
	// the linear convolution the direct path computes.
	l := n + 2*s.half
	fft := fourier.NewFFT(l)
	kp := make([]float64, l)
	copy(kp, s.kern)
	kc := fft.Coefficients(nil, kp)
	return func(x []float64) []float64 {
		xp := make([]float64, l)
		copy(xp, x)
		xc := fft.Coefficients(nil, xp)
		for i := range xc {
			xc[i] *= kc[i]
		}
		full := fft.Sequence(nil, xc)
		out := make([]float64, n)
		scale := 1 / float64(l)
		for i := range out {
			out[i] = full[i+s.half] * scale
		}
		return out
	}
}

func convolveDirect(x, kern []float64, half int) []float64 {
	n := len(x)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		var sum float64
		for m := -half; m <= half; m++ {
			j := i - m
			if j < 0 || j >= n {
				continue
			}
			sum += kern[m+half] * x[j]
		}
		out[i] = sum
	}
	return out
}
