package reduce

import (
	"errors"
	"fmt"
	"math"
)

// ErrNoPeak is returned when a search box holds no smoothed local
// maximum above the height threshold.
var ErrNoPeak = errors.New("no peak above threshold")

// searchPeak locates a target near (x0, y0) in a search cutout. The
// cutout is flattened by subtracting its median, smoothed to suppress
// noise and cosmic rays, and scanned for local maxima above heightMin.
// The threshold applies to the smoothed image, so it sits well below
// the raw peak height. Among qualifying peaks the one closest to
// (x0, y0) wins. The returned height is the raw peak value above the
// median background, a better seed for the profile fit than the
// smoothed one.
func searchPeak(c *Cutout, sm *Smoother, x0, y0, heightMin float64) (x, y, height float64, err error) {
	med := median(c.Data)
	sub := make([]float64, len(c.Data))
	for i, v := range c.Data {
		sub[i] = v - med
	}
	smoothed := sm.Smooth(sub, c.NY, c.NX)

	best := -1
	bestDist := math.Inf(1)
	for iy := 0; iy < c.NY; iy++ {
		for ix := 0; ix < c.NX; ix++ {
			idx := iy*c.NX + ix
			v := smoothed[idx]
			if v <= heightMin || !isLocalMax(smoothed, c.NX, c.NY, ix, iy) {
				continue
			}
			dx := c.XAt(ix) - x0
			dy := c.YAt(iy) - y0
			d := dx*dx + dy*dy
			if d < bestDist || (d == bestDist && v > smoothed[best]) {
				best = idx
				bestDist = d
			}
		}
	}
	if best < 0 {
		return 0, 0, 0, fmt.Errorf("search at (%.1f, %.1f): %w", x0, y0, ErrNoPeak)
	}
	iy := best / c.NX
	ix := best % c.NX
	return c.XAt(ix), c.YAt(iy), c.Data[best] - med, nil
}

// isLocalMax reports whether the pixel is at least as high as every
// in-bounds neighbour. Plateau pixels all qualify; the distance
// preference in searchPeak picks among them.
func isLocalMax(data []float64, nx, ny, ix, iy int) bool {
	v := data[iy*nx+ix]
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			jx, jy := ix+dx, iy+dy
			if jx < 0 || jx >= nx || jy < 0 || jy >= ny {
				continue
			}
			if data[jy*nx+jx] > v {
				return false
			}
		}
	}
	return true
}
