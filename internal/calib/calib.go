// Package calib applies bias, dark and flat corrections to raw frames
// and fills in detector noise characteristics the run headers lack.
package calib

import (
	"fmt"
	"log/slog"

	"photrack/internal/ccd"
	"photrack/internal/config"
	"photrack/internal/source"
)

// Calibrator holds the master calibration frames for one run. Each is
// optional; a nil frame skips its correction. Apply mutates frames in
// place and is not safe for concurrent use.
type Calibrator struct {
	cfg  config.Calibration
	bias *ccd.Frame
	dark *ccd.Frame // counts per second, bias removed
	flat *ccd.Frame // normalised to unit mean
	log  *slog.Logger

	// Calibration windows cropped to the science layout, resolved on
	// first use. Keyed by kind, CCD and window label.
	crops map[string]*ccd.Window
}

// New loads the calibration frames the config names.
func New(cfg config.Calibration, log *slog.Logger) (*Calibrator, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &Calibrator{
		cfg:   cfg,
		log:   log,
		crops: make(map[string]*ccd.Window),
	}

	var err error
	if cfg.Bias != "" {
		if c.bias, err = loadFrame(cfg.Bias); err != nil {
			return nil, fmt.Errorf("bias: %w", err)
		}
		log.Info("bias frame loaded", "path", cfg.Bias)
	}
	if cfg.Dark != "" {
		if c.dark, err = loadFrame(cfg.Dark); err != nil {
			return nil, fmt.Errorf("dark: %w", err)
		}
		log.Info("dark frame loaded", "path", cfg.Dark)
	}
	if cfg.Flat != "" {
		if c.flat, err = loadFrame(cfg.Flat); err != nil {
			return nil, fmt.Errorf("flat: %w", err)
		}
		log.Info("flat frame loaded", "path", cfg.Flat)
	}
	return c, nil
}

func loadFrame(path string) (*ccd.Frame, error) {
	expanded, err := config.ExpandUser(path)
	if err != nil {
		return nil, err
	}
	return source.ReadFrame(expanded)
}

// Apply calibrates one frame in place:
//
//	pix = (pix - bias - dark*exptime) / flat
//
// skipping the terms whose frames are not loaded, then defaults each
// CCD's gain and read noise from the config when the headers carry
// none. Flat pixels at or below zero zero the output pixel; dead
// regions belong in the exclusion masks, not here.
func (c *Calibrator) Apply(f *ccd.Frame) error {
	for _, cl := range f.Labels() {
		sci, _ := f.CCD(cl)
		for _, wl := range sci.Labels() {
			win, _ := sci.Window(wl)

			bias, err := c.crop("bias", c.bias, cl, wl, win)
			if err != nil {
				return err
			}
			dark, err := c.crop("dark", c.dark, cl, wl, win)
			if err != nil {
				return err
			}
			flat, err := c.crop("flat", c.flat, cl, wl, win)
			if err != nil {
				return err
			}

			for i := range win.Data {
				v := float64(win.Data[i])
				if bias != nil {
					v -= float64(bias.Data[i])
				}
				if dark != nil {
					v -= float64(dark.Data[i]) * f.Exptime
				}
				if flat != nil {
					if fv := float64(flat.Data[i]); fv > 0 {
						v /= fv
					} else {
						v = 0
					}
				}
				win.Data[i] = float32(v)
			}
		}

		if sci.Gain <= 0 {
			sci.Gain = c.cfg.GainFor(cl)
		}
		if sci.ReadNoise <= 0 {
			sci.ReadNoise = c.cfg.ReadoutFor(cl)
		}
	}
	return nil
}

// crop returns the calibration window matching a science window,
// cutting a larger calibration window down when the layouts differ.
// Results are cached per science window label.
func (c *Calibrator) crop(kind string, cal *ccd.Frame, ccdLabel, winLabel string, sci *ccd.Window) (*ccd.Window, error) {
	if cal == nil {
		return nil, nil
	}
	key := kind + ":" + ccdLabel + ":" + winLabel
	if w, ok := c.crops[key]; ok && w.SameGeometry(sci) {
		return w, nil
	}

	cc, ok := cal.CCD(ccdLabel)
	if !ok {
		return nil, fmt.Errorf("%s frame has no CCD %s", kind, ccdLabel)
	}
	for _, wl := range cc.Labels() {
		cw, _ := cc.Window(wl)
		out, ok := cropWindow(cw, sci)
		if !ok {
			continue
		}
		c.crops[key] = out
		return out, nil
	}
	return nil, fmt.Errorf("%s frame cannot cover window %s:%s (llx %d, lly %d, %dx%d binned %dx%d)",
		kind, ccdLabel, winLabel, sci.LLX, sci.LLY, sci.NX, sci.NY, sci.XBin, sci.YBin)
}

// cropWindow cuts the part of cal that covers sci. It requires equal
// binning, full coverage, and the two pixel grids in phase.
func cropWindow(cal, sci *ccd.Window) (*ccd.Window, bool) {
	if cal.XBin != sci.XBin || cal.YBin != sci.YBin {
		return nil, false
	}
	if cal.SameGeometry(sci) {
		return cal, true
	}
	dx := sci.LLX - cal.LLX
	dy := sci.LLY - cal.LLY
	if dx < 0 || dy < 0 || dx%cal.XBin != 0 || dy%cal.YBin != 0 {
		return nil, false
	}
	ix0 := dx / cal.XBin
	iy0 := dy / cal.YBin
	if ix0+sci.NX > cal.NX || iy0+sci.NY > cal.NY {
		return nil, false
	}

	out, err := ccd.NewWindow(sci.LLX, sci.LLY, sci.XBin, sci.YBin, sci.NX, sci.NY)
	if err != nil {
		return nil, false
	}
	for iy := 0; iy < sci.NY; iy++ {
		src := cal.Data[(iy0+iy)*cal.NX+ix0 : (iy0+iy)*cal.NX+ix0+sci.NX]
		copy(out.Data[iy*sci.NX:(iy+1)*sci.NX], src)
	}
	return out, true
}
