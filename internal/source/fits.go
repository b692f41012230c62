package source

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/astrogo/fitsio"

	"photrack/internal/ccd"
)

// Frame files carry one primary HDU with the frame cards and one image
// HDU per window, named "<ccd>:<window>". Window geometry travels in
// integer cards, detector characteristics in float cards.
const (
	cardFrame    = "FRAME"
	cardTime     = "TIMSTAMP"
	cardExptime  = "EXPTIME"
	cardCCD      = "CCD"
	cardWindow   = "WINDOW"
	cardLLX      = "LLX"
	cardLLY      = "LLY"
	cardXBin     = "XBIN"
	cardYBin     = "YBIN"
	cardNSkip    = "NSKIP"
	cardGain     = "GAIN"
	cardReadOut  = "RNOISE"
	timestampFmt = time.RFC3339Nano
)

// ReadFrame decodes one frame file.
func ReadFrame(path string) (*ccd.Frame, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer f.Close()

	hdus := f.HDUs()
	if len(hdus) == 0 {
		return nil, fmt.Errorf("%s: no HDUs", path)
	}

	frame, err := decodePrimary(hdus[0].Header())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	for i, hdu := range hdus[1:] {
		img, ok := hdu.(fitsio.Image)
		if !ok {
			return nil, fmt.Errorf("%s: HDU %d is not an image", path, i+1)
		}
		if err := decodeWindow(frame, img); err != nil {
			return nil, fmt.Errorf("%s: HDU %d: %w", path, i+1, err)
		}
	}
	if len(frame.Labels()) == 0 {
		return nil, fmt.Errorf("%s: no window HDUs", path)
	}
	return frame, nil
}

func decodePrimary(hdr *fitsio.Header) (*ccd.Frame, error) {
	index, err := cardInt(hdr, cardFrame)
	if err != nil {
		return nil, err
	}
	ts, err := cardString(hdr, cardTime)
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(timestampFmt, ts)
	if err != nil {
		return nil, fmt.Errorf("card %s: %w", cardTime, err)
	}
	exptime, err := cardFloat(hdr, cardExptime)
	if err != nil {
		return nil, err
	}
	return ccd.NewFrame(index, t.UTC(), exptime), nil
}

func decodeWindow(frame *ccd.Frame, img fitsio.Image) error {
	hdr := img.Header()

	ccdLabel, err := cardString(hdr, cardCCD)
	if err != nil {
		return err
	}
	winLabel, err := cardString(hdr, cardWindow)
	if err != nil {
		return err
	}
	llx, err := cardInt(hdr, cardLLX)
	if err != nil {
		return err
	}
	lly, err := cardInt(hdr, cardLLY)
	if err != nil {
		return err
	}
	xbin, err := cardInt(hdr, cardXBin)
	if err != nil {
		return err
	}
	ybin, err := cardInt(hdr, cardYBin)
	if err != nil {
		return err
	}

	axes := hdr.Axes()
	if len(axes) != 2 {
		return fmt.Errorf("window %s:%s: want 2 axes, got %d", ccdLabel, winLabel, len(axes))
	}
	nx, ny := axes[0], axes[1]

	w, err := ccd.NewWindow(llx, lly, xbin, ybin, nx, ny)
	if err != nil {
		return fmt.Errorf("window %s:%s: %w", ccdLabel, winLabel, err)
	}
	if err := readPixels(img, hdr, w.Data); err != nil {
		return fmt.Errorf("window %s:%s: %w", ccdLabel, winLabel, err)
	}

	c, ok := frame.CCD(ccdLabel)
	if !ok {
		nskip, _ := cardInt(hdr, cardNSkip)
		gain, _ := cardFloat(hdr, cardGain)
		rnoise, _ := cardFloat(hdr, cardReadOut)
		c = ccd.NewCCD(ccdLabel, nskip, gain, rnoise)
		if err := frame.AddCCD(c); err != nil {
			return err
		}
	}
	return c.AddWindow(winLabel, w)
}

// readPixels decodes the image data into counts, honouring the
// BITPIX/BSCALE/BZERO scaling of integer formats.
func readPixels(img fitsio.Image, hdr *fitsio.Header, out []float32) error {
	bscale, bzero := 1.0, 0.0
	if v, err := cardFloat(hdr, "BSCALE"); err == nil {
		bscale = v
	}
	if v, err := cardFloat(hdr, "BZERO"); err == nil {
		bzero = v
	}

	n := len(out)
	switch bitpix := hdr.Bitpix(); bitpix {
	case -32:
		raw := make([]float32, n)
		if err := img.Read(&raw); err != nil {
			return err
		}
		if len(raw) != n {
			return fmt.Errorf("pixel count %d does not match axes %d", len(raw), n)
		}
		if bscale == 1 && bzero == 0 {
			copy(out, raw)
			return nil
		}
		for i, v := range raw {
			out[i] = float32(bzero + bscale*float64(v))
		}
	case -64:
		raw := make([]float64, n)
		if err := img.Read(&raw); err != nil {
			return err
		}
		if len(raw) != n {
			return fmt.Errorf("pixel count %d does not match axes %d", len(raw), n)
		}
		for i, v := range raw {
			out[i] = float32(bzero + bscale*v)
		}
	case 16:
		raw := make([]int16, n)
		if err := img.Read(&raw); err != nil {
			return err
		}
		if len(raw) != n {
			return fmt.Errorf("pixel count %d does not match axes %d", len(raw), n)
		}
		for i, v := range raw {
			out[i] = float32(bzero + bscale*float64(v))
		}
	case 32:
		raw := make([]int32, n)
		if err := img.Read(&raw); err != nil {
			return err
		}
		if len(raw) != n {
			return fmt.Errorf("pixel count %d does not match axes %d", len(raw), n)
		}
		for i, v := range raw {
			out[i] = float32(bzero + bscale*float64(v))
		}
	default:
		return fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
	return nil
}

// WriteFrame encodes a frame using the same layout ReadFrame expects.
// Pixels are written as float32; windows keep their in-memory order.
func WriteFrame(path string, frame *ccd.Frame) error {
	w, err := os.Create(path)
	if err != nil {
		return err
	}
	defer w.Close()

	f, err := fitsio.Create(w)
	if err != nil {
		return err
	}

	phdu, err := fitsio.NewPrimaryHDU(nil)
	if err != nil {
		return err
	}
	err = phdu.Header().Append(
		fitsio.Card{Name: cardFrame, Value: frame.Index, Comment: "frame number, 1-based"},
		fitsio.Card{Name: cardTime, Value: frame.Time.UTC().Format(timestampFmt), Comment: "mid-exposure time, UTC"},
		fitsio.Card{Name: cardExptime, Value: frame.Exptime, Comment: "exposure time, seconds"},
	)
	if err != nil {
		return err
	}
	if err := f.Write(phdu); err != nil {
		return err
	}

	for _, cl := range frame.Labels() {
		c, _ := frame.CCD(cl)
		for _, wl := range c.Labels() {
			win, _ := c.Window(wl)
			img := fitsio.NewImage(-32, []int{win.NX, win.NY})
			err = img.Header().Append(
				fitsio.Card{Name: "EXTNAME", Value: cl + ":" + wl},
				fitsio.Card{Name: cardCCD, Value: cl},
				fitsio.Card{Name: cardWindow, Value: wl},
				fitsio.Card{Name: cardLLX, Value: win.LLX, Comment: "lower-left x, unbinned, 1-based"},
				fitsio.Card{Name: cardLLY, Value: win.LLY, Comment: "lower-left y, unbinned, 1-based"},
				fitsio.Card{Name: cardXBin, Value: win.XBin},
				fitsio.Card{Name: cardYBin, Value: win.YBin},
				fitsio.Card{Name: cardNSkip, Value: c.NSkip},
				fitsio.Card{Name: cardGain, Value: c.Gain, Comment: "electrons per count"},
				fitsio.Card{Name: cardReadOut, Value: c.ReadNoise, Comment: "counts RMS"},
			)
			if err != nil {
				return err
			}
			data := append([]float32(nil), win.Data...)
			if err := img.Write(&data); err != nil {
				return err
			}
			if err := f.Write(img); err != nil {
				return err
			}
		}
	}

	return f.Close()
}

func findCard(hdr *fitsio.Header, name string) (*fitsio.Card, error) {
	card := hdr.Get(name)
	if card == nil {
		return nil, fmt.Errorf("card %s missing", name)
	}
	return card, nil
}

func cardString(hdr *fitsio.Header, name string) (string, error) {
	card, err := findCard(hdr, name)
	if err != nil {
		return "", err
	}
	s, ok := card.Value.(string)
	if !ok {
		return "", fmt.Errorf("card %s: want string, got %T", name, card.Value)
	}
	return strings.TrimSpace(s), nil
}

func cardInt(hdr *fitsio.Header, name string) (int, error) {
	card, err := findCard(hdr, name)
	if err != nil {
		return 0, err
	}
	switch v := card.Value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	}
	return 0, fmt.Errorf("card %s: want integer, got %T", name, card.Value)
}

func cardFloat(hdr *fitsio.Header, name string) (float64, error) {
	card, err := findCard(hdr, name)
	if err != nil {
		return 0, err
	}
	switch v := card.Value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	}
	return 0, fmt.Errorf("card %s: want number, got %T", name, card.Value)
}
