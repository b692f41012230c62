package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/astrogo/fitsio"

	"photrack/internal/ccd"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testFrame builds a two-CCD frame with windowed, binned geometry and
// deterministic pixel data.
func testFrame(t *testing.T, index int) *ccd.Frame {
	t.Helper()
	ts := time.Date(2026, 3, 14, 1, 59, 26, 535897932, time.UTC)
	frame := ccd.NewFrame(index, ts.Add(time.Duration(index)*time.Second), 2.5)

	for ci, cl := range []string{"1", "2"} {
		c := ccd.NewCCD(cl, ci, 1.1+float64(ci), 4.5)
		for wi, wl := range []string{"E1", "F1"} {
			w, err := ccd.NewWindow(11+100*wi, 21, 2, 1, 8, 6)
			if err != nil {
				t.Fatal(err)
			}
			for i := range w.Data {
				w.Data[i] = float32(index*1000 + ci*100 + wi*10 + i)
			}
			if err := c.AddWindow(wl, w); err != nil {
				t.Fatal(err)
			}
		}
		if err := frame.AddCCD(c); err != nil {
			t.Fatal(err)
		}
	}
	return frame
}

// writeTestFrame lands a frame file the way a well-behaved acquisition
// system does: full write to a temporary name, then a rename.
func writeTestFrame(t *testing.T, dir, prefix string, index int) *ccd.Frame {
	t.Helper()
	frame := testFrame(t, index)
	tmp := filepath.Join(dir, "partial.tmp")
	if err := WriteFrame(tmp, frame); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := os.Rename(tmp, framePath(dir, prefix, index)); err != nil {
		t.Fatal(err)
	}
	return frame
}

func TestFrameRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run_0007.fits")
	orig := testFrame(t, 7)
	if err := WriteFrame(path, orig); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(path)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Index != orig.Index {
		t.Fatalf("index: got %d, want %d", got.Index, orig.Index)
	}
	if !got.Time.Equal(orig.Time) {
		t.Fatalf("time: got %v, want %v", got.Time, orig.Time)
	}
	if got.Exptime != orig.Exptime {
		t.Fatalf("exptime: got %g, want %g", got.Exptime, orig.Exptime)
	}
	if err := got.SameLayout(orig); err != nil {
		t.Fatalf("layout changed in round trip: %v", err)
	}

	for _, cl := range orig.Labels() {
		oc, _ := orig.CCD(cl)
		gc, ok := got.CCD(cl)
		if !ok {
			t.Fatalf("CCD %s missing", cl)
		}
		if gc.NSkip != oc.NSkip || gc.Gain != oc.Gain || gc.ReadNoise != oc.ReadNoise {
			t.Fatalf("CCD %s attributes: got %+v, want %+v", cl, gc, oc)
		}
		for _, wl := range oc.Labels() {
			ow, _ := oc.Window(wl)
			gw, ok := gc.Window(wl)
			if !ok {
				t.Fatalf("window %s:%s missing", cl, wl)
			}
			if !gw.SameGeometry(ow) {
				t.Fatalf("window %s:%s geometry: got %+v, want %+v", cl, wl, gw, ow)
			}
			for i := range ow.Data {
				if gw.Data[i] != ow.Data[i] {
					t.Fatalf("window %s:%s pixel %d: got %g, want %g", cl, wl, i, gw.Data[i], ow.Data[i])
				}
			}
		}
	}
}

func TestReadFrameRejectsForeignFITS(t *testing.T) {
	// An arbitrary FITS file without the frame cards is not a frame.
	path := filepath.Join(t.TempDir(), "other.fits")
	w, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	f, err := fitsio.Create(w)
	if err != nil {
		t.Fatal(err)
	}
	phdu, err := fitsio.NewPrimaryHDU(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Write(phdu); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	w.Close()

	if _, err := ReadFrame(path); err == nil || !strings.Contains(err.Error(), cardFrame) {
		t.Fatalf("expected a missing %s card error, got %v", cardFrame, err)
	}
}

func TestDirSourceSequence(t *testing.T) {
	dir := t.TempDir()
	for n := 1; n <= 3; n++ {
		writeTestFrame(t, dir, "run", n)
	}

	src, err := NewDir(dir, Options{}, testLogger())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	defer src.Close()

	if n, final := src.Count(); n != 3 || !final {
		t.Fatalf("Count: got (%d, %v), want (3, true)", n, final)
	}

	ctx := context.Background()
	for want := 1; want <= 3; want++ {
		frame, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d: %v", want, err)
		}
		if frame.Index != want {
			t.Fatalf("Next: got frame %d, want %d", frame.Index, want)
		}
	}
	if _, err := src.Next(ctx); !errors.Is(err, ErrEndOfRun) {
		t.Fatalf("Next past the end: got %v, want ErrEndOfRun", err)
	}
}

func TestDirSourceGet(t *testing.T) {
	dir := t.TempDir()
	for n := 1; n <= 2; n++ {
		writeTestFrame(t, dir, "run", n)
	}

	src, err := NewDir(dir, Options{Prefix: "run"}, testLogger())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	defer src.Close()

	ctx := context.Background()
	frame, err := src.Get(ctx, 2)
	if err != nil {
		t.Fatalf("Get 2: %v", err)
	}
	if frame.Index != 2 {
		t.Fatalf("Get: got frame %d", frame.Index)
	}
	if _, err := src.Get(ctx, 9); !errors.Is(err, ErrEndOfRun) {
		t.Fatalf("Get past a finished run: got %v, want ErrEndOfRun", err)
	}
	if _, err := src.Get(ctx, 0); err == nil {
		t.Fatal("Get 0: expected an error")
	}
}

func TestDirSourceSeek(t *testing.T) {
	dir := t.TempDir()
	for n := 1; n <= 3; n++ {
		writeTestFrame(t, dir, "run", n)
	}

	src, err := NewDir(dir, Options{}, testLogger())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	defer src.Close()

	src.Seek(3)
	frame, err := src.Next(context.Background())
	if err != nil {
		t.Fatalf("Next after Seek: %v", err)
	}
	if frame.Index != 3 {
		t.Fatalf("Next after Seek: got frame %d, want 3", frame.Index)
	}
}

func TestDirSourceWatchArrival(t *testing.T) {
	dir := t.TempDir()
	writeTestFrame(t, dir, "run", 1)

	src, err := NewDir(dir, Options{Watch: true, Wait: 10 * time.Millisecond, Max: 2 * time.Second}, testLogger())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	defer src.Close()

	ctx := context.Background()
	if _, err := src.Next(ctx); err != nil {
		t.Fatalf("Next 1: %v", err)
	}

	if n, final := src.Count(); n != 1 || final {
		t.Fatalf("Count while live: got (%d, %v), want (1, false)", n, final)
	}

	// Frame 2 lands while Next is waiting for it.
	go func() {
		time.Sleep(50 * time.Millisecond)
		writeTestFrame(t, dir, "run", 2)
	}()

	start := time.Now()
	frame, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("Next 2: %v", err)
	}
	if frame.Index != 2 {
		t.Fatalf("Next 2: got frame %d", frame.Index)
	}
	if waited := time.Since(start); waited > time.Second {
		t.Fatalf("arrival wake took %v", waited)
	}
}

func TestDirSourceWatchTimeout(t *testing.T) {
	dir := t.TempDir()
	writeTestFrame(t, dir, "run", 1)

	src, err := NewDir(dir, Options{Watch: true, Wait: 10 * time.Millisecond, Max: 60 * time.Millisecond}, testLogger())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	defer src.Close()

	ctx := context.Background()
	if _, err := src.Next(ctx); err != nil {
		t.Fatalf("Next 1: %v", err)
	}
	if _, err := src.Next(ctx); !errors.Is(err, ErrEndOfRun) {
		t.Fatalf("Next after patience ran out: got %v, want ErrEndOfRun", err)
	}
}

func TestDirSourceWatchCancel(t *testing.T) {
	dir := t.TempDir()
	src, err := NewDir(dir, Options{Watch: true, Wait: 10 * time.Millisecond, Max: 10 * time.Second}, testLogger())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	if _, err := src.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Next after cancel: got %v, want context.Canceled", err)
	}
}

func TestDirSourceRejectsWrongFrameNumber(t *testing.T) {
	dir := t.TempDir()
	frame := testFrame(t, 5)
	if err := WriteFrame(framePath(dir, "run", 2), frame); err != nil {
		t.Fatal(err)
	}

	src, err := NewDir(dir, Options{Prefix: "run"}, testLogger())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	defer src.Close()

	if _, err := src.Get(context.Background(), 2); err == nil {
		t.Fatal("expected a frame number mismatch error")
	}
}

func TestDirSourceEmptyStaticDir(t *testing.T) {
	if _, err := NewDir(t.TempDir(), Options{}, testLogger()); err == nil {
		t.Fatal("expected an error for an empty run directory")
	}
}

func TestParseFrameName(t *testing.T) {
	cases := []struct {
		name   string
		prefix string
		n      int
		ok     bool
	}{
		{"run_0001.fits", "run", 1, true},
		{"2026-03-14_0042.fits", "2026-03-14", 42, true},
		{"run_12345.fits", "run", 12345, true},
		{"run_0001.fit", "", 0, false},
		{"run0001.fits", "", 0, false},
		{"run_01.fits", "", 0, false},
		{"bias.fits", "", 0, false},
		{"_0001.fits", "", 0, false},
	}
	for _, tc := range cases {
		prefix, n, ok := parseFrameName(tc.name)
		if prefix != tc.prefix || n != tc.n || ok != tc.ok {
			t.Errorf("parseFrameName(%q) = (%q, %d, %v), want (%q, %d, %v)",
				tc.name, prefix, n, ok, tc.prefix, tc.n, tc.ok)
		}
	}
}
