// Package source delivers the frames of a run, either from a complete
// directory or live while an acquisition system is still writing.
// Frame files are named <prefix>_NNNN.fits with 1-based, zero-padded
// numbers. Producers should write a frame to a temporary name and
// rename it into place; a file read mid-write can decode short.
package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"photrack/internal/ccd"
)

var (
	// ErrEndOfRun means no more frames will come.
	ErrEndOfRun = errors.New("end of run")
	// ErrNotYetAvailable means the frame is not on disk yet but the
	// run may still be growing.
	ErrNotYetAvailable = errors.New("frame not yet available")
)

// Source delivers the frames of one run in order.
type Source interface {
	// Next returns the next frame, waiting for it in live mode.
	Next(ctx context.Context) (*ccd.Frame, error)
	// Get returns frame n (1-based) without waiting.
	Get(ctx context.Context, n int) (*ccd.Frame, error)
	// Count reports how many frames are known and whether that number
	// is final.
	Count() (int, bool)
}

// Options configures a DirSource.
type Options struct {
	Prefix string        // frame file prefix; empty = detect from the directory
	Watch  bool          // wait for frames still being written
	Wait   time.Duration // pause between retries for a missing frame
	Max    time.Duration // total patience before calling end-of-run
}

const (
	defaultWait = time.Second
	defaultMax  = 10 * time.Second
)

// DirSource reads a run directory of frame files. In watch mode a
// missing next frame is retried every Wait until it arrives or Max
// passes without one, with a filesystem watcher cutting the retry
// sleeps short. Next is not safe for concurrent use; Get and Count
// are.
type DirSource struct {
	dir   string
	watch bool
	wait  time.Duration
	max   time.Duration

	mu     sync.Mutex
	prefix string

	pos     int
	watcher *dirWatcher
	log     *slog.Logger
}

// NewDir opens a run directory.
func NewDir(dir string, opts Options, log *slog.Logger) (*DirSource, error) {
	if log == nil {
		log = slog.Default()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: not a directory", dir)
	}

	s := &DirSource{
		dir:    dir,
		watch:  opts.Watch,
		wait:   opts.Wait,
		max:    opts.Max,
		prefix: opts.Prefix,
		log:    log,
	}
	if s.wait <= 0 {
		s.wait = defaultWait
	}
	if s.max < s.wait {
		s.max = defaultMax
	}

	if s.prefix == "" {
		// An empty directory is only acceptable when watching; the
		// prefix then resolves once the first frame lands.
		if err := s.ensurePrefix(); err != nil && !s.watch {
			return nil, err
		}
	}

	if s.watch {
		w, err := newDirWatcher(dir, log)
		if err != nil {
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
		s.watcher = w
	}
	return s, nil
}

// Close releases the directory watcher, if any.
func (s *DirSource) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Stop()
}

// Seek positions the source so the next call to Next returns frame n.
func (s *DirSource) Seek(n int) {
	if n < 1 {
		n = 1
	}
	s.pos = n - 1
}

// Next returns the next frame in sequence. In watch mode it waits for
// a missing frame, giving up after Max without an arrival; each
// returned frame restarts that clock for the following one.
func (s *DirSource) Next(ctx context.Context) (*ccd.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := s.pos + 1
	deadline := time.Now().Add(s.max)
	for {
		frame, err := s.read(n)
		switch {
		case err == nil:
			s.pos = n
			return frame, nil
		case !errors.Is(err, ErrNotYetAvailable):
			if !s.watch {
				return nil, err
			}
			// Live runs can expose a frame mid-write; treat decode
			// failures like absence until patience runs out.
			s.log.Warn("frame unreadable, retrying", "frame", n, "err", err)
		case !s.watch:
			return nil, ErrEndOfRun
		}

		if time.Now().After(deadline) {
			s.log.Info("no new frame arrived, treating run as finished",
				"frame", n, "waited", s.max)
			return nil, ErrEndOfRun
		}

		timer := time.NewTimer(s.wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-s.watcher.Events:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Get returns frame n without waiting. A missing frame is
// ErrNotYetAvailable while the run can still grow, ErrEndOfRun once it
// cannot.
func (s *DirSource) Get(ctx context.Context, n int) (*ccd.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, fmt.Errorf("frame numbers are 1-based, got %d", n)
	}
	frame, err := s.read(n)
	if errors.Is(err, ErrNotYetAvailable) && !s.watch {
		return nil, ErrEndOfRun
	}
	return frame, err
}

// Count reports the frames reachable from the start of the run.
func (s *DirSource) Count() (int, bool) {
	if err := s.ensurePrefix(); err != nil {
		return 0, !s.watch
	}
	indices, err := s.indices()
	if err != nil {
		return 0, !s.watch
	}
	// Frames count only while contiguous from 1; Next stops at a gap.
	n := 0
	for _, idx := range indices {
		if idx != n+1 {
			break
		}
		n++
	}
	return n, !s.watch
}

func (s *DirSource) read(n int) (*ccd.Frame, error) {
	if err := s.ensurePrefix(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	path := framePath(s.dir, s.prefix, n)
	s.mu.Unlock()

	frame, err := ReadFrame(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("frame %d: %w", n, ErrNotYetAvailable)
	}
	if err != nil {
		return nil, err
	}
	if frame.Index != n {
		return nil, fmt.Errorf("%s: carries frame number %d, want %d", path, frame.Index, n)
	}
	return frame, nil
}

// ensurePrefix resolves the frame file prefix from the directory when
// none was configured.
func (s *DirSource) ensurePrefix() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefix != "" {
		return nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if prefix, _, ok := parseFrameName(e.Name()); ok {
			s.prefix = prefix
			s.log.Debug("detected frame prefix", "dir", s.dir, "prefix", prefix)
			return nil
		}
	}
	if s.watch {
		return fmt.Errorf("%s: %w", s.dir, ErrNotYetAvailable)
	}
	return fmt.Errorf("%s: no frame files found", s.dir)
}

// indices lists the frame numbers present, sorted.
func (s *DirSource) indices() ([]int, error) {
	s.mu.Lock()
	prefix := s.prefix
	s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p, n, ok := parseFrameName(e.Name())
		if ok && p == prefix {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out, nil
}

func framePath(dir, prefix string, n int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%04d.fits", prefix, n))
}

// parseFrameName splits "<prefix>_NNNN.fits" into its parts. Files
// that do not match, calibration frames included, are ignored.
func parseFrameName(name string) (prefix string, n int, ok bool) {
	base, found := strings.CutSuffix(name, ".fits")
	if !found {
		return "", 0, false
	}
	i := strings.LastIndex(base, "_")
	if i < 1 || i == len(base)-1 {
		return "", 0, false
	}
	digits := base[i+1:]
	if len(digits) < 4 {
		return "", 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return "", 0, false
	}
	return base[:i], n, true
}
