// Package pipeline drives one reduction run: frames are fetched in
// order from a source, calibrated, reduced by a session, persisted and
// broadcast to subscribers. One Engine serves one run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"log/slog"

	"photrack/internal/calib"
	"photrack/internal/ccd"
	"photrack/internal/config"
	"photrack/internal/logging"
	"photrack/internal/reduce"
	"photrack/internal/source"
	"photrack/internal/storage"
)

// subBuffer is the per-subscriber channel depth; a subscriber that
// falls further behind than this loses records rather than stall the
// frame loop.
const subBuffer = 64

// Summary totals one finished run.
type Summary struct {
	RunID    string         `json:"runId"`
	Frames   int            `json:"frames"`
	Records  int            `json:"records"`
	Aborts   map[string]int `json:"aborts,omitempty"` // frames lost per CCD to reference divergence
	Duration time.Duration  `json:"duration"`
}

// Status is a point-in-time view of the engine, served over HTTP while
// a run is in flight.
type Status struct {
	RunID     string         `json:"runId"`
	Source    string         `json:"source"`
	Running   bool           `json:"running"`
	StartedAt time.Time      `json:"startedAt"`
	LastFrame int            `json:"lastFrame"`
	Frames    int            `json:"frames"`
	Records   int            `json:"records"`
	Aborts    map[string]int `json:"aborts,omitempty"`
}

// Engine owns the frame loop of one run. Frames are processed strictly
// in order; batching only changes how many are fetched between
// dispatches, never the results.
type Engine struct {
	id      string
	desc    string
	run     config.Run
	monitor map[string]reduce.Status
	src     source.Source
	cal     *calib.Calibrator
	sess    *reduce.Session
	store   *storage.Store
	log     *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once

	// fetched is loop state owned by the Run goroutine.
	fetched int

	mu        sync.Mutex
	running   bool
	started   time.Time
	lastFrame int
	frames    int
	records   int
	aborts    map[string]int
	closed    bool
	subs      map[int]chan reduce.Record
	nextSubID int
}

// New builds an engine for one run. desc names the frame origin (the
// run directory) for the run record and the logs. store may be nil for
// a storage-less run and cal may be nil when no calibration applies.
func New(cfg *config.Reduce, src source.Source, cal *calib.Calibrator, sess *reduce.Session, store *storage.Store, desc string, log *slog.Logger) (*Engine, error) {
	masks, err := cfg.MonitorMasks()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		id:      newID("run"),
		desc:    desc,
		run:     cfg.Run,
		monitor: masks,
		src:     src,
		cal:     cal,
		sess:    sess,
		store:   store,
		log:     log,
		stop:    make(chan struct{}),
		aborts:  make(map[string]int),
		subs:    make(map[int]chan reduce.Record),
	}, nil
}

// ID returns the run identifier minted for this engine.
func (e *Engine) ID() string { return e.id }

// Run drives the frame loop until the source ends, the context is
// canceled or Stop is called. All subscriber channels are closed when
// it returns.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	e.mu.Lock()
	e.running = true
	e.started = start
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		e.closeSubs()
	}()

	logging.LogRunStart(e.log, e.id, e.desc, e.run.First, e.run.Last)
	if err := e.store.CreateRun(e.id, e.desc); err != nil {
		return Summary{RunID: e.id}, fmt.Errorf("create run record: %w", err)
	}

	if e.run.First > 1 {
		if s, ok := e.src.(interface{ Seek(int) }); ok {
			s.Seek(e.run.First)
		}
	}

	ngroup := e.run.NGroup
	if ngroup < 1 {
		ngroup = 1
	}
	batch := make([]*ccd.Frame, 0, ngroup)

	var runErr error
	for runErr == nil {
		batch = batch[:0]
		var fillErr error
		for len(batch) < ngroup {
			frame, err := e.next(ctx)
			if err != nil {
				fillErr = err
				break
			}
			batch = append(batch, frame)
		}
		for _, frame := range batch {
			if err := ctx.Err(); err != nil {
				runErr = err
				break
			}
			if err := e.processFrame(frame); err != nil {
				runErr = err
				break
			}
		}
		if runErr == nil && fillErr != nil {
			if !errors.Is(fillErr, source.ErrEndOfRun) {
				runErr = fillErr
			}
			break
		}
	}

	dur := time.Since(start)
	e.mu.Lock()
	sum := Summary{
		RunID:    e.id,
		Frames:   e.frames,
		Records:  e.records,
		Aborts:   copyCounts(e.aborts),
		Duration: dur,
	}
	e.mu.Unlock()

	status := "completed"
	if runErr != nil {
		status = "failed"
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			status = "canceled"
		}
	}
	if err := e.store.FinishRun(e.id, sum.Frames, status); err != nil {
		e.log.Warn("could not finalize run record", "run", e.id, "err", err)
	}

	if runErr != nil {
		logging.LogRunError(e.log, e.id, sum.Frames, dur, runErr)
		return sum, runErr
	}
	logging.LogRunComplete(e.log, e.id, sum.Frames, sum.Records, dur)
	return sum, nil
}

// Stop ends the run early. It is safe to call from any goroutine and
// more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// next fetches the next frame inside the configured range. Frames
// before first are drained when the source cannot seek; the first
// frame past last ends the run without waiting for more.
func (e *Engine) next(ctx context.Context) (*ccd.Frame, error) {
	if e.run.Last > 0 && e.fetched >= e.run.Last {
		return nil, source.ErrEndOfRun
	}
	for {
		frame, err := e.src.Next(ctx)
		if err != nil {
			return nil, err
		}
		if frame.Index < e.run.First {
			continue
		}
		e.fetched = frame.Index
		if e.run.Last > 0 && frame.Index > e.run.Last {
			return nil, source.ErrEndOfRun
		}
		return frame, nil
	}
}

// processFrame runs calibrate, reduce, persist and broadcast for one
// frame.
func (e *Engine) processFrame(frame *ccd.Frame) error {
	if e.cal != nil {
		if err := e.cal.Apply(frame); err != nil {
			return fmt.Errorf("frame %d: %w", frame.Index, err)
		}
	}
	res, err := e.sess.Process(frame)
	if err != nil {
		return err
	}
	recs := e.collect(res)
	if err := e.store.InsertRecords(e.id, recs); err != nil {
		return fmt.Errorf("frame %d: persist records: %w", frame.Index, err)
	}
	logging.LogFrame(e.log, e.id, res)

	e.mu.Lock()
	e.frames++
	e.records += len(recs)
	e.lastFrame = frame.Index
	for i := range res.CCDs {
		if res.CCDs[i].Aborted {
			e.aborts[res.CCDs[i].CCD]++
		}
	}
	e.mu.Unlock()

	for i := range res.CCDs {
		cr := &res.CCDs[i]
		if cr.Aborted {
			e.log.Warn("reference fits diverged, positions held",
				"run", e.id, "frame", frame.Index, "ccd", cr.CCD)
		}
	}
	for i := range recs {
		rec := &recs[i]
		if mask, ok := e.monitor[rec.Aperture]; ok && rec.Status&mask != 0 {
			e.log.Warn("monitored aperture flagged",
				"run", e.id,
				"frame", rec.Frame,
				"ccd", rec.CCD,
				"aperture", rec.Aperture,
				"status", rec.Status.String(),
			)
		}
	}
	for i := range recs {
		e.broadcast(recs[i])
	}
	return nil
}

// collect flattens a frame's records, applying the configured time
// offset to each.
func (e *Engine) collect(res *reduce.FrameResult) []reduce.Record {
	off := e.run.TimeOffset()
	var recs []reduce.Record
	for i := range res.CCDs {
		for _, rec := range res.CCDs[i].Records {
			if off != 0 {
				rec.Time = rec.Time.Add(-off)
			}
			recs = append(recs, rec)
		}
	}
	return recs
}

// Status reports engine progress.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		RunID:     e.id,
		Source:    e.desc,
		Running:   e.running,
		StartedAt: e.started,
		LastFrame: e.lastFrame,
		Frames:    e.frames,
		Records:   e.records,
		Aborts:    copyCounts(e.aborts),
	}
}

// Subscribe returns a channel of live records and an unsubscribe
// function. The channel closes when the run ends or the subscriber
// unsubscribes, whichever comes first.
func (e *Engine) Subscribe() (<-chan reduce.Record, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan reduce.Record, subBuffer)
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextSubID
	e.nextSubID++
	e.subs[id] = ch
	unsub := func() {
		e.mu.Lock()
		if c, ok := e.subs[id]; ok {
			close(c)
			delete(e.subs, id)
		}
		e.mu.Unlock()
	}
	return ch, unsub
}

func (e *Engine) broadcast(rec reduce.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.subs {
		select {
		case ch <- rec:
		default:
			e.log.Warn("record channel full, dropping", "subscriber", id, "frame", rec.Frame)
		}
	}
}

func (e *Engine) closeSubs() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
}

func copyCounts(m map[string]int) map[string]int {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func newID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.Intn(10000))
}
