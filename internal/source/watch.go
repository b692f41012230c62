package source

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// dirWatcher monitors a run directory and reports frame files as they
// land. It exists to wake a waiting Next early; missing an event only
// costs one retry interval, so sends never block.
type dirWatcher struct {
	watcher *fsnotify.Watcher
	Events  chan string
	done    chan bool
	log     *slog.Logger
}

func newDirWatcher(dir string, log *slog.Logger) (*dirWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	dw := &dirWatcher{
		watcher: watcher,
		Events:  make(chan string, 16),
		done:    make(chan bool),
		log:     log,
	}
	go dw.processEvents()
	return dw, nil
}

// Stop stops the directory watcher
func (dw *dirWatcher) Stop() error {
	close(dw.done)
	return dw.watcher.Close()
}

// processEvents filters raw filesystem events down to frame arrivals
func (dw *dirWatcher) processEvents() {
	for {
		select {
		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}

			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
			case event.Op&fsnotify.Write == fsnotify.Write:
			case event.Op&fsnotify.Rename == fsnotify.Rename:
			default:
				continue
			}

			if filepath.Ext(event.Name) != ".fits" {
				continue
			}

			// Send event (non-blocking); a full buffer already
			// guarantees a wake-up.
			select {
			case dw.Events <- event.Name:
			default:
			}

		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			dw.log.Warn("run directory watcher error", "err", err)

		case <-dw.done:
			return
		}
	}
}
