package daemon

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/charmbracelet/log"
)

// watcherDebounce bounds how long Watcher waits after the last observed
// filesystem event before firing its callback, so a burst of writes (a WAL
// checkpoint, several inserts in a row) collapses into one callback call.
const watcherDebounce = 100 * time.Millisecond

// Watcher notifies a callback shortly after the project's store changes on
// disk. It watches the store's directory rather than the state.db file
// itself: SQLite in WAL mode writes to sibling -wal/-shm files rather than
// rewriting state.db in place, so a file-level watch would miss most
// writes entirely.
type Watcher struct {
	logger   *log.Logger
	dbPath   string
	onChange func()
}

// NewWatcher constructs a Watcher for the store at dbPath. onChange is
// called (from the debounce timer's goroutine) after a debounced burst of filesystem
// activity touching dbPath or its WAL/SHM siblings.
func NewWatcher(dbPath string, onChange func()) *Watcher {
	return &Watcher{dbPath: dbPath, onChange: onChange}
}

// WithLogger attaches a logger for watch errors and returns the Watcher for chaining.
func (w *Watcher) WithLogger(l *log.Logger) *Watcher {
	w.logger = l
	return w
}

// Run watches the store's directory until ctx is done or the watcher fails
// to start. A failure to start is returned so the caller can decide whether
// to fall back to polling; errors after that point are logged and do not
// stop the watch, mirroring fsnotify.Errors being advisory.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.dbPath)
	if err := fw.Add(dir); err != nil {
		return err
	}

	base := filepath.Base(w.dbPath)
	relevant := map[string]bool{
		base:           true,
		base + "-wal":  true,
		base + "-shm":  true,
		base + "-journal": true,
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !relevant[filepath.Base(ev.Name)] {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watcherDebounce, func() {
				if w.onChange != nil {
					w.onChange()
				}
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			if w.logger != nil {
				w.logger.Warn("watcher error", "error", err)
			}
		}
	}
}
