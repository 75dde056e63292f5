package sources

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/refreshd/refreshd/internal/logger"
	"github.com/refreshd/refreshd/internal/manager"
)

// reloadSettle coalesces bursts of filesystem events (editors write,
// rename, and chmod in quick succession) into one reload.
const reloadSettle = 500 * time.Millisecond

// Watcher keeps the manager's schedule in sync with the sources file.
type Watcher struct {
	path string
	mgr  *manager.Manager

	mu     sync.Mutex
	known  map[string]Definition
	reload *time.Timer

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a watcher for the given sources file.
func NewWatcher(path string, mgr *manager.Manager) *Watcher {
	return &Watcher{
		path:   path,
		mgr:    mgr,
		known:  make(map[string]Definition),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Definitions returns the currently applied definitions keyed by id.
func (w *Watcher) Definitions() map[string]Definition {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]Definition, len(w.known))
	for id, d := range w.known {
		out[id] = d
	}
	return out
}

// Lookup returns the applied definition for one source.
func (w *Watcher) Lookup(sourceID string) (Definition, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.known[sourceID]
	return d, ok
}

// Start performs the initial sync and watches the file's directory for
// changes until Stop. The directory is watched rather than the file so
// atomic replace-by-rename keeps working.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.sync(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	go w.run(ctx)
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	defer w.watcher.Close()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error(ctx, "sources watcher error", "err", err)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) scheduleReload(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reload != nil {
		w.reload.Stop()
	}
	w.reload = time.AfterFunc(reloadSettle, func() {
		if err := w.sync(ctx); err != nil {
			logger.Error(ctx, "sources reload failed, keeping previous schedule", "err", err)
		}
	})
}

// sync loads the file and applies the difference against the previously
// applied set. A load failure leaves the current schedule untouched.
func (w *Watcher) sync(ctx context.Context) error {
	defs, err := LoadFile(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	next := make(map[string]Definition, len(defs))
	for _, d := range defs {
		next[d.ID] = d
	}

	for id := range w.known {
		if _, ok := next[id]; !ok {
			w.mgr.UnscheduleSource(ctx, id)
			logger.Info(ctx, "source removed", "source", id)
		}
	}

	for _, d := range defs {
		prev, existed := w.known[d.ID]
		if existed && prev == d {
			continue
		}
		if !d.IsEnabled() {
			w.mgr.UnscheduleSource(ctx, d.ID)
			continue
		}
		if err := w.mgr.ScheduleSource(ctx, descriptor(d)); err != nil {
			logger.Error(ctx, "source schedule failed", "source", d.ID, "err", err)
			continue
		}
		if existed {
			logger.Info(ctx, "source updated", "source", d.ID)
		} else {
			logger.Info(ctx, "source added", "source", d.ID)
		}
	}

	w.known = next
	return nil
}

// Stop ends the watch loop. Safe to call before Start.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.reload != nil {
		w.reload.Stop()
	}
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	if w.watcher != nil {
		<-w.doneCh
	}
}

func descriptor(d Definition) manager.SourceDescriptor {
	return manager.SourceDescriptor{
		SourceID:   d.ID,
		SourceType: d.Type,
		RefreshOptions: manager.RefreshOptions{
			Interval:      d.Interval,
			Cron:          d.Cron,
			Enabled:       true,
			AlignToMinute: d.Align == "minute",
			AlignToHour:   d.Align == "hour",
			AlignToDay:    d.Align == "day",
		},
	}
}
