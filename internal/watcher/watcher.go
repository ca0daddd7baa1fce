// Package watcher notices when a new index generation is published, using fsnotify with debouncing.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/cohort/internal/vector"
)

const defaultDebounce = 400 * time.Millisecond

// ArtifactWatcher watches an index directory and calls onChange after its CURRENT pointer
// has been replaced. Bursts of events within the debounce window produce a single call.
type ArtifactWatcher struct {
	dir      string
	onChange func()
	debounce time.Duration
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	timer    *time.Timer
	done     chan struct{}
	started  bool
	stopOnce sync.Once
	logger   *zap.Logger
}

// WatcherOption configures an ArtifactWatcher.
type WatcherOption func(*ArtifactWatcher)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *ArtifactWatcher) { w.logger = l }
}

// WithDebounce overrides the debounce window.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *ArtifactWatcher) { w.debounce = d }
}

// NewArtifactWatcher creates a watcher for the index directory dir.
func NewArtifactWatcher(dir string, onChange func(), opts ...WatcherOption) *ArtifactWatcher {
	w := &ArtifactWatcher{
		dir:      filepath.Clean(dir),
		onChange: onChange,
		debounce: defaultDebounce,
		done:     make(chan struct{}),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start starts watching. The index directory is created if missing. It runs until ctx is
// cancelled or Stop is called.
func (w *ArtifactWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		return err
	}
	w.watcher = fw
	w.started = true
	w.logger.Debug("artifact watcher starting", zap.String("dir", w.dir))
	go w.run(ctx, fw.Events, fw.Errors)
	return nil
}

func (w *ArtifactWatcher) run(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-errs:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Debug("artifact watcher error", zap.Error(err))
			}
		}
	}
}

func (w *ArtifactWatcher) handleEvent(ev fsnotify.Event) {
	if !isCurrentPointer(w.dir, ev.Name) {
		return
	}
	w.logger.Debug("artifact watcher event", zap.String("op", ev.Op.String()), zap.String("path", ev.Name))
	if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
		w.schedule()
	}
}

// isCurrentPointer reports whether path is the CURRENT file directly inside dir.
func isCurrentPointer(dir, path string) bool {
	return filepath.Clean(filepath.Dir(path)) == dir && filepath.Base(path) == vector.CurrentFile
}

func (w *ArtifactWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		w.timer = nil
		active := w.started
		w.mu.Unlock()
		if !active {
			return
		}
		w.logger.Debug("index pointer changed (debounced)", zap.String("dir", w.dir))
		if w.onChange != nil {
			w.onChange()
		}
	})
}

// Stop stops the watcher and releases resources. Pending debounced calls are dropped.
func (w *ArtifactWatcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
