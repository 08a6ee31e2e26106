// Package watch turns filesystem events under the drop root into file tasks once a
// file has stopped changing.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cycletime-ingest/internal/services/lifecycle"

	"github.com/fsnotify/fsnotify"
)

// Submitter accepts tasks for the worker pool
type Submitter interface {
	Submit(ctx context.Context, task *lifecycle.FileTask) bool
}

// Config holds watch settings
type Config struct {
	Root   string
	Ext    string
	Skip   []string // machine-level directories never watched (backup, error)
	Settle time.Duration
}

// settleTimer is one armed settle delay; fire drops the map entry only while it is still the current one
type settleTimer struct {
	t *time.Timer
}

// Watcher subscribes to the root and every machine directory
type Watcher struct {
	cfg    Config
	submit Submitter
	logger *slog.Logger

	mu     sync.Mutex
	timers map[string]*settleTimer
	closed bool
	fired  sync.WaitGroup
	ready  chan struct{}
}

// New creates a watcher
func New(cfg Config, submit Submitter, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:    cfg,
		submit: submit,
		logger: logger.With("component", "watch"),
		timers: make(map[string]*settleTimer),
		ready:  make(chan struct{}),
	}
}

// Ready is closed once the initial directories are subscribed
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run watches until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.cfg.Root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.cfg.Root, err)
	}
	entries, err := os.ReadDir(w.cfg.Root)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", w.cfg.Root, err)
	}
	for _, e := range entries {
		if e.IsDir() && w.watchable(e.Name()) {
			w.addMachine(ctx, fw, filepath.Join(w.cfg.Root, e.Name()), false)
		}
	}
	close(w.ready)
	w.logger.Info("watching drop directories", "root", w.cfg.Root, "settle", w.cfg.Settle)

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				w.shutdown()
				return nil
			}
			w.handle(ctx, fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				w.shutdown()
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, fw *fsnotify.Watcher, ev fsnotify.Event) {
	dir := filepath.Dir(ev.Name)
	name := filepath.Base(ev.Name)

	// a new machine directory
	if dir == filepath.Clean(w.cfg.Root) {
		if ev.Has(fsnotify.Create) && w.watchable(name) {
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				w.addMachine(ctx, fw, ev.Name, true)
			}
		}
		return
	}

	// only files directly inside a machine directory
	if filepath.Dir(dir) != filepath.Clean(w.cfg.Root) || !lifecycle.Matches(name, w.cfg.Ext) {
		return
	}
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		w.arm(ctx, ev.Name)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.disarm(ev.Name)
	}
}

// addMachine subscribes a machine directory. Files that landed before the
// subscription took effect are armed when scan is set.
func (w *Watcher) addMachine(ctx context.Context, fw *fsnotify.Watcher, dir string, scan bool) {
	if err := fw.Add(dir); err != nil {
		w.logger.Warn("failed to watch machine directory", "dir", dir, "error", err)
		return
	}
	w.logger.Debug("watching machine directory", "dir", dir)
	if !scan {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() && lifecycle.Matches(e.Name(), w.cfg.Ext) {
			w.arm(ctx, filepath.Join(dir, e.Name()))
		}
	}
}

func (w *Watcher) watchable(name string) bool {
	if len(name) == 0 || name[0] == '.' {
		return false
	}
	for _, s := range w.cfg.Skip {
		if name == s {
			return false
		}
	}
	return true
}

// arm starts or restarts the settle timer of path
func (w *Watcher) arm(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if st, ok := w.timers[path]; ok && st.t.Stop() {
		st.t.Reset(w.cfg.Settle)
		return
	}
	st := &settleTimer{}
	// fire takes w.mu first, so st.t is set before it is read
	st.t = time.AfterFunc(w.cfg.Settle, func() { w.fire(ctx, path, st) })
	w.timers[path] = st
}

func (w *Watcher) disarm(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if st, ok := w.timers[path]; ok {
		st.t.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) fire(ctx context.Context, path string, st *settleTimer) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if w.timers[path] == st {
		delete(w.timers, path)
	}
	w.fired.Add(1)
	w.mu.Unlock()
	defer w.fired.Done()

	if _, err := os.Stat(path); err != nil {
		return
	}
	if w.submit.Submit(ctx, lifecycle.NewFileTask(path)) {
		w.logger.Info("file settled", "path", path)
	}
}

func (w *Watcher) shutdown() {
	w.mu.Lock()
	w.closed = true
	for path, st := range w.timers {
		st.t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()
	w.fired.Wait()
	w.logger.Info("watch stopped")
}
