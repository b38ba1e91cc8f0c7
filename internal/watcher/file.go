// Package watcher provides file watching with debouncing using fsnotify.
// file.go watches single files, surviving the rename-and-replace saves most
// editors do.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultDebounce is how long the watcher waits for writes to settle.
	DefaultDebounce = 250 * time.Millisecond
)

// ChangeCallback is called once per settled burst of changes to the file.
type ChangeCallback func(path string)

// FileWatcher watches one file for changes.
type FileWatcher struct {
	path     string
	debounce time.Duration
	onChange ChangeCallback
	logger   *slog.Logger

	fs         *fsnotify.Watcher
	mu         sync.Mutex
	timer      *time.Timer
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// FileWatcherOption configures a FileWatcher.
type FileWatcherOption func(*FileWatcher)

// WithDebounce sets the settle delay.
func WithDebounce(d time.Duration) FileWatcherOption {
	return func(w *FileWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithOnChange sets the change callback.
func WithOnChange(cb ChangeCallback) FileWatcherOption {
	return func(w *FileWatcher) {
		w.onChange = cb
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) FileWatcherOption {
	return func(w *FileWatcher) {
		w.logger = logger
	}
}

// NewFileWatcher creates a watcher for path. It watches the parent directory
// so that a file replaced by rename keeps being observed.
func NewFileWatcher(path string, opts ...FileWatcherOption) (*FileWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	w := &FileWatcher{
		path:     abs,
		debounce: DefaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fs.Add(filepath.Dir(abs)); err != nil {
		fs.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w.fs = fs
	return w, nil
}

func (w *FileWatcher) log() *slog.Logger {
	if w.logger != nil {
		return w.logger
	}
	return slog.Default()
}

// Path returns the absolute path being watched.
func (w *FileWatcher) Path() string {
	return w.path
}

// Start begins delivering events in a background goroutine.
func (w *FileWatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.wg.Add(1)
	go w.run(ctx)

	w.log().Debug("[Watcher] started",
		"path", w.path,
		"debounce", w.debounce)
}

// Stop halts the watcher and releases the fsnotify handle.
func (w *FileWatcher) Stop() {
	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	w.wg.Wait()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	_ = w.fs.Close()
}

func (w *FileWatcher) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(ctx)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log().Warn("[Watcher] watch_error",
				"path", w.path,
				"error", err)
		}
	}
}

// schedule restarts the debounce timer.
func (w *FileWatcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil || w.onChange == nil {
			return
		}
		w.onChange(w.path)
	})
}
