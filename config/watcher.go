package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 200 * time.Millisecond

// Watcher reloads a configuration file whenever it changes on disk.
//
// Watcher observes the file's directory so that editors replacing the file
// via rename are seen. Bursts of events are debounced. A file that fails to
// parse is logged and ignored; the previous snapshot remains in force.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	current  *Snapshot
}

// NewWatcher creates a [Watcher] for path. initial is the snapshot already
// in force and is used to suppress reloads that change nothing.
func NewWatcher(path string, initial *Snapshot, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		debounce: defaultReloadDebounce,
		logger:   logger,
		current:  initial,
	}
}

// Run watches the file until ctx is cancelled, calling onChange with every
// new snapshot that differs from the one before it. onChange is called from
// the watcher goroutine only.
func (w *Watcher) Run(ctx context.Context, onChange func(*Snapshot)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !sameFile(event.Name, w.path) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		case <-timerChan(timer):
			timer = nil
			w.reload(onChange)
		}
	}
}

func (w *Watcher) reload(onChange func(*Snapshot)) {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed", "path", w.path, "error", err)
		return
	}
	if Equal(w.current, next) {
		w.logger.Debug("config unchanged", "path", w.path)
		return
	}
	w.current = next
	w.logger.Info("config reloaded", "path", w.path, "services", len(next.Services))
	onChange(next)
}

func sameFile(path, configPath string) bool {
	if path == "" || configPath == "" {
		return false
	}
	return filepath.Clean(path) == filepath.Clean(configPath)
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}
