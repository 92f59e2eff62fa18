package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// Watcher reloads a monitor config file when it changes on disk. Invalid
// edits are logged and ignored; the last good config stays current.
type Watcher struct {
	path string

	mu       sync.RWMutex
	current  *Monitor
	onChange []func(*Monitor)

	watcher *fsnotify.Watcher
	done    chan struct{}
	timerMu sync.Mutex
	timer   *time.Timer
}

func NewWatcher(path string, initial *Monitor) *Watcher {
	return &Watcher{path: path, current: initial, done: make(chan struct{})}
}

func (w *Watcher) Config() *Monitor {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers cb for successful reloads. Register before Watch.
func (w *Watcher) OnChange(cb func(*Monitor)) {
	w.mu.Lock()
	w.onChange = append(w.onChange, cb)
	w.mu.Unlock()
}

// Watch starts watching the file's directory until ctx is done or Close is called.
// Editors that replace the file by rename show up as Create events.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	w.watcher = fw

	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	name := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				w.stopTimer()
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.timerMu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(reloadDebounce, w.reload)
			w.timerMu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.stopTimer()
				return
			}
			slog.Warn("config watcher error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) stopTimer() {
	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()
}

func (w *Watcher) reload() {
	cfg := DefaultMonitor()
	if err := decodeFile(w.path, cfg); err != nil {
		slog.Warn("config reload failed", "path", w.path, "error", err)
		return
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		slog.Warn("config reload rejected", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	w.current = cfg
	callbacks := append([]func(*Monitor){}, w.onChange...)
	w.mu.Unlock()

	slog.Info("config reloaded", "path", w.path)
	for _, cb := range callbacks {
		cb(cfg)
	}
}

func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	<-w.done
	return err
}
