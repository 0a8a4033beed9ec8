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

// Watcher reloads the config file when it changes on disk. The watch
// covers the file's directory because editors typically replace the
// file by rename, which would silently detach a watch on the file
// itself.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// NewWatcher creates a watcher for the config file at path. onChange
// runs after every successful reload. Parse failures keep the previous
// config and are logged.
func NewWatcher(path string, onChange func(*Config), logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger,
		fsw:      fsw,
		debounce: time.Second,
		stop:     make(chan struct{}),
	}, nil
}

// Start registers the watch and begins handling events on a background
// goroutine until Stop or ctx cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.fsw.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return fmt.Errorf("watch %s: %w", w.path, err)
	}

	w.logger.Info("config watcher started", "path", w.path)
	go w.loop(ctx)
	return nil
}

// Stop ends the watch. Safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stop)
	return w.fsw.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	// Rapid successive writes (editor save, rsync) collapse into one
	// reload per debounce window.
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.matches(ev) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			w.logger.Debug("config file event", "op", ev.Op.String(), "file", ev.Name)
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)

		case <-w.stop:
			return

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) matches(ev fsnotify.Event) bool {
	got, err := filepath.Abs(ev.Name)
	if err != nil {
		return false
	}
	want, err := filepath.Abs(w.path)
	if err != nil {
		return false
	}
	return got == want
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onChange(cfg)
}
