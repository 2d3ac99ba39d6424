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

// Watcher reloads the configuration when the project config file changes.
type Watcher struct {
	loader   *Loader
	path     string
	debounce time.Duration
	onChange func(*Config)
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	mu      sync.RWMutex
	current *Config
	done    chan struct{}
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Path is the file to watch, usually Loader.ProjectConfigPath().
	Path string
	// DebounceDelay collapses bursts of writes into one reload (default 100ms).
	DebounceDelay time.Duration
	// OnChange receives every configuration that loaded and validated.
	OnChange func(*Config)
	Logger   *slog.Logger
}

// NewWatcher creates a watcher starting from initial.
func NewWatcher(loader *Loader, initial *Config, cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := cfg.DebounceDelay
	if debounce == 0 {
		debounce = 100 * time.Millisecond
	}

	return &Watcher{
		loader:   loader,
		path:     filepath.Clean(cfg.Path),
		debounce: debounce,
		onChange: cfg.OnChange,
		watcher:  fsw,
		logger:   logger,
		current:  initial,
	}, nil
}

// Current returns the last configuration that loaded successfully.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start watches the directory of the config file. Editors often replace the
// file rather than write it, so the directory is watched, not the file.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.done = make(chan struct{})
	go w.processEvents(ctx, w.done)

	w.logger.Info("Config watcher started", "path", w.path)
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	err := w.watcher.Close()
	if w.done != nil {
		<-w.done
	}
	return err
}

func (w *Watcher) processEvents(ctx context.Context, done chan struct{}) {
	defer close(done)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Warn("Config reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.logger.Info("Config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
