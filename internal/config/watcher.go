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

// debounceDelay coalesces the bursts of events editors produce on save.
const debounceDelay = 100 * time.Millisecond

// Watcher watches the configuration file and reloads it on change
type Watcher struct {
	path     string
	cfg      *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	logger   *slog.Logger
}

// NewWatcher loads the configuration at path and prepares to watch it.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory: editors that save by rename replace the
	// file's inode, which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		path:    filepath.Clean(path),
		cfg:     cfg,
		watcher: watcher,
		logger:  logger,
	}, nil
}

// Config returns the current configuration
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// OnChange registers a callback run after every successful reload.
// It must be called before Start.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.onChange = fn
}

// Start watches the configuration file until ctx is done. A reload that
// fails to load or validate keeps the previous configuration.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting config file watcher", "path", w.path)

	debounceTimer := time.NewTimer(0)
	debounceTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Config watcher stopped")
			return w.watcher.Close()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}

			if filepath.Clean(event.Name) != w.path {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounceTimer.Reset(debounceDelay)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-debounceTimer.C:
			if err := w.reload(); err != nil {
				w.logger.Error("Failed to reload config", "error", err)
				continue
			}

			w.logger.Info("Config reloaded successfully", "path", w.path)
			if w.onChange != nil {
				w.onChange(w.Config())
			}
		}
	}
}

func (w *Watcher) reload() error {
	newCfg, err := Load(w.path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	w.mu.Lock()
	w.cfg = newCfg
	w.mu.Unlock()

	return nil
}

// Close stops the watcher
func (w *Watcher) Close() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
