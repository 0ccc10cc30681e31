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

// DefaultDebounce is how long Watch waits for a burst of writes to settle.
const DefaultDebounce = 200 * time.Millisecond

// Watch reloads the file at path whenever it changes and passes the new
// config to onChange. It blocks until ctx is cancelled. Files that fail to
// load are logged and skipped; the previous config stays in effect.
func Watch(ctx context.Context, path string, debounce time.Duration, logger *slog.Logger, onChange func(*Config) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer w.Close()

	// Editors often replace the file, so watch the directory and filter.
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	logger.Info("config watcher started", "path", abs, "debounce_ms", debounce.Milliseconds())

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		cfg, err := Load(abs)
		if err != nil {
			logger.Error("config reload failed", "path", abs, "error", err)
			return
		}
		if err := onChange(cfg); err != nil {
			logger.Error("config apply failed", "path", abs, "error", err)
			return
		}
		logger.Info("config reloaded", "path", abs)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("config watcher stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("config watcher events channel closed")
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			logger.Debug("config file event", "path", ev.Name, "op", ev.Op.String())
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)
			mu.Unlock()

		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("config watcher errors channel closed")
			}
			logger.Error("config watcher error", "error", err)
		}
	}
}
