package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounceInterval batches rapid editor writes (truncate + write +
// rename) into a single reload.
const watchDebounceInterval = 500 * time.Millisecond

// WatchSettings watches the settings file for changes and invokes
// onChange with the freshly loaded tunables after each modification. It
// blocks until the context is cancelled. The parent directory is watched
// rather than the file itself, so atomic-save editors (write to temp,
// rename over) do not silently drop the watch.
func WatchSettings(ctx context.Context, path string, logger *slog.Logger, onChange func(Settings)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating settings watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching settings directory: %w", err)
	}

	logger.Info("settings watcher started", slog.String("file", path))

	var pendingSince time.Time

	ticker := time.NewTicker(watchDebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("settings watcher events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pendingSince = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("settings watcher errors channel closed unexpectedly")
			}

			logger.Warn("settings watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if pendingSince.IsZero() || time.Since(pendingSince) < watchDebounceInterval {
				continue
			}

			pendingSince = time.Time{}

			settings, err := LoadSettings(path)
			if err != nil {
				// Keep running with the previous tunables. A half-saved
				// file fires another event once the editor finishes.
				logger.Warn("settings reload failed", slog.String("error", err.Error()))
				continue
			}

			logger.Info("settings reloaded",
				slog.Duration("sync_interval", settings.SyncInterval),
				slog.Int("push_batch_size", settings.PushBatchSize),
			)
			onChange(settings)
		}
	}
}
