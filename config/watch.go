package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"apcgate/util"
)

// DefaultDebounce collapses the burst of events an editor produces
// when saving a file.
const DefaultDebounce = 100 * time.Millisecond

// Watcher reloads the config file when it changes on disk.
//
// The parent directory is watched rather than the file so that editors
// which save by renaming a temporary file over the original are seen.
type Watcher struct {
	Path string

	// Load rebuilds the complete configuration, flags and environment
	// included, so a reload never loses a command-line override.
	Load func() (*Config, error)

	// Apply receives every configuration that loaded and validated.
	Apply func(*Config)

	Debounce time.Duration
	Logger   *util.Logger
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	path, err := filepath.Abs(w.Path)
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config watch %s: %w", filepath.Dir(path), err)
	}

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	w.Logger.Verbose("watching %s for changes", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.Logger.Debug("config event: %s", ev)
			timer.Reset(debounce)

		case <-timer.C:
			cfg, err := w.Load()
			if err != nil {
				w.Logger.Warn("config reload failed, keeping current settings: %v", err)
				continue
			}
			w.Logger.Info("configuration reloaded from %s", path)
			w.Apply(cfg)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn("config watch: %v", err)
		}
	}
}
