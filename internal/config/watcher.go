package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/warden/internal/permission"
)

// debounceWindow coalesces the write-then-rename event bursts editors and
// config management tools produce.
const debounceWindow = 500 * time.Millisecond

// WatchProfiles reloads permission profiles into the engine whenever the
// profiles file changes, until ctx is cancelled. A reload that fails to
// parse is logged and discarded; the engine keeps the last good profiles.
func WatchProfiles(ctx context.Context, path string, engine *permission.Engine, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: atomic renames replace the inode.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	var debounce *time.Timer
	reloads := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			abs, _ := filepath.Abs(event.Name)
			if abs != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, func() {
				select {
				case reloads <- struct{}{}:
				default:
				}
			})

		case <-reloads:
			profiles, err := LoadProfiles(path)
			if err != nil {
				logger.Error("profile reload failed, keeping previous profiles",
					"path", path, "error", err)
				continue
			}
			engine.SetProfiles(profiles)
			logger.Info("profiles reloaded", "path", path, "count", len(profiles))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("profile watcher error", "error", err)
		}
	}
}
