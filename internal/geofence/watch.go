package geofence

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads path into h whenever the file changes. The parent directory
// is watched so that editors replacing the file by rename are picked up.
// A file that fails to load leaves the previous set in place.
func Watch(ctx context.Context, path string, h *Holder, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != abs {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// editors emit several events per save
				pending = time.After(250 * time.Millisecond)
			case <-pending:
				pending = nil
				reload(abs, h, logger)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Warn("geofence watcher error", "error", err)
				}
			}
		}
	}()
	return nil
}

func reload(path string, h *Holder, logger *slog.Logger) {
	set, err := LoadFile(path)
	if err != nil {
		if logger != nil {
			logger.Error("geofence reload failed, keeping previous set", "path", path, "error", err)
		}
		return
	}
	h.Store(set)
	if logger != nil {
		logger.Info("geofences reloaded", "path", path, "count", set.Len(), "names", set.Names())
	}
}
