package devices

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/prepperapp/prepper/internal/logctx"
)

// Watch refreshes the device view whenever an entry appears or disappears
// under one of roots. Automounters create a per-user directory first, so
// existing and newly created subdirectories are watched as well. Watch
// returns when ctx is cancelled.
func (m *Manager) Watch(ctx context.Context, roots []string) error {
	logger := logctx.LoggerFromContext(ctx).With("component", "devices")

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	watched := 0

	for _, root := range roots {
		if err := w.Add(root); err != nil {
			logger.Debug("mount root not watchable", "root", root, "err", err)

			continue
		}

		watched++

		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}

		for _, e := range entries {
			if e.IsDir() {
				_ = w.Add(filepath.Join(root, e.Name()))
			}
		}
	}

	if watched == 0 {
		logger.Info("no mount roots to watch", "roots", roots)
		<-ctx.Done()

		return nil
	}

	logger.Info("watching mount roots", "roots", roots)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) {
				continue
			}

			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = w.Add(ev.Name)
				}
			}

			logger.Debug("mount root changed", "path", ev.Name, "op", ev.Op.String())

			m.Invalidate()

			if _, err := m.Devices(ctx); err != nil {
				logger.Warn("failed to refresh devices", "err", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}

			logger.Warn("watcher error", "err", err)
		}
	}
}
