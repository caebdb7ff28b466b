package roles

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/vinayprograms/agentkit/logging"
)

// Watch reloads the registry whenever its backing file changes. It watches
// the parent directory rather than the file itself so that editors that
// rename-and-replace (vim, sed -i) keep triggering reloads. Blocks until
// ctx is cancelled.
func (r *Registry) Watch(ctx context.Context, logger *logging.Logger) error {
	if r.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(r.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.Reload(); err != nil {
				logger.Warn("roles reload failed, keeping previous set", map[string]interface{}{
					"path":  r.path,
					"error": err.Error(),
				})
				continue
			}
			logger.Info("roles reloaded", map[string]interface{}{
				"path":  r.path,
				"count": len(r.Names()),
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("roles watcher error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}
