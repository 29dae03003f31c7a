package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch logs a warning whenever the env file at path changes. The running
// Config is never reloaded; changes take effect on the next start.
// Blocks until ctx is done.
func Watch(ctx context.Context, path string) error {
	return watch(ctx, path, func(op fsnotify.Op) {
		log.Warnw("env file changed; restart to apply", "path", path, "op", op.String())
	})
}

func watch(ctx context.Context, path string, changed func(fsnotify.Op)) error {
	if path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	name := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				changed(event.Op)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Errorw("env file watcher error", "err", err)
		}
	}
}
