package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file at path whenever it changes and passes the
// result to fn. Environment overrides are applied on every reload. It blocks
// until ctx is done.
func Watch(ctx context.Context, path string, fn func(*Config, error)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer w.Close()

	// Editors often replace the file, so watch the directory.
	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			cfg, err := LoadFile(path)
			if err == nil {
				err = cfg.ApplyEnv(os.Getenv)
			}
			fn(cfg, err)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			fn(nil, err)
		case <-ctx.Done():
			return nil
		}
	}
}
