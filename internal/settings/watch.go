package settings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls fn with the freshly loaded record whenever the settings file is
// created, written, replaced or removed, including by other processes. It
// blocks until ctx is cancelled and then returns ctx.Err().
//
// The directory is watched rather than the file, because Save replaces the
// file by rename.
func (s *Store) Watch(ctx context.Context, fn func(AppSettings, error)) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("%w: create settings directory: %w", ErrStorage, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op == fsnotify.Chmod {
				continue
			}
			fn(s.Load())
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fn(AppSettings{}, fmt.Errorf("%w: watch: %w", ErrStorage, err))
		}
	}
}
