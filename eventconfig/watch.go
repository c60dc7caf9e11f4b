package eventconfig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce collapses editor write bursts into one reload.
const watchDebounce = 200 * time.Millisecond

// WatchFile loads the configuration file at path into the store, then
// saves it again every time the file changes, until ctx is done. A file
// that fails to parse is logged and skipped.
func (s *Store) WatchFile(ctx context.Context, path string) error {
	path = filepath.Clean(path)
	if err := s.loadFile(ctx, path); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config file watcher: %w", err)
	}
	// Watch the directory so that editors replacing the file by rename
	// still trigger a reload.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watching %q: %w", path, err)
	}

	go func() {
		defer func() { _ = w.Close() }()

		var (
			timer  *time.Timer
			reload = make(chan struct{}, 1)
		)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			case <-reload:
				if err := s.loadFile(ctx, path); err != nil {
					s.logger.Errorf("eventconfig:WatchFile", "reloading %q: %v", path, err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warnf("eventconfig:WatchFile", "watcher error: %v", err)
			}
		}
	}()

	return nil
}

func (s *Store) loadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return fmt.Errorf("reading event config file: %w", err)
	}
	c, err := ParseFile(data)
	if err != nil {
		return err
	}
	return s.Save(ctx, c)
}
