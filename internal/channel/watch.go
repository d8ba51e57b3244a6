package channel

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const watchDebounce = 100 * time.Millisecond

// Watch reloads the registry whenever the settings file is written by another
// process, until ctx is cancelled. The parent directory is watched so atomic
// replaces are seen.
func (r *Registry) Watch(ctx context.Context) error {
	return WatchFile(ctx, r.store.Path(), func() {
		if _, err := r.Reload(); err != nil {
			log.Warnf("settings reload failed: %v", err)
		}
	})
}

// WatchFile calls onChange, debounced, after writes to path. It returns when
// ctx is done or the watcher fails.
func WatchFile(ctx context.Context, path string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	target := filepath.Clean(path)
	if err = watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			onChange()
		case errWatch, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("settings watcher error: %v", errWatch)
		}
	}
}
