package worker

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bhandras/nbruntime/pkg/logger"
)

// watchDebounce coalesces the burst of events an editor save produces.
const watchDebounce = 100 * time.Millisecond

// Reloader accepts a new notebook source.
type Reloader interface {
	Reload(ctx context.Context, src string) error
}

// Watch reloads r with the contents of name each time the file is written,
// until ctx ends. The parent directory is watched so editors that save by
// renaming a temporary file are still seen.
func Watch(ctx context.Context, name string, r Reloader) error {
	abs, err := filepath.Abs(name)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	logger.Debugf("worker: watching %s", abs)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
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
			src, err := os.ReadFile(abs)
			if err != nil {
				logger.Warnf("worker: reading %s: %v", abs, err)
				continue
			}
			logger.Infof("worker: %s changed, reloading", name)
			if err := r.Reload(ctx, string(src)); err != nil {
				logger.Warnf("worker: reload failed: %v", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("worker: watcher error: %v", err)

		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		}
	}
}
