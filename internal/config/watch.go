package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// TunablesWatcher monitors the configuration file and invokes the supplied
// callback whenever the live-reloadable subset changes. Stop must be called
// to release filesystem resources.
type TunablesWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *TunablesWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchTunables wires fsnotify around the configuration file and re-applies
// the quick-abort and memory-cache tunables on any relevant change. Structural
// options (worker identity, coordination backend, listen addresses) are
// deliberately not reloaded; those still require a restart.
func (l *Loader) WatchTunables(ctx context.Context, onChange func(Tunables), onError func(error)) (*TunablesWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch tunables requires a change callback")
	}
	target := ""
	for _, path := range l.files {
		if path != "" {
			target = path
		}
	}
	if target == "" {
		return nil, fmt.Errorf("config: no configuration file to watch")
	}
	resolved, err := filepath.Abs(target)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", target, err)
	}
	targetFile := filepath.Clean(resolved)

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch tunables: %w", err)
	}
	// Watch the directory rather than the file so rename-based rewrites
	// (editors, configuration management) keep working.
	if err := watcher.Add(filepath.Dir(targetFile)); err != nil {
		cancel()
		if closeErr := watcher.Close(); closeErr != nil && onError != nil {
			onError(fmt.Errorf("config: watch tunables close: %w", closeErr))
		}
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(targetFile), err)
	}

	done := make(chan struct{})
	watch := &TunablesWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch tunables close: %w", err))
			}
		}()

		reload := func() {
			cfg, err := l.Load(watchCtx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(cfg.Tunables())
		}

		const debounce = 25 * time.Millisecond
		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(debounce)
			} else {
				if !reloadTimer.Stop() {
					select {
					case <-reloadTimer.C:
					default:
					}
				}
				reloadTimer.Reset(debounce)
			}
			reloadSignal = reloadTimer.C
		}

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				reloadSignal = nil
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != targetFile {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && onError != nil {
					onError(fmt.Errorf("config: file %s removed", targetFile))
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("config: watch error: %w", err))
				}
			}
		}
	}()

	return watch, nil
}
