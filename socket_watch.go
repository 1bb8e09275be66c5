//go:build linux || darwin

package appz

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

// pollInterval is the fallback re-check period while waiting on a path
const pollInterval = 100 * time.Millisecond

// watchCleanupFunc stops a path watch and waits for its goroutine
type watchCleanupFunc func() error

// watchPath reports changes to path by watching its parent directory. A
// tick is delivered for every create, remove or rename of the base name.
func watchPath(ctx context.Context, path string) (<-chan struct{}, watchCleanupFunc, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, nil, err
	}

	ch := make(chan struct{}, 1)
	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close()
	})

	cleanup := func() error {
		sctx.Stop(100 * time.Millisecond)
		return sctx.Wait()
	}

	sctx.Go(func(sctx *stopper.Context) error {
		for !sctx.IsStopping() {
			select {
			case <-sctx.Stopping():
				return nil

			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				select {
				case ch <- struct{}{}:
				default:
				}

			case _, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
			}
		}
		return nil
	})

	return ch, cleanup, nil
}

// WaitForSocket blocks until path exists (present) or is gone (!present).
// Directory events drive the wait; a short poll covers filesystems where
// they are not delivered.
func WaitForSocket(ctx context.Context, path string, present bool) error {
	done := func() bool {
		_, err := os.Stat(path)
		if present {
			return err == nil
		}
		return errors.Is(err, os.ErrNotExist)
	}

	if done() {
		return nil
	}

	events, cleanup, err := watchPath(ctx, path)
	if err != nil {
		// The parent may not exist yet; fall back to polling
		events = nil
	} else {
		defer func() { _ = cleanup() }()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if done() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrTimeout, path, context.Cause(ctx))
		case <-events:
		case <-ticker.C:
		}
	}
}
