package lock

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// waiter wakes lock waiters when the lock file is removed or renamed, so a
// release is noticed before the next poll tick. When no watcher can be
// created the waiter degrades to plain polling.
type waiter struct {
	watcher *fsnotify.Watcher
	target  string
}

func newWaiter(path string) *waiter {
	w := &waiter{target: filepath.Clean(path)}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return w
	}
	if err := fw.Add(filepath.Dir(w.target)); err != nil {
		_ = fw.Close()
		return w
	}
	w.watcher = fw
	return w
}

// wait blocks until the lock file changes, d elapses, or ctx is done.
func (w *waiter) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	if w == nil || w.watcher == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				w.watcher = nil
				return nil
			}
			if filepath.Clean(ev.Name) == w.target && ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				return nil
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				w.watcher = nil
				return nil
			}
		}
	}
}

func (w *waiter) close() {
	if w == nil || w.watcher == nil {
		return
	}
	_ = w.watcher.Close()
	w.watcher = nil
}
