package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fractary/faber/internal/core"
)

// Mode selects shared or exclusive access.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// FileLock is an advisory flock-style lock held on a sidecar file. The lock
// is attached to the open descriptor, so it disappears with the process.
type FileLock struct {
	path string
	mode Mode
	f    *os.File
}

// SidecarPath returns the lock file used to guard target: a hidden file
// next to it, so that replacing target by rename does not drop the lock.
func SidecarPath(target string) string {
	return filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+".flock")
}

// LockFile acquires a shared or exclusive lock on path, retrying until
// timeout elapses. A timeout of zero makes a single attempt.
func LockFile(ctx context.Context, path string, mode Mode, timeout, poll time.Duration) (*FileLock, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, core.ErrState(core.CodeLockStateFailed, "opening lock file").
			WithCause(err).WithDetail("lock_path", path)
	}

	start := time.Now()
	deadline := start.Add(timeout)
	for {
		err := tryLock(f, mode)
		if err == nil {
			return &FileLock{path: path, mode: mode, f: f}, nil
		}
		if !errors.Is(err, errWouldBlock) {
			f.Close()
			return nil, core.ErrState(core.CodeLockStateFailed, "locking file").
				WithCause(err).WithDetail("lock_path", path)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			f.Close()
			return nil, core.ErrLockTimeout(path, time.Since(start).Round(time.Millisecond)).
				WithDetail("mode", mode.String())
		}
		timer := time.NewTimer(minDuration(remaining, poll))
		select {
		case <-ctx.Done():
			timer.Stop()
			f.Close()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Mode returns the mode the lock was taken in.
func (l *FileLock) Mode() Mode {
	return l.mode
}

// Unlock releases the lock. Safe to call more than once.
func (l *FileLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	if err := unlock(f); err != nil {
		f.Close()
		return fmt.Errorf("unlocking %s: %w", l.path, err)
	}
	return f.Close()
}
