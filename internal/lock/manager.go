// Package lock provides the advisory locks that serialise processes sharing
// run and entity state on one host.
//
// Two primitives live here. Manager implements PID lock files with staleness
// reclamation, used as the coarse per-run lock and the per-entity lock.
// FileLock implements shared/exclusive locks used by the state store so that
// many readers can proceed while writers are serialised.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fractary/faber/internal/core"
	"github.com/fractary/faber/internal/logging"
)

const (
	// DefaultTimeout is the default wait for a run or entity lock.
	DefaultTimeout = 30 * time.Second

	// DefaultStaleAfter is the age after which a lock's holder is presumed crashed.
	DefaultStaleAfter = 300 * time.Second

	// DefaultPollInterval bounds how long a waiter sleeps between attempts
	// when no filesystem notification arrives.
	DefaultPollInterval = 100 * time.Millisecond
)

// Info represents lock file contents.
type Info struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
	Owner      string    `json:"owner,omitempty"`
	Token      string    `json:"token,omitempty"`
	// Reentrant lets later acquisitions by the same PID on the same host
	// proceed while this lock is held.
	Reentrant bool `json:"reentrant,omitempty"`
}

// Manager acquires and releases PID lock files.
type Manager struct {
	staleAfter   time.Duration
	pollInterval time.Duration
	logger       *logging.Logger
	now          func() time.Time

	// afterRename runs between moving a lock aside and inspecting it.
	afterRename func(path string)
}

// Option configures the manager.
type Option func(*Manager)

// WithStaleAfter sets the staleness threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.staleAfter = d
		}
	}
}

// WithPollInterval sets the maximum sleep between attempts.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithLogger sets the logger used for reclamation warnings.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a lock manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		staleAfter:   DefaultStaleAfter,
		pollInterval: DefaultPollInterval,
		logger:       logging.NewNop(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StaleAfter returns the configured staleness threshold.
func (m *Manager) StaleAfter() time.Duration {
	return m.staleAfter
}

// PathFor returns the lock file guarding file.
func PathFor(file string) string {
	return file + ".lock"
}

// AcquireOptions describes the holder recorded in the lock file.
type AcquireOptions struct {
	// PID recorded as holder. Defaults to the current process.
	PID int
	// Owner is a free-form label (run id, entity key, command name).
	Owner string
	// Reentrant marks the lock as enterable by the same holder PID. Locks
	// taken explicitly by a caller set it so that the caller's own
	// mutations do not wait on their lock.
	Reentrant bool
}

// Lease is a held lock.
type Lease struct {
	Path      string
	Info      Info
	Reclaimed bool
	// Previous holds the reclaimed holder's info when Reclaimed is set.
	Previous *Info
	// Reentered is set when the lock was already held by the same PID.
	// Info then describes the existing holder and Release leaves the file.
	Reentered bool
}

// Release removes the lock file if it still belongs to this lease.
// A lease whose lock was reclaimed by someone else leaves their lock alone.
func (l *Lease) Release() error {
	if l == nil || l.Reentered {
		return nil
	}
	info, err := readInfo(l.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading lock file: %w", err)
	}
	if info.Token != "" && info.Token != l.Info.Token {
		return core.ErrConflict(core.CodeLockNotOwned, "lock now held by another holder").
			WithDetail("lock_path", l.Path).
			WithDetail("holder_pid", info.PID)
	}
	if err := os.Remove(l.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

// Acquire obtains the lock at path, waiting up to timeout. A lock older than
// the staleness threshold is reclaimed with a warning. A timeout of zero
// makes a single attempt.
//
// A live reentrant lock whose holder has the requested PID on this host is
// entered without waiting. The returned lease has Reentered set and its
// release keeps the holder's file in place.
func (m *Manager) Acquire(ctx context.Context, path string, timeout time.Duration, opts AcquireOptions) (*Lease, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	hostname, _ := os.Hostname()
	info := Info{
		PID:      opts.PID,
		Hostname: hostname,
		Owner:     opts.Owner,
		Token:     uuid.NewString(),
		Reentrant: opts.Reentrant,
	}
	if info.PID <= 0 {
		info.PID = os.Getpid()
	}

	start := m.now()
	deadline := start.Add(timeout)
	var w *waiter
	defer func() { w.close() }()

	lease := &Lease{Path: path}
	for {
		info.AcquiredAt = m.now().UTC()
		err := createExclusive(path, info)
		if err == nil {
			lease.Info = info
			return lease, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, core.ErrState(core.CodeLockStateFailed, "creating lock file").
				WithCause(err).WithDetail("lock_path", path)
		}

		holder, age, readErr := m.inspect(path)
		if readErr != nil {
			if errors.Is(readErr, os.ErrNotExist) {
				continue
			}
			return nil, core.ErrState(core.CodeLockStateFailed, "reading lock file").
				WithCause(readErr).WithDetail("lock_path", path)
		}

		if age <= m.staleAfter && holder.Reentrant && sameHolder(holder, info) {
			m.logger.Debug("entering lock held by same process",
				"lock_path", path,
				"holder_pid", holder.PID,
				"holder_owner", holder.Owner,
			)
			return &Lease{Path: path, Info: holder, Reentered: true}, nil
		}

		if age > m.staleAfter {
			reclaimed, err := m.reclaim(path, holder)
			if err != nil {
				return nil, err
			}
			if reclaimed {
				m.logger.Warn("reclaimed stale lock",
					"lock_path", path,
					"holder_pid", holder.PID,
					"holder_host", holder.Hostname,
					"age", age.Round(time.Second).String(),
					"stale_after", m.staleAfter.String(),
				)
				lease.Reclaimed = true
				prev := holder
				lease.Previous = &prev
			}
			continue
		}

		remaining := deadline.Sub(m.now())
		if remaining <= 0 {
			return nil, core.ErrLockTimeout(path, m.now().Sub(start).Round(time.Millisecond)).
				WithDetail("holder_pid", holder.PID).
				WithDetail("holder_host", holder.Hostname).
				WithDetail("holder_owner", holder.Owner).
				WithDetail("lock_age", age.Round(time.Second).String())
		}

		if w == nil {
			w = newWaiter(path)
		}
		if err := w.wait(ctx, minDuration(remaining, m.pollInterval)); err != nil {
			return nil, err
		}
	}
}

// Release removes the lock file at path. Missing files are not an error.
func (m *Manager) Release(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

// WithLock runs fn while holding the lock at path.
func (m *Manager) WithLock(ctx context.Context, path string, timeout time.Duration, opts AcquireOptions, fn func() error) error {
	lease, err := m.Acquire(ctx, path, timeout, opts)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := lease.Release(); relErr != nil {
			m.logger.Warn("releasing lock", "lock_path", path, "error", relErr)
		}
	}()
	return fn()
}

// Status describes a lock as reported by Check.
type Status struct {
	Path        string     `json:"lock_path"`
	Locked      bool       `json:"locked"`
	PID         int        `json:"pid,omitempty"`
	Hostname    string     `json:"hostname,omitempty"`
	Owner       string     `json:"owner,omitempty"`
	AcquiredAt  *time.Time `json:"acquired_at,omitempty"`
	Age         string     `json:"age,omitempty"`
	Stale       bool       `json:"stale"`
	HolderAlive *bool      `json:"holder_alive,omitempty"`
}

// Check reports the state of the lock at path without modifying it.
func (m *Manager) Check(path string) (Status, error) {
	st := Status{Path: path}
	holder, age, err := m.inspect(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return st, fmt.Errorf("reading lock file: %w", err)
	}
	st.Locked = true
	st.PID = holder.PID
	st.Hostname = holder.Hostname
	st.Owner = holder.Owner
	if !holder.AcquiredAt.IsZero() {
		at := holder.AcquiredAt
		st.AcquiredAt = &at
	}
	st.Age = age.Round(time.Second).String()
	st.Stale = age > m.staleAfter

	hostname, _ := os.Hostname()
	if holder.PID > 0 && (holder.Hostname == "" || holder.Hostname == hostname) {
		alive := holderAlive(holder.PID, holder.AcquiredAt)
		st.HolderAlive = &alive
	}
	return st, nil
}

// inspect reads the holder and computes the lock's age. Age comes from
// acquired_at when present and from the file's mtime otherwise.
func (m *Manager) inspect(path string) (Info, time.Duration, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Info{}, 0, err
	}
	info, err := readInfo(path)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return Info{}, 0, err
	}
	at := info.AcquiredAt
	if at.IsZero() {
		at = fi.ModTime()
	}
	age := m.now().Sub(at)
	if age < 0 {
		age = 0
	}
	return info, age, nil
}

// reclaim moves a stale lock aside and deletes it. If, between inspection and
// the move, another process replaced the stale lock with a fresh one, the
// fresh lock is put back and false is returned.
//
// While the fresh lock is aside a third process may create the path. The
// fresh lock then cannot be restored: its holder loses it, which Lease.Release
// reports as LOCK_NOT_OWNED, and reclaim returns a LOCK_HELD conflict naming
// both holders instead of retrying.
func (m *Manager) reclaim(path string, stale Info) (bool, error) {
	tomb := fmt.Sprintf("%s.stale-%s", path, uuid.NewString()[:8])
	if err := os.Rename(path, tomb); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, core.ErrState(core.CodeLockStateFailed, "reclaiming stale lock").
			WithCause(err).WithDetail("lock_path", path)
	}
	if m.afterRename != nil {
		m.afterRename(path)
	}
	moved, _ := readInfo(tomb)
	if moved.Token != stale.Token || !moved.AcquiredAt.Equal(stale.AcquiredAt) {
		// Not the lock we judged stale. Put it back.
		err := os.Link(tomb, path)
		_ = os.Remove(tomb)
		switch {
		case err == nil:
			return false, nil
		case errors.Is(err, os.ErrExist):
			current, _ := readInfo(path)
			m.logger.Error("fresh lock displaced during reclaim",
				"lock_path", path,
				"displaced_pid", moved.PID,
				"holder_pid", current.PID,
			)
			return false, core.ErrConflict(core.CodeLockHeld, "lock taken by another process while reclaiming").
				WithDetail("lock_path", path).
				WithDetail("displaced_pid", moved.PID).
				WithDetail("holder_pid", current.PID)
		default:
			m.logger.Warn("restoring fresh lock after reclaim race", "lock_path", path, "error", err)
			return false, nil
		}
	}
	_ = os.Remove(tomb)
	return true, nil
}

// sameHolder reports whether the lock holder is the process described by
// want. A holder without a hostname is assumed local.
func sameHolder(holder, want Info) bool {
	if holder.PID != want.PID {
		return false
	}
	return holder.Hostname == "" || holder.Hostname == want.Hostname
}

func createExclusive(path string, info Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshaling lock info: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("writing lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("closing lock file: %w", err)
	}
	return nil
}

// readInfo parses a lock file. Besides the JSON form, a bare PID is accepted
// for locks written by other tools.
func readInfo(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err == nil {
		return info, nil
	}
	if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
		return Info{PID: pid}, nil
	}
	return Info{}, nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
