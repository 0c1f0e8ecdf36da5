// Package state implements the State Store: JSON documents on disk read
// under shared locks and replaced atomically under exclusive locks.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fractary/faber/internal/core"
	"github.com/fractary/faber/internal/fsutil"
	"github.com/fractary/faber/internal/lock"
	"github.com/fractary/faber/internal/logging"
)

const (
	DefaultReadTimeout  = 10 * time.Second
	DefaultWriteTimeout = 30 * time.Second
	DefaultMaxBackups   = 20
)

// Store reads and writes JSON state documents.
type Store struct {
	readTimeout  time.Duration
	writeTimeout time.Duration
	pollInterval time.Duration
	backups      bool
	maxBackups   int
	logger       *logging.Logger
	now          func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithReadTimeout sets the wait for the shared lock.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// WithWriteTimeout sets the wait for the exclusive lock.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithPollInterval sets the lock retry interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithBackups enables or disables the backup taken before each write.
func WithBackups(enabled bool) Option {
	return func(s *Store) { s.backups = enabled }
}

// WithMaxBackups sets how many backups are kept per document. Zero keeps all.
func WithMaxBackups(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxBackups = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates a state store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		readTimeout:  DefaultReadTimeout,
		writeTimeout: DefaultWriteTimeout,
		pollInterval: lock.DefaultPollInterval,
		backups:      true,
		maxBackups:   DefaultMaxBackups,
		logger:       logging.NewNop(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Exists reports whether a document exists at path.
func (s *Store) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Write validates doc as a JSON object, stamps its updated_at, and replaces
// the file at path. Malformed documents are rejected before any lock is
// taken or file touched.
func (s *Store) Write(ctx context.Context, path string, doc []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return core.ErrValidation(core.CodeInvalidJSON, "state document must be a JSON object").
			WithCause(err).WithDetail("path", path)
	}
	if fields == nil {
		return core.ErrValidation(core.CodeInvalidJSON, "state document must be a JSON object, got null").
			WithDetail("path", path)
	}

	stamp, _ := json.Marshal(s.now().UTC().Format(time.RFC3339Nano))
	fields["updated_at"] = stamp

	data, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	data = append(data, '\n')

	fl, err := lock.LockFile(ctx, lock.SidecarPath(path), lock.Exclusive, s.writeTimeout, s.pollInterval)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	if s.backups && s.Exists(path) {
		if _, err := s.backupLocked(path); err != nil {
			s.logger.Warn("state backup failed, continuing with write", "path", path, "error", err)
		}
	}

	if err := fsutil.AtomicWriteFile(path, data, 0o644); err != nil {
		return core.ErrState(core.CodeStateCorrupted, "writing state file").
			WithCause(err).WithDetail("path", path)
	}
	s.logger.Debug("state written", "path", path, "bytes", len(data))
	return nil
}

// WriteJSON marshals v and writes it with Write.
func (s *Store) WriteJSON(ctx context.Context, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return core.ErrValidation(core.CodeInvalidJSON, "marshaling state").WithCause(err)
	}
	return s.Write(ctx, path, data)
}

// Read returns the document at path, or the value at projection when one is
// given (".phases.build.status"). Many readers may hold the shared lock at
// once; only a writer blocks them.
func (s *Store) Read(ctx context.Context, path, projection string) (json.RawMessage, error) {
	data, err := s.readLocked(ctx, path)
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, core.ErrState(core.CodeStateCorrupted, "state file is not valid JSON").
			WithDetail("path", path)
	}
	return Project(data, projection)
}

// ReadInto reads the document at path and unmarshals it into v.
func (s *Store) ReadInto(ctx context.Context, path string, v any) error {
	data, err := s.readLocked(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return core.ErrState(core.CodeStateCorrupted, "decoding state file").
			WithCause(err).WithDetail("path", path)
	}
	return nil
}

func (s *Store) readLocked(ctx context.Context, path string) ([]byte, error) {
	if !s.Exists(path) {
		return nil, core.ErrNotFound("state", path)
	}
	fl, err := lock.LockFile(ctx, lock.SidecarPath(path), lock.Shared, s.readTimeout, s.pollInterval)
	if err != nil {
		return nil, err
	}
	defer fl.Unlock()

	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, core.ErrNotFound("state", path)
		}
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	return data, nil
}

// Backup copies the document at path into its backups directory and
// returns the backup's path.
func (s *Store) Backup(ctx context.Context, path string) (string, error) {
	if !s.Exists(path) {
		return "", core.ErrNotFound("state", path)
	}
	fl, err := lock.LockFile(ctx, lock.SidecarPath(path), lock.Shared, s.readTimeout, s.pollInterval)
	if err != nil {
		return "", err
	}
	defer fl.Unlock()
	return s.backupLocked(path)
}
