// Package workflow implements the run state machine: the five FABER phases of
// one run, persisted as a JSON document and mutated only under the run lock.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/fractary/faber/internal/adapters/state"
	"github.com/fractary/faber/internal/core"
	"github.com/fractary/faber/internal/fsutil"
	"github.com/fractary/faber/internal/lock"
	"github.com/fractary/faber/internal/logging"
)

// DefaultMaxRetries bounds per-phase retries before a human must decide.
const DefaultMaxRetries = 3

// Store is the subset of the state store the machine needs.
type Store interface {
	Exists(path string) bool
	ReadInto(ctx context.Context, path string, v any) error
	WriteJSON(ctx context.Context, path string, v any) error
	Write(ctx context.Context, path string, doc []byte) error
	Read(ctx context.Context, path, projection string) (json.RawMessage, error)
	Backup(ctx context.Context, path string) (string, error)
}

// Locker serialises mutations of one run across processes.
type Locker interface {
	WithLock(ctx context.Context, path string, timeout time.Duration, opts lock.AcquireOptions, fn func() error) error
}

// Machine drives runs through their phases.
type Machine struct {
	store       Store
	locks       Locker
	layout      state.Layout
	keyed       *lock.KeyedMutex
	maxRetries  int
	lockTimeout time.Duration
	holderPID   int
	logger      *logging.Logger
	now         func() time.Time
}

// Option configures the machine.
type Option func(*Machine)

// WithMaxRetries sets the per-phase retry budget.
func WithMaxRetries(n int) Option {
	return func(m *Machine) {
		if n >= 0 {
			m.maxRetries = n
		}
	}
}

// WithLockTimeout sets how long a mutation waits for the run lock.
func WithLockTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.lockTimeout = d
		}
	}
}

// WithHolderPID records pid instead of the current process as lock holder.
// Short-lived CLI invocations pass their parent's pid.
func WithHolderPID(pid int) Option {
	return func(m *Machine) { m.holderPID = pid }
}

// WithKeyedMutex serialises in-process callers per run before the file lock.
func WithKeyedMutex(k *lock.KeyedMutex) Option {
	return func(m *Machine) { m.keyed = k }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a state machine over runs stored under layout.
func New(store Store, locks Locker, layout state.Layout, opts ...Option) *Machine {
	m := &Machine{
		store:       store,
		locks:       locks,
		layout:      layout,
		maxRetries:  DefaultMaxRetries,
		lockTimeout: lock.DefaultTimeout,
		logger:      logging.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InitRequest describes a new run.
type InitRequest struct {
	WorkID          string
	WorkflowID      string
	WorkflowVersion string
	PlanID          string
	RunID           string
}

// Init creates a run: in progress, at frame, every phase pending.
func (m *Machine) Init(ctx context.Context, req InitRequest) (*core.Run, error) {
	if req.WorkflowID == "" {
		req.WorkflowID = "default"
	}
	if !fsutil.ValidID(req.WorkID) {
		return nil, core.ErrValidation(core.CodeInvalidID, fmt.Sprintf("invalid work_id %q", req.WorkID))
	}
	if !fsutil.ValidID(req.WorkflowID) {
		return nil, core.ErrValidation(core.CodeInvalidID, fmt.Sprintf("invalid workflow_id %q", req.WorkflowID))
	}

	now := m.now().UTC()
	planID := req.PlanID
	runID := req.RunID
	if runID == "" {
		if planID == "" {
			planID = req.WorkflowID + "-" + req.WorkID
		}
		if !fsutil.ValidID(planID) {
			return nil, core.ErrValidation(core.CodeInvalidID, fmt.Sprintf("invalid plan_id %q", planID))
		}
		runID = GenerateRunID(planID, now)
	} else if p, _, ok := state.SplitRunID(runID); ok && planID == "" {
		planID = p
	}

	path, err := m.layout.RunStatePath(runID)
	if err != nil {
		return nil, err
	}

	run := core.NewRun(runID, req.WorkID, req.WorkflowID, now)
	run.PlanID = planID
	run.WorkflowVersion = req.WorkflowVersion
	run.LastEventID = ulid.Make().String()

	err = m.withRunLock(ctx, runID, path, func() error {
		if m.store.Exists(path) {
			return core.ErrConflict(core.CodeRunExists, "run already exists: "+runID).
				WithDetail("run_id", runID).WithDetail("path", path)
		}
		return m.store.WriteJSON(ctx, path, run)
	})
	if err != nil {
		return nil, err
	}

	m.logger.WithRun(runID).Info("run initialised", "work_id", req.WorkID, "workflow_id", req.WorkflowID)
	return run, nil
}

// GenerateRunID builds "{plan_id}-run-{UTC timestamp}-{8 hex}".
func GenerateRunID(planID string, now time.Time) string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%s%s-%s", planID, state.RunMarker, now.UTC().Format("20060102T150405Z"), short)
}

// StatePath returns the state file of runID.
func (m *Machine) StatePath(runID string) (string, error) {
	return m.layout.RunStatePath(runID)
}

// Get loads a run.
func (m *Machine) Get(ctx context.Context, runID string) (*core.Run, error) {
	path, err := m.layout.RunStatePath(runID)
	if err != nil {
		return nil, err
	}
	var run core.Run
	if err := m.store.ReadInto(ctx, path, &run); err != nil {
		return nil, notFoundAsRun(err, runID)
	}
	return &run, nil
}

// Read returns the raw run document or the value at projection.
func (m *Machine) Read(ctx context.Context, runID, projection string) (json.RawMessage, error) {
	path, err := m.layout.RunStatePath(runID)
	if err != nil {
		return nil, err
	}
	raw, err := m.store.Read(ctx, path, projection)
	if err != nil {
		if core.IsCategory(err, core.ErrCatNotFound) && !m.store.Exists(path) {
			return nil, core.ErrNotFound("run", runID).WithDetail("path", path)
		}
		return nil, err
	}
	return raw, nil
}

// Write replaces the run document with doc under the run lock. doc must be a
// run document for runID; it is checked before the lock is taken.
func (m *Machine) Write(ctx context.Context, runID string, doc []byte) error {
	path, err := m.layout.RunStatePath(runID)
	if err != nil {
		return err
	}
	var run core.Run
	if err := json.Unmarshal(doc, &run); err != nil {
		return core.ErrValidation(core.CodeInvalidJSON, "state document is not a run").WithCause(err)
	}
	if run.RunID != runID {
		return core.ErrValidation(core.CodeInvalidID, "run_id in document does not match").
			WithDetail("run_id", runID).
			WithDetail("document_run_id", run.RunID)
	}
	return m.withRunLock(ctx, runID, path, func() error {
		return m.store.Write(ctx, path, doc)
	})
}

// Backup snapshots the run document and returns the backup path.
func (m *Machine) Backup(ctx context.Context, runID string) (string, error) {
	path, err := m.layout.RunStatePath(runID)
	if err != nil {
		return "", err
	}
	bp, err := m.store.Backup(ctx, path)
	if err != nil {
		return "", notFoundAsRun(err, runID)
	}
	return bp, nil
}

// List loads every run on disk. Unreadable runs are skipped with a warning.
func (m *Machine) List(ctx context.Context) ([]*core.Run, error) {
	ids, err := m.layout.ListRuns()
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	runs := make([]*core.Run, 0, len(ids))
	for _, id := range ids {
		run, err := m.Get(ctx, id)
		if err != nil {
			m.logger.Warn("skipping unreadable run", "run_id", id, "error", err)
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// mutate applies fn to the run under the run lock and persists the result.
// fn returning an error leaves the document untouched.
func (m *Machine) mutate(ctx context.Context, runID string, fn func(*core.Run, time.Time) error) (*core.Run, error) {
	path, err := m.layout.RunStatePath(runID)
	if err != nil {
		return nil, err
	}

	var run core.Run
	err = m.withRunLock(ctx, runID, path, func() error {
		if err := m.store.ReadInto(ctx, path, &run); err != nil {
			return notFoundAsRun(err, runID)
		}
		now := m.now().UTC()
		if err := fn(&run, now); err != nil {
			return err
		}
		run.LastEventID = ulid.Make().String()
		run.UpdatedAt = now
		return m.store.WriteJSON(ctx, path, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (m *Machine) withRunLock(ctx context.Context, runID, path string, fn func() error) error {
	if m.keyed != nil {
		unlock := m.keyed.Lock(path)
		defer unlock()
	}
	return m.locks.WithLock(ctx, lock.PathFor(path), m.lockTimeout,
		lock.AcquireOptions{PID: m.holderPID, Owner: runID}, fn)
}

func notFoundAsRun(err error, runID string) error {
	if core.IsCategory(err, core.ErrCatNotFound) {
		return core.ErrNotFound("run", runID).WithCause(err)
	}
	return err
}
