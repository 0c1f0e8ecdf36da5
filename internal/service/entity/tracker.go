// Package entity tracks long-lived entities across runs: a current-state
// document per entity, an append-only history beside it, and derived
// SQLite indices for lookups by step action and recency.
package entity

import (
	"context"
	"fmt"
	"time"

	"github.com/fractary/faber/internal/adapters/state"
	"github.com/fractary/faber/internal/core"
	"github.com/fractary/faber/internal/lock"
	"github.com/fractary/faber/internal/logging"
)

const (
	DefaultQueryLimit  = 100
	DefaultConcurrency = 8
)

// Store is the subset of the state store the tracker needs.
type Store interface {
	Exists(path string) bool
	ReadInto(ctx context.Context, path string, v any) error
	WriteJSON(ctx context.Context, path string, v any) error
}

// Locker serialises mutations of one entity across processes.
type Locker interface {
	WithLock(ctx context.Context, path string, timeout time.Duration, opts lock.AcquireOptions, fn func() error) error
}

// Tracker records step executions against entities.
type Tracker struct {
	store       Store
	locks       Locker
	layout      state.Layout
	index       *Index
	keyed       *lock.KeyedMutex
	lockTimeout time.Duration
	queryLimit  int
	concurrency int
	holderPID   int
	logger      *logging.Logger
	now         func() time.Time
}

// Option configures the tracker.
type Option func(*Tracker)

// WithIndex attaches the derived index. Without one, queries scan the
// entity files.
func WithIndex(ix *Index) Option {
	return func(t *Tracker) { t.index = ix }
}

// WithLockTimeout sets how long a mutation waits for the entity lock.
func WithLockTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.lockTimeout = d
		}
	}
}

// WithQueryLimit sets the default result cap of QueryByStepAction.
func WithQueryLimit(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.queryLimit = n
		}
	}
}

// WithConcurrency bounds parallel entity loads.
func WithConcurrency(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.concurrency = n
		}
	}
}

// WithHolderPID records pid as the lock holder.
func WithHolderPID(pid int) Option {
	return func(t *Tracker) { t.holderPID = pid }
}

// WithKeyedMutex serialises in-process callers per entity.
func WithKeyedMutex(k *lock.KeyedMutex) Option {
	return func(t *Tracker) { t.keyed = k }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// New creates a tracker over entities stored under layout.
func New(store Store, locks Locker, layout state.Layout, opts ...Option) *Tracker {
	t := &Tracker{
		store:       store,
		locks:       locks,
		layout:      layout,
		lockTimeout: lock.DefaultTimeout,
		queryLimit:  DefaultQueryLimit,
		concurrency: DefaultConcurrency,
		logger:      logging.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create registers a new entity at version 1 with an empty history.
func (t *Tracker) Create(ctx context.Context, entityType, entityID string) (*core.Entity, error) {
	paths, err := t.pathsFor(entityType, entityID)
	if err != nil {
		return nil, err
	}

	e := core.NewEntity(entityType, entityID, t.now().UTC())
	err = t.withEntityLock(ctx, e.Key(), paths.lock, func() error {
		if t.store.Exists(paths.state) {
			return core.ErrConflict(core.CodeEntityExists, "entity already exists: "+e.Key()).
				WithDetail("entity_type", entityType).
				WithDetail("entity_id", entityID)
		}
		if err := t.store.WriteJSON(ctx, paths.history, core.NewEntityHistory(entityType, entityID)); err != nil {
			return err
		}
		return t.store.WriteJSON(ctx, paths.state, e)
	})
	if err != nil {
		return nil, err
	}

	if t.index != nil {
		if err := t.index.Touch(ctx, e); err != nil {
			t.logger.WithEntity(entityType, entityID).Warn("entity index update failed", "error", err)
		}
	}
	t.logger.WithEntity(entityType, entityID).Info("entity created")
	return e, nil
}

// Get loads the current state of an entity.
func (t *Tracker) Get(ctx context.Context, entityType, entityID string) (*core.Entity, error) {
	paths, err := t.pathsFor(entityType, entityID)
	if err != nil {
		return nil, err
	}
	return t.load(ctx, entityType, entityID, paths.state)
}

// History loads the history document of an entity.
func (t *Tracker) History(ctx context.Context, entityType, entityID string) (*core.EntityHistory, error) {
	paths, err := t.pathsFor(entityType, entityID)
	if err != nil {
		return nil, err
	}
	var h core.EntityHistory
	if err := t.store.ReadInto(ctx, paths.history, &h); err != nil {
		if core.IsCategory(err, core.ErrCatNotFound) {
			return nil, core.ErrNotFound("entity history", entityType+"/"+entityID)
		}
		return nil, err
	}
	return &h, nil
}

func (t *Tracker) load(ctx context.Context, entityType, entityID, path string) (*core.Entity, error) {
	var e core.Entity
	if err := t.store.ReadInto(ctx, path, &e); err != nil {
		if core.IsCategory(err, core.ErrCatNotFound) {
			return nil, core.ErrNotFound("entity", entityType+"/"+entityID)
		}
		return nil, err
	}
	if e.StepStatus == nil {
		e.StepStatus = map[string]*core.StepStatus{}
	}
	return &e, nil
}

type entityPaths struct {
	state   string
	history string
	lock    string
}

func (t *Tracker) pathsFor(entityType, entityID string) (entityPaths, error) {
	var p entityPaths
	var err error
	if p.state, err = t.layout.EntityPath(entityType, entityID); err != nil {
		return p, err
	}
	if p.history, err = t.layout.HistoryPath(entityType, entityID); err != nil {
		return p, err
	}
	if p.lock, err = t.layout.EntityLockPath(entityType, entityID); err != nil {
		return p, err
	}
	return p, nil
}

func (t *Tracker) withEntityLock(ctx context.Context, key, path string, fn func() error) error {
	if t.keyed != nil {
		unlock := t.keyed.Lock(path)
		defer unlock()
	}
	return t.locks.WithLock(ctx, path, t.lockTimeout, lock.AcquireOptions{PID: t.holderPID, Owner: key}, fn)
}

// Close closes the index, if any.
func (t *Tracker) Close() error {
	if t.index == nil {
		return nil
	}
	if err := t.index.Close(); err != nil {
		return fmt.Errorf("closing entity index: %w", err)
	}
	return nil
}
