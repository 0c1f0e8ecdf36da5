package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fractary/faber/internal/adapters/state"
	"github.com/fractary/faber/internal/config"
	"github.com/fractary/faber/internal/lock"
	"github.com/fractary/faber/internal/logging"
	"github.com/fractary/faber/internal/service/entity"
	"github.com/fractary/faber/internal/service/hooks"
	"github.com/fractary/faber/internal/service/workflow"
)

// app wires the engine components from configuration for one invocation.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	layout state.Layout
	store  *state.Store
	locks  *lock.Manager
	keyed  *lock.KeyedMutex
	pid    int

	closers []func() error
}

func (o *rootOptions) load(cmd *cobra.Command) (*app, error) {
	loader := config.NewLoaderWithViper(o.v)
	if o.cfgFile != "" {
		loader.WithConfigFile(o.cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, usageError{fmt.Errorf("loading config: %w", err)}
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, usageError{fmt.Errorf("validating config: %w", err)}
	}

	logger := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cmd.ErrOrStderr(),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   true,
	})

	a := &app{
		cfg:    cfg,
		logger: logger,
		layout: state.NewLayout(cfg.Root),
		keyed:  lock.NewKeyedMutex(),
		pid:    o.pidForLocks(),
	}
	a.closers = append(a.closers, logger.Close)

	a.locks = lock.NewManager(
		lock.WithStaleAfter(config.Duration(cfg.Lock.StaleAfter, lock.DefaultStaleAfter)),
		lock.WithPollInterval(config.Duration(cfg.Lock.PollInterval, lock.DefaultPollInterval)),
		lock.WithLogger(logger),
	)
	a.store = a.newStore(cfg.State.Backups)
	return a, nil
}

func (a *app) newStore(backups bool) *state.Store {
	return state.NewStore(
		state.WithReadTimeout(config.Duration(a.cfg.State.ReadTimeout, state.DefaultReadTimeout)),
		state.WithWriteTimeout(config.Duration(a.cfg.State.WriteTimeout, state.DefaultWriteTimeout)),
		state.WithPollInterval(config.Duration(a.cfg.Lock.PollInterval, lock.DefaultPollInterval)),
		state.WithBackups(backups),
		state.WithMaxBackups(a.cfg.State.MaxBackups),
		state.WithLogger(a.logger),
	)
}

func (a *app) machine() *workflow.Machine {
	return workflow.New(a.store, a.locks, a.layout,
		workflow.WithMaxRetries(a.cfg.Workflow.MaxRetries),
		workflow.WithLockTimeout(config.Duration(a.cfg.Lock.Timeout, lock.DefaultTimeout)),
		workflow.WithHolderPID(a.pid),
		workflow.WithKeyedMutex(a.keyed),
		workflow.WithLogger(a.logger),
	)
}

// tracker opens the entity tracker. An index that cannot be opened is
// reported and the tracker falls back to scanning entity files.
func (a *app) tracker() *entity.Tracker {
	opts := []entity.Option{
		entity.WithLockTimeout(config.Duration(a.cfg.Entity.LockTimeout, lock.DefaultTimeout)),
		entity.WithQueryLimit(a.cfg.Entity.QueryLimit),
		entity.WithHolderPID(a.pid),
		entity.WithKeyedMutex(a.keyed),
		entity.WithLogger(a.logger),
	}
	ix, err := entity.OpenIndex(a.cfg.Entity.IndexPath, a.cfg.Entity.RecentLimit)
	if err != nil {
		a.logger.Warn("entity index unavailable, queries will scan entity files",
			"index", a.cfg.Entity.IndexPath, "error", err)
	} else {
		opts = append(opts, entity.WithIndex(ix))
	}
	t := entity.New(a.newStore(false), a.locks, a.layout, opts...)
	a.closers = append(a.closers, t.Close)
	return t
}

func (a *app) hookEngine() (*hooks.Engine, error) {
	e, err := hooks.New(a.cfg.Hooks.ProjectRoot,
		hooks.WithPluginDirs(a.cfg.Hooks.PluginDirs...),
		hooks.WithAuditLog(a.cfg.Hooks.AuditLog),
		hooks.WithDefaultTimeout(config.Duration(a.cfg.Hooks.Timeout, hooks.DefaultTimeout)),
		hooks.WithMaxOutput(a.cfg.Hooks.MaxOutputBytes),
		hooks.WithLogger(a.logger),
	)
	if err != nil {
		return nil, usageError{fmt.Errorf("creating hook engine: %w", err)}
	}
	if err := e.BindDescriptors(hookDescriptors(a.cfg.Hooks.Events)); err != nil {
		return nil, err
	}
	return e, nil
}

func hookDescriptors(events map[string][]config.HookEntryConf) map[string][]hooks.Descriptor {
	out := make(map[string][]hooks.Descriptor, len(events))
	for event, entries := range events {
		for _, c := range entries {
			d := hooks.Descriptor{
				Type:        c.Type,
				Path:        c.Path,
				Skill:       c.Skill,
				Description: c.Description,
				Parameters:  c.Parameters,
				Timeout:     c.Timeout,
			}
			out[event] = append(out[event], d)
		}
	}
	return out
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}
