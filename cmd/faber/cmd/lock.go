package cmd

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fractary/faber/internal/config"
	"github.com/fractary/faber/internal/core"
	"github.com/fractary/faber/internal/lock"
)

type lockTarget struct {
	runID string
}

func (t *lockTarget) register(c *cobra.Command) {
	c.Flags().StringVar(&t.runID, "run-id", "", "lock the state file of this run instead of a path")
}

// path returns the lock file for the positional file argument or --run-id.
// A path already ending in .lock is used as is.
func (t *lockTarget) path(a *app, args []string) (string, error) {
	switch {
	case len(args) == 1 && t.runID != "":
		return "", usageError{errors.New("pass either a file or --run-id, not both")}
	case len(args) == 1:
		if strings.HasSuffix(args[0], ".lock") {
			return args[0], nil
		}
		return lock.PathFor(args[0]), nil
	case t.runID != "":
		statePath, err := a.layout.RunStatePath(t.runID)
		if err != nil {
			return "", err
		}
		return lock.PathFor(statePath), nil
	default:
		return "", usageError{errors.New("a file or --run-id is required")}
	}
}

func newLockCmd(opts *rootOptions) *cobra.Command {
	lockCmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire, inspect and release PID lock files",
	}
	lockCmd.AddCommand(newLockAcquireCmd(opts), newLockCheckCmd(opts), newLockReleaseCmd(opts))
	return lockCmd
}

func newLockAcquireCmd(opts *rootOptions) *cobra.Command {
	var (
		target  lockTarget
		timeout time.Duration
		owner   string
	)
	c := &cobra.Command{
		Use:   "acquire [file]",
		Short: "Acquire a lock, waiting up to --timeout",
		Long: `Acquire a lock and keep it after the command exits. The holder recorded
in the lock file is the calling process (see --pid), which must release it
with "faber lock release".

The lock is reentrant for its holder: state and entity commands run with the
same --pid proceed while it is held, and other processes wait for it. This
lets one process guard a sequence of run updates.`,
		Args: rangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			path, err := target.path(a, args)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("timeout") {
				timeout = config.Duration(a.cfg.Lock.Timeout, lock.DefaultTimeout)
			}
			lease, err := a.locks.Acquire(cmd.Context(), path, timeout, lock.AcquireOptions{PID: a.pid, Owner: owner, Reentrant: true})
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"acquired":  true,
				"lock_path": lease.Path,
				"pid":       lease.Info.PID,
				"reclaimed": lease.Reclaimed,
				"previous":  lease.Previous,
			})
		},
	}
	target.register(c)
	c.Flags().DurationVar(&timeout, "timeout", lock.DefaultTimeout, "maximum wait")
	c.Flags().StringVar(&owner, "owner", "", "label recorded in the lock file")
	return c
}

func newLockCheckCmd(opts *rootOptions) *cobra.Command {
	var target lockTarget
	c := &cobra.Command{
		Use:   "check [file]",
		Short: "Report a lock's holder, age and staleness",
		Args:  rangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			path, err := target.path(a, args)
			if err != nil {
				return err
			}
			st, err := a.locks.Check(path)
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}
	target.register(c)
	return c
}

func newLockReleaseCmd(opts *rootOptions) *cobra.Command {
	var (
		target lockTarget
		force  bool
	)
	c := &cobra.Command{
		Use:   "release [file]",
		Short: "Release a lock held by the calling process",
		Args:  rangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			path, err := target.path(a, args)
			if err != nil {
				return err
			}
			st, err := a.locks.Check(path)
			if err != nil {
				return err
			}
			if st.Locked && st.PID != a.pid && !force {
				return core.ErrConflict(core.CodeLockNotOwned, "lock is held by another process").
					WithDetail("lock_path", path).
					WithDetail("holder_pid", st.PID).
					WithDetail("pid", a.pid)
			}
			if err := a.locks.Release(path); err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"released": st.Locked, "lock_path": path})
		},
	}
	target.register(c)
	c.Flags().BoolVar(&force, "force", false, "release even if another process holds the lock")
	return c
}
