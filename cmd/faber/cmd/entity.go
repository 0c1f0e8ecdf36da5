package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/fractary/faber/internal/core"
	"github.com/fractary/faber/internal/service/entity"
)

func newEntityCmd(opts *rootOptions) *cobra.Command {
	entityCmd := &cobra.Command{
		Use:   "entity",
		Short: "Track step execution on long-lived entities",
	}
	entityCmd.AddCommand(
		newEntityCreateCmd(opts),
		newEntityGetCmd(opts),
		newEntityHistoryCmd(opts),
		newEntityRecordStepCmd(opts),
		newEntityQueryCmd(opts),
		newEntityRecentCmd(opts),
		newEntityRebuildIndexCmd(opts),
		newEntityRebuildCmd(opts),
	)
	return entityCmd
}

// withTracker loads the app and runs fn with its entity tracker.
func withTracker(opts *rootOptions, cmd *cobra.Command, fn func(*entity.Tracker) error) error {
	a, err := opts.load(cmd)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a.tracker())
}

func newEntityCreateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create <type> <id>",
		Short: "Create an entity and its empty history",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(opts, cmd, func(t *entity.Tracker) error {
				e, err := t.Create(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd, e)
			})
		},
	}
}

func newEntityGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <type> <id>",
		Short: "Print an entity's current step status",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(opts, cmd, func(t *entity.Tracker) error {
				e, err := t.Get(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd, e)
			})
		},
	}
}

func newEntityHistoryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <type> <id>",
		Short: "Print an entity's execution history",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(opts, cmd, func(t *entity.Tracker) error {
				h, err := t.History(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd, h)
			})
		},
	}
}

func newEntityRecordStepCmd(opts *rootOptions) *cobra.Command {
	var (
		rec     entity.StepRecord
		file    string
		status  string
		outcome string
		phase   string
	)
	c := &cobra.Command{
		Use:   "record-step <type> <id>",
		Short: "Record one step execution against an entity",
		Long: `Record one step execution. The record is built from flags, or read as a
JSON object from --file (- for stdin); positional type and id always win.`,
		Args: exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				data, err := readInput(cmd, file)
				if err != nil {
					return usageError{err}
				}
				if err := json.Unmarshal(data, &rec); err != nil {
					return core.ErrValidation(core.CodeInvalidJSON, "invalid step record").WithCause(err)
				}
			} else {
				rec.ExecutionStatus = core.ExecutionStatus(status)
				rec.OutcomeStatus = core.OutcomeStatus(outcome)
				rec.Phase = core.Phase(phase)
			}
			rec.EntityType, rec.EntityID = args[0], args[1]
			return withTracker(opts, cmd, func(t *entity.Tracker) error {
				res, err := t.RecordStep(cmd.Context(), rec)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	f := c.Flags()
	f.StringVarP(&file, "file", "f", "", "JSON step record, - for stdin")
	f.StringVar(&rec.StepID, "step", "", "step id")
	f.StringVar(&status, "status", "", "execution status (pending, in_progress, success, failure, skipped, cancelled)")
	f.StringVar(&outcome, "outcome", "", "outcome status (success, failure, partial, skipped, warning)")
	f.StringVar(&phase, "phase", "", "phase the step belongs to")
	f.StringVar(&rec.StepAction, "action", "", "step action, e.g. deploy")
	f.StringVar(&rec.StepType, "step-type", "", "step type")
	f.StringVar(&rec.WorkflowID, "workflow", "", "workflow id")
	f.StringVar(&rec.RunID, "run-id", "", "run id")
	f.StringVar(&rec.WorkID, "work-id", "", "work id")
	f.StringVar(&rec.SessionID, "session-id", "", "session id")
	f.Int64Var(&rec.DurationMS, "duration-ms", 0, "duration in milliseconds")
	f.IntVar(&rec.RetryCount, "retry-count", 0, "retry count")
	f.StringVar(&rec.RetryReason, "retry-reason", "", "retry reason")
	f.StringVar(&rec.ErrorMessage, "error", "", "error message")
	return c
}

func newEntityQueryCmd(opts *rootOptions) *cobra.Command {
	var (
		status string
		limit  int
	)
	c := &cobra.Command{
		Use:   "query-by-step <action>",
		Short: "List entities whose step with this action has a given status",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := core.ParseExecutionStatus(status)
			if err != nil {
				return err
			}
			return withTracker(opts, cmd, func(t *entity.Tracker) error {
				entities, err := t.QueryByStepAction(cmd.Context(), args[0], st, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, entities)
			})
		},
	}
	c.Flags().StringVar(&status, "status", string(core.ExecSuccess), "execution status to match")
	c.Flags().IntVar(&limit, "limit", 0, "maximum results (default: entity.query_limit)")
	return c
}

func newEntityRecentCmd(opts *rootOptions) *cobra.Command {
	var limit int
	c := &cobra.Command{
		Use:   "recent",
		Short: "List recently updated entities",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withTracker(opts, cmd, func(t *entity.Tracker) error {
				updates, err := t.RecentUpdates(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, updates)
			})
		},
	}
	c.Flags().IntVar(&limit, "limit", 20, "maximum results")
	return c
}

func newEntityRebuildIndexCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-index",
		Short: "Rebuild the query index from the entity files",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withTracker(opts, cmd, func(t *entity.Tracker) error {
				n, err := t.RebuildIndex(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]int{"indexed": n})
			})
		},
	}
}

func newEntityRebuildCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <type> <id>",
		Short: "Recompute an entity's step status from its history",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(opts, cmd, func(t *entity.Tracker) error {
				e, err := t.RebuildFromHistory(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd, e)
			})
		},
	}
}
