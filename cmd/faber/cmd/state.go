package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/fractary/faber/internal/core"
	"github.com/fractary/faber/internal/service/workflow"
)

func newStateCmd(opts *rootOptions) *cobra.Command {
	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Create, read and transition run state",
	}
	stateCmd.AddCommand(
		newStateInitCmd(opts),
		newStateReadCmd(opts),
		newStateWriteCmd(opts),
		newStateBackupCmd(opts),
		newStateListCmd(opts),
		newStateUpdatePhaseCmd(opts),
		newStateCancelCmd(opts),
		newStatePauseCmd(opts),
		newStateResumeCmd(opts),
		newStateArtifactCmd(opts),
	)
	return stateCmd
}

// withMachine loads the app and runs fn with its state machine.
func withMachine(opts *rootOptions, cmd *cobra.Command, fn func(*workflow.Machine) error) error {
	a, err := opts.load(cmd)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a.machine())
}

func newStateInitCmd(opts *rootOptions) *cobra.Command {
	var req workflow.InitRequest
	c := &cobra.Command{
		Use:   "init",
		Short: "Create a run: in progress at frame, every phase pending",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMachine(opts, cmd, func(m *workflow.Machine) error {
				run, err := m.Init(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSON(cmd, run)
			})
		},
	}
	c.Flags().StringVar(&req.WorkID, "work-id", "", "work item id (required)")
	c.Flags().StringVar(&req.WorkflowID, "workflow", "", "workflow id (default: default)")
	c.Flags().StringVar(&req.WorkflowVersion, "workflow-version", "", "workflow version")
	c.Flags().StringVar(&req.PlanID, "plan-id", "", "plan id (default: {workflow}-{work-id})")
	c.Flags().StringVar(&req.RunID, "run-id", "", "explicit run id (default: generated)")
	_ = c.MarkFlagRequired("work-id")
	return c
}

func newStateReadCmd(opts *rootOptions) *cobra.Command {
	var projection string
	c := &cobra.Command{
		Use:   "read <run-id>",
		Short: "Print a run document, or the value at a dotted path",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMachine(opts, cmd, func(m *workflow.Machine) error {
				raw, err := m.Read(cmd.Context(), args[0], projection)
				if err != nil {
					return err
				}
				return printRaw(cmd, raw)
			})
		},
	}
	c.Flags().StringVar(&projection, "query", "", "dotted path to project, e.g. phases.build.status")
	return c
}

func newStateWriteCmd(opts *rootOptions) *cobra.Command {
	var file string
	c := &cobra.Command{
		Use:   "write <run-id>",
		Short: "Replace a run document (from --file or stdin)",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readInput(cmd, file)
			if err != nil {
				return usageError{err}
			}
			return withMachine(opts, cmd, func(m *workflow.Machine) error {
				if err := m.Write(cmd.Context(), args[0], doc); err != nil {
					return err
				}
				path, _ := m.StatePath(args[0])
				return printJSON(cmd, map[string]any{"written": true, "run_id": args[0], "path": path})
			})
		},
	}
	c.Flags().StringVarP(&file, "file", "f", "-", "document file, - for stdin")
	return c
}

func newStateBackupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <run-id>",
		Short: "Snapshot a run document into its backups directory",
		Long: `Snapshot a run document into the backups directory next to it.

Backups are named after the state file with a UTC timestamp:

  runs/{run_id}/backups/state_{YYYYMMDD_HHMMSS}.json
  runs/{plan_id}/backups/state-{suffix}_{YYYYMMDD_HHMMSS}.json

The second form applies to run ids of the form {plan_id}-run-{suffix}, whose
runs share one plan directory. Only the newest backups are kept
(state.max_backups).`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMachine(opts, cmd, func(m *workflow.Machine) error {
				path, err := m.Backup(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]string{"run_id": args[0], "backup": path})
			})
		},
	}
}

func newStateListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMachine(opts, cmd, func(m *workflow.Machine) error {
				runs, err := m.List(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, runs)
			})
		},
	}
}

func newStateUpdatePhaseCmd(opts *rootOptions) *cobra.Command {
	var data string
	c := &cobra.Command{
		Use:   "update-phase <run-id> <phase> <status>",
		Short: "Transition a phase (pending, in_progress, completed, failed)",
		Args:  exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			phase, err := core.ParsePhase(args[1])
			if err != nil {
				return err
			}
			status, err := core.ParsePhaseStatus(args[2])
			if err != nil {
				return err
			}
			payload, err := parseJSONObject("data", data)
			if err != nil {
				return err
			}
			return withMachine(opts, cmd, func(m *workflow.Machine) error {
				run, err := m.TransitionPhase(cmd.Context(), args[0], phase, status, payload)
				if err != nil {
					return err
				}
				return printJSON(cmd, run)
			})
		},
	}
	c.Flags().StringVar(&data, "data", "", "JSON object merged into the phase data")
	return c
}

func newStateCancelCmd(opts *rootOptions) *cobra.Command {
	var reason string
	c := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMachine(opts, cmd, func(m *workflow.Machine) error {
				run, err := m.Cancel(cmd.Context(), args[0], reason)
				if err != nil {
					return err
				}
				return printJSON(cmd, run)
			})
		},
	}
	c.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return c
}

func newStatePauseCmd(opts *rootOptions) *cobra.Command {
	var reason string
	c := &cobra.Command{
		Use:   "pause <run-id>",
		Short: "Pause a run until it is resumed",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMachine(opts, cmd, func(m *workflow.Machine) error {
				run, err := m.Pause(cmd.Context(), args[0], reason)
				if err != nil {
					return err
				}
				return printJSON(cmd, run)
			})
		},
	}
	c.Flags().StringVar(&reason, "reason", "", "pause reason")
	return c
}

func newStateResumeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a run at its first incomplete phase",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMachine(opts, cmd, func(m *workflow.Machine) error {
				point, err := m.Resume(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, point)
			})
		},
	}
}

func newStateArtifactCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "artifact <run-id> <key> <value>",
		Short: "Record an artifact on a run (value is JSON or a plain string)",
		Args:  exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value any
			if err := json.Unmarshal([]byte(args[2]), &value); err != nil {
				value = args[2]
			}
			return withMachine(opts, cmd, func(m *workflow.Machine) error {
				run, err := m.SetArtifact(cmd.Context(), args[0], args[1], value)
				if err != nil {
					return err
				}
				return printJSON(cmd, run)
			})
		},
	}
}
