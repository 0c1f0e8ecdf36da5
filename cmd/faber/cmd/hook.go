package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/fractary/faber/internal/core"
	"github.com/fractary/faber/internal/service/hooks"
)

// hookInput is a descriptor given as a file (--file, - for stdin) or inline
// JSON (--json).
type hookInput struct {
	file string
	json string
}

func (in *hookInput) register(c *cobra.Command) {
	c.Flags().StringVarP(&in.file, "file", "f", "", "descriptor file (.json, .yaml), - for stdin")
	c.Flags().StringVar(&in.json, "json", "", "inline JSON descriptor")
}

func (in *hookInput) parse(cmd *cobra.Command) (hooks.Hook, error) {
	switch {
	case in.file != "" && in.json != "":
		return nil, usageError{errors.New("pass either --file or --json, not both")}
	case in.json != "":
		return hooks.ParseJSON([]byte(in.json))
	case in.file == "-":
		data, err := readInput(cmd, "-")
		if err != nil {
			return nil, err
		}
		return hooks.ParseJSON(data)
	case in.file != "":
		return hooks.LoadFile(in.file)
	default:
		return nil, usageError{errors.New("a hook descriptor is required (--file or --json)")}
	}
}

// hookContext holds the flags that build the payload a script receives.
type hookContext struct {
	event  string
	runID  string
	workID string
	phase  string
	data   string
}

func (hc *hookContext) register(c *cobra.Command, withEvent bool) {
	if withEvent {
		c.Flags().StringVar(&hc.event, "event", "", "boundary event, e.g. pre_build")
	}
	c.Flags().StringVar(&hc.runID, "run-id", "", "run id passed to the hook")
	c.Flags().StringVar(&hc.workID, "work-id", "", "work id passed to the hook")
	c.Flags().StringVar(&hc.phase, "phase", "", "phase passed to the hook")
	c.Flags().StringVar(&hc.data, "context", "", "JSON object passed to the hook as data")
}

func (hc *hookContext) build() (hooks.Context, error) {
	out := hooks.Context{Event: hc.event, RunID: hc.runID, WorkID: hc.workID}
	if hc.event != "" {
		if _, err := core.ParseBoundaryEvent(hc.event); err != nil {
			return out, err
		}
	}
	if hc.phase != "" {
		p, err := core.ParsePhase(hc.phase)
		if err != nil {
			return out, err
		}
		out.Phase = p
	}
	data, err := parseJSONObject("context", hc.data)
	if err != nil {
		return out, err
	}
	out.Data = data
	return out, nil
}

func newHookCmd(opts *rootOptions) *cobra.Command {
	hookCmd := &cobra.Command{
		Use:   "hook",
		Short: "Validate and run phase-boundary hooks",
	}
	hookCmd.AddCommand(
		newHookValidateCmd(opts),
		newHookExecuteCmd(opts),
		newHookTestCmd(opts),
		newHookRunEventCmd(opts),
		newHookAuditCmd(opts),
	)
	return hookCmd
}

// withEngine loads the app and runs fn with its hook engine.
func withEngine(opts *rootOptions, cmd *cobra.Command, fn func(*hooks.Engine) error) error {
	a, err := opts.load(cmd)
	if err != nil {
		return err
	}
	defer a.close()
	e, err := a.hookEngine()
	if err != nil {
		return err
	}
	return fn(e)
}

func newHookValidateCmd(opts *rootOptions) *cobra.Command {
	var in hookInput
	c := &cobra.Command{
		Use:   "validate",
		Short: "Check a hook's shape, path containment and target",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := in.parse(cmd)
			if err != nil {
				return err
			}
			return withEngine(opts, cmd, func(e *hooks.Engine) error {
				if err := e.Validate(h); err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"valid": true, "hook": h.Descriptor()})
			})
		},
	}
	in.register(c)
	return c
}

func newHookExecuteCmd(opts *rootOptions) *cobra.Command {
	var (
		in hookInput
		hc hookContext
	)
	c := &cobra.Command{
		Use:   "execute",
		Short: "Validate and execute one hook",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := in.parse(cmd)
			if err != nil {
				return err
			}
			payload, err := hc.build()
			if err != nil {
				return err
			}
			return withEngine(opts, cmd, func(e *hooks.Engine) error {
				res, err := e.Execute(cmd.Context(), h, payload)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	in.register(c)
	hc.register(c, true)
	return c
}

func newHookTestCmd(opts *rootOptions) *cobra.Command {
	var in hookInput
	c := &cobra.Command{
		Use:   "test",
		Short: "Execute a hook with a synthetic test context",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := in.parse(cmd)
			if err != nil {
				return err
			}
			return withEngine(opts, cmd, func(e *hooks.Engine) error {
				res, err := e.Test(cmd.Context(), h)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	in.register(c)
	return c
}

func newHookRunEventCmd(opts *rootOptions) *cobra.Command {
	var hc hookContext
	c := &cobra.Command{
		Use:   "run-event <event>",
		Short: "Run the configured hooks of a boundary event in order",
		Long: `Run every hook configured under hooks.events.<event>, in order, stopping
at the first failure. The results of the hooks that ran are printed even when
one fails.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			event, err := core.ParseBoundaryEvent(args[0])
			if err != nil {
				return err
			}
			hc.event = string(event)
			payload, err := hc.build()
			if err != nil {
				return err
			}
			return withEngine(opts, cmd, func(e *hooks.Engine) error {
				results, runErr := e.RunEvent(cmd.Context(), event, payload)
				if err := printJSON(cmd, map[string]any{"event": event, "results": results}); err != nil {
					return err
				}
				return runErr
			})
		},
	}
	hc.register(c, false)
	return c
}

func newHookAuditCmd(opts *rootOptions) *cobra.Command {
	var n int
	c := &cobra.Command{
		Use:   "audit",
		Short: "Print the most recent hook audit entries",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(opts, cmd, func(e *hooks.Engine) error {
				entries, err := e.AuditTail(n)
				if err != nil {
					return err
				}
				return printJSON(cmd, entries)
			})
		},
	}
	c.Flags().IntVarP(&n, "tail", "n", 20, "number of entries")
	return c
}
