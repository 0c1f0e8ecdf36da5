package cmd

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fractary/faber/internal/core"
)

var (
	// Version info - set via SetVersion()
	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"
)

// SetVersion injects build information.
func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

// rootOptions holds the persistent flags and the viper instance they are
// bound to.
type rootOptions struct {
	v         *viper.Viper
	cfgFile   string
	holderPID int
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "faber",
		Short: "Persistent state engine for FABER workflows",
		Long: `faber tracks runs through the Frame, Architect, Build, Evaluate and
Release phases, coordinates concurrent processes through file locks, runs
phase-boundary hooks inside the project sandbox and keeps a cross-run
execution history per entity.

Every command prints JSON on stdout. Errors are printed as JSON on stderr.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.cfgFile, "config", "", "config file (default: .faber/config.yaml)")
	pf.String("root", "", "state root directory (default: .faber)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "auto", "log format (auto, text, json)")
	pf.IntVar(&opts.holderPID, "pid", 0, "pid recorded as lock holder (default: parent process)")

	// Bind flags to viper (errors are nil when flag exists)
	_ = opts.v.BindPFlag("root", pf.Lookup("root"))
	_ = opts.v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = opts.v.BindPFlag("log.format", pf.Lookup("log-format"))

	rootCmd.AddCommand(
		newStateCmd(opts),
		newLockCmd(opts),
		newHookCmd(opts),
		newEntityCmd(opts),
		newServeCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command tree against os.Args.
func Execute() error {
	return NewRootCmd().ExecuteContext(context.Background())
}

// usageError marks errors in how the command was invoked.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// ExitCode maps err to the process exit code: 2 for usage errors and the
// engine's mapping otherwise.
func ExitCode(err error) int {
	var ue usageError
	if errors.As(err, &ue) {
		return core.ExitUsage
	}
	return core.ExitCode(err)
}

// pidForLocks returns the pid recorded as holder of locks taken by this
// invocation. A CLI process exits right after its operation, so by default
// the caller (the parent process) is recorded.
func (o *rootOptions) pidForLocks() int {
	if o.holderPID > 0 {
		return o.holderPID
	}
	return os.Getppid()
}

// exactArgs is cobra.ExactArgs reporting usage errors.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

func rangeArgs(minArgs, maxArgs int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.RangeArgs(minArgs, maxArgs)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}
