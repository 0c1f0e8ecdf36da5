package main

import (
	"os"

	"github.com/fractary/faber/cmd/faber/cmd"
)

// Version information - set by goreleaser at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersion(version, commit, date)

	if err := cmd.Execute(); err != nil {
		cmd.WriteError(os.Stderr, err)
		os.Exit(cmd.ExitCode(err))
	}
}
