package cmd

import (
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fractary/faber/internal/api"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		host string
		port int
	)
	c := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run, entity and hook operations over HTTP",
		Long: `Start the HTTP API. One process serves many callers: in-process callers
are serialised per run and per entity before the file locks are taken, so the
server can share a state root with CLI invocations.

Examples:
  # Start with defaults from config (localhost:8080)
  faber serve

  # Start on custom host and port
  faber serve --host 0.0.0.0 --port 3000`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if !cmd.Flags().Changed("host") {
				host = a.cfg.Server.Host
			}
			if !cmd.Flags().Changed("port") {
				port = a.cfg.Server.Port
			}
			if port <= 0 || port > 65535 {
				return usageError{fmt.Errorf("invalid port: %d", port)}
			}

			engine, err := a.hookEngine()
			if err != nil {
				return err
			}
			server := api.NewServer(a.machine(), a.tracker(),
				api.WithLogger(a.logger),
				api.WithCORSOrigins(a.cfg.Server.CORS...),
				api.WithHooks(engine),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return server.ListenAndServe(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
		},
	}
	c.Flags().StringVar(&host, "host", "localhost", "host address to bind to")
	c.Flags().IntVarP(&port, "port", "p", 8080, "port to listen on")
	return c
}
