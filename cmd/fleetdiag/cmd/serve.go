package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API without running diagnostics",
	Long: `Serve the session API for a host that submits and inspects sessions
but does not take part in them. The host still publishes a heartbeat so it
counts toward the fleet size used for polling.

Examples:
  # Listen on the configured address
  fleetdiag serve

  # Listen on a custom address
  fleetdiag serve --addr 0.0.0.0:9090`,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: api.addr)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	addr := serveAddr
	if addr == "" {
		addr = rt.cfg.API.Addr
	}

	server := api.NewServer(rt.manager, rt.heartbeats,
		api.WithLogger(rt.logger.Slog()),
		api.WithGatherer(rt.registry),
		api.WithCORSOrigins(rt.cfg.API.CORSOrigins),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.heartbeats.Run(gctx) })
	g.Go(func() error { return server.ListenAndServe(gctx, addr) })

	return g.Wait()
}
