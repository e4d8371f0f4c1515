package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/adapters/lease"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/adapters/storage"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/adapters/tool"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/api"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/service/session"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run this instance's diagnostic agent",
	Long: `Run the per-instance agent: it publishes heartbeats, polls shared storage
for sessions that name this instance, runs collectors and analyzers, and
performs fleet-wide housekeeping (orphaned instances, session completion,
maximum duration, retention). SIGHUP reloads the diagnoser catalog.

Examples:
  # Run with the API on the configured address
  fleetdiag agent --instance web-1 --storage-root /mnt/share/fleetdiag

  # Run without the HTTP API
  fleetdiag agent --no-api`,
	RunE: runAgent,
}

var agentNoAPI bool

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.Flags().BoolVar(&agentNoAPI, "no-api", false, "do not serve the HTTP API")
}

func runAgent(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg, logger := rt.cfg, rt.logger.Slog()

	leaser, closeLeaser, err := lease.New(ctx, cfg.Lease, rt.stores, core.SystemClock{})
	if err != nil {
		return fmt.Errorf("creating leaser: %w", err)
	}
	defer func() {
		if err := closeLeaser(); err != nil {
			logger.Warn("closing leaser", "error", err)
		}
	}()

	if err := os.MkdirAll(cfg.Instance.TempDir, 0o750); err != nil {
		return fmt.Errorf("creating temp dir: %w", err)
	}

	process := tool.NewProcessRunner(leaser, tool.RunnerOptions{
		PollInterval:  cfg.Lease.RenewInterval,
		LeaseDuration: cfg.Lease.Duration,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	var wake <-chan struct{}
	if cfg.Storage.Watch {
		w, err := storage.NewWatcher(rt.stores.Files, logger, core.ActiveSessionsDir, core.CancelledDir)
		if err != nil {
			logger.Warn("storage watch unavailable, polling only", "error", err)
		} else {
			wake = w.Changes()
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	runner := session.NewRunner(session.RunnerDeps{
		Manager:    rt.manager,
		Heartbeats: rt.heartbeats,
		Tools:      tool.NewRegistry(),
		Process:    process,
		Leaser:     leaser,
		Artifacts:  rt.stores.Artifacts,
		Wake:       wake,
		Logger:     logger,
		Metrics:    rt.metrics,
	}, session.RunnerOptions{
		KillCommand: cfg.Instance.KillCommand,
		MaxDuration: cfg.Sessions.MaxDuration,
		Env: tool.Environment{
			InstanceName: cfg.Instance.Name,
			TempDir:      cfg.Instance.TempDir,
			ToolsPath:    cfg.Instance.ToolsPath,
		},
		CollectorTimeout: cfg.Sessions.CollectorTimeout,
		AnalyzerTimeout:  cfg.Sessions.AnalyzerTimeout,
		LeaseDuration:    cfg.Lease.Duration,
		LeaseRetry:       cfg.Lease.RetryInterval,
	})

	retention := session.NewRetention(rt.manager, session.RetentionOptions{
		MaxCompleted: cfg.Retention.MaxCompleted,
		MaxAge:       cfg.Retention.MaxAge,
		Interval:     cfg.Retention.Interval,
	}, core.SystemClock{}, logger, rt.metrics)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g.Go(func() error { return rt.heartbeats.Run(gctx) })
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error {
		reloadCatalogOn(gctx, hup, rt.catalog, logger)
		return nil
	})
	g.Go(func() error { return retention.Run(gctx) })

	if !agentNoAPI && cfg.API.Addr != "" {
		server := api.NewServer(rt.manager, rt.heartbeats,
			api.WithLogger(logger),
			api.WithGatherer(rt.registry),
			api.WithCORSOrigins(cfg.API.CORSOrigins),
		)
		g.Go(func() error { return server.ListenAndServe(gctx, cfg.API.Addr) })
	}

	logger.Info("agent started",
		"storage_root", cfg.Storage.Root,
		"diagnosers", len(rt.catalog.List()),
		"lease_backend", cfg.Lease.Backend,
	)
	err = g.Wait()
	logger.Info("agent stopped")
	return err
}
