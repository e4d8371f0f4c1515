package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/adapters/storage"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/config"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/logging"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/metrics"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/service/session"
)

// loadConfig resolves configuration from defaults, files, environment and
// flags, then validates it.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// runtime holds the components shared by every command that touches the
// shared store.
type runtime struct {
	cfg        *config.Config
	logger     *logging.Logger
	stores     *storage.Stores
	catalog    *config.Catalog
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	heartbeats *session.HeartbeatRegistry
	manager    *session.Manager
}

func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	}).WithInstance(cfg.Instance.Name)

	stores, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	catalog, err := config.NewCatalog(cfg.Diagnosers)
	if err != nil {
		_ = stores.Close()
		return nil, fmt.Errorf("loading diagnosers: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	clock := core.SystemClock{}
	heartbeats := session.NewHeartbeatRegistry(stores.Shared, cfg.Instance.Name, session.HeartbeatOptions{
		Interval:      cfg.Heartbeat.Interval,
		Lifetime:      cfg.Heartbeat.Lifetime,
		SweepInterval: cfg.Heartbeat.SweepInterval,
		PollMin:       cfg.Sessions.PollMin,
		PollMax:       cfg.Sessions.PollMax,
		PollJitter:    cfg.Sessions.PollJitter,
	}, clock, logger.Slog(), m)

	locker := session.NewLocker(stores.Shared, cfg.Instance.Name, session.LockOptions{
		MaxAttempts:      cfg.Lock.MaxAttempts,
		RetryInterval:    cfg.Lock.RetryInterval,
		MaxForcedUnlocks: cfg.Lock.MaxForcedUnlocks,
	}, clock, logger.Slog(), m)

	artifactStores := []core.Store{stores.Shared}
	if stores.Blob != nil {
		artifactStores = append(artifactStores, stores.Blob)
	}

	manager := session.NewManager(session.ManagerDeps{
		Store:          stores.Shared,
		ArtifactStores: artifactStores,
		Catalog:        catalog,
		Locker:         locker,
		Heartbeats:     heartbeats,
		Clock:          clock,
		Logger:         logger.Slog(),
		Metrics:        m,
	}, session.ManagerOptions{
		Instance:            cfg.Instance.Name,
		SiteHostname:        cfg.Instance.SiteHostname,
		BlobHostname:        cfg.Storage.Blob.PublicHost,
		OrphanTimeout:       cfg.Sessions.OrphanTimeout,
		HeartbeatLifetime:   cfg.Heartbeat.Lifetime,
		MaxSessionsPerDay:   cfg.Sessions.MaxSessionsPerDay,
		MaxSessionsInWindow: cfg.Sessions.MaxSessionsInWindow,
		Window:              cfg.Sessions.Window,
		AllowConcurrent:     cfg.Sessions.AllowConcurrent,
	})

	return &runtime{
		cfg:        cfg,
		logger:     logger,
		stores:     stores,
		catalog:    catalog,
		registry:   reg,
		metrics:    m,
		heartbeats: heartbeats,
		manager:    manager,
	}, nil
}

// Close releases storage clients.
func (rt *runtime) Close() {
	if err := rt.stores.Close(); err != nil {
		rt.logger.Warn("closing storage", "error", err)
	}
}

// reloadCatalogOn re-reads the configuration and swaps the diagnoser catalog
// each time a signal arrives. A bad catalog is logged and the previous one
// stays in use.
func reloadCatalogOn(ctx context.Context, signals <-chan os.Signal, catalog *config.Catalog, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			cfg, err := loadConfig()
			if err == nil {
				err = catalog.Reload(cfg.Diagnosers)
			}
			if err != nil {
				logger.Error("reloading diagnoser catalog", "error", err)
				continue
			}
			logger.Info("diagnoser catalog reloaded", "diagnosers", len(catalog.List()))
		}
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// describeError renders domain errors without the category prefix.
func describeError(err error) error {
	var domErr *core.DomainError
	if errors.As(err, &domErr) {
		return fmt.Errorf("%s (%s)", domErr.Message, domErr.Code)
	}
	return err
}
