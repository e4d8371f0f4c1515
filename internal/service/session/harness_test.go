package session

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/adapters/storage"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/config"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/testutil"
)

var epoch = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noSleep(context.Context, time.Duration) error { return nil }

// fleet is a shared store plus the per-instance pieces built on it.
type fleet struct {
	t       *testing.T
	store   *storage.FileStore
	docs    core.Store // overrides store for managers when set
	clock   *testutil.FakeClock
	catalog *config.Catalog
	tools   string
	opts    ManagerOptions
}

func newFleet(t *testing.T, diagnosers ...core.Diagnoser) *fleet {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if len(diagnosers) == 0 {
		diagnosers = []core.Diagnoser{{
			Name:      "trace",
			Collector: core.CollectorSpec{Command: "%toolsPath%/collect.sh", Arguments: "%outputDir%"},
			Analyzer:  &core.AnalyzerSpec{Command: "%toolsPath%/analyze.sh", Arguments: "%logFile% %outputDir%"},
		}}
	}
	catalog, err := config.NewCatalog(diagnosers)
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	return &fleet{
		t:       t,
		store:   store,
		clock:   testutil.NewFakeClock(epoch),
		catalog: catalog,
		tools:   t.TempDir(),
		opts: ManagerOptions{
			OrphanTimeout:     15 * time.Minute,
			HeartbeatLifetime: 5 * time.Minute,
		},
	}
}

func (f *fleet) locker(instance string, opts LockOptions) *Locker {
	if opts.RetryInterval == 0 {
		opts.RetryInterval = time.Millisecond
	}
	return NewLocker(f.store, instance, opts, f.clock, quietLogger(), nil)
}

func (f *fleet) heartbeats(instance string) *HeartbeatRegistry {
	return NewHeartbeatRegistry(f.store, instance, HeartbeatOptions{Lifetime: 5 * time.Minute}, f.clock, quietLogger(), nil)
}

func (f *fleet) manager(instance string) *Manager {
	return f.managerWithLock(instance, LockOptions{MaxAttempts: 10000})
}

func (f *fleet) managerWithLock(instance string, lock LockOptions) *Manager {
	opts := f.opts
	opts.Instance = instance
	var store core.Store = f.store
	if f.docs != nil {
		store = f.docs
	}
	return NewManager(ManagerDeps{
		Store:      store,
		Catalog:    f.catalog,
		Locker:     f.locker(instance, lock),
		Heartbeats: f.heartbeats(instance),
		Clock:      f.clock,
		Logger:     quietLogger(),
	}, opts)
}

func (f *fleet) submit(m *Manager, req SubmitRequest) *core.Session {
	f.t.Helper()
	if req.Tool == "" {
		req.Tool = "trace"
	}
	s, err := m.Submit(context.Background(), req)
	if err != nil {
		f.t.Fatalf("Submit() error = %v", err)
	}
	return s
}

func (f *fleet) get(m *Manager, id string) *core.Session {
	f.t.Helper()
	s, err := m.GetSession(context.Background(), id)
	if err != nil {
		f.t.Fatalf("GetSession() error = %v", err)
	}
	return s
}
