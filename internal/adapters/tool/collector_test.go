//go:build !windows

package tool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/adapters/storage"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/testutil"
)

var sessionStart = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

type harness struct {
	deps     Deps
	store    *storage.FileStore
	leaser   *testutil.MockLeaser
	registry *Registry
	tools    string
	session  *core.Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	leaser := testutil.NewMockLeaser()
	h := &harness{
		store:    store,
		leaser:   leaser,
		registry: NewRegistry(),
		tools:    t.TempDir(),
		session: &core.Session{
			SessionID: "240102_030405000",
			Tool:      "trace",
			Mode:      core.ModeCollect,
			Instances: []string{"web-1"},
			Status:    core.SessionStatusActive,
			StartTime: sessionStart,
		},
	}
	h.deps = Deps{
		Runner:           fastRunner(leaser),
		Leaser:           leaser,
		Artifacts:        store,
		Env:              Environment{InstanceName: "web-1", TempDir: t.TempDir(), ToolsPath: h.tools},
		CollectorTimeout: 10 * time.Second,
		AnalyzerTimeout:  10 * time.Second,
		LeaseDuration:    time.Second,
		LeaseRetry:       10 * time.Millisecond,
		Clock:            testutil.NewFakeClock(sessionStart.Add(time.Minute)),
		Logger:           quietLogger(),
	}
	return h
}

func (h *harness) collector(t *testing.T, d *core.Diagnoser) *Collector {
	t.Helper()
	c, err := h.registry.NewCollector(d, h.deps)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	return c.(*Collector)
}

func traceDiagnoser(command, args string) *core.Diagnoser {
	return &core.Diagnoser{
		Name:      "trace",
		Collector: core.CollectorSpec{Command: command, Arguments: args},
	}
}

func TestCollectLogs_UploadsArtifacts(t *testing.T) {
	h := newHarness(t)
	testutil.WriteScript(t, h.tools, "collect.sh", `printf 0123456789 > "$1/trace.zip"`)
	c := h.collector(t, traceDiagnoser("%toolsPath%/collect.sh", "%outputDir%"))

	res, err := c.CollectLogs(context.Background(), h.session)
	if err != nil {
		t.Fatalf("CollectLogs() error = %v", err)
	}
	require.Len(t, res.Logs, 1)
	log := res.Logs[0]
	assert.Equal(t, "trace.zip", log.Name)
	assert.Equal(t, int64(10), log.Size)
	assert.Equal(t, "logs/240102_030405000/web-1/trace.zip", log.PartialPath)
	assert.False(t, log.BlobStorage)

	data, err := h.store.Read(context.Background(), log.PartialPath)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))

	assert.Equal(t, 1, h.leaser.CallCount("Acquire"))
	assert.Equal(t, 1, h.leaser.CallCount("Release"))
}

func TestCollectLogs_NestedOutputAndStatusSentinel(t *testing.T) {
	h := newHarness(t)
	testutil.WriteScript(t, h.tools, "collect.sh", `mkdir -p "$1/dumps" && echo x > "$1/dumps/a.dmp" && echo "captured 1 dump" > "$1/status.diaglog"`)
	c := h.collector(t, traceDiagnoser("%toolsPath%/collect.sh", "%outputDir%"))

	res, err := c.CollectLogs(context.Background(), h.session)
	require.NoError(t, err)
	require.Len(t, res.Logs, 1)
	assert.Equal(t, "dumps/a.dmp", res.Logs[0].Name)
	assert.Equal(t, []string{"captured 1 dump"}, res.StatusMessages)
}

func TestCollectLogs_OnlyFailureSentinel(t *testing.T) {
	h := newHarness(t)
	testutil.WriteScript(t, h.tools, "collect.sh", `echo "disk full" > "$1/trace.err.diaglog"`)
	c := h.collector(t, traceDiagnoser("%toolsPath%/collect.sh", "%outputDir%"))

	_, err := c.CollectLogs(context.Background(), h.session)
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeToolNoOutput))
	assert.Contains(t, err.Error(), "disk full")

	objects, err := h.store.List(context.Background(), core.LogsDir)
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestCollectLogs_ReusesExistingArtifacts(t *testing.T) {
	h := newHarness(t)
	marker := filepath.Join(h.tools, "ran")
	testutil.WriteScript(t, h.tools, "collect.sh", `touch "`+marker+`"; exit 1`)
	c := h.collector(t, traceDiagnoser("%toolsPath%/collect.sh", "%outputDir%"))

	out := c.OutputDir(h.session.SessionID)
	require.NoError(t, os.MkdirAll(out, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(out, "trace.zip"), []byte("abc"), 0o600))
	require.NoError(t, os.WriteFile(completionMarker(out), nil, 0o600))

	res, err := c.CollectLogs(context.Background(), h.session)
	require.NoError(t, err)
	require.Len(t, res.Logs, 1)
	assert.Equal(t, int64(3), res.Logs[0].Size)
	assert.NoFileExists(t, marker)
	assert.Contains(t, res.StatusMessages, "reused artifacts from a previous attempt")
}

func TestCollectLogs_DiscardsOutputOfInterruptedAttempt(t *testing.T) {
	h := newHarness(t)
	testutil.WriteScript(t, h.tools, "collect.sh", `printf complete > "$1/trace.zip"`)
	c := h.collector(t, traceDiagnoser("%toolsPath%/collect.sh", "%outputDir%"))

	out := c.OutputDir(h.session.SessionID)
	require.NoError(t, os.MkdirAll(out, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(out, "trace.zip"), []byte("half"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(out, "stale.tmp"), []byte("x"), 0o600))

	res, err := c.CollectLogs(context.Background(), h.session)
	if err != nil {
		t.Fatalf("CollectLogs() error = %v", err)
	}
	require.Len(t, res.Logs, 1)
	assert.Equal(t, "trace.zip", res.Logs[0].Name)
	assert.Equal(t, int64(8), res.Logs[0].Size)
	assert.NotContains(t, res.StatusMessages, "reused artifacts from a previous attempt")
	assert.FileExists(t, completionMarker(out))
}

func TestCollectLogs_KilledRunLeavesNothingToReuse(t *testing.T) {
	h := newHarness(t)
	testutil.WriteScript(t, h.tools, "collect.sh", `printf half > "$1/trace.zip"; sleep 30`)
	d := traceDiagnoser("%toolsPath%/collect.sh", "%outputDir%")
	d.Collector.Timeout = 300 * time.Millisecond
	c := h.collector(t, d)

	_, err := c.CollectLogs(context.Background(), h.session)
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeTimeout))

	out := c.OutputDir(h.session.SessionID)
	assert.NoDirExists(t, out)
	assert.NoFileExists(t, completionMarker(out))

	objects, err := h.store.List(context.Background(), core.LogsDir)
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestCollectLogs_NamedPreValidatorBlocksRun(t *testing.T) {
	h := newHarness(t)
	marker := filepath.Join(h.tools, "ran")
	testutil.WriteScript(t, h.tools, "collect.sh", `touch "`+marker+`"`)

	var gotArgs []string
	h.registry.RegisterValidator("runtime-present", func(_ context.Context, args []string) error {
		gotArgs = args
		return errors.New("runtime missing")
	})
	d := traceDiagnoser("%toolsPath%/collect.sh", "%outputDir%")
	d.Collector.PreValidator = "runtime-present"
	d.Collector.PreValidatorArgs = []string{"%toolsPath%/runtime"}
	c := h.collector(t, d)

	_, err := c.CollectLogs(context.Background(), h.session)
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodePreValidationFailed))
	assert.Contains(t, err.Error(), "runtime missing")
	assert.Equal(t, []string{filepath.Join(h.tools, "runtime")}, gotArgs)
	assert.NoFileExists(t, marker)
}

func TestCollectLogs_PreValidationCommand(t *testing.T) {
	h := newHarness(t)
	testutil.WriteScript(t, h.tools, "collect.sh", `echo data > "$1/out.log"`)
	testutil.WriteScript(t, h.tools, "check.sh", `[ "$1" = "go" ]`)

	t.Run("non-zero blocks", func(t *testing.T) {
		d := traceDiagnoser("%toolsPath%/collect.sh", "%outputDir%")
		d.Collector.PreValidationCommand = "%toolsPath%/check.sh"
		d.Collector.PreValidationArguments = "stop"
		_, err := h.collector(t, d).CollectLogs(context.Background(), h.session)
		require.Error(t, err)
		assert.True(t, core.HasCode(err, core.CodePreValidationFailed))
	})

	t.Run("zero proceeds", func(t *testing.T) {
		d := traceDiagnoser("%toolsPath%/collect.sh", "%outputDir%")
		d.Collector.PreValidationCommand = "%toolsPath%/check.sh"
		d.Collector.PreValidationArguments = "go"
		res, err := h.collector(t, d).CollectLogs(context.Background(), h.session)
		require.NoError(t, err)
		assert.Len(t, res.Logs, 1)
	})
}

func TestCollectLogs_ToolExitIsSurfaced(t *testing.T) {
	h := newHarness(t)
	testutil.WriteScript(t, h.tools, "collect.sh", `echo "no permission" >&2; exit 7`)
	c := h.collector(t, traceDiagnoser("%toolsPath%/collect.sh", "%outputDir%"))

	_, err := c.CollectLogs(context.Background(), h.session)
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeToolExitCode))
	assert.Contains(t, err.Error(), "no permission")
	assert.Equal(t, 1, h.leaser.CallCount("Release"))
}

func TestCollectLogs_LeaseHeldElsewhere(t *testing.T) {
	h := newHarness(t)
	testutil.WriteScript(t, h.tools, "collect.sh", `echo x > "$1/out.log"`)
	h.leaser.AcquireFunc = func(_ context.Context, p string, _ time.Duration) (*core.Lease, error) {
		return nil, core.ErrLeaseHeld(p)
	}
	c := h.collector(t, traceDiagnoser("%toolsPath%/collect.sh", "%outputDir%"))

	_, err := c.CollectLogs(context.Background(), h.session)
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeLeaseHeld))
}

func TestCollectLogs_RangeCollectorPassesWindow(t *testing.T) {
	h := newHarness(t)
	testutil.WriteScript(t, h.tools, "collect.sh", `echo "$2 $3" > "$1/range.txt"`)
	d := traceDiagnoser("%toolsPath%/collect.sh", "%outputDir% %startTime% %endTime%")
	d.Collector.Kind = core.CollectorKindRange
	c := h.collector(t, d)

	h.session.TimeRange = &core.TimeRange{Start: sessionStart.Add(-time.Hour), End: sessionStart}
	res, err := c.CollectLogs(context.Background(), h.session)
	require.NoError(t, err)
	require.Len(t, res.Logs, 1)

	data, err := h.store.Read(context.Background(), res.Logs[0].PartialPath)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02T02:04:05Z 2024-01-02T03:04:05Z\n", string(data))
}

func TestCollectLogs_RangeCollectorWaitIsCancellable(t *testing.T) {
	h := newHarness(t)
	testutil.WriteScript(t, h.tools, "collect.sh", `echo x > "$1/out.log"`)
	d := traceDiagnoser("%toolsPath%/collect.sh", "%outputDir%")
	d.Collector.Kind = core.CollectorKindRange
	c := h.collector(t, d)

	h.session.TimeRange = &core.TimeRange{Start: sessionStart, End: sessionStart.Add(24 * time.Hour)}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.CollectLogs(ctx, h.session)
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeCancelled))
}

func TestCollectLogs_BlobFlagRecorded(t *testing.T) {
	h := newHarness(t)
	mem := testutil.NewMemStore()
	h.deps.Artifacts = mem
	h.deps.BlobStorage = true
	testutil.WriteScript(t, h.tools, "collect.sh", `echo x > "$1/out.log"`)
	c := h.collector(t, traceDiagnoser("%toolsPath%/collect.sh", "%outputDir%"))

	res, err := c.CollectLogs(context.Background(), h.session)
	require.NoError(t, err)
	require.Len(t, res.Logs, 1)
	assert.True(t, res.Logs[0].BlobStorage)
	assert.Contains(t, mem.Keys(), "logs/240102_030405000/web-1/out.log")
}
