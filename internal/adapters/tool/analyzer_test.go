//go:build !windows

package tool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/testutil"
)

func analyzerDiagnoser(command, args string) *core.Diagnoser {
	d := traceDiagnoser("/bin/true", "")
	d.Analyzer = &core.AnalyzerSpec{Command: command, Arguments: args}
	return d
}

// collectedLog stores content in the artifact store and optionally leaves a
// local copy, as a collector would.
func (h *harness) collectedLog(t *testing.T, local bool) core.LogFile {
	t.Helper()
	partial := "logs/240102_030405000/web-1/trace.log"
	require.NoError(t, h.store.Write(context.Background(), partial, []byte("raw trace")))
	log := core.LogFile{Name: "trace.log", PartialPath: partial, Size: 9, StartTime: sessionStart}
	if local {
		dir := t.TempDir()
		log.LocalPath = filepath.Join(dir, "trace.log")
		require.NoError(t, os.WriteFile(log.LocalPath, []byte("raw trace"), 0o600))
	}
	return log
}

func (h *harness) analyzer(t *testing.T, d *core.Diagnoser) LogAnalyzer {
	t.Helper()
	a, err := h.registry.NewAnalyzer(d, h.deps)
	if err != nil {
		t.Fatalf("NewAnalyzer() error = %v", err)
	}
	return a
}

func TestAnalyzeLogs_UploadsReportsAndDeletesLocalLog(t *testing.T) {
	h := newHarness(t)
	testutil.WriteScript(t, h.tools, "analyze.sh", `mkdir -p "$2/charts" && wc -c < "$1" > "$2/summary.txt" && echo png > "$2/charts/cpu.png"`)
	a := h.analyzer(t, analyzerDiagnoser("%toolsPath%/analyze.sh", "%logFile% %outputDir%"))
	log := h.collectedLog(t, true)

	res, err := a.AnalyzeLogs(context.Background(), h.session, []core.LogFile{log})
	if err != nil {
		t.Fatalf("AnalyzeLogs() error = %v", err)
	}
	require.Len(t, res.Logs, 1)
	reports := res.Logs[0].Reports
	require.Len(t, reports, 2)
	assert.Equal(t, "charts/cpu.png", reports[0].Name)
	assert.Equal(t, "reports/240102_030405000/20240102_030405/trace/web-1/charts/cpu.png", reports[0].PartialPath)
	assert.Equal(t, "summary.txt", reports[1].Name)

	data, err := h.store.Read(context.Background(), reports[1].PartialPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "9")

	assert.NoFileExists(t, log.LocalPath)
	assert.Equal(t, 1, h.leaser.CallCount("Acquire"))
	assert.Equal(t, 1, h.leaser.CallCount("Release"))
}

func TestAnalyzeLogs_DownloadsMissingLocalCopy(t *testing.T) {
	h := newHarness(t)
	testutil.WriteScript(t, h.tools, "analyze.sh", `cp "$1" "$2/copy.txt"`)
	a := h.analyzer(t, analyzerDiagnoser("%toolsPath%/analyze.sh", "%logFile% %outputDir%"))
	log := h.collectedLog(t, false)

	res, err := a.AnalyzeLogs(context.Background(), h.session, []core.LogFile{log})
	require.NoError(t, err)
	require.Len(t, res.Logs[0].Reports, 1)

	data, err := h.store.Read(context.Background(), res.Logs[0].Reports[0].PartialPath)
	require.NoError(t, err)
	assert.Equal(t, "raw trace", string(data))
}

func TestAnalyzeLogs_ClearsStaleReportDir(t *testing.T) {
	h := newHarness(t)
	testutil.WriteScript(t, h.tools, "analyze.sh", `echo fresh > "$2/fresh.txt"`)
	a := h.analyzer(t, analyzerDiagnoser("%toolsPath%/analyze.sh", "%logFile% %outputDir%"))
	log := h.collectedLog(t, true)

	stale := filepath.Join(h.deps.Env.WorkDir(h.session.SessionID, "trace"), "reports", "trace.log")
	require.NoError(t, os.MkdirAll(stale, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "old.txt"), []byte("old"), 0o600))

	res, err := a.AnalyzeLogs(context.Background(), h.session, []core.LogFile{log})
	require.NoError(t, err)
	require.Len(t, res.Logs[0].Reports, 1)
	assert.Equal(t, "fresh.txt", res.Logs[0].Reports[0].Name)
}

func TestAnalyzeLogs_NoOutput(t *testing.T) {
	h := newHarness(t)
	testutil.WriteScript(t, h.tools, "analyze.sh", `echo "symbols missing" > "$2/x.err.diaglog"`)
	a := h.analyzer(t, analyzerDiagnoser("%toolsPath%/analyze.sh", "%logFile% %outputDir%"))

	_, err := a.AnalyzeLogs(context.Background(), h.session, []core.LogFile{h.collectedLog(t, true)})
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeToolNoOutput))
	assert.Contains(t, err.Error(), "symbols missing")
}

func TestAnalyzeLogs_TimeoutBoundsRun(t *testing.T) {
	h := newHarness(t)
	testutil.WriteScript(t, h.tools, "analyze.sh", `sleep 30`)
	d := analyzerDiagnoser("%toolsPath%/analyze.sh", "%logFile% %outputDir%")
	d.Analyzer.Timeout = 200 * time.Millisecond
	a := h.analyzer(t, d)

	_, err := a.AnalyzeLogs(context.Background(), h.session, []core.LogFile{h.collectedLog(t, true)})
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeTimeout))
	assert.Equal(t, 1, h.leaser.CallCount("Release"))
}

func TestAnalyzeLogs_WaitsForHeldLease(t *testing.T) {
	h := newHarness(t)
	testutil.WriteScript(t, h.tools, "analyze.sh", `echo ok > "$2/r.txt"`)
	attempts := 0
	h.leaser.AcquireFunc = func(_ context.Context, p string, d time.Duration) (*core.Lease, error) {
		attempts++
		if attempts < 3 {
			return nil, core.ErrLeaseHeld(p)
		}
		return &core.Lease{ID: "x", PathBeingLeased: p, ExpirationDate: time.Now().Add(d)}, nil
	}
	a := h.analyzer(t, analyzerDiagnoser("%toolsPath%/analyze.sh", "%logFile% %outputDir%"))

	_, err := a.AnalyzeLogs(context.Background(), h.session, []core.LogFile{h.collectedLog(t, true)})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}
