package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/adapters/lease"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
)

// ReportTimestampFormat names the per-log directory under reports/.
const ReportTimestampFormat = "20060102_150405"

// Analyzer runs a diagnoser's analyzer command over collected logs.
type Analyzer struct {
	diagnoser core.Diagnoser
	deps      Deps
}

// NewAnalyzer creates an analyzer for d. d must have an analyzer command.
func NewAnalyzer(d *core.Diagnoser, deps Deps) *Analyzer {
	deps.defaults()
	return &Analyzer{diagnoser: *d, deps: deps}
}

// AnalyzeLogs analyzes each log in turn and stops at the first failure.
// The returned result holds every log, with reports attached to those that
// were analyzed.
func (a *Analyzer) AnalyzeLogs(ctx context.Context, s *core.Session, logs []core.LogFile) (*AnalyzeResult, error) {
	result := &AnalyzeResult{Logs: make([]core.LogFile, len(logs))}
	copy(result.Logs, logs)
	for i := range result.Logs {
		if err := a.analyzeOne(ctx, s, &result.Logs[i], result); err != nil {
			return result, fmt.Errorf("analyzing %s: %w", result.Logs[i].Name, err)
		}
	}
	return result, nil
}

func (a *Analyzer) analyzeOne(ctx context.Context, s *core.Session, log *core.LogFile, result *AnalyzeResult) error {
	logger := a.deps.Logger.With("session_id", s.SessionID, "diagnoser", a.diagnoser.Name, "log", log.Name)
	workDir := a.deps.Env.WorkDir(s.SessionID, a.diagnoser.Name)
	reportDir := filepath.Join(workDir, "reports", safeName(log.Name))

	// Left over from a crashed attempt.
	if err := os.RemoveAll(reportDir); err != nil {
		return fmt.Errorf("clearing report dir: %w", err)
	}
	if err := os.MkdirAll(reportDir, 0o750); err != nil {
		return fmt.Errorf("creating report dir: %w", err)
	}

	local, err := a.ensureLocal(ctx, workDir, log)
	if err != nil {
		return err
	}

	var held *core.Lease
	if a.deps.Leaser != nil {
		held, err = lease.GetLease(ctx, a.deps.Leaser, log.PartialPath, a.deps.LeaseDuration, a.deps.LeaseRetry)
		if err != nil {
			return err
		}
	}

	vars := a.deps.Env.Vars(s.SessionID, a.diagnoser.Name).Merge(Vars{
		VarOutputDir: reportDir,
		VarLogFile:   local,
		VarStartTime: log.StartTime.UTC().Format(TimeFormat),
		VarEndTime:   a.deps.Clock.Now().UTC().Format(TimeFormat),
	})
	cmd, args, err := ExpandCommandLine(a.diagnoser.Analyzer.Command, a.diagnoser.Analyzer.Arguments, vars)
	if err != nil {
		a.release(ctx, held)
		return core.ErrValidation(core.CodeInvalidConfig, err.Error())
	}

	res, runErr := a.deps.Runner.RunProcessWhileKeepingLeaseAlive(ctx, held, cmd, args, RunOptions{
		Dir:     reportDir,
		Timeout: a.timeout(),
	})
	if res != nil && res.Lease != nil {
		held = res.Lease
	}
	a.release(ctx, held)
	if runErr != nil {
		return runErr
	}

	scan, err := scanOutput(reportDir)
	if err != nil {
		return err
	}
	result.StatusMessages = append(result.StatusMessages, scan.status...)
	if len(scan.artifacts) == 0 {
		return core.ErrNoOutput(a.diagnoser.Name, scan.failurePayload())
	}

	prefix := core.ReportsPrefix(s.SessionID, log.StartTime.UTC().Format(ReportTimestampFormat),
		a.diagnoser.Name, a.deps.Env.InstanceName)
	for _, f := range scan.artifacts {
		dst := path.Join(prefix, f.rel)
		if _, err := uploadFile(ctx, a.deps.Artifacts, f.abs, dst); err != nil {
			return fmt.Errorf("uploading report %s: %w", f.rel, err)
		}
		log.Reports = append(log.Reports, core.Report{Name: f.rel, PartialPath: dst})
	}
	logger.Info("analyzer: reports uploaded", "count", len(scan.artifacts))

	if err := os.RemoveAll(reportDir); err != nil {
		logger.Warn("analyzer: removing report dir", "error", err)
	}
	if err := os.Remove(local); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("analyzer: removing local log", "path", local, "error", err)
	}
	log.LocalPath = ""
	return nil
}

// ensureLocal returns a local path for log, downloading it from the
// artifact store when the collector's copy is gone.
func (a *Analyzer) ensureLocal(ctx context.Context, workDir string, log *core.LogFile) (string, error) {
	if log.LocalPath != "" {
		if _, err := os.Stat(log.LocalPath); err == nil {
			return log.LocalPath, nil
		}
	}
	dst := filepath.Join(workDir, "downloads", filepath.FromSlash(log.Name))
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", err
	}
	rc, err := a.deps.Artifacts.Open(ctx, log.PartialPath)
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", log.PartialPath, err)
	}
	defer rc.Close()

	f, err := os.Create(dst) // #nosec G304 -- under our work dir
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return "", fmt.Errorf("downloading %s: %w", log.PartialPath, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	log.LocalPath = dst
	return dst, nil
}

func (a *Analyzer) release(ctx context.Context, l *core.Lease) {
	if l == nil {
		return
	}
	if err := a.deps.Leaser.Release(context.WithoutCancel(ctx), l); err != nil {
		a.deps.Logger.Warn("analyzer: releasing lease", "path", l.PathBeingLeased, "error", err)
	}
}

func (a *Analyzer) timeout() time.Duration {
	if a.diagnoser.Analyzer != nil && a.diagnoser.Analyzer.Timeout > 0 {
		return a.diagnoser.Analyzer.Timeout
	}
	return a.deps.AnalyzerTimeout
}

func safeName(name string) string {
	return strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(name)
}
