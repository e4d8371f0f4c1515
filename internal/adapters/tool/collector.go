package tool

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
)

// Sentinel suffixes. A tool that cannot produce output writes its reason
// into a failure sentinel; status sentinels carry progress notes.
const (
	StatusSentinelSuffix  = ".diaglog"
	FailureSentinelSuffix = ".err.diaglog"

	// CompletedMarkerSuffix names the file written beside an output dir
	// once the collector command exited cleanly.
	CompletedMarkerSuffix = ".done"
)

// Collector runs a diagnoser's collector command and copies its output to
// permanent storage.
type Collector struct {
	diagnoser    core.Diagnoser
	deps         Deps
	waitForRange bool
}

// NewProcessCollector builds a collector that runs as soon as it is called.
func NewProcessCollector(d *core.Diagnoser, deps Deps) (LogCollector, error) {
	return newCollector(d, deps, false)
}

// NewRangeCollector builds a collector that first waits for the session's
// time range to end.
func NewRangeCollector(d *core.Diagnoser, deps Deps) (LogCollector, error) {
	return newCollector(d, deps, true)
}

func newCollector(d *core.Diagnoser, deps Deps, waitForRange bool) (*Collector, error) {
	if d.Collector.Command == "" {
		return nil, core.ErrValidation(core.CodeInvalidConfig,
			fmt.Sprintf("diagnoser %s has no collector command", d.Name))
	}
	if deps.Runner == nil || deps.Artifacts == nil {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "collector needs a runner and an artifact store")
	}
	deps.defaults()
	return &Collector{diagnoser: *d, deps: deps, waitForRange: waitForRange}, nil
}

// OutputDir is where the collector command writes its artifacts.
func (c *Collector) OutputDir(sessionID string) string {
	return filepath.Join(c.deps.Env.WorkDir(sessionID, c.diagnoser.Name), "logs")
}

// completionMarker sits next to the output dir so scans never see it.
func completionMarker(outDir string) string {
	return outDir + CompletedMarkerSuffix
}

// CollectLogs produces and uploads this instance's logs for s. Artifacts
// from an earlier attempt whose tool exited cleanly are uploaded without
// re-running the tool; output of an interrupted attempt is discarded.
func (c *Collector) CollectLogs(ctx context.Context, s *core.Session) (*CollectResult, error) {
	logger := c.deps.Logger.With("session_id", s.SessionID, "diagnoser", c.diagnoser.Name)
	outDir := c.OutputDir(s.SessionID)
	marker := completionMarker(outDir)

	completed := fileExists(marker)
	if !completed {
		if err := resetOutput(outDir, marker); err != nil {
			return nil, err
		}
	}

	scan, err := scanOutput(outDir)
	if err != nil {
		return nil, err
	}

	result := &CollectResult{}
	startTime := c.deps.Clock.Now().UTC()
	if completed && len(scan.artifacts) > 0 {
		logger.Info("collector: reusing artifacts from a previous attempt", "count", len(scan.artifacts))
		result.StatusMessages = append(result.StatusMessages, "reused artifacts from a previous attempt")
		startTime = scan.oldest
	} else {
		if completed {
			if err := resetOutput(outDir, marker); err != nil {
				return nil, err
			}
		}
		if c.waitForRange {
			if err := c.waitForWindow(ctx, s); err != nil {
				return nil, err
			}
		}
		vars := c.vars(s, outDir)
		if err := c.preValidate(ctx, vars); err != nil {
			return nil, err
		}
		startTime = c.deps.Clock.Now().UTC()
		if err := c.run(ctx, s, outDir, vars); err != nil {
			if core.HasCode(err, core.CodeCancelled) || core.HasCode(err, core.CodeTimeout) {
				if rmErr := os.RemoveAll(outDir); rmErr != nil {
					logger.Warn("collector: removing output of killed run", "error", rmErr)
				}
			}
			return nil, err
		}
		if err := os.WriteFile(marker, []byte(startTime.Format(time.RFC3339Nano)), 0o600); err != nil {
			return nil, fmt.Errorf("writing completion marker: %w", err)
		}
		if scan, err = scanOutput(outDir); err != nil {
			return nil, err
		}
	}

	result.StatusMessages = append(result.StatusMessages, scan.status...)
	if len(scan.artifacts) == 0 {
		return result, core.ErrNoOutput(c.diagnoser.Name, scan.failurePayload())
	}

	prefix := core.LogsPrefix(s.SessionID, c.deps.Env.InstanceName)
	for _, a := range scan.artifacts {
		size, err := uploadFile(ctx, c.deps.Artifacts, a.abs, path.Join(prefix, a.rel))
		if err != nil {
			return result, fmt.Errorf("uploading %s: %w", a.rel, err)
		}
		result.Logs = append(result.Logs, core.LogFile{
			Name:        a.rel,
			LocalPath:   a.abs,
			PartialPath: path.Join(prefix, a.rel),
			Size:        size,
			StartTime:   startTime,
			BlobStorage: c.deps.BlobStorage,
		})
	}
	logger.Info("collector: logs uploaded", "count", len(result.Logs), "blob", c.deps.BlobStorage)
	return result, nil
}

func (c *Collector) vars(s *core.Session, outDir string) Vars {
	start, end := s.StartTime, c.deps.Clock.Now()
	if s.TimeRange != nil {
		start, end = s.TimeRange.Start, s.TimeRange.End
	}
	return c.deps.Env.Vars(s.SessionID, c.diagnoser.Name).Merge(Vars{
		VarOutputDir: outDir,
		VarStartTime: start.UTC().Format(TimeFormat),
		VarEndTime:   end.UTC().Format(TimeFormat),
	})
}

func (c *Collector) waitForWindow(ctx context.Context, s *core.Session) error {
	if s.TimeRange == nil {
		return nil
	}
	wait := s.TimeRange.End.Sub(c.deps.Clock.Now())
	if wait <= 0 {
		return nil
	}
	c.deps.Logger.Info("collector: waiting for time range to end",
		"session_id", s.SessionID, "until", s.TimeRange.End, "wait", wait)
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return core.ErrCancelled("waiting for time range").WithCause(ctx.Err())
	case <-t.C:
		return nil
	}
}

func (c *Collector) preValidate(ctx context.Context, vars Vars) error {
	spec := c.diagnoser.Collector
	if spec.PreValidator != "" {
		args := make([]string, len(spec.PreValidatorArgs))
		for i, a := range spec.PreValidatorArgs {
			args[i] = ExpandVariables(a, vars)
		}
		if err := c.deps.Registry.Validate(ctx, spec.PreValidator, args); err != nil {
			return core.ErrValidation(core.CodePreValidationFailed, err.Error()).WithCause(err)
		}
		return nil
	}
	if spec.PreValidationCommand == "" {
		return nil
	}
	cmd, args, err := ExpandCommandLine(spec.PreValidationCommand, spec.PreValidationArguments, vars)
	if err != nil {
		return core.ErrValidation(core.CodePreValidationFailed, err.Error())
	}
	res, err := c.deps.Runner.Run(ctx, cmd, args, RunOptions{Timeout: c.timeout()})
	if err != nil {
		if core.HasCode(err, core.CodeCancelled) {
			return err
		}
		msg := err.Error()
		if res != nil && strings.TrimSpace(res.Stdout) != "" {
			msg += ": " + tail(res.Stdout, 512)
		}
		return core.ErrValidation(core.CodePreValidationFailed, msg).WithCause(err)
	}
	return nil
}

func (c *Collector) run(ctx context.Context, s *core.Session, outDir string, vars Vars) error {
	cmd, args, err := ExpandCommandLine(c.diagnoser.Collector.Command, c.diagnoser.Collector.Arguments, vars)
	if err != nil {
		return core.ErrValidation(core.CodeInvalidConfig, err.Error())
	}

	var held *core.Lease
	if c.deps.Leaser != nil {
		held, err = c.deps.Leaser.Acquire(ctx, core.LogsPrefix(s.SessionID, c.deps.Env.InstanceName), c.deps.LeaseDuration)
		if err != nil {
			return err
		}
	}

	res, runErr := c.deps.Runner.RunProcessWhileKeepingLeaseAlive(ctx, held, cmd, args, RunOptions{
		Dir:     outDir,
		Timeout: c.timeout(),
	})
	if res != nil && res.Lease != nil {
		held = res.Lease
	}
	if held != nil {
		if err := c.deps.Leaser.Release(context.WithoutCancel(ctx), held); err != nil {
			c.deps.Logger.Warn("collector: releasing lease", "path", held.PathBeingLeased, "error", err)
		}
	}
	return runErr
}

func (c *Collector) timeout() time.Duration {
	if c.diagnoser.Collector.Timeout > 0 {
		return c.diagnoser.Collector.Timeout
	}
	return c.deps.CollectorTimeout
}

type outputFile struct {
	abs string
	rel string
}

// outputScan splits a tool's output directory into real artifacts and
// sentinel contents.
type outputScan struct {
	artifacts []outputFile
	status    []string
	failures  []string
	oldest    time.Time
}

func (o outputScan) failurePayload() string {
	if len(o.failures) > 0 {
		return strings.Join(o.failures, "; ")
	}
	return strings.Join(o.status, "; ")
}

func isSentinel(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), StatusSentinelSuffix)
}

func scanOutput(dir string) (outputScan, error) {
	var scan outputScan
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := strings.ToLower(d.Name())
		if isSentinel(name) {
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			text := strings.TrimSpace(string(data))
			if text == "" {
				return nil
			}
			if strings.HasSuffix(name, FailureSentinelSuffix) {
				scan.failures = append(scan.failures, text)
			} else {
				scan.status = append(scan.status, text)
			}
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if info, err := d.Info(); err == nil {
			if mt := info.ModTime().UTC(); scan.oldest.IsZero() || mt.Before(scan.oldest) {
				scan.oldest = mt
			}
		}
		scan.artifacts = append(scan.artifacts, outputFile{abs: p, rel: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return outputScan{}, fmt.Errorf("scanning %s: %w", dir, err)
	}
	sort.Slice(scan.artifacts, func(i, j int) bool { return scan.artifacts[i].rel < scan.artifacts[j].rel })
	return scan, nil
}

func uploadFile(ctx context.Context, store core.Store, local, dst string) (int64, error) {
	f, err := os.Open(local) // #nosec G304 -- path comes from our own output scan
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return store.Upload(ctx, dst, f)
}

// resetOutput leaves an empty output dir and no completion marker.
func resetOutput(outDir, marker string) error {
	if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing completion marker: %w", err)
	}
	if err := os.RemoveAll(outDir); err != nil {
		return fmt.Errorf("discarding previous output: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	return nil
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
