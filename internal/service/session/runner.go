package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/adapters/tool"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/metrics"
)

// Stage labels for tool metrics.
const (
	stageCollector = "collector"
	stageAnalyzer  = "analyzer"
	stageKill      = "kill"
)

// RunnerOptions tunes the per-instance loop.
type RunnerOptions struct {
	// KillCommand runs after collection in CollectKillAndAnalyze mode.
	KillCommand string
	// MaxDuration force-completes sessions that run longer, as TimedOut.
	MaxDuration time.Duration
	// CancelPollInterval is how often a running session checks for a
	// cancel marker.
	CancelPollInterval time.Duration

	Env              tool.Environment
	CollectorTimeout time.Duration
	AnalyzerTimeout  time.Duration
	LeaseDuration    time.Duration
	LeaseRetry       time.Duration
}

// RunnerDeps are the Runner's collaborators.
type RunnerDeps struct {
	Manager    *Manager
	Heartbeats *HeartbeatRegistry
	Tools      *tool.Registry
	Process    *tool.ProcessRunner
	Leaser     core.Leaser
	// Artifacts picks where a diagnoser's logs and reports go and reports
	// whether that is the object store.
	Artifacts func(requiresStorageAccount bool) (core.Store, bool)
	// Wake, when set, triggers an early poll (storage change notification).
	Wake    <-chan struct{}
	Clock   core.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Runner is one instance's worker: it picks up sessions that name this
// instance, runs the collector and analyzer, merges results into the
// session document, and performs fleet-wide housekeeping (orphans,
// completion, max duration) on every active session.
type Runner struct {
	deps     RunnerDeps
	opts     RunnerOptions
	instance string
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a Runner.
func NewRunner(deps RunnerDeps, opts RunnerOptions) *Runner {
	if deps.Clock == nil {
		deps.Clock = core.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.CancelPollInterval <= 0 {
		opts.CancelPollInterval = 5 * time.Second
	}
	if opts.Env.InstanceName == "" {
		opts.Env.InstanceName = deps.Manager.Instance()
	}
	return &Runner{
		deps:     deps,
		opts:     opts,
		instance: deps.Manager.Instance(),
		logger:   deps.Logger.With("instance", deps.Manager.Instance()),
		running:  make(map[string]context.CancelFunc),
	}
}

// Run polls for sessions until ctx is done, then waits for in-flight
// sessions to unwind.
func (r *Runner) Run(ctx context.Context) error {
	defer r.wg.Wait()
	for {
		r.RunOnce(ctx)

		wait := time.Second
		if r.deps.Heartbeats != nil {
			wait = r.deps.Heartbeats.NextPoll(ctx)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		case <-r.deps.Wake:
			t.Stop()
		}
	}
}

// RunOnce performs one poll: housekeeping on every active session and a
// background run for each session this instance still owes work on.
func (r *Runner) RunOnce(ctx context.Context) {
	sessions, err := r.deps.Manager.ListActiveSessions(ctx)
	if err != nil {
		r.logger.Error("listing active sessions", "error", err)
		return
	}

	activeIDs := make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		activeIDs[s.SessionID] = struct{}{}
		s, done := r.housekeep(ctx, s)
		if done {
			continue
		}
		if !s.HasInstance(r.instance) {
			continue
		}
		if ai := s.ActiveInstance(r.instance); ai != nil && ai.Status.IsTerminal() {
			continue
		}
		r.start(ctx, s)
	}

	// Sessions completed elsewhere while we were still working on them.
	for _, id := range r.Running() {
		if _, ok := activeIDs[id]; ok {
			continue
		}
		if r.sessionGone(ctx, id) {
			r.cancelRun(id)
		}
	}
}

// sessionGone reports whether id is confirmed completed or deleted. A
// session missing from a listing is not enough: its document may just
// have been unreadable, and read errors never count as gone.
func (r *Runner) sessionGone(ctx context.Context, id string) bool {
	s, err := r.deps.Manager.GetSession(ctx, id)
	switch {
	case err == nil:
		return s.Status.IsTerminal()
	case core.HasCode(err, core.CodeNotFound):
		return true
	default:
		r.logger.Warn("cannot confirm session state, keeping run", "session_id", id, "error", err)
		return false
	}
}

func (r *Runner) cancelRun(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.running[id]; ok {
		r.logger.Info("session no longer active, cancelling run", "session_id", id)
		cancel()
	}
}

// housekeep applies the fleet-wide rules to s. It reports true when the
// session is no longer active.
func (r *Runner) housekeep(ctx context.Context, s *core.Session) (*core.Session, bool) {
	logger := r.logger.With("session_id", s.SessionID)

	if r.opts.MaxDuration > 0 && s.Age(r.deps.Clock.Now()) > r.opts.MaxDuration {
		logger.Warn("session exceeded max duration, forcing completion", "max_duration", r.opts.MaxDuration)
		if _, err := r.deps.Manager.MarkSessionAsComplete(ctx, s.SessionID, core.SessionStatusTimedOut); err != nil {
			logger.Warn("forcing completion", "error", err)
			return s, false
		}
		r.stop(s.SessionID)
		return s, true
	}

	updated, err := r.deps.Manager.CancelOrphanedInstancesIfNeeded(ctx, s)
	if err != nil {
		logger.Warn("orphan check failed", "error", err)
	}
	if updated != nil {
		s = updated
	}

	if core.AllInstancesFinished(s) {
		if _, err := r.deps.Manager.MarkSessionAsComplete(ctx, s.SessionID, core.SessionStatusComplete); err != nil {
			logger.Warn("completing session", "error", err)
			return s, false
		}
		return s, true
	}
	return s, false
}

func (r *Runner) start(ctx context.Context, s *core.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.running[s.SessionID]; busy {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.running[s.SessionID] = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.stop(s.SessionID)
		if err := r.RunToolForSession(runCtx, s); err != nil {
			r.logger.Warn("session run ended with error", "session_id", s.SessionID, "error", err)
		}
	}()
}

func (r *Runner) stop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.running[id]; ok {
		cancel()
		delete(r.running, id)
	}
}

// Running reports the ids of sessions with an in-flight run.
func (r *Runner) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	return ids
}

// cancelWatch cancels the run when a cancel marker for this instance shows
// up, and records the marker for the caller.
type cancelWatch struct {
	mu     sync.Mutex
	marker *core.CancelledInstance
}

func (w *cancelWatch) get() *core.CancelledInstance {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.marker
}

func (r *Runner) watchCancel(ctx context.Context, id string, cancel context.CancelFunc, w *cancelWatch) {
	t := time.NewTicker(r.opts.CancelPollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			marker, err := r.deps.Manager.readCancel(ctx, id, r.instance)
			if err != nil || marker == nil {
				continue
			}
			w.mu.Lock()
			w.marker = marker
			w.mu.Unlock()
			cancel()
			return
		}
	}
}

// RunToolForSession drives this instance through Started, Analyzing and
// Complete for s. Each transition is merged through UpdateActiveSession; a
// dropped merge is retried on a later poll, and collection resumes from
// artifacts already on disk.
func (r *Runner) RunToolForSession(ctx context.Context, s *core.Session) (err error) {
	logger := r.logger.With("session_id", s.SessionID, "diagnoser", s.Tool)
	defer func() {
		if p := recover(); p != nil {
			logger.Error("panic while running session", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	// Updates must land even after the run itself is cancelled.
	outer := context.WithoutCancel(ctx)

	if marker, _ := r.deps.Manager.readCancel(ctx, s.SessionID, r.instance); marker != nil {
		return r.recordCancelled(outer, s.SessionID, marker)
	}

	d, ok := r.deps.Manager.Catalog().Lookup(s.Tool)
	if !ok {
		_, err := r.update(outer, s.SessionID, "unknown-tool", func(ai *core.ActiveInstance) error {
			ai.Status = core.InstanceStatusTimedOut
			ai.CollectorErrors = append(ai.CollectorErrors, fmt.Sprintf("tool %s is not configured on %s", s.Tool, r.instance))
			return nil
		})
		return err
	}

	ai := s.ActiveInstance(r.instance)
	if ai == nil {
		cur, err := r.update(outer, s.SessionID, "started", func(ai *core.ActiveInstance) error {
			if ai.Status != "" {
				return ErrNoChange
			}
			ai.Status = core.InstanceStatusStarted
			return nil
		})
		if err != nil {
			return err
		}
		s = cur
		if ai = s.ActiveInstance(r.instance); ai == nil {
			return fmt.Errorf("instance record missing from session %s", s.SessionID)
		}
		logger.Info("session picked up", "mode", s.Mode)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	watch := &cancelWatch{}
	go r.watchCancel(runCtx, s.SessionID, cancel, watch)

	deps := r.toolDeps(d)
	var logs []core.LogFile

	if ai.Status == core.InstanceStatusStarted {
		logs, err = r.collect(runCtx, outer, s, d, deps)
		if err != nil {
			return r.interrupted(outer, s.SessionID, watch, err)
		}
		cur, err := r.deps.Manager.GetSession(outer, s.SessionID)
		if err != nil {
			return err
		}
		s = cur
		ai = s.ActiveInstance(r.instance)
		if ai == nil {
			return fmt.Errorf("instance record vanished from session %s", s.SessionID)
		}
	}

	if ai.Status == core.InstanceStatusAnalyzing {
		if len(logs) == 0 {
			logs = ai.Logs
		}
		if err := r.analyze(runCtx, outer, s, d, deps, logs); err != nil {
			return r.interrupted(outer, s.SessionID, watch, err)
		}
	}

	r.cleanup(s.SessionID)
	return r.completeIfFinished(outer, s.SessionID)
}

func (r *Runner) collect(ctx, outer context.Context, s *core.Session, d *core.Diagnoser, deps tool.Deps) ([]core.LogFile, error) {
	collector, err := r.deps.Tools.NewCollector(d, deps)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, runErr := collector.CollectLogs(ctx, s)
	r.deps.Metrics.ObserveToolRun(stageCollector, runErr, time.Since(start))
	if runErr != nil && (isCancellation(runErr) || core.HasCode(runErr, core.CodeLeaseHeld)) {
		return nil, runErr
	}
	if res == nil {
		res = &tool.CollectResult{}
	}

	var killMsg string
	if runErr == nil && s.Mode == core.ModeCollectKillAndAnalyze {
		killMsg = r.kill(ctx, s)
	}

	analyze := runErr == nil && s.Mode.Analyzes() && len(res.Logs) > 0
	_, err = r.update(outer, s.SessionID, "collected", func(ai *core.ActiveInstance) error {
		if ai.Status != core.InstanceStatusStarted {
			return ErrNoChange
		}
		ai.Logs = res.Logs
		ai.CollectorStatusMessages = append(ai.CollectorStatusMessages, res.StatusMessages...)
		if killMsg != "" {
			ai.CollectorStatusMessages = append(ai.CollectorStatusMessages, killMsg)
		}
		if runErr != nil {
			ai.CollectorErrors = append(ai.CollectorErrors, runErr.Error())
		}
		if analyze {
			ai.Status = core.InstanceStatusAnalyzing
		} else {
			ai.Status = core.InstanceStatusComplete
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if runErr != nil {
		r.logger.Warn("collector failed", "session_id", s.SessionID, "error", runErr)
	}
	return res.Logs, nil
}

// kill runs the instance's kill command and returns a status line for the
// session document. Failures are reported, not fatal.
func (r *Runner) kill(ctx context.Context, s *core.Session) string {
	if strings.TrimSpace(r.opts.KillCommand) == "" {
		return "no kill command configured, process left running"
	}
	vars := tool.Vars{
		tool.VarInstanceName: r.instance,
		tool.VarSessionID:    s.SessionID,
		tool.VarToolsPath:    r.opts.Env.ToolsPath,
		tool.VarTempDir:      r.opts.Env.TempDir,
	}
	parts, err := tool.SplitArgs(r.opts.KillCommand)
	if err != nil || len(parts) == 0 {
		return fmt.Sprintf("kill command is invalid: %v", err)
	}
	for i := range parts {
		parts[i] = tool.ExpandVariables(parts[i], vars)
	}
	start := time.Now()
	_, err = r.deps.Process.Run(ctx, parts[0], parts[1:], tool.RunOptions{Timeout: time.Minute})
	r.deps.Metrics.ObserveToolRun(stageKill, err, time.Since(start))
	if err != nil {
		return fmt.Sprintf("kill command failed: %v", err)
	}
	return "process killed after collection"
}

func (r *Runner) analyze(ctx, outer context.Context, s *core.Session, d *core.Diagnoser, deps tool.Deps, logs []core.LogFile) error {
	analyzer, err := r.deps.Tools.NewAnalyzer(d, deps)
	if err != nil {
		return err
	}
	start := time.Now()
	res, runErr := analyzer.AnalyzeLogs(ctx, s, logs)
	r.deps.Metrics.ObserveToolRun(stageAnalyzer, runErr, time.Since(start))
	if runErr != nil && isCancellation(runErr) {
		return runErr
	}
	if res == nil {
		res = &tool.AnalyzeResult{Logs: logs}
	}

	_, err = r.update(outer, s.SessionID, "analyzed", func(ai *core.ActiveInstance) error {
		if ai.Status != core.InstanceStatusAnalyzing {
			return ErrNoChange
		}
		ai.Logs = res.Logs
		ai.AnalyzerStatusMessages = append(ai.AnalyzerStatusMessages, res.StatusMessages...)
		if runErr != nil {
			ai.AnalyzerErrors = append(ai.AnalyzerErrors, runErr.Error())
		}
		ai.Status = core.InstanceStatusComplete
		return nil
	})
	if runErr != nil {
		r.logger.Warn("analyzer failed", "session_id", s.SessionID, "error", runErr)
	}
	return err
}

// interrupted records why a run stopped early. Cancellation by marker
// marks the instance TimedOut; a shutdown leaves the record for the next
// start to resume.
func (r *Runner) interrupted(outer context.Context, id string, w *cancelWatch, err error) error {
	if marker := w.get(); marker != nil {
		return r.recordCancelled(outer, id, marker)
	}
	return err
}

func (r *Runner) recordCancelled(ctx context.Context, id string, marker *core.CancelledInstance) error {
	msg := "cancelled by request"
	if marker.Reason != "" {
		msg += ": " + marker.Reason
	}
	_, err := r.update(ctx, id, "cancelled", func(ai *core.ActiveInstance) error {
		if ai.Status.IsTerminal() {
			return ErrNoChange
		}
		if ai.Status == core.InstanceStatusAnalyzing {
			ai.AnalyzerErrors = append(ai.AnalyzerErrors, msg)
		} else {
			ai.CollectorErrors = append(ai.CollectorErrors, msg)
		}
		ai.Status = core.InstanceStatusTimedOut
		return nil
	})
	if err != nil {
		return err
	}
	r.deps.Manager.clearCancel(ctx, id, r.instance)
	r.cleanup(id)
	r.logger.Info("instance cancelled", "session_id", id, "reason", marker.Reason)
	return r.completeIfFinished(ctx, id)
}

// update merges mutate into this instance's record. When the session lock
// has been forced too often the instance gives up on the session and
// records itself TimedOut.
func (r *Runner) update(ctx context.Context, id, tag string, mutate func(ai *core.ActiveInstance) error) (*core.Session, error) {
	apply := func(s *core.Session) error {
		ai := s.ActiveInstance(r.instance)
		if ai == nil {
			ai = &core.ActiveInstance{Name: r.instance}
		}
		if err := mutate(ai); err != nil {
			return err
		}
		s.UpsertActiveInstance(ai)
		return nil
	}
	s, err := r.deps.Manager.UpdateActiveSession(ctx, id, tag, apply)
	if err == nil || !core.HasCode(err, core.CodeLockTimeout) {
		return s, err
	}
	locker := r.deps.Manager.Locker()
	if !locker.Escalated(id) {
		return nil, err
	}

	r.logger.Error("session lock repeatedly forced, giving up on session", "session_id", id)
	r.stop(id)
	_, escErr := r.deps.Manager.UpdateActiveSession(ctx, id, "escalated", func(s *core.Session) error {
		ai := s.ActiveInstance(r.instance)
		if ai == nil {
			ai = &core.ActiveInstance{Name: r.instance}
		}
		if ai.Status.IsTerminal() {
			return ErrNoChange
		}
		ai.Status = core.InstanceStatusTimedOut
		ai.CollectorErrors = append(ai.CollectorErrors,
			"session lock was forcibly released too many times, instance gave up")
		s.UpsertActiveInstance(ai)
		return nil
	})
	if escErr != nil {
		r.logger.Warn("recording escalation", "session_id", id, "error", escErr)
	}
	return nil, err
}

func (r *Runner) completeIfFinished(ctx context.Context, id string) error {
	s, err := r.deps.Manager.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s.Status != core.SessionStatusActive || !core.AllInstancesFinished(s) {
		return nil
	}
	_, err = r.deps.Manager.MarkSessionAsComplete(ctx, id, core.SessionStatusComplete)
	return err
}

func (r *Runner) toolDeps(d *core.Diagnoser) tool.Deps {
	artifacts, blob := r.deps.Artifacts(d.RequiresStorageAccount)
	return tool.Deps{
		Runner:           r.deps.Process,
		Leaser:           r.deps.Leaser,
		Artifacts:        artifacts,
		BlobStorage:      blob,
		Env:              r.opts.Env,
		CollectorTimeout: r.opts.CollectorTimeout,
		AnalyzerTimeout:  r.opts.AnalyzerTimeout,
		LeaseDuration:    r.opts.LeaseDuration,
		LeaseRetry:       r.opts.LeaseRetry,
		Clock:            r.deps.Clock,
		Logger:           r.logger,
	}
}

func (r *Runner) cleanup(id string) {
	if r.opts.Env.TempDir == "" {
		return
	}
	if err := os.RemoveAll(r.opts.Env.SessionDir(id)); err != nil {
		r.logger.Warn("removing session temp dir", "session_id", id, "error", err)
	}
}

func isCancellation(err error) bool {
	return core.HasCode(err, core.CodeCancelled) || errors.Is(err, context.Canceled)
}
