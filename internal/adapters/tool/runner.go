package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
)

// RunnerOptions tunes a ProcessRunner.
type RunnerOptions struct {
	// PollInterval is how often the child is checked and the lease renewed.
	PollInterval time.Duration
	// LeaseDuration is used when a lost lease is re-acquired.
	LeaseDuration time.Duration
	// KillGrace is how long a cancelled child gets between SIGTERM and SIGKILL.
	KillGrace time.Duration
}

// DefaultRunnerOptions returns the options used when none are configured.
func DefaultRunnerOptions() RunnerOptions {
	return RunnerOptions{
		PollInterval:  15 * time.Second,
		LeaseDuration: 60 * time.Second,
		KillGrace:     5 * time.Second,
	}
}

// RunOptions describes one invocation.
type RunOptions struct {
	Dir string
	// Env is appended to the current process environment.
	Env []string
	// Timeout bounds the run independently of the caller's context.
	Timeout time.Duration
}

// ProcessResult is the outcome of a completed run.
type ProcessResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	// Lease is the lease held at exit. It differs from the one passed in
	// when the original was lost and re-acquired mid-run.
	Lease *core.Lease
}

// ProcessRunner runs external diagnostic tools while keeping a lease alive.
type ProcessRunner struct {
	leaser core.Leaser
	opts   RunnerOptions
	logger *slog.Logger
}

// NewProcessRunner creates a runner. leaser may be nil when no run carries
// a lease.
func NewProcessRunner(leaser core.Leaser, opts RunnerOptions, logger *slog.Logger) *ProcessRunner {
	def := DefaultRunnerOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = def.LeaseDuration
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = def.KillGrace
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &ProcessRunner{leaser: leaser, opts: opts, logger: logger}
}

// Run executes command without a lease.
func (r *ProcessRunner) Run(ctx context.Context, command string, args []string, opts RunOptions) (*ProcessResult, error) {
	return r.RunProcessWhileKeepingLeaseAlive(ctx, nil, command, args, opts)
}

// RunProcessWhileKeepingLeaseAlive starts command and polls until it exits.
// Each poll renews lease; a failed renewal is logged and followed by one
// re-acquire attempt, and the run continues either way. Cancelling ctx or
// exceeding opts.Timeout kills the process tree.
func (r *ProcessRunner) RunProcessWhileKeepingLeaseAlive(ctx context.Context, lease *core.Lease, command string, args []string, opts RunOptions) (*ProcessResult, error) {
	if command == "" {
		return nil, core.ErrValidation(core.CodeToolStartFailed, "command is empty")
	}

	var timeoutC <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	// #nosec G204 -- command and args come from the diagnoser catalog
	cmd := exec.Command(command, args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	configureProcAttr(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Grandchildren that inherit the pipes must not keep Wait blocked.
	cmd.WaitDelay = r.opts.KillGrace

	r.logger.Info("tool: executing command",
		"command", command,
		"args", args,
		"dir", opts.Dir,
		"timeout", opts.Timeout,
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, core.ErrExecution(core.CodeToolStartFailed,
			fmt.Sprintf("starting %s: %v", command, err)).WithCause(err)
	}
	r.logger.Info("tool: process started", "command", command, "pid", cmd.Process.Pid)

	done := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(done)
	}()

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	current := lease
	for {
		select {
		case <-done:
			return r.finish(command, start, &stdout, &stderr, waitErr, current)

		case <-ticker.C:
			current = r.keepAlive(ctx, current)

		case <-ctx.Done():
			r.kill(cmd, done, command)
			r.logger.Info("tool: command cancelled", "command", command, "duration", time.Since(start))
			return &ProcessResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1,
					Duration: time.Since(start), Lease: current},
				core.ErrCancelled(fmt.Sprintf("%s cancelled", command)).WithCause(ctx.Err())

		case <-timeoutC:
			r.kill(cmd, done, command)
			r.logger.Error("tool: command timeout",
				"command", command,
				"timeout", opts.Timeout,
				"stderr_preview", truncateForLog(stderr.String(), 1000),
			)
			return &ProcessResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1,
					Duration: time.Since(start), Lease: current},
				core.ErrTimeout(fmt.Sprintf("%s timed out after %v", command, opts.Timeout))
		}
	}
}

func (r *ProcessRunner) finish(command string, start time.Time, stdout, stderr *bytes.Buffer, waitErr error, lease *core.Lease) (*ProcessResult, error) {
	result := &ProcessResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		Lease:    lease,
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			r.logger.Error("tool: command failed",
				"command", command,
				"exit_code", result.ExitCode,
				"duration", result.Duration,
				"stderr", truncateForLog(result.Stderr, 2000),
			)
			return result, core.ErrToolExit(command, result.ExitCode, tail(result.Stderr, 512))
		}
		if !errors.Is(waitErr, exec.ErrWaitDelay) {
			r.logger.Error("tool: command execution error", "command", command, "error", waitErr)
			return result, core.ErrExecution(core.CodeToolStartFailed,
				fmt.Sprintf("waiting for %s: %v", command, waitErr)).WithCause(waitErr)
		}
	}
	r.logger.Info("tool: command completed",
		"command", command,
		"duration", result.Duration,
		"stdout_preview", truncateForLog(result.Stdout, 300),
	)
	return result, nil
}

func (r *ProcessRunner) keepAlive(ctx context.Context, lease *core.Lease) *core.Lease {
	if lease == nil || r.leaser == nil {
		return lease
	}
	err := r.leaser.Renew(ctx, lease)
	if err == nil {
		return lease
	}
	r.logger.Warn("tool: lease renewal failed", "path", lease.PathBeingLeased, "error", err)

	d := lease.Duration
	if d <= 0 {
		d = r.opts.LeaseDuration
	}
	fresh, err := r.leaser.Acquire(ctx, lease.PathBeingLeased, d)
	if err != nil {
		r.logger.Warn("tool: lease re-acquire failed, continuing without it",
			"path", lease.PathBeingLeased, "error", err)
		return lease
	}
	return fresh
}

func (r *ProcessRunner) kill(cmd *exec.Cmd, done <-chan struct{}, command string) {
	if err := terminate(cmd, done, r.opts.KillGrace); err != nil {
		r.logger.Warn("tool: terminating process", "command", command, "error", err)
	}
	<-done
}

func truncateForLog(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen] + "... [truncated]"
	}
	return s
}

// tail returns the last n bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
