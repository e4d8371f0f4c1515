package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/metrics"
)

// RetentionOptions bounds how many completed sessions are kept.
type RetentionOptions struct {
	// MaxCompleted keeps at most this many completed sessions. Zero keeps all.
	MaxCompleted int
	// MaxAge deletes completed sessions that ended longer ago. Zero disables.
	MaxAge   time.Duration
	Interval time.Duration
}

// Retention deletes old completed sessions and their artifacts.
type Retention struct {
	manager *Manager
	opts    RetentionOptions
	clock   core.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRetention creates a retention sweeper over manager's storage.
func NewRetention(manager *Manager, opts RetentionOptions, clock core.Clock, logger *slog.Logger, m *metrics.Metrics) *Retention {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{manager: manager, opts: opts, clock: clock, logger: logger, metrics: m}
}

// Sweep deletes completed sessions beyond MaxCompleted (oldest first) and
// older than MaxAge. It returns the ids deleted.
func (r *Retention) Sweep(ctx context.Context) ([]string, error) {
	completed, err := r.manager.ListCompletedSessions(ctx)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	excess := 0
	if r.opts.MaxCompleted > 0 && len(completed) > r.opts.MaxCompleted {
		excess = len(completed) - r.opts.MaxCompleted
	}

	var deleted []string
	for i, s := range completed {
		ended := s.StartTime
		if s.EndTime != nil {
			ended = *s.EndTime
		}
		expired := r.opts.MaxAge > 0 && now.Sub(ended) > r.opts.MaxAge
		if i >= excess && !expired {
			continue
		}
		if err := r.manager.DeleteSession(ctx, s.SessionID); err != nil {
			r.logger.Warn("retention: deleting session", "session_id", s.SessionID, "error", err)
			continue
		}
		deleted = append(deleted, s.SessionID)
	}
	if len(deleted) > 0 {
		r.metrics.ObserveRetentionDeleted(len(deleted))
		r.logger.Info("retention: completed sessions removed", "count", len(deleted))
	}
	return deleted, nil
}

// Run sweeps on the configured interval until ctx is done.
func (r *Retention) Run(ctx context.Context) error {
	t := time.NewTicker(r.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Warn("retention: sweep failed", "error", err)
			}
		}
	}
}
