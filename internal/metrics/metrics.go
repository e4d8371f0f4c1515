// Package metrics exposes the orchestrator's Prometheus collectors. All
// methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleetdiag"

// Metrics holds every collector the agent updates.
type Metrics struct {
	SessionsSubmitted  *prometheus.CounterVec
	SessionsRejected   *prometheus.CounterVec
	SessionsCompleted  *prometheus.CounterVec
	ToolRuns           *prometheus.CounterVec
	ToolDuration       *prometheus.HistogramVec
	LockAttempts       prometheus.Counter
	LockTimeouts       prometheus.Counter
	ForcedUnlocks      prometheus.Counter
	LiveInstances      prometheus.Gauge
	OrphansSynthesized prometheus.Counter
	RetentionDeleted   prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_submitted_total",
			Help:      "Sessions accepted for execution, by invoker.",
		}, []string{"invoker"}),
		SessionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Session submissions rejected by validation, by error code.",
		}, []string{"code"}),
		SessionsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_completed_total",
			Help:      "Sessions moved to completed storage by this instance, by status.",
		}, []string{"status"}),
		ToolRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_runs_total",
			Help:      "Collector and analyzer runs, by stage and outcome.",
		}, []string{"stage", "outcome"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_run_duration_seconds",
			Help:      "Collector and analyzer run time.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"stage"}),
		LockAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_lock_attempts_total",
			Help:      "Attempts to take a session lock.",
		}),
		LockTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_lock_timeouts_total",
			Help:      "Session lock waits that exhausted their retry budget.",
		}),
		ForcedUnlocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_lock_forced_unlocks_total",
			Help:      "Session locks deleted as orphaned.",
		}),
		LiveInstances: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_instances",
			Help:      "Instances with an unexpired heartbeat.",
		}),
		OrphansSynthesized: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphaned_instances_total",
			Help:      "Instances marked complete because they never picked up a session.",
		}),
		RetentionDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_sessions_total",
			Help:      "Completed sessions removed by retention.",
		}),
	}
}

// Outcome labels for ToolRuns.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

func (m *Metrics) ObserveSubmitted(invoker string) {
	if m == nil {
		return
	}
	m.SessionsSubmitted.WithLabelValues(invoker).Inc()
}

func (m *Metrics) ObserveRejected(code string) {
	if m == nil {
		return
	}
	m.SessionsRejected.WithLabelValues(code).Inc()
}

func (m *Metrics) ObserveCompleted(status string) {
	if m == nil {
		return
	}
	m.SessionsCompleted.WithLabelValues(status).Inc()
}

// ObserveToolRun records one collector or analyzer run.
func (m *Metrics) ObserveToolRun(stage string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.ToolRuns.WithLabelValues(stage, outcome).Inc()
	m.ToolDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) ObserveLockAttempt() {
	if m == nil {
		return
	}
	m.LockAttempts.Inc()
}

func (m *Metrics) ObserveLockTimeout() {
	if m == nil {
		return
	}
	m.LockTimeouts.Inc()
}

func (m *Metrics) ObserveForcedUnlock() {
	if m == nil {
		return
	}
	m.ForcedUnlocks.Inc()
}

func (m *Metrics) SetLiveInstances(n int) {
	if m == nil {
		return
	}
	m.LiveInstances.Set(float64(n))
}

func (m *Metrics) ObserveOrphans(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.OrphansSynthesized.Add(float64(n))
}

func (m *Metrics) ObserveRetentionDeleted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RetentionDeleted.Add(float64(n))
}
