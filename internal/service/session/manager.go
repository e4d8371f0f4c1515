// Package session coordinates diagnostic sessions across a fleet of
// instances that share nothing but a storage backend. Every change to a
// session document goes through UpdateActiveSession, which re-reads the
// document under the session lock before applying a mutation.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/metrics"
)

// ErrNoChange is returned by a mutation that found nothing to do. The
// document is not rewritten.
var ErrNoChange = errors.New("no change")

// ManagerOptions holds the submission and orphan rules.
type ManagerOptions struct {
	// Instance is this instance's name.
	Instance string
	// SiteHostname and BlobHostname are stamped on new sessions so callers
	// can build artifact links.
	SiteHostname string
	BlobHostname string

	OrphanTimeout time.Duration
	// HeartbeatLifetime is the grace period before an instance without a
	// live heartbeat is treated as orphaned.
	HeartbeatLifetime time.Duration

	MaxSessionsPerDay   int
	MaxSessionsInWindow int
	Window              time.Duration
	AllowConcurrent     bool
}

// ManagerDeps are the Manager's collaborators.
type ManagerDeps struct {
	// Store holds session documents, locks, heartbeats and cancel markers.
	Store core.Store
	// ArtifactStores are every store logs and reports may live in. They are
	// only used when deleting a session.
	ArtifactStores []core.Store
	Catalog        core.DiagnoserCatalog
	Locker         *Locker
	Heartbeats     *HeartbeatRegistry
	Clock          core.Clock
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Manager owns the session documents in shared storage.
type Manager struct {
	store      core.Store
	artifacts  []core.Store
	catalog    core.DiagnoserCatalog
	locker     *Locker
	heartbeats *HeartbeatRegistry
	opts       ManagerOptions
	clock      core.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewManager creates a Manager.
func NewManager(deps ManagerDeps, opts ManagerOptions) *Manager {
	if deps.Clock == nil {
		deps.Clock = core.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.OrphanTimeout <= 0 {
		opts.OrphanTimeout = 15 * time.Minute
	}
	if opts.Window <= 0 {
		opts.Window = time.Hour
	}
	return &Manager{
		store:      deps.Store,
		artifacts:  deps.ArtifactStores,
		catalog:    deps.Catalog,
		locker:     deps.Locker,
		heartbeats: deps.Heartbeats,
		opts:       opts,
		clock:      deps.Clock,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
	}
}

// Instance is this instance's name.
func (m *Manager) Instance() string { return m.opts.Instance }

// Locker returns the lock coordinator used for updates.
func (m *Manager) Locker() *Locker { return m.locker }

// Catalog returns the diagnoser catalog.
func (m *Manager) Catalog() core.DiagnoserCatalog { return m.catalog }

// SubmitRequest is a request to start a session.
type SubmitRequest struct {
	Tool        string
	Mode        core.Mode
	Instances   []string
	Description string
	Invoker     core.Invoker
	TimeRange   *core.TimeRange
}

// Submit validates req and creates the active session document.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*core.Session, error) {
	now := m.clock.Now().UTC()
	s := &core.Session{
		Tool:            strings.TrimSpace(req.Tool),
		Mode:            req.Mode,
		Instances:       core.NormalizeInstances(req.Instances),
		Status:          core.SessionStatusActive,
		StartTime:       now,
		Description:     req.Description,
		Invoker:         req.Invoker,
		TimeRange:       req.TimeRange,
		DefaultHostName: m.opts.SiteHostname,
	}
	if s.Mode == "" {
		s.Mode = core.ModeCollect
	}
	if s.Invoker == "" {
		s.Invoker = core.InvokerInteractive
	}

	if err := m.ValidateSession(ctx, s); err != nil {
		var domErr *core.DomainError
		if errors.As(err, &domErr) {
			m.metrics.ObserveRejected(domErr.Code)
		}
		return nil, err
	}
	if d, ok := m.catalog.Lookup(s.Tool); ok {
		s.Tool = d.Name
		if d.RequiresStorageAccount {
			s.BlobStorageHostName = m.opts.BlobHostname
		}
	}

	// Ids have millisecond resolution; step forward on a collision.
	for i := 0; i < 5; i++ {
		s.SessionID = core.NewSessionID(now.Add(time.Duration(i) * time.Millisecond))
		s.LastModified = now
		data, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		err = m.store.Create(ctx, core.ActiveSessionPath(s.SessionID), data)
		if err == nil {
			m.metrics.ObserveSubmitted(string(s.Invoker))
			m.logger.Info("session submitted",
				"session_id", s.SessionID,
				"tool", s.Tool,
				"mode", s.Mode,
				"instances", s.Instances,
				"invoker", s.Invoker,
			)
			return s, nil
		}
		if !errors.Is(err, core.ErrObjectExists) {
			return nil, fmt.Errorf("creating session document: %w", err)
		}
	}
	return nil, core.ErrConflict(core.CodeInvalidSession, "could not allocate a unique session id")
}

// ValidateSession rejects sessions that must not enter the active state:
// no instances, an unknown tool, an unsupported mode, a second active
// session, or an automated submission over its rate limits.
func (m *Manager) ValidateSession(ctx context.Context, s *core.Session) error {
	if len(core.NormalizeInstances(s.Instances)) == 0 {
		return core.ErrValidation(core.CodeNoInstances, "at least one instance is required")
	}
	if s.Tool == "" {
		return core.ErrValidation(core.CodeUnknownDiagnoser, "tool is required")
	}
	d, ok := m.catalog.Lookup(s.Tool)
	if !ok {
		return core.ErrValidation(core.CodeUnknownDiagnoser, fmt.Sprintf("unknown tool %q", s.Tool))
	}
	mode, err := core.ParseMode(string(s.Mode))
	if err != nil {
		return err
	}
	if mode.Analyzes() && !d.HasAnalyzer() {
		return core.ErrValidation(core.CodeInvalidSession,
			fmt.Sprintf("tool %s has no analyzer, mode %s is not supported", d.Name, mode))
	}
	if tr := s.TimeRange; tr != nil && !tr.End.After(tr.Start) {
		return core.ErrValidation(core.CodeInvalidSession, "time range end must be after start")
	}

	if !m.opts.AllowConcurrent {
		active, err := m.ListActiveSessions(ctx)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			return core.ErrConflict(core.CodeSessionAlreadyActive,
				fmt.Sprintf("session %s is still active", active[0].SessionID))
		}
	}

	if s.Invoker == core.InvokerAutomation {
		return m.checkRateLimits(ctx)
	}
	return nil
}

// checkRateLimits applies the daily and burst caps to automated
// submissions, counted over completed sessions.
func (m *Manager) checkRateLimits(ctx context.Context) error {
	if m.opts.MaxSessionsPerDay <= 0 && m.opts.MaxSessionsInWindow <= 0 {
		return nil
	}
	completed, err := m.ListCompletedSessions(ctx)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	day, window := 0, 0
	for _, s := range completed {
		if s.Invoker != core.InvokerAutomation {
			continue
		}
		age := now.Sub(s.StartTime)
		if age < 24*time.Hour {
			day++
		}
		if age < m.opts.Window {
			window++
		}
	}
	if m.opts.MaxSessionsPerDay > 0 && day >= m.opts.MaxSessionsPerDay {
		return core.ErrRateLimit(fmt.Sprintf("%d automated sessions in the last 24h, limit is %d",
			day, m.opts.MaxSessionsPerDay))
	}
	if m.opts.MaxSessionsInWindow > 0 && window >= m.opts.MaxSessionsInWindow {
		return core.ErrRateLimit(fmt.Sprintf("%d automated sessions in the last %v, limit is %d",
			window, m.opts.Window, m.opts.MaxSessionsInWindow))
	}
	return nil
}

func (m *Manager) readSession(ctx context.Context, p string) (*core.Session, error) {
	data, err := m.store.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	var s core.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", p, err)
	}
	return &s, nil
}

func (m *Manager) writeSession(ctx context.Context, p string, s *core.Session) error {
	s.LastModified = m.clock.Now().UTC()
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return m.store.Write(ctx, p, data)
}

// GetSession returns the session from active or completed storage.
func (m *Manager) GetSession(ctx context.Context, id string) (*core.Session, error) {
	for _, p := range []string{core.ActiveSessionPath(id), core.CompletedSessionPath(id)} {
		s, err := m.readSession(ctx, p)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, core.ErrObjectNotFound) {
			return nil, err
		}
	}
	return nil, core.ErrNotFound("session", id)
}

func (m *Manager) listDir(ctx context.Context, dir string) ([]*core.Session, error) {
	objects, err := m.store.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	sessions := make([]*core.Session, 0, len(objects))
	for _, obj := range objects {
		if _, ok := core.SessionIDFromPath(obj.Path); !ok {
			continue
		}
		s, err := m.readSession(ctx, obj.Path)
		if err != nil {
			// Moved by another instance between List and Read.
			if !errors.Is(err, core.ErrObjectNotFound) {
				m.logger.Warn("skipping unreadable session document", "path", obj.Path, "error", err)
			}
			continue
		}
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].SessionID < sessions[j].SessionID })
	return sessions, nil
}

// ListActiveSessions returns active sessions, oldest first.
func (m *Manager) ListActiveSessions(ctx context.Context) ([]*core.Session, error) {
	return m.listDir(ctx, core.ActiveSessionsDir)
}

// ListCompletedSessions returns completed sessions, oldest first.
func (m *Manager) ListCompletedSessions(ctx context.Context) ([]*core.Session, error) {
	return m.listDir(ctx, core.CompletedSessionsDir)
}

// ListSessions returns every session, newest first.
func (m *Manager) ListSessions(ctx context.Context) ([]*core.Session, error) {
	active, err := m.ListActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	completed, err := m.ListCompletedSessions(ctx)
	if err != nil {
		return nil, err
	}
	all := append(active, completed...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].SessionID > all[j].SessionID })
	return all, nil
}

// UpdateActiveSession applies mutate to the current stored document under
// the session lock and writes it back. mutate may return ErrNoChange to
// skip the write. When the lock cannot be taken the mutation is dropped
// and a LOCK_TIMEOUT error returned; callers retry on their next poll.
func (m *Manager) UpdateActiveSession(ctx context.Context, id, tag string, mutate func(*core.Session) error) (*core.Session, error) {
	var updated *core.Session
	err := m.locker.WithLock(ctx, id, tag, func(ctx context.Context) error {
		s, err := m.readSession(ctx, core.ActiveSessionPath(id))
		if err != nil {
			if errors.Is(err, core.ErrObjectNotFound) {
				return core.ErrState(core.CodeSessionNotActive, fmt.Sprintf("session %s is not active", id))
			}
			return err
		}
		if s.Status.IsTerminal() {
			return core.ErrState(core.CodeSessionNotActive, fmt.Sprintf("session %s is %s", id, s.Status))
		}
		if err := mutate(s); err != nil {
			if errors.Is(err, ErrNoChange) {
				updated = s
				return nil
			}
			return err
		}
		if err := m.writeSession(ctx, core.ActiveSessionPath(id), s); err != nil {
			return fmt.Errorf("writing session %s: %w", id, err)
		}
		updated = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// MarkSessionAsComplete terminates the session with status (Complete when
// empty) and moves it to completed storage. A session already moved by
// another instance is returned as found.
func (m *Manager) MarkSessionAsComplete(ctx context.Context, id string, status core.SessionStatus) (*core.Session, error) {
	if status == "" {
		status = core.SessionStatusComplete
	}
	var done *core.Session
	moved := false
	err := m.locker.WithLock(ctx, id, "complete", func(ctx context.Context) error {
		s, err := m.readSession(ctx, core.ActiveSessionPath(id))
		if err != nil {
			if errors.Is(err, core.ErrObjectNotFound) {
				return nil
			}
			return err
		}
		if s.Status == core.SessionStatusActive {
			if err := s.Terminate(status, m.clock.Now()); err != nil {
				return err
			}
			if err := m.writeSession(ctx, core.ActiveSessionPath(id), s); err != nil {
				return err
			}
		}
		if err := m.store.Move(ctx, core.ActiveSessionPath(id), core.CompletedSessionPath(id)); err != nil {
			if !errors.Is(err, core.ErrObjectNotFound) {
				return fmt.Errorf("moving session %s: %w", id, err)
			}
		} else {
			moved = true
		}
		done = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.locker.Forget(id)
	if done == nil {
		return m.GetSession(ctx, id)
	}
	if moved {
		m.metrics.ObserveCompleted(string(done.Status))
		m.logger.Info("session completed", "session_id", id, "status", done.Status)
	}
	return done, nil
}

// CancelOrphanedInstancesIfNeeded marks requested instances that never
// picked up the session as Complete with a collector error. An instance is
// orphaned once the session is older than the orphan timeout, or older than
// a heartbeat lifetime while the instance has no live heartbeat. It returns
// the updated session, or s unchanged when nothing was orphaned.
func (m *Manager) CancelOrphanedInstancesIfNeeded(ctx context.Context, s *core.Session) (*core.Session, error) {
	pending := s.PendingInstances()
	if len(pending) == 0 {
		return s, nil
	}
	age := s.Age(m.clock.Now())
	grace := m.opts.HeartbeatLifetime
	if grace <= 0 || grace > m.opts.OrphanTimeout {
		grace = m.opts.OrphanTimeout
	}
	if age <= grace {
		return s, nil
	}

	var live map[string]string
	if m.heartbeats != nil && age <= m.opts.OrphanTimeout {
		var err error
		if live, err = m.heartbeats.liveSet(ctx); err != nil {
			return s, err
		}
	}

	var orphans []string
	for _, name := range pending {
		if age > m.opts.OrphanTimeout {
			orphans = append(orphans, name)
			continue
		}
		if _, alive := live[strings.ToLower(name)]; live != nil && !alive {
			orphans = append(orphans, name)
		}
	}
	if len(orphans) == 0 {
		return s, nil
	}

	added := 0
	updated, err := m.UpdateActiveSession(ctx, s.SessionID, "orphans", func(cur *core.Session) error {
		added = 0
		for _, name := range orphans {
			if cur.ActiveInstance(name) != nil {
				continue
			}
			cur.UpsertActiveInstance(&core.ActiveInstance{
				Name:   name,
				Status: core.InstanceStatusComplete,
				CollectorErrors: []string{fmt.Sprintf(
					"instance %s did not pick up the session within %v", name, age.Round(time.Second))},
			})
			added++
		}
		if added == 0 {
			return ErrNoChange
		}
		return nil
	})
	if err != nil {
		return s, err
	}
	if added > 0 {
		m.metrics.ObserveOrphans(added)
		m.logger.Warn("orphaned instances marked complete", "session_id", s.SessionID, "instances", orphans)
	}
	return updated, nil
}

// CancelInstance asks instance to stop working on session id. The
// instance's runner consumes the marker and records itself TimedOut.
func (m *Manager) CancelInstance(ctx context.Context, id, instance, reason string) error {
	s, err := m.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s.Status != core.SessionStatusActive {
		return core.ErrState(core.CodeSessionNotActive, fmt.Sprintf("session %s is %s", id, s.Status))
	}
	if !s.HasInstance(instance) {
		return core.ErrNotFound("instance", instance)
	}
	data, err := json.Marshal(core.CancelledInstance{
		SessionID:    id,
		InstanceName: instance,
		CancelledAt:  m.clock.Now().UTC(),
		Reason:       reason,
	})
	if err != nil {
		return err
	}
	if err := m.store.Write(ctx, core.CancelledInstancePath(id, instance), data); err != nil {
		return fmt.Errorf("writing cancel marker: %w", err)
	}
	m.logger.Info("instance cancellation requested", "session_id", id, "instance", instance, "reason", reason)
	return nil
}

// CancelSession cancels every requested instance that has not finished.
func (m *Manager) CancelSession(ctx context.Context, id, reason string) error {
	s, err := m.GetSession(ctx, id)
	if err != nil {
		return err
	}
	for _, name := range s.Instances {
		if ai := s.ActiveInstance(name); ai != nil && ai.Status.IsTerminal() {
			continue
		}
		if err := m.CancelInstance(ctx, id, name, reason); err != nil {
			return err
		}
	}
	return nil
}

// readCancel returns the pending cancel marker for instance, if any.
func (m *Manager) readCancel(ctx context.Context, id, instance string) (*core.CancelledInstance, error) {
	data, err := m.store.Read(ctx, core.CancelledInstancePath(id, instance))
	if err != nil {
		if errors.Is(err, core.ErrObjectNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var c core.CancelledInstance
	if err := json.Unmarshal(data, &c); err != nil {
		c = core.CancelledInstance{SessionID: id, InstanceName: instance}
	}
	return &c, nil
}

func (m *Manager) clearCancel(ctx context.Context, id, instance string) {
	if err := m.store.Delete(ctx, core.CancelledInstancePath(id, instance)); err != nil {
		m.logger.Warn("removing cancel marker", "session_id", id, "instance", instance, "error", err)
	}
}

// DeleteSession removes a completed session with its logs, reports and
// cancel markers.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	s, err := m.readSession(ctx, core.CompletedSessionPath(id))
	if err != nil {
		if errors.Is(err, core.ErrObjectNotFound) {
			if _, activeErr := m.readSession(ctx, core.ActiveSessionPath(id)); activeErr == nil {
				return core.ErrState(core.CodeSessionAlreadyActive, fmt.Sprintf("session %s is still active", id))
			}
			return core.ErrNotFound("session", id)
		}
		return err
	}

	stores := m.artifacts
	if len(stores) == 0 {
		stores = []core.Store{m.store}
	}
	for _, st := range stores {
		for _, prefix := range []string{path.Join(core.LogsDir, id), path.Join(core.ReportsDir, id)} {
			if err := deletePrefix(ctx, st, prefix); err != nil {
				return err
			}
		}
	}
	for _, name := range s.Instances {
		m.clearCancel(ctx, id, name)
	}
	if err := m.store.Delete(ctx, core.CompletedSessionPath(id)); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	m.logger.Info("session deleted", "session_id", id)
	return nil
}

func deletePrefix(ctx context.Context, st core.Store, prefix string) error {
	objects, err := st.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("listing %s: %w", prefix, err)
	}
	for _, obj := range objects {
		if err := st.Delete(ctx, obj.Path); err != nil {
			return fmt.Errorf("deleting %s: %w", obj.Path, err)
		}
	}
	return nil
}
