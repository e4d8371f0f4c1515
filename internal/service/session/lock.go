package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/metrics"
)

// lockRecord is the content of a lock marker. It identifies the holder for
// operators inspecting a wedged session.
type lockRecord struct {
	Owner      string    `json:"owner"`
	Instance   string    `json:"instance"`
	Tag        string    `json:"tag"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// SessionLock is the exclusive marker that serializes read-modify-write
// cycles on one session document.
type SessionLock struct {
	store     core.Store
	sessionID string
	instance  string
	owner     string
	clock     core.Clock
	held      bool
}

// NewSessionLock returns an unheld lock for sessionID.
func NewSessionLock(store core.Store, sessionID, instance string, clock core.Clock) *SessionLock {
	return &SessionLock{
		store:     store,
		sessionID: sessionID,
		instance:  instance,
		owner:     uuid.NewString(),
		clock:     clock,
	}
}

// Path is the marker location.
func (l *SessionLock) Path() string {
	return core.SessionLockPath(l.sessionID)
}

// Lock makes a single attempt to create the marker. It reports false when
// another holder has it.
func (l *SessionLock) Lock(ctx context.Context, callerTag string) (bool, error) {
	data, err := json.Marshal(lockRecord{
		Owner:      l.owner,
		Instance:   l.instance,
		Tag:        callerTag,
		AcquiredAt: l.clock.Now().UTC(),
	})
	if err != nil {
		return false, err
	}
	if err := l.store.Create(ctx, l.Path(), data); err != nil {
		if errors.Is(err, core.ErrObjectExists) {
			return false, nil
		}
		return false, fmt.Errorf("creating lock marker: %w", err)
	}
	l.held = true
	return true, nil
}

// Release removes the marker if it is still ours. A marker replaced by
// another holder after a forced unlock is left alone.
func (l *SessionLock) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	l.held = false
	data, err := l.store.Read(ctx, l.Path())
	if err != nil {
		if errors.Is(err, core.ErrObjectNotFound) {
			return nil
		}
		return err
	}
	var rec lockRecord
	if json.Unmarshal(data, &rec) == nil && rec.Owner != l.owner {
		return nil
	}
	return l.store.Delete(ctx, l.Path())
}

// ForceUnlock deletes the marker whoever holds it.
func (l *SessionLock) ForceUnlock(ctx context.Context) error {
	l.held = false
	return l.store.Delete(ctx, l.Path())
}

// LockOptions bounds the wait for a session lock.
type LockOptions struct {
	MaxAttempts   int
	RetryInterval time.Duration
	// MaxForcedUnlocks is how many consecutive timeouts on one session are
	// tolerated before Escalated reports true. Zero disables escalation.
	MaxForcedUnlocks int
}

// Locker runs mutations under a session's lock with the bounded retry
// protocol: attempt, sleep, retry; on exhaustion the marker is treated as
// orphaned, deleted, and the mutation is dropped.
type Locker struct {
	store    core.Store
	instance string
	opts     LockOptions
	clock    core.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	forced map[string]int

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLocker creates a Locker for this instance.
func NewLocker(store core.Store, instance string, opts LockOptions, clock core.Clock, logger *slog.Logger, m *metrics.Metrics) *Locker {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 60
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{
		store:    store,
		instance: instance,
		opts:     opts,
		clock:    clock,
		logger:   logger,
		metrics:  m,
		forced:   make(map[string]int),
		sleep:    sleepCtx,
	}
}

// WithLock runs fn while holding sessionID's lock. When the lock cannot be
// taken within the budget the marker is force-deleted and a LOCK_TIMEOUT
// error is returned without calling fn.
func (l *Locker) WithLock(ctx context.Context, sessionID, tag string, fn func(ctx context.Context) error) error {
	lock := NewSessionLock(l.store, sessionID, l.instance, l.clock)

	for attempt := 1; ; attempt++ {
		l.metrics.ObserveLockAttempt()
		ok, err := lock.Lock(ctx, tag)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if attempt >= l.opts.MaxAttempts {
			return l.timeout(ctx, lock, sessionID, tag, attempt)
		}
		if err := l.sleep(ctx, jitter(l.opts.RetryInterval)); err != nil {
			return err
		}
	}

	l.mu.Lock()
	delete(l.forced, sessionID)
	l.mu.Unlock()

	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			l.logger.Warn("session lock: release failed", "session_id", sessionID, "error", err)
		}
	}()
	return fn(ctx)
}

func (l *Locker) timeout(ctx context.Context, lock *SessionLock, sessionID, tag string, attempts int) error {
	l.metrics.ObserveLockTimeout()
	if err := lock.ForceUnlock(ctx); err != nil {
		l.logger.Warn("session lock: forced unlock failed", "session_id", sessionID, "error", err)
	} else {
		l.metrics.ObserveForcedUnlock()
	}

	l.mu.Lock()
	l.forced[sessionID]++
	n := l.forced[sessionID]
	l.mu.Unlock()

	l.logger.Warn("session lock: retries exhausted, marker removed and update dropped",
		"session_id", sessionID,
		"tag", tag,
		"attempts", attempts,
		"consecutive_forced_unlocks", n,
	)
	return core.ErrLockTimeout(sessionID, attempts).WithDetail("forced_unlocks", n)
}

// Escalated reports whether this instance has forced the session's lock
// MaxForcedUnlocks times in a row without a successful acquisition.
func (l *Locker) Escalated(sessionID string) bool {
	if l.opts.MaxForcedUnlocks <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.forced[sessionID] >= l.opts.MaxForcedUnlocks
}

// Forget drops the forced-unlock count for a session that has ended.
func (l *Locker) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.forced, sessionID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// jitter spreads d by up to +/-20%.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := int64(d) / 5
	if spread == 0 {
		return d
	}
	// #nosec G404 -- scheduling jitter, not security sensitive
	return d + time.Duration(rand.Int63n(2*spread)-spread)
}
