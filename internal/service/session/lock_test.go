package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
)

func TestSessionLock_Exclusive(t *testing.T) {
	f := newFleet(t)
	ctx := context.Background()

	a := NewSessionLock(f.store, "s1", "web-1", f.clock)
	b := NewSessionLock(f.store, "s1", "web-2", f.clock)

	ok, err := a.Lock(ctx, "test")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Lock(ctx, "test")
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not get the lock")

	require.NoError(t, a.Release(ctx))
	ok, err = b.Lock(ctx, "test")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSessionLock_RecordsHolder(t *testing.T) {
	f := newFleet(t)
	ctx := context.Background()
	f.clock.Advance(90 * time.Second)

	l := NewSessionLock(f.store, "s1", "web-1", f.clock)
	ok, err := l.Lock(ctx, "heartbeat")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	require.True(t, ok)

	data, err := f.store.Read(ctx, l.Path())
	require.NoError(t, err)
	var rec lockRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "web-1", rec.Instance)
	assert.Equal(t, "heartbeat", rec.Tag)
	assert.NotEmpty(t, rec.Owner)
	assert.True(t, epoch.Add(90*time.Second).Equal(rec.AcquiredAt))
}

func TestSessionLock_ReleaseLeavesForeignMarker(t *testing.T) {
	f := newFleet(t)
	ctx := context.Background()

	a := NewSessionLock(f.store, "s1", "web-1", f.clock)
	ok, err := a.Lock(ctx, "test")
	require.NoError(t, err)
	require.True(t, ok)

	// Someone else forces the lock and takes it.
	b := NewSessionLock(f.store, "s1", "web-2", f.clock)
	require.NoError(t, b.ForceUnlock(ctx))
	ok, err = b.Lock(ctx, "test")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Release(ctx))
	_, err = f.store.Read(ctx, a.Path())
	assert.NoError(t, err, "marker owned by b must survive a's release")
}

func TestLocker_WithLockRunsAndReleases(t *testing.T) {
	f := newFleet(t)
	l := f.locker("web-1", LockOptions{})
	ctx := context.Background()

	called := false
	err := l.WithLock(ctx, "s1", "test", func(context.Context) error {
		called = true
		_, err := f.store.Read(ctx, core.SessionLockPath("s1"))
		assert.NoError(t, err, "marker present while fn runs")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)

	_, err = f.store.Read(ctx, core.SessionLockPath("s1"))
	assert.True(t, errors.Is(err, core.ErrObjectNotFound))
}

func TestLocker_ForcesCrashedHolderWithinBudget(t *testing.T) {
	f := newFleet(t)
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, core.SessionLockPath("s1"), []byte(`{"owner":"crashed"}`)))

	l := f.locker("web-1", LockOptions{MaxAttempts: 5})
	sleeps := 0
	l.sleep = func(context.Context, time.Duration) error { sleeps++; return nil }

	called := false
	err := l.WithLock(ctx, "s1", "test", func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeLockTimeout))
	assert.False(t, called, "mutation must be dropped on timeout")
	assert.Equal(t, 4, sleeps)

	_, err = f.store.Read(ctx, core.SessionLockPath("s1"))
	assert.True(t, errors.Is(err, core.ErrObjectNotFound), "orphaned marker removed")

	err = l.WithLock(ctx, "s1", "test", func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestLocker_Escalation(t *testing.T) {
	f := newFleet(t)
	ctx := context.Background()
	l := f.locker("web-1", LockOptions{MaxAttempts: 1, MaxForcedUnlocks: 2})
	l.sleep = noSleep
	noop := func(context.Context) error { return nil }

	wedge := func() {
		require.NoError(t, f.store.Create(ctx, core.SessionLockPath("s1"), []byte(`{}`)))
	}

	wedge()
	require.Error(t, l.WithLock(ctx, "s1", "test", noop))
	assert.False(t, l.Escalated("s1"))

	wedge()
	err := l.WithLock(ctx, "s1", "test", noop)
	require.Error(t, err)
	assert.True(t, l.Escalated("s1"))
	var domErr *core.DomainError
	require.True(t, errors.As(err, &domErr))
	assert.Equal(t, 2, domErr.Details["forced_unlocks"])

	// A successful acquisition resets the streak.
	require.NoError(t, l.WithLock(ctx, "s1", "test", noop))
	assert.False(t, l.Escalated("s1"))
	assert.False(t, l.Escalated("other"))
}

func TestLocker_ContextCancelledWhileWaiting(t *testing.T) {
	f := newFleet(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.store.Create(ctx, core.SessionLockPath("s1"), []byte(`{}`)))

	l := f.locker("web-1", LockOptions{RetryInterval: time.Hour})
	cancel()
	err := l.WithLock(ctx, "s1", "test", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocker_SerializesHolders(t *testing.T) {
	f := newFleet(t)
	ctx := context.Background()
	lockers := []*Locker{
		f.locker("web-1", LockOptions{MaxAttempts: 5000}),
		f.locker("web-2", LockOptions{MaxAttempts: 5000}),
	}

	var inside, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(l *Locker) {
			defer wg.Done()
			err := l.WithLock(ctx, "s1", "test", func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}(lockers[i%2])
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestJitter(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter(time.Second)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.Less(t, d, 1200*time.Millisecond)
	}
	assert.Equal(t, time.Duration(0), jitter(0))
}
