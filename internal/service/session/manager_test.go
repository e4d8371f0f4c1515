package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
)

func collectOnly() core.Diagnoser {
	return core.Diagnoser{
		Name:      "memdump",
		Collector: core.CollectorSpec{Command: "dump"},
	}
}

func TestSubmit_CreatesActiveSession(t *testing.T) {
	f := newFleet(t)
	m := f.manager("web-1")

	s := f.submit(m, SubmitRequest{
		Tool:        "TRACE",
		Instances:   []string{" web-1 ", "WEB-1", "web-2", ""},
		Description: "slow requests",
	})
	assert.Equal(t, core.NewSessionID(epoch), s.SessionID)
	assert.Equal(t, "trace", s.Tool)
	assert.Equal(t, core.ModeCollect, s.Mode)
	assert.Equal(t, core.InvokerInteractive, s.Invoker)
	assert.Equal(t, core.SessionStatusActive, s.Status)
	assert.Equal(t, []string{"web-1", "web-2"}, s.Instances)

	got := f.get(m, s.SessionID)
	assert.Equal(t, s.Instances, got.Instances)
	assert.Equal(t, "slow requests", got.Description)
	assert.Empty(t, got.ActiveInstances)
}

func TestSubmit_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  SubmitRequest
		code string
	}{
		{"no instances", SubmitRequest{Tool: "trace"}, core.CodeNoInstances},
		{"blank instances", SubmitRequest{Tool: "trace", Instances: []string{" ", ""}}, core.CodeNoInstances},
		{"unknown tool", SubmitRequest{Tool: "nope", Instances: []string{"a"}}, core.CodeUnknownDiagnoser},
		{"bad mode", SubmitRequest{Tool: "trace", Mode: "Explode", Instances: []string{"a"}}, core.CodeInvalidMode},
		{"analyze without analyzer", SubmitRequest{Tool: "memdump", Mode: core.ModeCollectAndAnalyze, Instances: []string{"a"}}, core.CodeInvalidSession},
		{"inverted range", SubmitRequest{
			Tool: "trace", Instances: []string{"a"},
			TimeRange: &core.TimeRange{Start: epoch, End: epoch.Add(-time.Minute)},
		}, core.CodeInvalidSession},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFleet(t, core.Diagnoser{
				Name:      "trace",
				Collector: core.CollectorSpec{Command: "c"},
				Analyzer:  &core.AnalyzerSpec{Command: "a"},
			}, collectOnly())
			m := f.manager("web-1")
			_, err := m.Submit(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, core.HasCode(err, tt.code), "got %v", err)

			active, err := m.ListActiveSessions(context.Background())
			require.NoError(t, err)
			assert.Empty(t, active)
		})
	}
}

func TestSubmit_SecondActiveSessionRejected(t *testing.T) {
	f := newFleet(t)
	m := f.manager("web-1")
	f.submit(m, SubmitRequest{Instances: []string{"web-1"}})

	f.clock.Advance(time.Second)
	_, err := m.Submit(context.Background(), SubmitRequest{Tool: "trace", Instances: []string{"web-1"}})
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeSessionAlreadyActive))

	f.opts.AllowConcurrent = true
	f.submit(f.manager("web-1"), SubmitRequest{Instances: []string{"web-1"}})
}

func TestSubmit_IDCollisionStepsForward(t *testing.T) {
	f := newFleet(t)
	f.opts.AllowConcurrent = true
	m := f.manager("web-1")

	a := f.submit(m, SubmitRequest{Instances: []string{"web-1"}})
	b := f.submit(m, SubmitRequest{Instances: []string{"web-1"}})
	assert.NotEqual(t, a.SessionID, b.SessionID)
	assert.Equal(t, core.NewSessionID(epoch.Add(time.Millisecond)), b.SessionID)
}

func TestSubmit_RequiresStorageAccountStampsBlobHost(t *testing.T) {
	f := newFleet(t, core.Diagnoser{
		Name:                   "dump",
		RequiresStorageAccount: true,
		Collector:              core.CollectorSpec{Command: "c"},
	})
	f.opts.BlobHostname = "blobs.example.net"
	f.opts.SiteHostname = "site.example.net"
	m := f.manager("web-1")

	s := f.submit(m, SubmitRequest{Tool: "dump", Instances: []string{"web-1"}})
	assert.Equal(t, "blobs.example.net", s.BlobStorageHostName)
	assert.Equal(t, "site.example.net", s.DefaultHostName)
}

// completeAt submits and immediately completes a session at the current
// fake time.
func (f *fleet) completeAt(m *Manager, invoker core.Invoker) *core.Session {
	f.t.Helper()
	s := f.submit(m, SubmitRequest{Instances: []string{"web-1"}, Invoker: invoker})
	done, err := m.MarkSessionAsComplete(context.Background(), s.SessionID, core.SessionStatusComplete)
	if err != nil {
		f.t.Fatalf("MarkSessionAsComplete() error = %v", err)
	}
	return done
}

func TestSubmit_AutomationDailyCap(t *testing.T) {
	f := newFleet(t)
	f.opts.MaxSessionsPerDay = 2
	m := f.manager("web-1")
	ctx := context.Background()

	f.completeAt(m, core.InvokerAutomation)
	f.clock.Advance(2 * time.Hour)
	f.completeAt(m, core.InvokerAutomation)
	f.clock.Advance(2 * time.Hour)

	_, err := m.Submit(ctx, SubmitRequest{Tool: "trace", Instances: []string{"web-1"}, Invoker: core.InvokerAutomation})
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeSessionRateLimited))

	// Interactive submissions are not capped.
	f.completeAt(m, core.InvokerInteractive)

	// The first session falls out of the 24h window.
	f.clock.Advance(21 * time.Hour)
	f.completeAt(m, core.InvokerAutomation)
}

func TestSubmit_AutomationBurstCap(t *testing.T) {
	f := newFleet(t)
	f.opts.MaxSessionsInWindow = 1
	f.opts.Window = 30 * time.Minute
	m := f.manager("web-1")

	f.completeAt(m, core.InvokerAutomation)
	f.clock.Advance(10 * time.Minute)
	_, err := m.Submit(context.Background(), SubmitRequest{Tool: "trace", Instances: []string{"web-1"}, Invoker: core.InvokerAutomation})
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeSessionRateLimited))

	f.clock.Advance(25 * time.Minute)
	f.completeAt(m, core.InvokerAutomation)
}

func TestUpdateActiveSession_ConcurrentMutatorsLoseNothing(t *testing.T) {
	f := newFleet(t)
	managers := []*Manager{f.manager("web-1"), f.manager("web-2"), f.manager("web-3")}
	s := f.submit(managers[0], SubmitRequest{Instances: []string{"web-1"}})

	const n = 30
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := managers[i%len(managers)]
			_, err := m.UpdateActiveSession(context.Background(), s.SessionID, "test", func(cur *core.Session) error {
				ai := cur.ActiveInstance("web-1")
				if ai == nil {
					ai = &core.ActiveInstance{Name: "web-1", Status: core.InstanceStatusStarted}
				}
				ai.CollectorStatusMessages = append(ai.CollectorStatusMessages, fmt.Sprintf("m%d", i))
				cur.UpsertActiveInstance(ai)
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got := f.get(managers[0], s.SessionID)
	require.Len(t, got.ActiveInstances, 1)
	msgs := got.ActiveInstances[0].CollectorStatusMessages
	require.Len(t, msgs, n)
	for i := 0; i < n; i++ {
		assert.Contains(t, msgs, fmt.Sprintf("m%d", i))
	}
}

func TestUpdateActiveSession_CrashedHolderThenRetry(t *testing.T) {
	f := newFleet(t)
	m := f.managerWithLock("web-1", LockOptions{MaxAttempts: 3})
	m.locker.sleep = noSleep
	ctx := context.Background()
	s := f.submit(m, SubmitRequest{Instances: []string{"web-1"}})

	require.NoError(t, f.store.Create(ctx, core.SessionLockPath(s.SessionID), []byte(`{"owner":"gone"}`)))

	mutate := func(cur *core.Session) error {
		cur.UpsertActiveInstance(&core.ActiveInstance{Name: "web-1", Status: core.InstanceStatusStarted})
		return nil
	}
	_, err := m.UpdateActiveSession(ctx, s.SessionID, "test", mutate)
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeLockTimeout))
	assert.Empty(t, f.get(m, s.SessionID).ActiveInstances, "dropped mutation must not be written")

	// Another holder takes the lock, changes the document and releases it
	// while this instance waits. The waiter must mutate the fresh copy.
	require.NoError(t, f.store.Create(ctx, core.SessionLockPath(s.SessionID), []byte(`{"owner":"web-2"}`)))
	m.locker.sleep = func(ctx context.Context, _ time.Duration) error {
		data, err := f.store.Read(ctx, core.ActiveSessionPath(s.SessionID))
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		var cur core.Session
		if err := json.Unmarshal(data, &cur); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		cur.UpsertActiveInstance(&core.ActiveInstance{Name: "web-2", Status: core.InstanceStatusStarted})
		if data, err = json.Marshal(&cur); err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		if err := f.store.Write(ctx, core.ActiveSessionPath(s.SessionID), data); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		return f.store.Delete(ctx, core.SessionLockPath(s.SessionID))
	}

	updated, err := m.UpdateActiveSession(ctx, s.SessionID, "test", mutate)
	require.NoError(t, err)
	require.NotNil(t, updated.ActiveInstance("web-1"))

	got := f.get(m, s.SessionID)
	assert.NotNil(t, got.ActiveInstance("web-1"))
	require.NotNil(t, got.ActiveInstance("web-2"), "change made while waiting was lost")
	assert.Equal(t, core.InstanceStatusStarted, got.ActiveInstance("web-2").Status)
}

func TestUpdateActiveSession_NoChangeSkipsWrite(t *testing.T) {
	f := newFleet(t)
	m := f.manager("web-1")
	s := f.submit(m, SubmitRequest{Instances: []string{"web-1"}})
	before := f.get(m, s.SessionID).LastModified

	f.clock.Advance(time.Minute)
	_, err := m.UpdateActiveSession(context.Background(), s.SessionID, "test", func(*core.Session) error {
		return ErrNoChange
	})
	require.NoError(t, err)
	assert.True(t, before.Equal(f.get(m, s.SessionID).LastModified))
}

func TestUpdateActiveSession_MutationErrorIsReturned(t *testing.T) {
	f := newFleet(t)
	m := f.manager("web-1")
	s := f.submit(m, SubmitRequest{Instances: []string{"web-1"}})
	boom := errors.New("boom")

	_, err := m.UpdateActiveSession(context.Background(), s.SessionID, "test", func(*core.Session) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestUpdateActiveSession_RejectsCompletedSession(t *testing.T) {
	f := newFleet(t)
	m := f.manager("web-1")
	s := f.completeAt(m, core.InvokerInteractive)

	_, err := m.UpdateActiveSession(context.Background(), s.SessionID, "test", func(*core.Session) error { return nil })
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeSessionNotActive))
}

func TestMarkSessionAsComplete(t *testing.T) {
	f := newFleet(t)
	m := f.manager("web-1")
	ctx := context.Background()
	s := f.submit(m, SubmitRequest{Instances: []string{"web-1"}})

	f.clock.Advance(time.Minute)
	done, err := m.MarkSessionAsComplete(ctx, s.SessionID, core.SessionStatusTimedOut)
	require.NoError(t, err)
	assert.Equal(t, core.SessionStatusTimedOut, done.Status)
	require.NotNil(t, done.EndTime)
	assert.True(t, epoch.Add(time.Minute).Equal(*done.EndTime))

	_, err = f.store.Read(ctx, core.ActiveSessionPath(s.SessionID))
	assert.True(t, errors.Is(err, core.ErrObjectNotFound))

	// Idempotent: a second call returns the stored document unchanged.
	again, err := m.MarkSessionAsComplete(ctx, s.SessionID, core.SessionStatusComplete)
	require.NoError(t, err)
	assert.Equal(t, core.SessionStatusTimedOut, again.Status)

	completed, err := m.ListCompletedSessions(ctx)
	require.NoError(t, err)
	require.Len(t, completed, 1)
}

func TestListSessions_NewestFirst(t *testing.T) {
	f := newFleet(t)
	f.opts.AllowConcurrent = true
	m := f.manager("web-1")

	old := f.completeAt(m, core.InvokerInteractive)
	f.clock.Advance(time.Hour)
	cur := f.submit(m, SubmitRequest{Instances: []string{"web-1"}})

	all, err := m.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, cur.SessionID, all[0].SessionID)
	assert.Equal(t, old.SessionID, all[1].SessionID)
}

func TestGetSession_NotFound(t *testing.T) {
	f := newFleet(t)
	_, err := f.manager("web-1").GetSession(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeNotFound))
}

func TestCancelOrphanedInstances(t *testing.T) {
	f := newFleet(t)
	m := f.manager("web-1")
	ctx := context.Background()
	s := f.submit(m, SubmitRequest{Instances: []string{"web-1", "web-2", "web-3"}})

	// web-3 already finished; it is never touched.
	_, err := m.UpdateActiveSession(ctx, s.SessionID, "test", func(cur *core.Session) error {
		cur.UpsertActiveInstance(&core.ActiveInstance{Name: "web-3", Status: core.InstanceStatusComplete})
		return nil
	})
	require.NoError(t, err)

	// Within the grace period nothing happens.
	f.clock.Advance(time.Minute)
	got, err := m.CancelOrphanedInstancesIfNeeded(ctx, f.get(m, s.SessionID))
	require.NoError(t, err)
	assert.Len(t, got.ActiveInstances, 1)

	// Past a heartbeat lifetime, only instances without a live heartbeat.
	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.heartbeats("web-1").SendHeartBeat(ctx))
	got, err = m.CancelOrphanedInstancesIfNeeded(ctx, f.get(m, s.SessionID))
	require.NoError(t, err)
	assert.Nil(t, got.ActiveInstance("web-1"))
	orphan := got.ActiveInstance("web-2")
	require.NotNil(t, orphan)
	assert.Equal(t, core.InstanceStatusComplete, orphan.Status)
	require.Len(t, orphan.CollectorErrors, 1)
	assert.Contains(t, orphan.CollectorErrors[0], "did not pick up the session")

	// Past the orphan timeout, even live instances are given up on.
	f.clock.Advance(10 * time.Minute)
	require.NoError(t, f.heartbeats("web-1").SendHeartBeat(ctx))
	got, err = m.CancelOrphanedInstancesIfNeeded(ctx, f.get(m, s.SessionID))
	require.NoError(t, err)
	require.NotNil(t, got.ActiveInstance("web-1"))
	assert.True(t, core.AllInstancesFinished(got))
}

func TestCancelInstance(t *testing.T) {
	f := newFleet(t)
	m := f.manager("web-1")
	ctx := context.Background()
	s := f.submit(m, SubmitRequest{Instances: []string{"web-1", "web-2"}})

	require.NoError(t, m.CancelInstance(ctx, s.SessionID, "WEB-2", "operator"))
	marker, err := m.readCancel(ctx, s.SessionID, "web-2")
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, "operator", marker.Reason)

	err = m.CancelInstance(ctx, s.SessionID, "web-9", "")
	assert.True(t, core.HasCode(err, core.CodeNotFound))

	err = m.CancelInstance(ctx, "nope", "web-1", "")
	assert.True(t, core.HasCode(err, core.CodeNotFound))

	none, err := m.readCancel(ctx, s.SessionID, "web-1")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestCancelSession_SkipsFinishedInstances(t *testing.T) {
	f := newFleet(t)
	m := f.manager("web-1")
	ctx := context.Background()
	s := f.submit(m, SubmitRequest{Instances: []string{"web-1", "web-2"}})
	_, err := m.UpdateActiveSession(ctx, s.SessionID, "test", func(cur *core.Session) error {
		cur.UpsertActiveInstance(&core.ActiveInstance{Name: "web-1", Status: core.InstanceStatusComplete})
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, m.CancelSession(ctx, s.SessionID, ""))
	a, err := m.readCancel(ctx, s.SessionID, "web-1")
	require.NoError(t, err)
	assert.Nil(t, a)
	b, err := m.readCancel(ctx, s.SessionID, "web-2")
	require.NoError(t, err)
	assert.NotNil(t, b)
}

func TestCancelInstance_CompletedSessionRejected(t *testing.T) {
	f := newFleet(t)
	m := f.manager("web-1")
	s := f.completeAt(m, core.InvokerInteractive)

	err := m.CancelInstance(context.Background(), s.SessionID, "web-1", "")
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeSessionNotActive))
}

func TestDeleteSession(t *testing.T) {
	f := newFleet(t)
	m := f.manager("web-1")
	ctx := context.Background()
	s := f.submit(m, SubmitRequest{Instances: []string{"web-1"}})

	err := m.DeleteSession(ctx, s.SessionID)
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeSessionAlreadyActive))

	logPath := core.LogsPrefix(s.SessionID, "web-1") + "/trace.zip"
	reportPath := core.ReportsPrefix(s.SessionID, "20240304_100000", "trace", "web-1") + "/report.txt"
	require.NoError(t, f.store.Write(ctx, logPath, []byte("log")))
	require.NoError(t, f.store.Write(ctx, reportPath, []byte("report")))

	_, err = m.MarkSessionAsComplete(ctx, s.SessionID, "")
	require.NoError(t, err)
	require.NoError(t, m.DeleteSession(ctx, s.SessionID))

	for _, p := range []string{logPath, reportPath, core.CompletedSessionPath(s.SessionID)} {
		_, err := f.store.Read(ctx, p)
		assert.True(t, errors.Is(err, core.ErrObjectNotFound), p)
	}

	err = m.DeleteSession(ctx, s.SessionID)
	assert.True(t, core.HasCode(err, core.CodeNotFound))
}
