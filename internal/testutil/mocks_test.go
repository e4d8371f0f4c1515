package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
)

func TestMemStore_Conditional(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	v1, err := s.CreateVersion(ctx, "leases/a", []byte("x"))
	AssertNoError(t, err)

	_, err = s.CreateVersion(ctx, "leases/a", []byte("y"))
	AssertTrue(t, errors.Is(err, core.ErrObjectExists), "second create must fail")

	v2, err := s.ReplaceIfMatch(ctx, "leases/a", []byte("y"), v1)
	AssertNoError(t, err)

	_, err = s.ReplaceIfMatch(ctx, "leases/a", []byte("z"), v1)
	AssertTrue(t, errors.Is(err, core.ErrPreconditionFailed), "stale version must fail")

	AssertTrue(t, errors.Is(s.DeleteIfMatch(ctx, "leases/a", v1), core.ErrPreconditionFailed), "stale delete")
	AssertNoError(t, s.DeleteIfMatch(ctx, "leases/a", v2))
	AssertLen(t, s.Keys(), 0)
}

func TestMemStore_FailOn(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	s.FailOn("Write", ErrTest)
	AssertError(t, s.Write(ctx, "a", nil))
	s.FailOn("Write", nil)
	AssertNoError(t, s.Write(ctx, "a", nil))
	AssertEqual(t, s.CallCount("Write"), 2)
}

func TestMemStore_ListAndMove(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	AssertNoError(t, s.Write(ctx, "active-sessions/1.json", []byte("{}")))
	AssertNoError(t, s.Write(ctx, "active-sessionsX/2.json", []byte("{}")))

	list, err := s.List(ctx, "active-sessions")
	AssertNoError(t, err)
	AssertLen(t, list, 1)

	AssertNoError(t, s.Move(ctx, "active-sessions/1.json", "completed-sessions/1.json"))
	AssertTrue(t, errors.Is(s.Move(ctx, "active-sessions/1.json", "x"), core.ErrObjectNotFound), "missing source")
}
