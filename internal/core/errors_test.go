package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestDomainError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("root")
	err := (&DomainError{
		Category: ErrCatValidation,
		Code:     "CODE",
		Message:  "message",
	}).WithCause(cause)

	if err.Unwrap() != cause {
		t.Fatalf("expected cause to be unwrapped")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to match cause")
	}

	match := &DomainError{Category: ErrCatValidation, Code: "CODE"}
	if !errors.Is(err, match) {
		t.Fatalf("expected errors.Is to match category and code")
	}
}

func TestDomainError_WithDetail(t *testing.T) {
	err := &DomainError{Category: ErrCatExecution, Code: "X", Message: "msg"}
	err.WithDetail("k", "v")
	if err.Details == nil || err.Details["k"] != "v" {
		t.Fatalf("expected details to be set")
	}
}

func TestErrorFactories(t *testing.T) {
	if ErrValidation("C", "m").Retryable {
		t.Fatalf("validation should not be retryable")
	}
	if !ErrExecution("C", "m").Retryable {
		t.Fatalf("execution should be retryable")
	}
	if !ErrTimeout("m").Retryable {
		t.Fatalf("timeout should be retryable")
	}
	if ErrRateLimit("m").Retryable {
		t.Fatalf("rate limit should not be retryable")
	}
	if ErrState("C", "m").Retryable {
		t.Fatalf("state should not be retryable")
	}
	if !ErrConflict("C", "m").Retryable {
		t.Fatalf("conflict should be retryable")
	}
	if ErrCancelled("m").Code != CodeCancelled {
		t.Fatalf("expected cancelled code")
	}
}

func TestToolErrors(t *testing.T) {
	exit := ErrToolExit("collect.sh", 3, "disk full")
	if exit.Message != "collect.sh exited with code 3: disk full" {
		t.Fatalf("unexpected message %q", exit.Message)
	}
	if exit.Details["exit_code"] != 3 {
		t.Fatalf("expected exit code detail")
	}

	noOut := ErrNoOutput("trace", "")
	if noOut.Message != "trace did not produce any diagnostic output" {
		t.Fatalf("unexpected message %q", noOut.Message)
	}
	if !HasCode(noOut, CodeToolNoOutput) {
		t.Fatalf("expected TOOL_NO_OUTPUT code")
	}

	lock := ErrLockTimeout("20240304100000000", 60).WithDetail("forced_unlocks", 1)
	if !IsCategory(lock, ErrCatTimeout) || !HasCode(lock, CodeLockTimeout) {
		t.Fatalf("expected LOCK_TIMEOUT timeout error, got %v", lock)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(ErrExecution("X", "m")) {
		t.Fatalf("expected retryable error")
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatalf("expected non-domain error to be non-retryable")
	}
}

func TestGetCategory(t *testing.T) {
	if GetCategory(ErrRateLimit("m")) != ErrCatRateLimit {
		t.Fatalf("expected rate_limit category")
	}
	if GetCategory(errors.New("plain")) != ErrCatInternal {
		t.Fatalf("expected internal category for non-domain error")
	}
	wrapped := fmt.Errorf("submitting: %w", ErrNotFound("session", "x"))
	if !IsCategory(wrapped, ErrCatNotFound) {
		t.Fatalf("expected category match through wrapping")
	}
	if HasCode(errors.New("plain"), CodeNotFound) {
		t.Fatalf("plain errors carry no code")
	}
}
