package core

import (
	"context"
	"time"
)

// Lease is a time-boxed mutual-exclusion token over a path in shared
// storage. Holding a valid lease is the proof required to mutate the path.
type Lease struct {
	ID              string    `json:"id"`
	PathBeingLeased string    `json:"pathBeingLeased"`
	ExpirationDate  time.Time `json:"expirationDate"`
	// Duration is the term each renewal extends the lease by.
	Duration time.Duration `json:"duration,omitempty"`
}

// IsValid reports whether the lease has not yet expired at now.
func (l *Lease) IsValid(now time.Time) bool {
	return l != nil && now.Before(l.ExpirationDate)
}

// Leaser is implemented by every lease backend. Acquire fails immediately
// with CodeLeaseHeld when another holder has a valid lease; it never blocks.
type Leaser interface {
	Acquire(ctx context.Context, path string, duration time.Duration) (*Lease, error)
	Renew(ctx context.Context, lease *Lease) error
	Release(ctx context.Context, lease *Lease) error
}

// ErrLeaseHeld is returned by Acquire when the path is already leased.
func ErrLeaseHeld(path string) *DomainError {
	return &DomainError{
		Category:  ErrCatConflict,
		Code:      CodeLeaseHeld,
		Message:   "lease already held on " + path,
		Retryable: true,
	}
}

// ErrLeaseLost is returned by Renew when the lease expired and was taken.
func ErrLeaseLost(path string) *DomainError {
	return &DomainError{
		Category:  ErrCatConflict,
		Code:      CodeLeaseLost,
		Message:   "lease lost on " + path,
		Retryable: true,
	}
}
