package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
)

// BlobLeaser keeps lease records on a store with conditional writes. The
// first create wins; an expired record is taken over with a
// replace-if-match so only one competitor succeeds.
type BlobLeaser struct {
	store core.VersionedStore
	clock core.Clock
}

// NewBlobLeaser creates a blob-backed leaser.
func NewBlobLeaser(store core.VersionedStore, clock core.Clock) *BlobLeaser {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &BlobLeaser{store: store, clock: clock}
}

// Acquire leases p for d or fails with CodeLeaseHeld.
func (b *BlobLeaser) Acquire(ctx context.Context, p string, d time.Duration) (*core.Lease, error) {
	if err := validate(p, d); err != nil {
		return nil, err
	}
	key := recordKey(p)
	rec := record{ID: uuid.NewString(), Path: p, ExpiresAt: b.clock.Now().Add(d), Duration: d}

	// Two rounds: the holder may release between our create and read.
	for attempt := 0; attempt < 2; attempt++ {
		_, err := b.store.CreateVersion(ctx, key, encodeRecord(rec))
		if err == nil {
			return rec.lease(), nil
		}
		if !errors.Is(err, core.ErrObjectExists) {
			return nil, fmt.Errorf("acquiring lease on %s: %w", p, err)
		}

		data, version, err := b.store.ReadVersion(ctx, key)
		if errors.Is(err, core.ErrObjectNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading lease on %s: %w", p, err)
		}
		current, err := decodeRecord(data)
		if err == nil && b.clock.Now().Before(current.ExpiresAt) {
			return nil, core.ErrLeaseHeld(p)
		}

		// Expired or unreadable: take it over.
		rec.ExpiresAt = b.clock.Now().Add(d)
		if _, err := b.store.ReplaceIfMatch(ctx, key, encodeRecord(rec), version); err != nil {
			if errors.Is(err, core.ErrPreconditionFailed) || errors.Is(err, core.ErrObjectNotFound) {
				return nil, core.ErrLeaseHeld(p)
			}
			return nil, fmt.Errorf("taking over lease on %s: %w", p, err)
		}
		return rec.lease(), nil
	}
	return nil, core.ErrLeaseHeld(p)
}

// Renew extends the lease by its duration. An expired lease that nobody
// took over can still be renewed; a lease taken over returns CodeLeaseLost.
func (b *BlobLeaser) Renew(ctx context.Context, l *core.Lease) error {
	key := recordKey(l.PathBeingLeased)
	data, version, err := b.store.ReadVersion(ctx, key)
	if errors.Is(err, core.ErrObjectNotFound) {
		return core.ErrLeaseLost(l.PathBeingLeased)
	}
	if err != nil {
		return fmt.Errorf("reading lease on %s: %w", l.PathBeingLeased, err)
	}
	current, err := decodeRecord(data)
	if err != nil || current.ID != l.ID {
		return core.ErrLeaseLost(l.PathBeingLeased)
	}

	current.ExpiresAt = b.clock.Now().Add(current.Duration)
	if _, err := b.store.ReplaceIfMatch(ctx, key, encodeRecord(current), version); err != nil {
		if errors.Is(err, core.ErrPreconditionFailed) || errors.Is(err, core.ErrObjectNotFound) {
			return core.ErrLeaseLost(l.PathBeingLeased)
		}
		return fmt.Errorf("renewing lease on %s: %w", l.PathBeingLeased, err)
	}
	l.ExpirationDate = current.ExpiresAt
	return nil
}

// Release deletes the record if it is still ours.
func (b *BlobLeaser) Release(ctx context.Context, l *core.Lease) error {
	key := recordKey(l.PathBeingLeased)
	data, version, err := b.store.ReadVersion(ctx, key)
	if errors.Is(err, core.ErrObjectNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading lease on %s: %w", l.PathBeingLeased, err)
	}
	if current, err := decodeRecord(data); err != nil || current.ID != l.ID {
		return nil
	}
	err = b.store.DeleteIfMatch(ctx, key, version)
	if err != nil && !errors.Is(err, core.ErrPreconditionFailed) && !errors.Is(err, core.ErrObjectNotFound) {
		return fmt.Errorf("releasing lease on %s: %w", l.PathBeingLeased, err)
	}
	l.ExpirationDate = b.clock.Now()
	return nil
}

var _ core.Leaser = (*BlobLeaser)(nil)
