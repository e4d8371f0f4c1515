package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
)

// FileLeaser leases paths on a store without conditional writes. The
// lease is an exclusively created lock object holding the holder id and
// initial expiry; renewals rewrite a sidecar "{lock}.expiry". Competitors
// read both and break an expired lock by moving it to a unique tombstone,
// then verify the tombstone holds the id they judged expired.
type FileLeaser struct {
	store core.Store
	clock core.Clock
}

// NewFileLeaser creates a file-backed leaser.
func NewFileLeaser(store core.Store, clock core.Clock) *FileLeaser {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &FileLeaser{store: store, clock: clock}
}

func expiryKey(lockKey string) string { return lockKey + ".expiry" }

// Acquire leases p for d or fails with CodeLeaseHeld.
func (f *FileLeaser) Acquire(ctx context.Context, p string, d time.Duration) (*core.Lease, error) {
	if err := validate(p, d); err != nil {
		return nil, err
	}
	key := recordKey(p)

	for attempt := 0; attempt < 2; attempt++ {
		rec := record{ID: uuid.NewString(), Path: p, ExpiresAt: f.clock.Now().Add(d), Duration: d}
		err := f.store.Create(ctx, key, encodeRecord(rec))
		if err == nil {
			_ = f.store.Delete(ctx, expiryKey(key))
			return rec.lease(), nil
		}
		if !errors.Is(err, core.ErrObjectExists) {
			return nil, fmt.Errorf("acquiring lease on %s: %w", p, err)
		}

		holder, expires, err := f.current(ctx, key)
		if errors.Is(err, core.ErrObjectNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if f.clock.Now().Before(expires) {
			return nil, core.ErrLeaseHeld(p)
		}
		if err := f.breakLock(ctx, key, holder); err != nil {
			return nil, err
		}
	}
	return nil, core.ErrLeaseHeld(p)
}

// current returns the holder id and effective expiry of the lock at key.
func (f *FileLeaser) current(ctx context.Context, key string) (string, time.Time, error) {
	data, err := f.store.Read(ctx, key)
	if err != nil {
		return "", time.Time{}, err
	}
	lock, err := decodeRecord(data)
	if err != nil {
		// Torn or foreign content never expires on its own; treat it as
		// already expired so it can be broken.
		return "", time.Time{}, nil
	}
	expires := lock.ExpiresAt
	if data, err := f.store.Read(ctx, expiryKey(key)); err == nil {
		if side, err := decodeRecord(data); err == nil && side.ID == lock.ID && side.ExpiresAt.After(expires) {
			expires = side.ExpiresAt
		}
	}
	return lock.ID, expires, nil
}

// breakLock moves an expired lock aside. If the tombstone turns out to
// hold a different holder, the lock was re-acquired in between and is put
// back when the slot is still free.
func (f *FileLeaser) breakLock(ctx context.Context, key, expiredID string) error {
	tomb := key + ".broken-" + uuid.NewString()
	if err := f.store.Move(ctx, key, tomb); err != nil {
		if errors.Is(err, core.ErrObjectNotFound) {
			return nil
		}
		return fmt.Errorf("breaking lease %s: %w", key, err)
	}
	defer func() { _ = f.store.Delete(ctx, tomb) }()

	data, err := f.store.Read(ctx, tomb)
	if err != nil {
		return fmt.Errorf("reading broken lease %s: %w", key, err)
	}
	if moved, err := decodeRecord(data); err == nil && moved.ID != expiredID {
		_ = f.store.Create(ctx, key, data)
		return core.ErrLeaseHeld(key)
	}
	_ = f.store.Delete(ctx, expiryKey(key))
	return nil
}

// Renew rewrites the sidecar expiry while the lock still names us.
func (f *FileLeaser) Renew(ctx context.Context, l *core.Lease) error {
	key := recordKey(l.PathBeingLeased)
	data, err := f.store.Read(ctx, key)
	if errors.Is(err, core.ErrObjectNotFound) {
		return core.ErrLeaseLost(l.PathBeingLeased)
	}
	if err != nil {
		return fmt.Errorf("reading lease on %s: %w", l.PathBeingLeased, err)
	}
	lock, err := decodeRecord(data)
	if err != nil || lock.ID != l.ID {
		return core.ErrLeaseLost(l.PathBeingLeased)
	}

	side := lock
	side.ExpiresAt = f.clock.Now().Add(lock.Duration)
	if err := f.store.Write(ctx, expiryKey(key), encodeRecord(side)); err != nil {
		return fmt.Errorf("renewing lease on %s: %w", l.PathBeingLeased, err)
	}
	l.ExpirationDate = side.ExpiresAt
	return nil
}

// Release removes the lock and its sidecar when the lock still names us.
func (f *FileLeaser) Release(ctx context.Context, l *core.Lease) error {
	key := recordKey(l.PathBeingLeased)
	data, err := f.store.Read(ctx, key)
	if errors.Is(err, core.ErrObjectNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading lease on %s: %w", l.PathBeingLeased, err)
	}
	if lock, err := decodeRecord(data); err != nil || lock.ID != l.ID {
		return nil
	}
	if err := f.store.Delete(ctx, expiryKey(key)); err != nil {
		return fmt.Errorf("releasing lease on %s: %w", l.PathBeingLeased, err)
	}
	if err := f.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("releasing lease on %s: %w", l.PathBeingLeased, err)
	}
	l.ExpirationDate = f.clock.Now()
	return nil
}

var _ core.Leaser = (*FileLeaser)(nil)
