// Package lease implements time-boxed mutual exclusion over shared-storage
// paths. Three backends share the core.Leaser contract: conditional writes
// on an object store, exclusive-create files with a sidecar expiry, and
// redis keys with a TTL.
package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
)

// GetLease blocks until path is leased or ctx is done, retrying Acquire on
// a fixed interval. Errors other than a held lease are returned at once.
func GetLease(ctx context.Context, l core.Leaser, p string, d, retry time.Duration) (*core.Lease, error) {
	var wait *time.Timer
	for {
		lease, err := l.Acquire(ctx, p, d)
		if err == nil {
			return lease, nil
		}
		if !core.HasCode(err, core.CodeLeaseHeld) {
			return nil, err
		}
		if wait == nil {
			wait = time.NewTimer(retry)
			defer wait.Stop()
		} else {
			wait.Reset(retry)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lease on %s: %w", p, ctx.Err())
		case <-wait.C:
		}
	}
}

// record is the persisted form of a lease for the storage backends.
type record struct {
	ID        string        `json:"id"`
	Path      string        `json:"path"`
	ExpiresAt time.Time     `json:"expiresAt"`
	Duration  time.Duration `json:"duration"`
}

func (r record) lease() *core.Lease {
	return &core.Lease{ID: r.ID, PathBeingLeased: r.Path, ExpirationDate: r.ExpiresAt, Duration: r.Duration}
}

func decodeRecord(data []byte) (record, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return record{}, fmt.Errorf("decoding lease record: %w", err)
	}
	return r, nil
}

func encodeRecord(r record) []byte {
	data, _ := json.Marshal(r)
	return data
}

// recordKey is where the lease for p is kept.
func recordKey(p string) string {
	return path.Join(core.LeasesDir, strings.Trim(p, "/")) + ".lease"
}

func validate(p string, d time.Duration) error {
	if strings.Trim(p, "/") == "" {
		return core.ErrValidation("INVALID_LEASE", "lease path required")
	}
	if d <= 0 {
		return core.ErrValidation("INVALID_LEASE", fmt.Sprintf("lease duration must be positive, got %s", d))
	}
	return nil
}
