package lease

import (
	"context"
	"fmt"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/adapters/storage"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/config"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
)

// New selects the backend named by cfg. "auto" uses blob leases when an
// object store is configured and file leases otherwise. The returned
// closer releases backend connections.
func New(ctx context.Context, cfg config.LeaseConfig, stores *storage.Stores, clock core.Clock) (core.Leaser, func() error, error) {
	noop := func() error { return nil }

	backend := cfg.Backend
	if backend == "" || backend == "auto" {
		backend = "file"
		if stores.Blob != nil {
			backend = "blob"
		}
	}

	switch backend {
	case "file":
		return NewFileLeaser(stores.Shared, clock), noop, nil
	case "blob":
		if stores.Blob == nil {
			return nil, nil, fmt.Errorf("blob leases require an object store")
		}
		return NewBlobLeaser(stores.Blob, clock), noop, nil
	case "redis":
		l, err := NewRedisLeaser(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		if clock != nil {
			l.clock = clock
		}
		return l, l.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown lease backend %q", cfg.Backend)
	}
}
