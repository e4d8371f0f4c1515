package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
)

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLeaser keeps leases as redis keys with a TTL. Renew and release
// compare the holder id atomically in Lua.
type RedisLeaser struct {
	client *redis.Client
	prefix string
	clock  core.Clock
}

// RedisOptions configures a RedisLeaser.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisLeaser connects and pings the server.
func NewRedisLeaser(ctx context.Context, opts RedisOptions) (*RedisLeaser, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return NewRedisLeaserWithClient(client, opts.Prefix), nil
}

// NewRedisLeaserWithClient wraps an existing client.
func NewRedisLeaserWithClient(client *redis.Client, prefix string) *RedisLeaser {
	return &RedisLeaser{client: client, prefix: prefix, clock: core.SystemClock{}}
}

// Close closes the client.
func (r *RedisLeaser) Close() error {
	return r.client.Close()
}

func (r *RedisLeaser) key(p string) string {
	return r.prefix + p
}

// Acquire leases p for d with SET NX PX.
func (r *RedisLeaser) Acquire(ctx context.Context, p string, d time.Duration) (*core.Lease, error) {
	if err := validate(p, d); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key(p), id, d).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lease on %s: %w", p, err)
	}
	if !ok {
		return nil, core.ErrLeaseHeld(p)
	}
	return &core.Lease{ID: id, PathBeingLeased: p, ExpirationDate: r.clock.Now().Add(d), Duration: d}, nil
}

// Renew resets the TTL if the key still holds our id. Redis drops expired
// keys, so unlike the storage backends an expired lease cannot be renewed.
func (r *RedisLeaser) Renew(ctx context.Context, l *core.Lease) error {
	n, err := renewScript.Run(ctx, r.client, []string{r.key(l.PathBeingLeased)}, l.ID, l.Duration.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("renewing lease on %s: %w", l.PathBeingLeased, err)
	}
	if n == 0 {
		return core.ErrLeaseLost(l.PathBeingLeased)
	}
	l.ExpirationDate = r.clock.Now().Add(l.Duration)
	return nil
}

// Release deletes the key if it still holds our id.
func (r *RedisLeaser) Release(ctx context.Context, l *core.Lease) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(l.PathBeingLeased)}, l.ID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("releasing lease on %s: %w", l.PathBeingLeased, err)
	}
	l.ExpirationDate = r.clock.Now()
	return nil
}

var _ core.Leaser = (*RedisLeaser)(nil)
