package storage

import (
	"context"
	"io"

	"golang.org/x/time/rate"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
)

// Throttled bounds the request rate one instance issues against the shared
// store. Every operation waits for a token first.
type Throttled struct {
	inner   core.Store
	limiter *rate.Limiter
}

// NewThrottled wraps inner with a token bucket of rps and burst.
func NewThrottled(inner core.Store, rps float64, burst int) *Throttled {
	return &Throttled{inner: inner, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *Throttled) Read(ctx context.Context, p string) ([]byte, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.Read(ctx, p)
}

func (t *Throttled) Write(ctx context.Context, p string, data []byte) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.inner.Write(ctx, p, data)
}

func (t *Throttled) Create(ctx context.Context, p string, data []byte) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.inner.Create(ctx, p, data)
}

func (t *Throttled) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.Open(ctx, p)
}

func (t *Throttled) Upload(ctx context.Context, p string, r io.Reader) (int64, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return t.inner.Upload(ctx, p, r)
}

func (t *Throttled) Delete(ctx context.Context, p string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.inner.Delete(ctx, p)
}

func (t *Throttled) Move(ctx context.Context, src, dst string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.inner.Move(ctx, src, dst)
}

func (t *Throttled) List(ctx context.Context, prefix string) ([]core.ObjectInfo, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.List(ctx, prefix)
}

// ThrottledVersioned adds the conditional operations of a VersionedStore,
// sharing the same bucket.
type ThrottledVersioned struct {
	*Throttled
	versioned core.VersionedStore
}

// NewThrottledVersioned wraps a versioned store.
func NewThrottledVersioned(inner core.VersionedStore, rps float64, burst int) *ThrottledVersioned {
	return &ThrottledVersioned{Throttled: NewThrottled(inner, rps, burst), versioned: inner}
}

func (t *ThrottledVersioned) ReadVersion(ctx context.Context, p string) ([]byte, string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}
	return t.versioned.ReadVersion(ctx, p)
}

func (t *ThrottledVersioned) CreateVersion(ctx context.Context, p string, data []byte) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return t.versioned.CreateVersion(ctx, p, data)
}

func (t *ThrottledVersioned) ReplaceIfMatch(ctx context.Context, p string, data []byte, version string) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return t.versioned.ReplaceIfMatch(ctx, p, data, version)
}

func (t *ThrottledVersioned) DeleteIfMatch(ctx context.Context, p, version string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.versioned.DeleteIfMatch(ctx, p, version)
}

var (
	_ core.Store          = (*Throttled)(nil)
	_ core.VersionedStore = (*ThrottledVersioned)(nil)
)
