package core

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes one object returned by Store.List.
type ObjectInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Store is the shared storage substrate. Paths are slash-separated logical
// keys (see layout.go); backends map them to files or objects.
type Store interface {
	// Read returns the object's content or ErrObjectNotFound.
	Read(ctx context.Context, path string) ([]byte, error)
	// Write creates or overwrites the object atomically.
	Write(ctx context.Context, path string, data []byte) error
	// Create writes the object only if it does not exist, else ErrObjectExists.
	Create(ctx context.Context, path string, data []byte) error
	// Open streams the object's content or returns ErrObjectNotFound.
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	// Upload streams r into the object and returns the bytes written.
	Upload(ctx context.Context, path string, r io.Reader) (int64, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error
	// Move relocates src to dst, ErrObjectNotFound if src is missing.
	Move(ctx context.Context, src, dst string) error
	// List returns every object below prefix, recursively.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// VersionedStore is a Store with a genuine conditional-write primitive.
// Versions are opaque strings (ETag, generation).
type VersionedStore interface {
	Store
	ReadVersion(ctx context.Context, path string) ([]byte, string, error)
	// CreateVersion behaves like Create and returns the new version.
	CreateVersion(ctx context.Context, path string, data []byte) (string, error)
	// ReplaceIfMatch overwrites only when the current version equals version,
	// else ErrPreconditionFailed.
	ReplaceIfMatch(ctx context.Context, path string, data []byte, version string) (string, error)
	DeleteIfMatch(ctx context.Context, path, version string) error
}

// Clock abstracts time for components that reason about expirations.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
