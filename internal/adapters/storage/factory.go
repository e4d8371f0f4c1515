package storage

import (
	"context"
	"fmt"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/config"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
)

// Stores bundles the backends one instance works with. Session documents,
// locks, heartbeats and cancel markers always live on the shared file
// store; the optional object store holds artifacts of diagnosers that
// require it and backs blob leases.
type Stores struct {
	Files  *FileStore
	Shared core.Store
	Blob   core.VersionedStore

	close func() error
}

// Open builds the stores described by cfg.
func Open(ctx context.Context, cfg config.StorageConfig) (*Stores, error) {
	files, err := NewFileStore(cfg.Root)
	if err != nil {
		return nil, err
	}

	s := &Stores{Files: files, Shared: files, close: func() error { return nil }}
	if cfg.RequestsPerSecond > 0 {
		s.Shared = NewThrottled(files, cfg.RequestsPerSecond, cfg.Burst)
	}

	blob := cfg.Blob
	switch blob.Provider {
	case "", "none":
	case "s3":
		store, err := NewS3Store(ctx, S3Options{
			Bucket:       blob.Bucket,
			Prefix:       blob.Prefix,
			Region:       blob.Region,
			Endpoint:     blob.Endpoint,
			AccessKey:    blob.AccessKey,
			SecretKey:    blob.SecretKey,
			UsePathStyle: blob.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		s.Blob = store
	case "gcs":
		store, err := NewGCSStore(ctx, GCSOptions{
			Bucket:          blob.Bucket,
			Prefix:          blob.Prefix,
			CredentialsFile: blob.CredentialsFile,
			Endpoint:        blob.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		s.Blob = store
		s.close = store.Close
	default:
		return nil, fmt.Errorf("unknown blob provider %q", blob.Provider)
	}

	if s.Blob != nil && cfg.RequestsPerSecond > 0 {
		s.Blob = NewThrottledVersioned(s.Blob, cfg.RequestsPerSecond, cfg.Burst)
	}
	return s, nil
}

// Artifacts returns the store a diagnoser's logs and reports go to and
// whether it is the object store. Diagnosers that require a storage
// account fall back to the shared store when no object store is configured.
func (s *Stores) Artifacts(requiresStorageAccount bool) (core.Store, bool) {
	if requiresStorageAccount && s.Blob != nil {
		return s.Blob, true
	}
	return s.Shared, false
}

// Close releases client resources.
func (s *Stores) Close() error {
	return s.close()
}
