package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
)

// GCSOptions configures a GCSStore.
type GCSOptions struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	Endpoint        string
}

// GCSStore is a VersionedStore on Google Cloud Storage. Object generations
// serve as versions.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSStore builds the client. Without a credentials file the default
// application credentials are used; an explicit endpoint without
// credentials targets an emulator.
func NewGCSStore(ctx context.Context, opts GCSOptions) (*GCSStore, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
		if opts.CredentialsFile == "" {
			clientOpts = append(clientOpts, option.WithoutAuthentication())
		}
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSStore{
		client: client,
		bucket: client.Bucket(opts.Bucket),
		prefix: strings.Trim(opts.Prefix, "/"),
	}, nil
}

// Close releases the client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) object(p string) *storage.ObjectHandle {
	return s.bucket.Object(path.Join(s.prefix, strings.TrimPrefix(p, "/")))
}

// Read returns the object content.
func (s *GCSStore) Read(ctx context.Context, p string) ([]byte, error) {
	data, _, err := s.ReadVersion(ctx, p)
	return data, err
}

// ReadVersion returns the content and generation.
func (s *GCSStore) ReadVersion(ctx context.Context, p string) ([]byte, string, error) {
	r, err := s.object(p).NewReader(ctx)
	if err != nil {
		return nil, "", gcsErr(p, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", p, err)
	}
	return data, strconv.FormatInt(r.Attrs.Generation, 10), nil
}

// Write creates or replaces the object.
func (s *GCSStore) Write(ctx context.Context, p string, data []byte) error {
	_, err := s.write(ctx, s.object(p), p, data)
	return err
}

// Create writes the object only if absent.
func (s *GCSStore) Create(ctx context.Context, p string, data []byte) error {
	_, err := s.CreateVersion(ctx, p, data)
	return err
}

// CreateVersion writes the object only if absent and returns its generation.
func (s *GCSStore) CreateVersion(ctx context.Context, p string, data []byte) (string, error) {
	gen, err := s.write(ctx, s.object(p).If(storage.Conditions{DoesNotExist: true}), p, data)
	if errors.Is(err, core.ErrPreconditionFailed) {
		return "", fmt.Errorf("%s: %w", p, core.ErrObjectExists)
	}
	return gen, err
}

// ReplaceIfMatch overwrites the object when its generation equals version.
func (s *GCSStore) ReplaceIfMatch(ctx context.Context, p string, data []byte, version string) (string, error) {
	gen, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%s: bad generation %q: %w", p, version, core.ErrPreconditionFailed)
	}
	return s.write(ctx, s.object(p).If(storage.Conditions{GenerationMatch: gen}), p, data)
}

func (s *GCSStore) write(ctx context.Context, obj *storage.ObjectHandle, p string, data []byte) (string, error) {
	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", gcsErr(p, err)
	}
	if err := w.Close(); err != nil {
		return "", gcsErr(p, err)
	}
	return strconv.FormatInt(w.Attrs().Generation, 10), nil
}

// DeleteIfMatch deletes the object when its generation equals version.
func (s *GCSStore) DeleteIfMatch(ctx context.Context, p, version string) error {
	gen, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: bad generation %q: %w", p, version, core.ErrPreconditionFailed)
	}
	if err := s.object(p).If(storage.Conditions{GenerationMatch: gen}).Delete(ctx); err != nil {
		return gcsErr(p, err)
	}
	return nil
}

// Open streams the object.
func (s *GCSStore) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	r, err := s.object(p).NewReader(ctx)
	if err != nil {
		return nil, gcsErr(p, err)
	}
	return r, nil
}

// Upload streams r into the object.
func (s *GCSStore) Upload(ctx context.Context, p string, r io.Reader) (int64, error) {
	w := s.object(p).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	n, err := io.Copy(w, r)
	if err != nil {
		_ = w.Close()
		return n, fmt.Errorf("failed to copy to GCS object %s: %w", p, err)
	}
	if err := w.Close(); err != nil {
		return n, gcsErr(p, err)
	}
	return n, nil
}

// Delete removes the object; missing objects are ignored.
func (s *GCSStore) Delete(ctx context.Context, p string) error {
	err := s.object(p).Delete(ctx)
	if err == nil || errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return gcsErr(p, err)
}

// Move copies src to dst server-side then deletes src.
func (s *GCSStore) Move(ctx context.Context, src, dst string) error {
	if _, err := s.object(dst).CopierFrom(s.object(src)).Run(ctx); err != nil {
		return gcsErr(src, err)
	}
	return s.Delete(ctx, src)
}

// List iterates every object below prefix.
func (s *GCSStore) List(ctx context.Context, prefix string) ([]core.ObjectInfo, error) {
	query := &storage.Query{}
	if full := path.Join(s.prefix, strings.Trim(prefix, "/")); full != "" && full != "." {
		query.Prefix = full + "/"
	}

	var out []core.ObjectInfo
	it := s.bucket.Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, gcsErr(prefix, err)
		}
		name := attrs.Name
		if s.prefix != "" {
			name = strings.TrimPrefix(name, s.prefix+"/")
		}
		out = append(out, core.ObjectInfo{Path: name, Size: attrs.Size, ModTime: attrs.Updated.UTC()})
	}
	return out, nil
}

func gcsErr(p string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%s: %w", p, core.ErrObjectNotFound)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusPreconditionFailed:
			return fmt.Errorf("%s: %w", p, core.ErrPreconditionFailed)
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w", p, core.ErrObjectNotFound)
		}
	}
	return fmt.Errorf("%s: %w", p, err)
}

var _ core.VersionedStore = (*GCSStore)(nil)
