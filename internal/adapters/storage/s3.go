package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
)

// S3Options configures an S3Store.
type S3Options struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// S3Store is a VersionedStore on S3 or an S3-compatible service. ETags
// serve as versions; conditional writes use If-None-Match and If-Match.
type S3Store struct {
	bucket string
	prefix string
	client *s3.Client
}

// NewS3Store builds the client. Static credentials are used when given,
// otherwise the default AWS credential chain.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	loadOpts := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}

	cfg, err := awsConfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
		if opts.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return NewS3StoreWithClient(client, opts.Bucket, opts.Prefix), nil
}

// NewS3StoreWithClient wraps an existing client.
func NewS3StoreWithClient(client *s3.Client, bucket, prefix string) *S3Store {
	return &S3Store{bucket: bucket, prefix: strings.Trim(prefix, "/"), client: client}
}

func (s *S3Store) key(p string) string {
	return path.Join(s.prefix, strings.TrimPrefix(p, "/"))
}

func (s *S3Store) rel(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, s.prefix+"/")
}

// Read returns the object content.
func (s *S3Store) Read(ctx context.Context, p string) ([]byte, error) {
	data, _, err := s.ReadVersion(ctx, p)
	return data, err
}

// ReadVersion returns the content and ETag.
func (s *S3Store) ReadVersion(ctx context.Context, p string) ([]byte, string, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		return nil, "", s3Err(p, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", p, err)
	}
	return data, aws.ToString(resp.ETag), nil
}

// Write creates or replaces the object.
func (s *S3Store) Write(ctx context.Context, p string, data []byte) error {
	_, err := s.put(ctx, p, data, nil, nil)
	return err
}

// Create writes the object only if absent.
func (s *S3Store) Create(ctx context.Context, p string, data []byte) error {
	_, err := s.CreateVersion(ctx, p, data)
	return err
}

// CreateVersion writes the object only if absent and returns its ETag.
func (s *S3Store) CreateVersion(ctx context.Context, p string, data []byte) (string, error) {
	etag, err := s.put(ctx, p, data, aws.String("*"), nil)
	if errors.Is(err, core.ErrPreconditionFailed) {
		return "", fmt.Errorf("%s: %w", p, core.ErrObjectExists)
	}
	return etag, err
}

// ReplaceIfMatch overwrites the object when its ETag equals version.
func (s *S3Store) ReplaceIfMatch(ctx context.Context, p string, data []byte, version string) (string, error) {
	return s.put(ctx, p, data, nil, aws.String(version))
}

func (s *S3Store) put(ctx context.Context, p string, data []byte, ifNoneMatch, ifMatch *string) (string, error) {
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(p)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		IfNoneMatch:   ifNoneMatch,
		IfMatch:       ifMatch,
	})
	if err != nil {
		return "", s3Err(p, err)
	}
	return aws.ToString(out.ETag), nil
}

// DeleteIfMatch deletes the object when its ETag equals version.
func (s *S3Store) DeleteIfMatch(ctx context.Context, p, version string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:  aws.String(s.bucket),
		Key:     aws.String(s.key(p)),
		IfMatch: aws.String(version),
	})
	if err != nil {
		return s3Err(p, err)
	}
	return nil
}

// Open streams the object.
func (s *S3Store) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		return nil, s3Err(p, err)
	}
	return resp.Body, nil
}

// Upload streams r into the object. Seekable readers are sent directly;
// anything else is buffered to learn its length.
func (s *S3Store) Upload(ctx context.Context, p string, r io.Reader) (int64, error) {
	rs, ok := r.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(r)
		if err != nil {
			return 0, fmt.Errorf("buffering %s: %w", p, err)
		}
		rs = bytes.NewReader(data)
	}
	start, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	end, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := rs.Seek(start, io.SeekStart); err != nil {
		return 0, err
	}
	size := end - start

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(p)),
		Body:          rs,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return 0, s3Err(p, err)
	}
	return size, nil
}

// Delete removes the object. S3 treats missing keys as success.
func (s *S3Store) Delete(ctx context.Context, p string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		mapped := s3Err(p, err)
		if errors.Is(mapped, core.ErrObjectNotFound) {
			return nil
		}
		return mapped
	}
	return nil
}

// Move copies src to dst then deletes src.
func (s *S3Store) Move(ctx context.Context, src, dst string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(s.key(dst)),
		CopySource: aws.String(s.bucket + "/" + escapeKey(s.key(src))),
	})
	if err != nil {
		return s3Err(src, err)
	}
	return s.Delete(ctx, src)
}

// List pages through every object below prefix.
func (s *S3Store) List(ctx context.Context, prefix string) ([]core.ObjectInfo, error) {
	keyPrefix := s.key(prefix)
	if keyPrefix != "" && keyPrefix != "." {
		keyPrefix += "/"
	} else {
		keyPrefix = ""
	}

	var out []core.ObjectInfo
	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(keyPrefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, s3Err(prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, core.ObjectInfo{
				Path:    s.rel(aws.ToString(obj.Key)),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified).UTC(),
			})
		}
	}
	return out, nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// s3Err maps S3 failures onto the storage sentinels.
func s3Err(p string, err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%s: %w", p, core.ErrObjectNotFound)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%s: %w", p, core.ErrObjectNotFound)
		case "PreconditionFailed", "ConditionalRequestConflict":
			return fmt.Errorf("%s: %w", p, core.ErrPreconditionFailed)
		case "NotImplemented":
			return fmt.Errorf("%s: %w", p, core.ErrVersioningRequired)
		}
	}

	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusPreconditionFailed {
		return fmt.Errorf("%s: %w", p, core.ErrPreconditionFailed)
	}
	return fmt.Errorf("%s: %w", p, err)
}

var _ core.VersionedStore = (*S3Store)(nil)
