// Package storage implements the shared store backends: a file share
// (local disk, NFS or SMB mount) and S3 or GCS object stores.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// FileStore maps logical paths onto a directory tree, typically a network
// share mounted on every instance.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root: %w", err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	return &FileStore{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *FileStore) Root() string { return s.root }

// LocalPath maps a logical path to its file. Paths escaping the root are
// rejected.
func (s *FileStore) LocalPath(p string) (string, error) {
	clean := path.Clean("/" + strings.ReplaceAll(p, `\`, "/"))
	if clean == "/" {
		return "", core.ErrValidation("INVALID_PATH", fmt.Sprintf("empty storage path %q", p))
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

// Read returns the file content.
func (s *FileStore) Read(_ context.Context, p string) ([]byte, error) {
	fp, err := s.LocalPath(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fp)
	if err != nil {
		return nil, mapErr(p, err)
	}
	return data, nil
}

// Write atomically creates or replaces the file.
func (s *FileStore) Write(_ context.Context, p string, data []byte) error {
	fp, err := s.LocalPath(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fp), dirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", p, err)
	}
	if err := atomicWriteFile(fp, data, filePerm); err != nil {
		return fmt.Errorf("writing %s: %w", p, err)
	}
	return nil
}

// Create writes the file only if it does not exist. The content is staged
// in a temp file and hard-linked into place so readers never observe a
// partial document. Shares without hard-link support fall back to an
// exclusive open.
func (s *FileStore) Create(_ context.Context, p string, data []byte) error {
	fp, err := s.LocalPath(p)
	if err != nil {
		return err
	}
	dir := filepath.Dir(fp)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", p, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(fp)+".*.tmp")
	if err != nil {
		return fmt.Errorf("staging %s: %w", p, err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("staging %s: %w", p, err)
	}

	linkErr := os.Link(tmpPath, fp)
	if linkErr == nil {
		return nil
	}
	if errors.Is(linkErr, fs.ErrExist) {
		return fmt.Errorf("%s: %w", p, core.ErrObjectExists)
	}

	f, err := os.OpenFile(fp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		return mapErr(p, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(fp)
		return fmt.Errorf("writing %s: %w", p, err)
	}
	return f.Close()
}

// Open streams the file.
func (s *FileStore) Open(_ context.Context, p string) (io.ReadCloser, error) {
	fp, err := s.LocalPath(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fp)
	if err != nil {
		return nil, mapErr(p, err)
	}
	return f, nil
}

// Upload streams r into the file atomically.
func (s *FileStore) Upload(_ context.Context, p string, r io.Reader) (int64, error) {
	fp, err := s.LocalPath(p)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(fp), dirPerm); err != nil {
		return 0, fmt.Errorf("creating directory for %s: %w", p, err)
	}
	n, err := atomicWriteStream(fp, r, filePerm)
	if err != nil {
		return n, fmt.Errorf("uploading %s: %w", p, err)
	}
	return n, nil
}

// Delete removes the file and prunes parent directories left empty.
func (s *FileStore) Delete(_ context.Context, p string) error {
	fp, err := s.LocalPath(p)
	if err != nil {
		return err
	}
	if err := os.Remove(fp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting %s: %w", p, err)
	}
	s.prune(filepath.Dir(fp))
	return nil
}

// Move renames src to dst, replacing dst.
func (s *FileStore) Move(_ context.Context, src, dst string) error {
	from, err := s.LocalPath(src)
	if err != nil {
		return err
	}
	to, err := s.LocalPath(dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(to), dirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", dst, err)
	}
	if err := os.Rename(from, to); err != nil {
		return mapErr(src, err)
	}
	s.prune(filepath.Dir(from))
	return nil
}

// List walks every regular file below prefix. Dotfiles are staging
// artifacts and are skipped.
func (s *FileStore) List(ctx context.Context, prefix string) ([]core.ObjectInfo, error) {
	base := s.root
	if strings.Trim(prefix, "/") != "" {
		var err error
		if base, err = s.LocalPath(prefix); err != nil {
			return nil, err
		}
	}

	var out []core.ObjectInfo
	err := filepath.WalkDir(base, func(fp string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(s.root, fp)
		if err != nil {
			return err
		}
		out = append(out, core.ObjectInfo{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// prune removes empty directories from dir upwards. Top-level layout
// directories are kept so watchers on them stay valid.
func (s *FileStore) prune(dir string) {
	for filepath.Dir(dir) != s.root && strings.HasPrefix(dir, s.root+string(filepath.Separator)) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func mapErr(p string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s: %w", p, core.ErrObjectNotFound)
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%s: %w", p, core.ErrObjectExists)
	default:
		return fmt.Errorf("%s: %w", p, err)
	}
}

var _ core.Store = (*FileStore)(nil)
