//go:build !windows

package storage

import (
	"io"
	"os"

	"github.com/google/renameio/v2"
)

// atomicWriteFile replaces path with data in one rename.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	return renameio.WriteFile(path, data, perm)
}

// atomicWriteStream copies r into a pending file next to path and renames
// it into place once fully written.
func atomicWriteStream(path string, r io.Reader, perm os.FileMode) (int64, error) {
	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(perm))
	if err != nil {
		return 0, err
	}
	defer func() { _ = pf.Cleanup() }()

	n, err := io.Copy(pf, r)
	if err != nil {
		return n, err
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return n, err
	}
	return n, nil
}
