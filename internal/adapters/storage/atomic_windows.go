//go:build windows

package storage

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
)

// atomicWriteFile uses write-then-rename since renameio does not support
// Windows.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	_, err := atomicWriteStream(path, bytes.NewReader(data), perm)
	return err
}

func atomicWriteStream(path string, r io.Reader, perm os.FileMode) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, r)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmpPath, perm)
	}
	if err == nil {
		err = os.Rename(tmpPath, path)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return n, err
	}
	return n, nil
}
