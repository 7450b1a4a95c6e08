// Package fsutil holds the atomic file primitives shared by the cache,
// manifest writer, publisher and self-update bootstrap.
package fsutil

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
)

const tempPattern = ".patchkit-tmp-*"

// WriteFile atomically replaces path with data. The content is written to a
// temporary file in the same directory and renamed over the destination.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	return WriteFrom(path, bytes.NewReader(data), perm)
}

// CopyFile atomically copies src to dst, preserving the source permissions
// and creating parent directories of dst as needed.
func CopyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return err
	}

	return WriteFrom(dst, srcFile, srcInfo.Mode().Perm())
}

// WriteFrom atomically replaces path with everything read from r, creating
// parent directories as needed.
func WriteFrom(path string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmpFile, err := CreateTemp(path)
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := io.Copy(tmpFile, r); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// CreateTemp creates a temporary file next to path so a later rename onto
// path stays on one filesystem.
func CreateTemp(path string) (*os.File, error) {
	return os.CreateTemp(filepath.Dir(path), tempPattern)
}

// Exists reports whether path exists. Errors other than "not exist" count as
// existing so callers never overwrite something they could not inspect.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !os.IsNotExist(err)
}
