package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/schaermu/patchkit/internal/digest"
	"github.com/schaermu/patchkit/internal/fetch"
	"github.com/schaermu/patchkit/internal/fsutil"
)

// FileEntry is one file's expected remote state and its location in a local
// tree. The remote fields are fixed once the entry is loaded; local state is
// read from disk on every call.
type FileEntry struct {
	RemoteFileName string // slash-separated path relative to the tree root
	RemoteURL      string
	RemoteSize     int64
	RemoteHash     string

	LocalFilePath string

	algorithm digest.Algorithm
	deps      Deps
	staged    bool
}

// LocalSize returns the size of the local file
func (e *FileEntry) LocalSize() (int64, error) {
	info, err := os.Stat(e.LocalFilePath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// LocalHash returns the digest of the local file, consulting the hash cache
// when the entry is bound to one
func (e *FileEntry) LocalHash() (string, error) {
	if e.deps.Cache != nil {
		return e.deps.Cache.Hash(e.LocalFilePath, e.alg())
	}
	return e.alg().File(e.LocalFilePath)
}

// CheckUpdate reports whether the local file diverges from the remote state.
// A missing file diverges. A size difference diverges without hashing.
func (e *FileEntry) CheckUpdate() (bool, error) {
	if e.LocalFilePath == "" {
		return false, fmt.Errorf("entry %s is not bound to a local tree", e.RemoteFileName)
	}

	info, err := os.Stat(e.LocalFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, &IOError{Op: "stat", Path: e.LocalFilePath, Err: err}
	}

	if !info.Mode().IsRegular() || info.Size() != e.RemoteSize {
		return true, nil
	}

	sum, err := e.LocalHash()
	if err != nil {
		return false, &IOError{Op: "hash", Path: e.LocalFilePath, Err: err}
	}

	return !digest.Equal(sum, e.RemoteHash), nil
}

// ApplyUpdate downloads RemoteURL and atomically replaces the local file with
// it. The download is verified against RemoteSize and RemoteHash before the
// rename, so a failed or mismatched transfer leaves the old file in place.
func (e *FileEntry) ApplyUpdate(ctx context.Context) error {
	if e.LocalFilePath == "" {
		return fmt.Errorf("entry %s is not bound to a local tree", e.RemoteFileName)
	}
	if e.deps.Fetcher == nil {
		return fmt.Errorf("entry %s has no fetcher", e.RemoteFileName)
	}

	dst := e.LocalFilePath
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return &IOError{Op: "create directory for", Path: dst, Err: err}
	}

	rc, err := e.deps.Fetcher.Fetch(ctx, e.RemoteURL)
	if err != nil {
		return err
	}
	defer func() {
		_ = rc.Close()
	}()

	tmpFile, err := fsutil.CreateTemp(dst)
	if err != nil {
		return &IOError{Op: "create temp file for", Path: dst, Err: err}
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	h := e.alg().New()
	src := &trackingReader{r: rc}
	n, err := io.Copy(io.MultiWriter(tmpFile, h), src)
	if err != nil {
		_ = tmpFile.Close()
		if src.err != nil {
			return &fetch.Error{Source: e.RemoteURL, Err: err}
		}
		return &IOError{Op: "write", Path: tmpPath, Err: err}
	}

	if n != e.RemoteSize {
		_ = tmpFile.Close()
		return &fetch.Error{
			Source: e.RemoteURL,
			Err:    fmt.Errorf("%w: got %d bytes, want %d", ErrContentMismatch, n, e.RemoteSize),
		}
	}
	sum := digest.Sum(h)
	if !digest.Equal(sum, e.RemoteHash) {
		_ = tmpFile.Close()
		return &fetch.Error{
			Source: e.RemoteURL,
			Err:    fmt.Errorf("%w: %s digest %s, want %s", ErrContentMismatch, e.alg(), sum, e.RemoteHash),
		}
	}

	mode := os.FileMode(0644)
	if info, err := os.Stat(dst); err == nil && info.Mode().IsRegular() {
		mode = info.Mode().Perm()
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return &IOError{Op: "chmod", Path: tmpPath, Err: err}
	}

	if err := tmpFile.Close(); err != nil {
		return &IOError{Op: "close", Path: tmpPath, Err: err}
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return &IOError{Op: "replace", Path: dst, Err: err}
	}

	if e.deps.Cache != nil {
		if info, err := os.Stat(dst); err == nil {
			e.deps.Cache.Put(dst, info, e.alg(), sum)
		}
	}

	e.deps.Logger.Debug("file updated",
		"path", dst,
		"remote_size", e.RemoteSize)

	return nil
}

// StageTo copies the local file into folder under its RemoteFileName and
// finalizes RemoteURL by appending the escaped name to the seeded
// distribution URL
func (e *FileEntry) StageTo(folder string) error {
	dst := filepath.Join(folder, filepath.FromSlash(e.RemoteFileName))
	if err := fsutil.CopyFile(e.LocalFilePath, dst); err != nil {
		return &IOError{Op: "stage", Path: dst, Err: err}
	}

	if !e.staged {
		e.RemoteURL = fetch.JoinURL(e.RemoteURL, e.RemoteFileName)
		e.staged = true
	}
	return nil
}

func (e *FileEntry) alg() digest.Algorithm {
	if e.algorithm == "" {
		return digest.Default
	}
	return e.algorithm
}

// trackingReader remembers the last read error so copy failures can be
// attributed to the transfer rather than the local write
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		t.err = err
	}
	return n, err
}
