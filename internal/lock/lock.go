// Package lock provides named, system-wide exclusive locks backed by lock
// files. The kernel drops a lock when its holder exits, so a lock left by a
// crashed process is immediately available again.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrUnavailable is returned when a lock is held by another live process for
// longer than the acquisition timeout
var ErrUnavailable = errors.New("lock held by another process")

// Well-known lock names
const (
	InstanceName   = "patchkit-instance"
	SelfUpdateName = "patchkit-selfupdate"
)

// DefaultTimeout bounds how long Acquire waits for a held lock
const DefaultTimeout = 3 * time.Second

const retryDelay = 50 * time.Millisecond

// Lock is one named lock. It is not safe for concurrent use.
type Lock struct {
	name string
	fl   *flock.Flock
}

// New returns the lock called name inside dir. An empty dir selects the
// default lock directory.
func New(dir, name string) *Lock {
	if dir == "" {
		dir = DefaultDir()
	}
	return &Lock{
		name: name,
		fl:   flock.New(filepath.Join(dir, name+".lock")),
	}
}

// DefaultDir prefers $XDG_RUNTIME_DIR (per-user tmpfs) and falls back to
// os.TempDir()
func DefaultDir() string {
	return defaultDirWith(os.Getenv)
}

// defaultDirWith resolves the lock directory using the provided getenv function
func defaultDirWith(getenv func(string) string) string {
	if dir := getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}

// Name returns the lock name
func (l *Lock) Name() string { return l.name }

// Path returns the lock file path
func (l *Lock) Path() string { return l.fl.Path() }

// Held reports whether this handle currently owns the lock
func (l *Lock) Held() bool { return l.fl.Locked() }

// Acquire takes the lock, waiting at most timeout for another holder to
// release it. A zero timeout tries exactly once.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) error {
	if err := os.MkdirAll(filepath.Dir(l.fl.Path()), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	var (
		ok  bool
		err error
	)
	if timeout <= 0 {
		ok, err = l.fl.TryLock()
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		ok, err = l.fl.TryLockContext(waitCtx, retryDelay)
		if err != nil && waitCtx.Err() != nil && ctx.Err() == nil {
			// Timed out waiting for a live holder
			err = nil
		}
	}

	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", l.name, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnavailable, l.name)
	}
	return nil
}

// Release gives up the lock. Releasing an unheld lock is a no-op.
func (l *Lock) Release() error {
	if !l.fl.Locked() {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.name, err)
	}
	return nil
}
