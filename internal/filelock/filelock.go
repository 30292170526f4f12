// Package filelock guards workspace-wide operations across processes and
// writes files atomically.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLocked is returned by TryAcquire when another process holds the lock.
var ErrLocked = errors.New("lock is held by another process")

const retryDelay = 100 * time.Millisecond

// Lock is an exclusive advisory lock backed by a lock file.
type Lock struct {
	flock *flock.Flock
	path  string
}

// New creates a lock for path. The file and its parent directory are
// created on first acquisition.
func New(path string) *Lock {
	return &Lock{
		flock: flock.New(path),
		path:  path,
	}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Acquire blocks until the lock is held or ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	ok, err := l.flock.TryLockContext(ctx, retryDelay)
	if err != nil {
		return fmt.Errorf("acquiring lock %s: %w", l.path, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", l.path, ErrLocked)
	}
	return nil
}

// TryAcquire takes the lock without blocking. It returns ErrLocked when
// another holder has it.
func (l *Lock) TryAcquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	ok, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock %s: %w", l.path, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", l.path, ErrLocked)
	}
	return nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("releasing lock %s: %w", l.path, err)
	}
	return nil
}

// AtomicWrite writes data to path through a temp file in the same
// directory followed by a rename, so readers never observe a partial file.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file to %s: %w", path, err)
	}
	committed = true
	return nil
}
