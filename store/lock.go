package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// WriteLock is a cross-process advisory lock over a chunk store's data
// directory. SQLite's own WAL locking keeps one process's writers safe;
// this guards against two separate codesearch processes racing to
// re-chunk the same project at once, which would otherwise interleave a
// delete-then-insert from one process with another's.
type WriteLock struct {
	path  string
	flock *flock.Flock
}

// NewWriteLock returns a lock over <dataDir>/.write.lock. The lock file
// itself carries no data; only its existence as a lockable handle matters.
func NewWriteLock(dataDir string) *WriteLock {
	path := filepath.Join(dataDir, ".write.lock")
	return &WriteLock{path: path, flock: flock.New(path)}
}

// Lock blocks until the lock is acquired, creating the data directory if
// needed.
func (l *WriteLock) Lock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	if err := l.flock.Lock(); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	return nil
}

// TryLock attempts to acquire the lock without blocking.
func (l *WriteLock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("create lock directory: %w", err)
	}
	ok, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquire write lock: %w", err)
	}
	return ok, nil
}

// Unlock releases the lock. Safe to call when not held.
func (l *WriteLock) Unlock() error {
	if !l.flock.Locked() {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("release write lock: %w", err)
	}
	return nil
}
