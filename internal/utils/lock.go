package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const writerLockSuffix = ".writer.lock"

// ErrWriterBusy is returned by Acquire when another linkwatch process kept
// the writer lock for the whole wait.
var ErrWriterBusy = errors.New("another linkwatch process holds the writer lock")

// WriterLock serializes linkwatch processes that mutate the same database
// file (track, verify, campaign actions, poll). Readers do not take it.
type WriterLock struct {
	lock *flock.Flock
	path string
}

// NewWriterLock returns the writer lock that sits beside dbPath.
func NewWriterLock(dbPath string) (*WriterLock, error) {
	absPath, err := ResolveDBPath(dbPath)
	if err != nil {
		return nil, fmt.Errorf("resolving db path: %w", err)
	}
	path := absPath + writerLockSuffix
	return &WriterLock{lock: flock.New(path), path: path}, nil
}

// Path is the lock file.
func (l *WriterLock) Path() string { return l.path }

// Acquire takes the lock. When another writer holds it, Acquire logs once
// and polls until the lock frees, ctx ends or wait elapses (wait <= 0 means
// no limit).
func (l *WriterLock) Acquire(ctx context.Context, wait time.Duration) error {
	locked, err := l.lock.TryLock()
	if err != nil {
		return fmt.Errorf("writer lock %s: %w", l.path, err)
	}
	if locked {
		return nil
	}
	Log.Warnf("Another linkwatch writer is running on this database, waiting for %s", l.path)
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	locked, err = l.lock.TryLockContext(ctx, 250*time.Millisecond)
	if locked {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w (%s): %v", ErrWriterBusy, l.path, ctxErr)
	}
	return fmt.Errorf("writer lock %s: %w", l.path, err)
}

// Release gives the lock up. Releasing a lock that is not held is a no-op.
func (l *WriterLock) Release() error {
	if !l.lock.Locked() {
		return nil
	}
	if err := l.lock.Unlock(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("releasing writer lock %s: %w", l.path, err)
	}
	return nil
}

// ResolveDBPath makes dbPath absolute; empty means the per-user default
// under ~/.config/linkwatch.
func ResolveDBPath(dbPath string) (string, error) {
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", "linkwatch", "linkwatch.sqlite"), nil
	}
	return filepath.Abs(dbPath)
}
