package guard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
	"k8s.io/apimachinery/pkg/util/wait"
)

const lockPollInterval = 100 * time.Millisecond

// Locker serializes guard sessions on one host.
type Locker interface {
	// TryLock acquires the lock or fails immediately with ErrSessionLocked.
	TryLock() (unlock func(), err error)
	// Lock waits for the lock until ctx is done.
	Lock(ctx context.Context) (unlock func(), err error)
}

// FileLocker is an advisory flock(2) lock on a file. The kernel releases it
// if the process dies.
type FileLocker struct {
	path string
}

// NewFileLocker creates a FileLocker on path.
func NewFileLocker(path string) *FileLocker {
	return &FileLocker{path: path}
}

// TryLock implements Locker.
func (l *FileLocker) TryLock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrSessionLocked, l.path)
		}
		return nil, fmt.Errorf("locking %s: %w", l.path, err)
	}

	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

// Lock implements Locker.
func (l *FileLocker) Lock(ctx context.Context) (func(), error) {
	var unlock func()
	var lastErr error

	err := wait.PollUntilContextCancel(ctx, lockPollInterval, true, func(context.Context) (bool, error) {
		u, err := l.TryLock()
		if err == nil {
			unlock = u
			return true, nil
		}
		if errors.Is(err, ErrSessionLocked) {
			lastErr = err
			return false, nil
		}
		return false, err
	})
	if err != nil {
		if lastErr != nil && ctx.Err() != nil {
			return nil, lastErr
		}
		return nil, err
	}

	return unlock, nil
}

// nopLocker never contends.
type nopLocker struct{}

func (nopLocker) TryLock() (func(), error) { return func() {}, nil }

func (nopLocker) Lock(context.Context) (func(), error) { return func() {}, nil }
