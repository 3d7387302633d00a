// Package filelock provides the advisory exclusive lock that serializes
// writes to na-tools state across processes.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"github.com/nekroai/na-tools/internal/errdefs"
)

// PollInterval is the delay between acquisition attempts.
const PollInterval = 50 * time.Millisecond

var errHeld = errors.New("lock held by another process")

// Lock is an acquired flock(2) on a lock file. A Lock is not safe for
// concurrent use.
type Lock struct {
	path string
	file *os.File
}

// Acquire takes an exclusive lock on path, creating the file and its
// parent directory if needed. It polls until timeout elapses and then
// fails with errdefs.ErrConcurrentModification.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errdefs.IOFailure("create lock directory", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errdefs.IOFailure("open lock file", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempt := func() error {
		err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return errHeld
		}
		return backoff.Permanent(errdefs.IOFailure("flock "+path, err))
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(PollInterval), waitCtx)
	if err := backoff.Retry(attempt, b); err != nil {
		file.Close()
		if errors.Is(err, errdefs.ErrIOFailure) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s is locked by another na-tools process (waited %s)",
			errdefs.ErrConcurrentModification, path, timeout)
	}

	// pid is informational only
	_ = file.Truncate(0)
	_, _ = fmt.Fprintf(file, "pid=%d\n", os.Getpid())

	return &Lock{path: path, file: file}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock. It is safe to call more than once. The lock
// file itself is left in place so that a concurrent waiter never ends up
// holding a lock on an unlinked inode.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}
