//go:build linux

package archive

import (
	"errors"

	"golang.org/x/sys/unix"
)

// exchange atomically swaps two directory entries with
// renameat2(RENAME_EXCHANGE). It reports false without error when the
// kernel or filesystem does not support the flag.
func exchange(a, b string) (bool, error) {
	err := unix.Renameat2(unix.AT_FDCWD, a, unix.AT_FDCWD, b, unix.RENAME_EXCHANGE)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOSYS), errors.Is(err, unix.ENOTSUP):
		return false, nil
	default:
		return false, err
	}
}
