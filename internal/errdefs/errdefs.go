// Package errdefs defines the error kinds shared by the registry and the
// backup engine, and the user-facing message for each of them.
//
// Kinds are sentinel errors. Callers wrap them with fmt.Errorf("...: %w")
// and test for them with errors.Is, so every layer can add context
// without losing the kind.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that no registered instance matches an identifier.
	ErrNotFound = errors.New("instance not found")

	// ErrDuplicatePath indicates that a path is already registered.
	ErrDuplicatePath = errors.New("path already registered")

	// ErrNoActiveInstance indicates that no instance is active.
	ErrNoActiveInstance = errors.New("no active instance")

	// ErrStaleActiveInstance indicates that the active pointer refers to an
	// instance that no longer exists in the registry or on disk.
	ErrStaleActiveInstance = errors.New("active instance is stale")

	// ErrInstanceUnreachable indicates that an instance's directory is missing.
	ErrInstanceUnreachable = errors.New("instance directory unreachable")

	// ErrIOFailure indicates a read or write failure on local storage.
	ErrIOFailure = errors.New("i/o failure")

	// ErrInsufficientSpace indicates that the target filesystem is too full.
	ErrInsufficientSpace = errors.New("insufficient disk space")

	// ErrIncompatibleFormat indicates an archive written by an unsupported format version.
	ErrIncompatibleFormat = errors.New("incompatible archive format")

	// ErrCorruptArchive indicates an archive whose content does not match its checksum.
	ErrCorruptArchive = errors.New("corrupt archive")

	// ErrConcurrentModification indicates that another invocation holds the state lock.
	ErrConcurrentModification = errors.New("concurrent modification")
)

// kinds lists every sentinel in match order.
var kinds = []error{
	ErrNotFound,
	ErrDuplicatePath,
	ErrNoActiveInstance,
	ErrStaleActiveInstance,
	ErrInstanceUnreachable,
	ErrIOFailure,
	ErrInsufficientSpace,
	ErrIncompatibleFormat,
	ErrCorruptArchive,
	ErrConcurrentModification,
}

// Kind returns the sentinel wrapped by err, or nil if err carries none.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// IsIntegrity reports whether err is a data-integrity error. These are
// never retried and never recovered from.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrCorruptArchive) || errors.Is(err, ErrIncompatibleFormat)
}

// IOFailure wraps cause as an ErrIOFailure with the operation that failed.
func IOFailure(op string, cause error) error {
	return fmt.Errorf("%w: %s: %v", ErrIOFailure, op, cause)
}

// Corrupt wraps an ErrCorruptArchive with a reason.
func Corrupt(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptArchive, fmt.Sprintf(format, a...))
}
