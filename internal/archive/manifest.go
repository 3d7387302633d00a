package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zeebo/blake3"

	"github.com/nekroai/na-tools/internal/errdefs"
)

// DefaultReadRetries is how many times a transient read failure is
// retried during backup before it surfaces as errdefs.ErrIOFailure.
const DefaultReadRetries = 3

// openFile is replaced in tests to inject read failures.
var openFile = func(path string) (io.ReadCloser, error) { return os.Open(path) }

// hashFile returns the BLAKE3-256 digest and length of the file at path.
func hashFile(path string) ([]byte, int64, error) {
	f, err := openFile(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return nil, 0, err
	}
	return h.Sum(nil), n, nil
}

// permanentReadError reports whether a read failure will not go away on
// retry.
func permanentReadError(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, syscall.EISDIR)
}

func readBackOff(ctx context.Context, retries int) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = time.Second
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// withReadRetry runs op, retrying transient failures up to retries times.
func withReadRetry(ctx context.Context, logger *slog.Logger, retries int, what string, op func() error) error {
	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err != nil && permanentReadError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("transient read failure, retrying", "path", what, "attempt", attempt, "retry_in", next, "error", err)
	}
	return backoff.RetryNotify(wrapped, readBackOff(ctx, retries), notify)
}

type walkOptions struct {
	retries int
	logger  *slog.Logger
	// exclude lists absolute paths skipped along with everything below them.
	exclude []string
}

// buildManifest walks root and returns one entry per directory, regular
// file and symlink, sorted by path. Sockets, devices and pipes are
// skipped.
func buildManifest(ctx context.Context, root string, opts walkOptions) ([]Entry, error) {
	var entries []Entry

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return errdefs.IOFailure("walk "+path, walkErr)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return nil
		}
		for _, ex := range opts.exclude {
			if path == ex {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		if isPartial(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := os.Lstat(path)
		if err != nil {
			return errdefs.IOFailure("stat "+path, err)
		}

		entry := Entry{
			Path:    filepath.ToSlash(rel),
			Mode:    unixMode(info.Mode()),
			ModTime: info.ModTime().UnixNano(),
		}
		entry.UID, entry.GID = owner(info)

		switch {
		case info.Mode().IsDir():
			entry.Type = TypeDir
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return errdefs.IOFailure("readlink "+path, err)
			}
			entry.Type = TypeSymlink
			entry.Target = target
		case info.Mode().IsRegular():
			entry.Type = TypeFile
			err := withReadRetry(ctx, opts.logger, opts.retries, path, func() error {
				digest, n, err := hashFile(path)
				if err != nil {
					return err
				}
				entry.Digest, entry.Size = digest, n
				return nil
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errdefs.IOFailure("read "+path, err)
			}
		default:
			opts.logger.Warn("skipping special file", "path", path, "mode", info.Mode().String())
			return nil
		}

		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	// WalkDir is lexical per directory, not by full slash path.
	sortEntries(entries)
	return entries, nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
}

// verifyDigest compares a restored or re-read file against its manifest
// entry.
func verifyDigest(e Entry, digest []byte, size int64) error {
	if size != e.Size {
		return fmt.Errorf("%s: size %d, manifest says %d", e.Path, size, e.Size)
	}
	if !bytes.Equal(digest, e.Digest) {
		return fmt.Errorf("%s: content digest does not match manifest", e.Path)
	}
	return nil
}

// unixMode converts to the classic permission bits stored in manifests and
// tar headers.
func unixMode(m fs.FileMode) uint32 {
	bits := uint32(m.Perm())
	if m&fs.ModeSetuid != 0 {
		bits |= 0o4000
	}
	if m&fs.ModeSetgid != 0 {
		bits |= 0o2000
	}
	if m&fs.ModeSticky != 0 {
		bits |= 0o1000
	}
	return bits
}

// fileMode is the inverse of unixMode.
func fileMode(bits uint32) fs.FileMode {
	m := fs.FileMode(bits & 0o777)
	if bits&0o4000 != 0 {
		m |= fs.ModeSetuid
	}
	if bits&0o2000 != 0 {
		m |= fs.ModeSetgid
	}
	if bits&0o1000 != 0 {
		m |= fs.ModeSticky
	}
	return m
}
