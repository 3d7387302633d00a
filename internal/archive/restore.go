package archive

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/nekroai/na-tools/internal/atomicfile"
	"github.com/nekroai/na-tools/internal/errdefs"
	"github.com/nekroai/na-tools/internal/filelock"
	"github.com/nekroai/na-tools/internal/logging"
)

var (
	// ErrPassphraseRequired is returned for an encrypted archive when no
	// passphrase was given.
	ErrPassphraseRequired = errors.New("archive is encrypted, a passphrase is required")

	// ErrWrongPassphrase is returned when the passphrase does not decrypt
	// the archive.
	ErrWrongPassphrase = errors.New("passphrase does not match archive")
)

// RestoreOptions controls Restore.
type RestoreOptions struct {
	Passphrase  string
	LockTimeout time.Duration
	Logger      *slog.Logger

	// Preserve lists paths inside target that survive the restore, such
	// as a backup directory kept in the instance. Paths outside target
	// and paths that do not exist are ignored.
	Preserve []string

	// beforeCommit runs after staging is complete and verified, right
	// before the swap. Tests use it to simulate a crash.
	beforeCommit func() error
}

// Restored is the result of Restore.
type Restored struct {
	Archive
	// Leftover is the hidden directory still holding the previous tree
	// when it could not be removed after the swap.
	Leftover string
}

// Restore replaces the directory target with the contents of the archive
// at archivePath.
//
// The archive is checked before the target is touched: the format
// version must be supported (errdefs.ErrIncompatibleFormat) and the
// checksum must match (errdefs.ErrCorruptArchive). The payload is then
// extracted into a staging directory beside target and every file is
// verified against the manifest. Only then is staging swapped with
// target and the previous tree removed. On any failure target is left
// exactly as it was and staging is removed.
func Restore(ctx context.Context, archivePath, target string, opts RestoreOptions) (Restored, error) {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	logger := logging.OrDiscard(opts.Logger).With("archive", archivePath, "target", target)

	target, err := filepath.Abs(target)
	if err != nil {
		return Restored{}, fmt.Errorf("failed to resolve %s: %w", target, err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return Restored{}, errdefs.IOFailure("open archive", err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return Restored{}, errdefs.IOFailure("stat archive", err)
	}

	header, version, payloadStart, err := readPreamble(bufio.NewReader(io.NewSectionReader(f, 0, stat.Size())), stat.Size())
	if err != nil {
		return Restored{}, err
	}
	sum, err := verifyChecksum(f, stat.Size())
	if err != nil {
		return Restored{}, err
	}
	logger.Debug("archive verified", "id", header.ID, "files", len(header.Manifest))

	if header.Encrypted && opts.Passphrase == "" {
		return Restored{}, ErrPassphraseRequired
	}
	index, err := indexManifest(header.Manifest)
	if err != nil {
		return Restored{}, err
	}

	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return Restored{}, errdefs.IOFailure("create parent directory", err)
	}
	if info, err := os.Stat(target); err == nil && !info.IsDir() {
		return Restored{}, errdefs.IOFailure("restore target", fmt.Errorf("%s is not a directory", target))
	}

	lock, err := filelock.Acquire(ctx, filepath.Join(parent, "."+filepath.Base(target)+".lock"), opts.LockTimeout)
	if err != nil {
		return Restored{}, err
	}
	defer lock.Release()

	need := uint64(header.TotalSize()) + uint64(len(header.Manifest))*4096
	if err := ensureSpace(parent, need); err != nil {
		return Restored{}, err
	}

	staging := filepath.Join(parent, "."+filepath.Base(target)+".restore-"+uuid.NewString()[:8])
	if err := os.Mkdir(staging, 0o700); err != nil {
		return Restored{}, errdefs.IOFailure("create staging directory", err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := os.RemoveAll(staging); err != nil {
				logger.Warn("failed to remove staging directory", "path", staging, "error", err)
			}
		}
	}()

	payloadLen := stat.Size() - trailerSize - payloadStart
	payload, closePayload, err := openPayload(io.NewSectionReader(f, payloadStart, payloadLen), header, opts.Passphrase)
	if err != nil {
		return Restored{}, err
	}
	defer closePayload()

	if err := extract(ctx, payload, staging, header.Manifest, index); err != nil {
		return Restored{}, err
	}
	if err := applyMetadata(staging, header.Manifest); err != nil {
		return Restored{}, err
	}
	if err := os.Chmod(staging, 0o755); err != nil {
		return Restored{}, errdefs.IOFailure("chmod staging", err)
	}

	if opts.beforeCommit != nil {
		if err := opts.beforeCommit(); err != nil {
			return Restored{}, err
		}
	}

	kept, err := carryOver(target, staging, opts.Preserve)
	if err != nil {
		if uerr := undoCarry(kept); uerr != nil {
			logger.Warn("failed to move preserved paths back", "error", uerr)
		}
		return Restored{}, err
	}
	if len(kept) > 0 {
		logger.Debug("preserved paths carried into staging", "count", len(kept))
	}

	old, err := commitSwap(staging, target)
	if err != nil {
		if uerr := undoCarry(kept); uerr != nil {
			logger.Warn("failed to move preserved paths back", "error", uerr)
		}
		return Restored{}, errdefs.IOFailure("swap restored tree into place", err)
	}
	committed = true
	if err := atomicfile.SyncDir(parent); err != nil {
		logger.Warn("failed to sync parent directory", "path", parent, "error", err)
	}
	result := Restored{Archive: Archive{
		Header:        *header,
		Path:          archivePath,
		FileSize:      stat.Size(),
		FormatVersion: version,
		Checksum:      checksumHex(sum),
	}}
	if old != "" {
		if err := removeOld(old); err != nil {
			logger.Warn("restore succeeded but the previous tree could not be removed", "path", old, "error", err)
			result.Leftover = old
		}
	}

	logger.Info("restore committed", "id", header.ID)
	return result, nil
}

func openPayload(r io.Reader, header *Header, passphrase string) (io.Reader, func(), error) {
	var src io.Reader = bufio.NewReaderSize(r, 1<<20)
	if header.Encrypted {
		identity, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid passphrase: %w", err)
		}
		dec, err := age.Decrypt(src, identity)
		if err != nil {
			var noMatch *age.NoIdentityMatchError
			if errors.Is(err, age.ErrIncorrectIdentity) || errors.As(err, &noMatch) {
				return nil, nil, ErrWrongPassphrase
			}
			return nil, nil, errdefs.Corrupt("encrypted payload: %v", err)
		}
		src = dec
	}
	out, closer, err := decompressReader(src, header.Compression)
	if err != nil {
		return nil, nil, errdefs.Corrupt("payload: %v", err)
	}
	return out, closer, nil
}

func indexManifest(manifest []Entry) (map[string]Entry, error) {
	index := make(map[string]Entry, len(manifest))
	for _, e := range manifest {
		if !safeRelPath(e.Path) {
			return nil, errdefs.Corrupt("manifest path %q escapes the instance directory", e.Path)
		}
		if _, dup := index[e.Path]; dup {
			return nil, errdefs.Corrupt("manifest lists %q twice", e.Path)
		}
		index[e.Path] = e
	}
	return index, nil
}

func safeRelPath(p string) bool {
	if p == "" || p == "." || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	return path.Clean(p) == p && p != ".." && !strings.HasPrefix(p, "../")
}

// extract writes the tar stream into staging. Every entry must be in
// the manifest, every regular file must match its digest, and every
// manifest entry must appear.
func extract(ctx context.Context, r io.Reader, staging string, manifest []Entry, index map[string]Entry) error {
	seen := make(map[string]bool, len(manifest))
	tr := tar.NewReader(r)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errdefs.Corrupt("payload: %v", err)
		}

		name := strings.TrimSuffix(hdr.Name, "/")
		e, ok := index[name]
		if !ok {
			return errdefs.Corrupt("payload entry %q is not in the manifest", hdr.Name)
		}
		if seen[name] {
			return errdefs.Corrupt("payload repeats %q", name)
		}
		// Parents must already be real directories from this archive so
		// nothing is written through a symlink.
		if dir := path.Dir(name); dir != "." {
			if p, ok := index[dir]; !ok || p.Type != TypeDir || !seen[dir] {
				return errdefs.Corrupt("payload entry %q precedes its directory", name)
			}
		}

		dest := filepath.Join(staging, filepath.FromSlash(name))
		switch e.Type {
		case TypeDir:
			if hdr.Typeflag != tar.TypeDir {
				return errdefs.Corrupt("%s: payload type does not match manifest", name)
			}
			if err := os.Mkdir(dest, 0o700); err != nil {
				return errdefs.IOFailure("mkdir "+dest, err)
			}
		case TypeSymlink:
			if hdr.Typeflag != tar.TypeSymlink || hdr.Linkname != e.Target {
				return errdefs.Corrupt("%s: payload symlink does not match manifest", name)
			}
			if err := os.Symlink(e.Target, dest); err != nil {
				return errdefs.IOFailure("symlink "+dest, err)
			}
		case TypeFile:
			if hdr.Typeflag != tar.TypeReg {
				return errdefs.Corrupt("%s: payload type does not match manifest", name)
			}
			if err := extractFile(tr, dest, e); err != nil {
				return err
			}
		default:
			return errdefs.Corrupt("%s: unknown manifest type %s", name, e.Type)
		}
		seen[name] = true
	}

	if len(seen) != len(index) {
		for _, e := range manifest {
			if !seen[e.Path] {
				return errdefs.Corrupt("manifest entry %q missing from payload", e.Path)
			}
		}
	}
	return nil
}

func extractFile(r io.Reader, dest string, e Entry) error {
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return errdefs.IOFailure("create "+dest, err)
	}
	h := blake3.New()
	n, err := io.Copy(io.MultiWriter(out, h), r)
	if err != nil {
		out.Close()
		if errors.Is(err, errdefs.ErrIOFailure) {
			return err
		}
		return errdefs.Corrupt("%s: %v", e.Path, err)
	}
	if err := out.Close(); err != nil {
		return errdefs.IOFailure("write "+dest, err)
	}
	if err := verifyDigest(e, h.Sum(nil), n); err != nil {
		return errdefs.Corrupt("%v", err)
	}
	return nil
}

// applyMetadata sets modes, owners and times deepest-first so directory
// permissions never block writes below them and child writes never bump
// a parent's mtime afterwards.
func applyMetadata(staging string, manifest []Entry) error {
	chown := canChown()
	for i := len(manifest) - 1; i >= 0; i-- {
		e := manifest[i]
		dest := filepath.Join(staging, filepath.FromSlash(e.Path))

		if chown && e.UID >= 0 && e.GID >= 0 {
			if err := os.Lchown(dest, e.UID, e.GID); err != nil {
				return errdefs.IOFailure("chown "+dest, err)
			}
		}
		if e.Type == TypeSymlink {
			continue
		}
		if err := os.Chmod(dest, fileMode(e.Mode)); err != nil {
			return errdefs.IOFailure("chmod "+dest, err)
		}
		mtime := time.Unix(0, e.ModTime)
		if err := os.Chtimes(dest, mtime, mtime); err != nil {
			return errdefs.IOFailure("chtimes "+dest, err)
		}
	}
	return nil
}

// commitSwap puts staging in place of target. It returns the path now
// holding the previous tree, or "" when target did not exist.
func commitSwap(staging, target string) (string, error) {
	if _, err := os.Lstat(target); errors.Is(err, os.ErrNotExist) {
		return "", os.Rename(staging, target)
	}

	swapped, err := exchange(staging, target)
	if err != nil {
		return "", err
	}
	if swapped {
		return staging, nil
	}

	old := filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+".old-"+uuid.NewString()[:8])
	if err := os.Rename(target, old); err != nil {
		return "", err
	}
	if err := os.Rename(staging, target); err != nil {
		if rerr := os.Rename(old, target); rerr != nil {
			return "", fmt.Errorf("%w (previous tree left at %s: %v)", err, old, rerr)
		}
		return "", err
	}
	return old, nil
}

// removeOld deletes the previous tree. Tests replace it.
var removeOld = os.RemoveAll

type carried struct{ from, to string }

// carryOver moves each preserved path of target to the same place in
// staging. Parents sort before their children, so a nested path that
// already travelled with its parent is skipped.
func carryOver(target, staging string, preserve []string) ([]carried, error) {
	rels := make([]string, 0, len(preserve))
	for _, p := range preserve {
		if rel, ok := relInside(target, p); ok {
			rels = append(rels, rel)
		}
	}
	sort.Strings(rels)

	var moved []carried
	for _, rel := range rels {
		from := filepath.Join(target, rel)
		if _, err := os.Lstat(from); err != nil {
			continue
		}
		to := filepath.Join(staging, rel)
		// The live copy wins over anything the archive brought along.
		if err := os.RemoveAll(to); err != nil {
			return moved, errdefs.IOFailure("clear "+to, err)
		}
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			return moved, errdefs.IOFailure("create "+filepath.Dir(to), err)
		}
		if err := os.Rename(from, to); err != nil {
			return moved, errdefs.IOFailure("preserve "+from, err)
		}
		moved = append(moved, carried{from: from, to: to})
	}
	return moved, nil
}

func undoCarry(moved []carried) error {
	var errs []error
	for i := len(moved) - 1; i >= 0; i-- {
		if err := os.Rename(moved[i].to, moved[i].from); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Inside reports whether p lies strictly below root.
func Inside(root, p string) bool {
	_, ok := relInside(root, p)
	return ok
}

func relInside(root, p string) (string, bool) {
	root, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	p, err = filepath.Abs(p)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}
