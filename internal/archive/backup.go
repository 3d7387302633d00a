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
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/nekroai/na-tools/internal/atomicfile"
	"github.com/nekroai/na-tools/internal/diskspace"
	"github.com/nekroai/na-tools/internal/errdefs"
	"github.com/nekroai/na-tools/internal/filelock"
	"github.com/nekroai/na-tools/internal/logging"
)

const (
	// LockFileName guards in-progress archives in a backup directory.
	LockFileName = ".na-tools.lock"

	// DefaultLockTimeout bounds how long a write waits for a lock.
	DefaultLockTimeout = 3 * time.Second

	partialSuffix = ".partial"
)

// ensureSpace checks free space before anything is written. Tests
// replace it.
var ensureSpace = diskspace.Ensure

// BackupOptions controls Backup.
type BackupOptions struct {
	// InstanceID is recorded as the archive source.
	InstanceID int
	// Dir is the backup directory. The archive gets a generated name.
	Dir string
	// Output, when set, is the exact archive path and overrides Dir.
	Output string

	Compression Compression
	// Passphrase enables age scrypt encryption of the payload.
	Passphrase string
	// ReadRetries bounds retries of transient read failures.
	ReadRetries int
	LockTimeout time.Duration
	// Creator is recorded in the header, normally "na-tools <version>".
	Creator string

	Logger *slog.Logger
	Now    func() time.Time

	// scryptWorkFactor overrides age's default in tests.
	scryptWorkFactor int
}

func (o *BackupOptions) defaults() {
	if o.ReadRetries < 0 {
		o.ReadRetries = 0
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	o.Logger = logging.OrDiscard(o.Logger)
	if o.Now == nil {
		o.Now = time.Now
	}
}

// FileName returns the generated archive name for an instance and time.
func FileName(instanceID int, createdAt time.Time, id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("nekro-agent-%d-%s-%s%s", instanceID, createdAt.UTC().Format("20060102-150405"), short, Extension)
}

// Backup writes an archive of the directory source. The manifest is
// computed first, then free space on the destination filesystem is
// checked, then the archive is written to a temp file in the destination
// directory, synced and renamed into place. A failed backup leaves no
// file behind.
func Backup(ctx context.Context, source string, opts BackupOptions) (Archive, error) {
	opts.defaults()
	if err := opts.Compression.validate(); err != nil {
		return Archive{}, err
	}

	source, err := filepath.Abs(source)
	if err != nil {
		return Archive{}, fmt.Errorf("failed to resolve %s: %w", source, err)
	}
	info, err := os.Stat(source)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Archive{}, fmt.Errorf("%w: %s", errdefs.ErrInstanceUnreachable, source)
		}
		return Archive{}, errdefs.IOFailure("stat "+source, err)
	}
	if !info.IsDir() {
		return Archive{}, errdefs.IOFailure("backup source", fmt.Errorf("%s is not a directory", source))
	}

	createdAt := opts.Now().UTC()
	id := uuid.NewString()

	outPath := opts.Output
	if outPath == "" {
		if opts.Dir == "" {
			return Archive{}, fmt.Errorf("no backup directory or output path given")
		}
		outPath = filepath.Join(opts.Dir, FileName(opts.InstanceID, createdAt, id))
	}
	outPath, err = filepath.Abs(outPath)
	if err != nil {
		return Archive{}, fmt.Errorf("failed to resolve %s: %w", outPath, err)
	}
	outDir := filepath.Dir(outPath)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Archive{}, errdefs.IOFailure("create backup directory", err)
	}

	lock, err := filelock.Acquire(ctx, filepath.Join(outDir, LockFileName), opts.LockTimeout)
	if err != nil {
		return Archive{}, err
	}
	defer lock.Release()

	if _, err := os.Stat(outPath); err == nil {
		return Archive{}, errdefs.IOFailure("create archive", fmt.Errorf("%s already exists", outPath))
	}

	logger := opts.Logger.With("source", source, "archive", outPath)
	logger.Debug("building manifest")

	manifest, err := buildManifest(ctx, source, walkOptions{
		retries: opts.ReadRetries,
		logger:  logger,
		exclude: []string{outDir, outPath, filepath.Join(source, LockFileName)},
	})
	if err != nil {
		return Archive{}, err
	}

	header := &Header{
		ID:               id,
		SourceInstanceID: opts.InstanceID,
		SourcePath:       source,
		CreatedAt:        createdAt,
		Compression:      opts.Compression,
		Encrypted:        opts.Passphrase != "",
		Creator:          opts.Creator,
		Manifest:         manifest,
	}
	preamble, err := encodePreamble(header)
	if err != nil {
		return Archive{}, err
	}

	// Worst case is an incompressible payload: file bytes plus one tar
	// block of overhead per entry.
	need := uint64(len(preamble)) + uint64(header.TotalSize()) + uint64(len(manifest))*1024 + trailerSize
	if err := ensureSpace(outDir, need); err != nil {
		return Archive{}, err
	}

	tmp, err := os.CreateTemp(outDir, "."+filepath.Base(outPath)+".*"+partialSuffix)
	if err != nil {
		return Archive{}, errdefs.IOFailure("create temp archive", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	sum, err := writeArchive(ctx, tmp, preamble, header, source, opts)
	if err != nil {
		return Archive{}, err
	}
	if err := tmp.Sync(); err != nil {
		return Archive{}, errdefs.IOFailure("sync archive", err)
	}
	stat, err := tmp.Stat()
	if err != nil {
		return Archive{}, errdefs.IOFailure("stat archive", err)
	}
	if err := tmp.Close(); err != nil {
		return Archive{}, errdefs.IOFailure("close archive", err)
	}
	if err := os.Rename(tmpName, outPath); err != nil {
		return Archive{}, errdefs.IOFailure("commit archive", err)
	}
	committed = true
	if err := atomicfile.SyncDir(outDir); err != nil {
		return Archive{}, errdefs.IOFailure("sync backup directory", err)
	}

	logger.Info("backup written", "id", id, "files", len(manifest), "bytes", stat.Size())
	return Archive{
		Header:        *header,
		Path:          outPath,
		FileSize:      stat.Size(),
		FormatVersion: FormatVersion,
		Checksum:      checksumHex(sum),
	}, nil
}

// writeArchive streams preamble, payload and trailer into f and returns
// the checksum.
func writeArchive(ctx context.Context, f *os.File, preamble []byte, header *Header, source string, opts BackupOptions) ([]byte, error) {
	hasher := blake3.New()
	bw := bufio.NewWriterSize(io.MultiWriter(f, hasher), 1<<20)

	if _, err := bw.Write(preamble); err != nil {
		return nil, errdefs.IOFailure("write header", err)
	}

	var sink io.Writer = bw
	var encrypter io.WriteCloser
	if header.Encrypted {
		recipient, err := age.NewScryptRecipient(opts.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("invalid passphrase: %w", err)
		}
		if opts.scryptWorkFactor > 0 {
			recipient.SetWorkFactor(opts.scryptWorkFactor)
		}
		encrypter, err = age.Encrypt(bw, recipient)
		if err != nil {
			return nil, fmt.Errorf("failed to start encryption: %w", err)
		}
		sink = encrypter
	}

	compressor, err := compressWriter(sink, header.Compression)
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(compressor)

	for _, entry := range header.Manifest {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := writeEntry(tw, source, entry); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, errdefs.IOFailure("finish tar stream", err)
	}
	if err := compressor.Close(); err != nil {
		return nil, errdefs.IOFailure("finish compression", err)
	}
	if encrypter != nil {
		if err := encrypter.Close(); err != nil {
			return nil, errdefs.IOFailure("finish encryption", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return nil, errdefs.IOFailure("write payload", err)
	}

	sum := hasher.Sum(nil)
	if _, err := f.Write(encodeTrailer(sum)); err != nil {
		return nil, errdefs.IOFailure("write trailer", err)
	}
	return sum, nil
}

func tarHeader(e Entry) *tar.Header {
	hdr := &tar.Header{
		Name:    e.Path,
		Mode:    int64(e.Mode),
		ModTime: time.Unix(0, e.ModTime),
		Uid:     max(e.UID, 0),
		Gid:     max(e.GID, 0),
		Format:  tar.FormatPAX,
	}
	switch e.Type {
	case TypeDir:
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
	case TypeSymlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.Target
	default:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = e.Size
	}
	return hdr
}

// writeEntry appends one manifest entry to the tar stream. File content
// is re-hashed while it is copied; a file that changed since the
// manifest was built fails the backup.
func writeEntry(tw *tar.Writer, source string, e Entry) error {
	if err := tw.WriteHeader(tarHeader(e)); err != nil {
		return errdefs.IOFailure("write tar header for "+e.Path, err)
	}
	if e.Type != TypeFile {
		return nil
	}

	path := filepath.Join(source, filepath.FromSlash(e.Path))
	f, err := openFile(path)
	if err != nil {
		return errdefs.IOFailure("open "+path, err)
	}
	defer f.Close()

	h := blake3.New()
	n, err := io.CopyN(tw, io.TeeReader(f, h), e.Size)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return errdefs.IOFailure("read "+path, fmt.Errorf("file shrank to %d bytes during backup", n))
		}
		return errdefs.IOFailure("read "+path, err)
	}
	if err := verifyDigest(e, h.Sum(nil), n); err != nil {
		return errdefs.IOFailure("read "+path, fmt.Errorf("file changed during backup: %w", err))
	}
	return nil
}

// isPartial reports whether name is an in-progress archive.
func isPartial(name string) bool {
	return strings.HasSuffix(name, partialSuffix)
}
