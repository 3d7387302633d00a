package archive

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/nekroai/na-tools/internal/errdefs"
	"github.com/nekroai/na-tools/internal/logging"
)

// Inspect reads the preamble of the archive at path without verifying
// the checksum.
func Inspect(path string) (Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return Archive{}, errdefs.IOFailure("open archive", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return Archive{}, errdefs.IOFailure("stat archive", err)
	}
	header, version, _, err := readPreamble(bufio.NewReader(f), stat.Size())
	if err != nil {
		return Archive{}, err
	}
	return Archive{Header: *header, Path: path, FileSize: stat.Size(), FormatVersion: version}, nil
}

// Verify checks the trailer checksum of the archive at path and returns
// the archive with Checksum set. A mismatch fails with
// errdefs.ErrCorruptArchive.
func Verify(path string) (Archive, error) {
	a, err := Inspect(path)
	if err != nil {
		return Archive{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Archive{}, errdefs.IOFailure("open archive", err)
	}
	defer f.Close()

	sum, err := verifyChecksum(f, a.FileSize)
	if err != nil {
		return Archive{}, err
	}
	a.Checksum = checksumHex(sum)
	return a, nil
}

// verifyChecksum hashes every byte before the trailer and compares the
// result with the trailer.
func verifyChecksum(r io.ReaderAt, size int64) ([]byte, error) {
	if size < preambleSize+trailerSize {
		return nil, errdefs.Corrupt("file too short to be an archive")
	}
	body := size - trailerSize

	trailer := make([]byte, trailerSize)
	if _, err := r.ReadAt(trailer, body); err != nil {
		return nil, errdefs.IOFailure("read archive trailer", err)
	}
	if !bytes.Equal(trailer[:8], trailerMagic[:]) {
		return nil, errdefs.Corrupt("missing trailer, archive is truncated")
	}

	h := blake3.New()
	if _, err := io.Copy(h, io.NewSectionReader(r, 0, body)); err != nil {
		return nil, errdefs.IOFailure("read archive", err)
	}
	sum := h.Sum(nil)
	if !bytes.Equal(sum, trailer[8:]) {
		return nil, errdefs.Corrupt("checksum mismatch: archive has %s, content hashes to %s",
			checksumHex(trailer[8:]), checksumHex(sum))
	}
	return sum, nil
}

// List returns the archives in dir, newest first by creation time with
// ties broken by id. Files that cannot be read as archives are skipped
// and logged. A missing dir yields an empty list.
func List(dir string, logger *slog.Logger) ([]Archive, error) {
	logger = logging.OrDiscard(logger)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errdefs.IOFailure("read backup directory", err)
	}

	var archives []Archive
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, Extension) || strings.HasPrefix(name, ".") {
			continue
		}
		a, err := Inspect(filepath.Join(dir, name))
		if err != nil {
			logger.Warn("skipping unreadable archive", "file", name, "error", err)
			continue
		}
		archives = append(archives, a)
	}
	SortNewestFirst(archives)
	return archives, nil
}

// SortNewestFirst orders archives by CreatedAt descending, then by id
// descending, so the order is strict even for equal timestamps.
func SortNewestFirst(archives []Archive) {
	sort.SliceStable(archives, func(i, j int) bool {
		if !archives[i].CreatedAt.Equal(archives[j].CreatedAt) {
			return archives[i].CreatedAt.After(archives[j].CreatedAt)
		}
		return archives[i].ID > archives[j].ID
	})
}

// Describe returns a one-line summary of a.
func (a Archive) Describe() string {
	enc := ""
	if a.Encrypted {
		enc = ", encrypted"
	}
	return fmt.Sprintf("%s  instance %d  %s  %d files%s",
		a.CreatedAt.Local().Format("2006-01-02 15:04:05"), a.SourceInstanceID, a.Compression, len(a.Manifest), enc)
}
