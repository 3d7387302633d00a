// Package archive implements the na-tools backup archive: a single
// self-describing file holding a snapshot of one instance directory.
//
// Layout of format version 1:
//
//	offset  size  field
//	0       8     magic "NABACKUP"
//	8       2     format version, big endian
//	10      4     header length N, big endian
//	14      N     header, CBOR (core deterministic encoding)
//	14+N    ...   payload: tar stream, compressed, optionally age-encrypted
//	end-40  8     trailer magic "NACHKSUM"
//	end-32  32    BLAKE3-256 of every byte before the trailer
//
// The header carries the manifest: one entry per path with its type,
// mode, size and, for regular files, a BLAKE3-256 content digest.
// Restore refuses an archive whose version is unknown or whose checksum
// does not match before it touches the target directory.
package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/nekroai/na-tools/internal/errdefs"
)

const (
	// FormatVersion is the newest archive format this build reads and the
	// one it writes.
	FormatVersion uint16 = 1

	// Extension is the file extension of archives in a backup directory.
	Extension = ".nabak"

	// MaxHeaderSize bounds the header allocation on read.
	MaxHeaderSize = 64 << 20

	preambleSize = 8 + 2 + 4
	trailerSize  = 8 + 32
)

var (
	magic        = [8]byte{'N', 'A', 'B', 'A', 'C', 'K', 'U', 'P'}
	trailerMagic = [8]byte{'N', 'A', 'C', 'H', 'K', 'S', 'U', 'M'}
)

// EntryType is the kind of filesystem object a manifest entry describes.
type EntryType uint8

const (
	TypeFile    EntryType = 0
	TypeDir     EntryType = 1
	TypeSymlink EntryType = 2
)

func (t EntryType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDir:
		return "dir"
	case TypeSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// Entry describes one path in the archive, relative to the instance
// directory and slash-separated.
type Entry struct {
	Path   string    `cbor:"path"`
	Type   EntryType `cbor:"type"`
	Mode   uint32    `cbor:"mode"`
	Size   int64     `cbor:"size"`
	Digest []byte    `cbor:"digest,omitempty"`
	Target string    `cbor:"target,omitempty"`
	UID    int       `cbor:"uid"`
	GID    int       `cbor:"gid"`
	// ModTime is Unix nanoseconds.
	ModTime int64 `cbor:"mtime"`
}

// Header is the self-description stored at the front of every archive.
type Header struct {
	ID               string      `cbor:"id"`
	SourceInstanceID int         `cbor:"source_instance_id"`
	SourcePath       string      `cbor:"source_path"`
	CreatedAt        time.Time   `cbor:"created_at"`
	Compression      Compression `cbor:"compression"`
	Encrypted        bool        `cbor:"encrypted"`
	Creator          string      `cbor:"creator,omitempty"`
	Manifest         []Entry     `cbor:"manifest"`
}

// TotalSize is the sum of regular file sizes in the manifest.
func (h *Header) TotalSize() int64 {
	var total int64
	for _, e := range h.Manifest {
		if e.Type == TypeFile {
			total += e.Size
		}
	}
	return total
}

// Archive is the metadata of an archive file.
type Archive struct {
	Header

	// Path is the archive file location.
	Path string
	// FileSize is the archive file size in bytes.
	FileSize int64
	// FormatVersion is the version read from the preamble.
	FormatVersion uint16
	// Checksum is the hex BLAKE3 trailer value. Empty unless the archive
	// was written or verified by this process.
	Checksum string
}

// ShortID returns the first eight characters of the archive id.
func (a Archive) ShortID() string {
	if len(a.ID) > 8 {
		return a.ID[:8]
	}
	return a.ID
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("archive: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{MaxArrayElements: 1 << 24}.DecMode()
	if err != nil {
		panic("archive: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodePreamble(h *Header) ([]byte, error) {
	body, err := encMode.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode archive header: %w", err)
	}
	if len(body) > MaxHeaderSize {
		return nil, fmt.Errorf("archive header is %d bytes, limit is %d", len(body), MaxHeaderSize)
	}

	var buf bytes.Buffer
	buf.Grow(preambleSize + len(body))
	buf.Write(magic[:])
	binary.Write(&buf, binary.BigEndian, FormatVersion)
	binary.Write(&buf, binary.BigEndian, uint32(len(body)))
	buf.Write(body)
	return buf.Bytes(), nil
}

// readPreamble reads and validates everything up to the payload. It
// returns the parsed header, the version and the payload offset. Unknown
// versions fail with errdefs.ErrIncompatibleFormat; anything malformed
// fails with errdefs.ErrCorruptArchive.
func readPreamble(r io.Reader, fileSize int64) (*Header, uint16, int64, error) {
	var fixed [preambleSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, 0, errdefs.Corrupt("file too short to be an archive")
		}
		return nil, 0, 0, errdefs.IOFailure("read archive preamble", err)
	}
	if !bytes.Equal(fixed[:8], magic[:]) {
		return nil, 0, 0, errdefs.Corrupt("missing archive magic, not an na-tools backup")
	}

	version := binary.BigEndian.Uint16(fixed[8:10])
	if version == 0 || version > FormatVersion {
		return nil, version, 0, fmt.Errorf("%w: archive format version %d, this na-tools reads up to %d",
			errdefs.ErrIncompatibleFormat, version, FormatVersion)
	}

	headerLen := int64(binary.BigEndian.Uint32(fixed[10:14]))
	if headerLen > MaxHeaderSize || preambleSize+headerLen+trailerSize > fileSize {
		return nil, version, 0, errdefs.Corrupt("header length %d out of range", headerLen)
	}

	body := make([]byte, headerLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, version, 0, errdefs.Corrupt("truncated header: %v", err)
	}

	var h Header
	if err := decMode.Unmarshal(body, &h); err != nil {
		return nil, version, 0, errdefs.Corrupt("undecodable header: %v", err)
	}
	if err := h.Compression.validate(); err != nil {
		return nil, version, 0, fmt.Errorf("%w: %v", errdefs.ErrIncompatibleFormat, err)
	}
	return &h, version, preambleSize + headerLen, nil
}

func encodeTrailer(sum []byte) []byte {
	out := make([]byte, 0, trailerSize)
	out = append(out, trailerMagic[:]...)
	return append(out, sum...)
}

func checksumHex(sum []byte) string {
	return hex.EncodeToString(sum)
}
