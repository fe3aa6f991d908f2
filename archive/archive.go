// Package archive reads distribution archives (wheels, sdists) without
// extracting them to disk.
//
// Two reader variants exist because the underlying formats have genuinely
// different enumeration contracts: tar-based archives are sequential-only
// streams, while zip-based archives require the trailing central directory
// before any entry can be opened. Callers switch on [Format] rather than
// sharing a common reader type.
package archive

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// Sentinel errors.
var (
	// ErrCorruptArchive is returned when archive headers are malformed or the
	// zip central directory cannot be located.
	ErrCorruptArchive = errors.New("archive: corrupt archive")

	// ErrUnsupportedFormat is returned when the format hint does not match the
	// archive's magic bytes, or the archive type is not supported at all.
	ErrUnsupportedFormat = errors.New("archive: unsupported format")

	// ErrTruncatedArchive is returned when the archive ends before its
	// declared content does (partial download).
	ErrTruncatedArchive = errors.New("archive: truncated archive")
)

// Format identifies how an archive's entries can be enumerated.
type Format uint8

const (
	// FormatUnknown marks archives pkgpeek cannot read.
	FormatUnknown Format = iota

	// FormatZip covers wheels, eggs and .zip sdists. Requires random access.
	FormatZip

	// FormatTarGz covers .tar.gz/.tgz sdists. Sequential streaming only.
	FormatTarGz
)

func (f Format) String() string {
	switch f {
	case FormatZip:
		return "zip"
	case FormatTarGz:
		return "tar.gz"
	default:
		return "unknown"
	}
}

// FormatForFilename maps a distribution filename to its archive format.
func FormatForFilename(name string) Format {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".whl"),
		strings.HasSuffix(lower, ".egg"),
		strings.HasSuffix(lower, ".zip"):
		return FormatZip
	case strings.HasSuffix(lower, ".tar.gz"),
		strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz
	default:
		return FormatUnknown
	}
}

// Ref locates one distribution archive on the upstream index.
//
// Refs are produced by the index resolver and consumed by the extraction
// pipeline. Digest carries the index-advertised content hash when available
// (the #sha256= URL fragment on PyPI) and is empty otherwise.
type Ref struct {
	URL      string
	Filename string
	Version  string
	Format   Format
	Digest   digest.Digest

	// ETag and LastModified are the transport validators observed when the
	// archive was fetched, if any.
	ETag         string
	LastModified string
}

// Entry describes one file inside an archive. Entries are transient: they
// exist only while the archive is being traversed.
type Entry struct {
	// Path is the archive-relative path using forward slashes.
	Path string

	// Size is the uncompressed size in bytes.
	Size int64

	// ModTime is the entry's recorded modification time, if any.
	ModTime time.Time
}

// ByteSource provides random access to an archive's raw bytes.
//
// Implementations exist for in-memory buffers and HTTP range requests.
type ByteSource interface {
	io.ReaderAt
	Size() int64
}

// Magic byte prefixes used to validate format hints before parsing.
var (
	gzipMagic     = []byte{0x1f, 0x8b}
	zipMagicFile  = []byte{'P', 'K', 0x03, 0x04}
	zipMagicEmpty = []byte{'P', 'K', 0x05, 0x06}
	zipMagicSpan  = []byte{'P', 'K', 0x07, 0x08}
)
