package archive

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"
)

// ZipReader provides random access to entries of a zip-based archive.
//
// Opening the reader parses the trailing central directory from the end of
// the source, so a range-capable ByteSource never downloads the whole
// archive: only the directory and the entries actually opened are read.
// Per-entry decompression happens lazily when an entry's reader is consumed.
type ZipReader struct {
	zr      *zip.Reader
	entries []Entry
	byPath  map[string]*zip.File
}

// NewZipReader opens a zip archive backed by src.
//
// The leading magic bytes are checked against the zip signatures before the
// central directory is parsed; a mismatch returns ErrUnsupportedFormat.
func NewZipReader(src ByteSource) (*ZipReader, error) {
	if err := sniffZip(src); err != nil {
		return nil, err
	}

	zr, err := zip.NewReader(readerAtOnly{src}, src.Size())
	if err != nil {
		if errors.Is(err, zip.ErrFormat) {
			return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %v", ErrTruncatedArchive, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}

	r := &ZipReader{
		zr:     zr,
		byPath: make(map[string]*zip.File, len(zr.File)),
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		path := normalizeEntryPath(f.Name)
		r.entries = append(r.entries, Entry{
			Path:    path,
			Size:    int64(f.UncompressedSize64), //nolint:gosec // sizes above 2^63 are rejected by the budget check downstream
			ModTime: f.Modified,
		})
		r.byPath[path] = f
	}
	return r, nil
}

// Entries returns all regular-file entries in central-directory order.
func (r *ZipReader) Entries() []Entry {
	return r.entries
}

// Open returns a reader for the named entry's decompressed content.
func (r *ZipReader) Open(path string) (io.ReadCloser, error) {
	f, ok := r.byPath[path]
	if !ok {
		return nil, fmt.Errorf("%w: no entry %q", ErrCorruptArchive, path)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", ErrCorruptArchive, path, err)
	}
	return &zipEntryReader{rc: rc}, nil
}

func sniffZip(src ByteSource) error {
	if src.Size() < int64(len(zipMagicFile)) {
		return fmt.Errorf("%w: source shorter than zip header", ErrTruncatedArchive)
	}
	magic := make([]byte, len(zipMagicFile))
	if _, err := src.ReadAt(magic, 0); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrTruncatedArchive, err)
	}
	switch {
	case string(magic) == string(zipMagicFile),
		string(magic) == string(zipMagicEmpty),
		string(magic) == string(zipMagicSpan):
		return nil
	default:
		return fmt.Errorf("%w: not a zip archive", ErrUnsupportedFormat)
	}
}

// readerAtOnly hides ByteSource's Size method from zip.NewReader, which
// would otherwise only see the io.ReaderAt it needs.
type readerAtOnly struct {
	src ByteSource
}

func (r readerAtOnly) ReadAt(p []byte, off int64) (int, error) {
	return r.src.ReadAt(p, off)
}

// zipEntryReader maps decompression and short-read failures onto the
// package's error taxonomy.
type zipEntryReader struct {
	rc io.ReadCloser
}

func (z *zipEntryReader) Read(p []byte) (int, error) {
	n, err := z.rc.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return n, fmt.Errorf("%w: %v", ErrTruncatedArchive, err)
		}
		return n, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	return n, err
}

func (z *zipEntryReader) Close() error {
	return z.rc.Close()
}
