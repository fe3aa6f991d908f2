package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// TarReader streams entries out of a gzip-compressed tarball.
//
// Entries are emitted in stream order. The reader returned by Next is only
// valid until the following Next call; callers must fully consume or abandon
// it before advancing. TarReader never buffers the archive.
type TarReader struct {
	gz *gzip.Reader
	tr *tar.Reader
}

// NewTarReader opens a .tar.gz stream.
//
// The first bytes are sniffed against the gzip magic; a mismatch returns
// ErrUnsupportedFormat so that a mislabeled archive fails before any parsing.
func NewTarReader(r io.Reader) (*TarReader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(gzipMagic))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTruncatedArchive, "stream shorter than gzip header")
	}
	if !bytes.Equal(magic, gzipMagic) {
		return nil, fmt.Errorf("%w: not a gzip stream", ErrUnsupportedFormat)
	}

	gz, err := gzip.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	return &TarReader{
		gz: gz,
		tr: tar.NewReader(gz),
	}, nil
}

// Next advances to the next regular file in the archive.
//
// Non-file entries (directories, symlinks, device nodes) are skipped.
// Next returns io.EOF at the end of the archive.
func (r *TarReader) Next() (Entry, io.Reader, error) {
	for {
		hdr, err := r.tr.Next()
		switch {
		case errors.Is(err, io.EOF):
			return Entry{}, nil, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			return Entry{}, nil, fmt.Errorf("%w: %v", ErrTruncatedArchive, err)
		case errors.Is(err, tar.ErrHeader):
			return Entry{}, nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
		case err != nil:
			return Entry{}, nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		entry := Entry{
			Path:    normalizeEntryPath(hdr.Name),
			Size:    hdr.Size,
			ModTime: hdr.ModTime,
		}
		return entry, &tarEntryReader{tr: r.tr}, nil
	}
}

// Close releases the gzip decoder state.
func (r *TarReader) Close() error {
	return r.gz.Close()
}

// tarEntryReader translates short reads on the shared tar stream into the
// package's truncation error so partial downloads never look like clean EOFs
// with missing bytes.
type tarEntryReader struct {
	tr *tar.Reader
}

func (e *tarEntryReader) Read(p []byte) (int, error) {
	n, err := e.tr.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return n, fmt.Errorf("%w: %v", ErrTruncatedArchive, err)
		}
		return n, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	return n, err
}

// normalizeEntryPath strips the "./" prefix some tar writers emit so filter
// patterns see the same shape for every archive.
func normalizeEntryPath(p string) string {
	for len(p) >= 2 && p[0] == '.' && p[1] == '/' {
		p = p[2:]
	}
	return p
}
