package cache

import (
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/pkgpeek/pkgpeek/archive"
)

// Identity is the cache key: a normalized package name plus the requested
// version ("latest" until a concrete version was asked for). Immutable.
type Identity struct {
	Name    string
	Version string
}

// Key returns the map key for the identity.
func (id Identity) Key() string {
	return id.Name + "@" + id.Version
}

// State describes a published extraction.
//
// A pending extraction is never visible in the cache index; while the owning
// worker runs, concurrent callers wait on its in-flight call instead. An
// extraction is therefore published exactly once, as Ready or Failed.
type State uint8

const (
	StateReady State = iota + 1
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "pending"
	}
}

// File is one extracted file. Content is owned by the extraction and must
// not be mutated after publication.
type File struct {
	Path    string
	Content []byte
	Size    int64

	// Digest is the sha256 of Content, usable as a strong HTTP validator.
	Digest digest.Digest
}

// Extraction is the per-package content store: the curated file set pulled
// out of one distribution archive.
//
// An Extraction is mutated only by the extraction worker that owns it;
// once published to the cache it is read-only.
type Extraction struct {
	Identity  Identity
	Ref       archive.Ref
	FetchedAt time.Time

	// Truncated is set when the per-package byte cap stopped extraction
	// before all interesting files were stored.
	Truncated bool

	maxBytes   int64
	totalBytes int64
	files      []File
	byPath     map[string]int
}

// NewExtraction creates an empty extraction with a per-package byte cap.
// A cap of zero disables the limit.
func NewExtraction(id Identity, ref archive.Ref, maxBytes int64) *Extraction {
	return &Extraction{
		Identity:  id,
		Ref:       ref,
		FetchedAt: time.Now().UTC(),
		maxBytes:  maxBytes,
		byPath:    make(map[string]int),
	}
}

// Add stores one file, preserving insertion order.
//
// Add reports false when the per-package byte cap would be exceeded; the
// content is not stored, Truncated is set, and the caller should stop
// extracting. Duplicate paths keep the first occurrence.
func (e *Extraction) Add(path string, content []byte) bool {
	if _, dup := e.byPath[path]; dup {
		return true
	}
	size := int64(len(content))
	if e.maxBytes > 0 && e.totalBytes+size > e.maxBytes {
		e.Truncated = true
		return false
	}
	e.byPath[path] = len(e.files)
	e.files = append(e.files, File{
		Path:    path,
		Content: content,
		Size:    size,
		Digest:  digest.FromBytes(content),
	})
	e.totalBytes += size
	return true
}

// Budget returns how many bytes may still be stored, or -1 when unlimited.
func (e *Extraction) Budget() int64 {
	if e.maxBytes <= 0 {
		return -1
	}
	return e.maxBytes - e.totalBytes
}

// Paths lists the extracted paths in insertion order.
func (e *Extraction) Paths() []string {
	paths := make([]string, len(e.files))
	for i, f := range e.files {
		paths[i] = f.Path
	}
	return paths
}

// File returns the extracted file at path.
func (e *Extraction) File(path string) (File, bool) {
	i, ok := e.byPath[path]
	if !ok {
		return File{}, false
	}
	return e.files[i], true
}

// Files returns the extracted files in insertion order. The slice is shared;
// callers must not modify it.
func (e *Extraction) Files() []File {
	return e.files
}

// Len returns the number of extracted files.
func (e *Extraction) Len() int {
	return len(e.files)
}

// TotalBytes returns the stored content size.
func (e *Extraction) TotalBytes() int64 {
	return e.totalBytes
}
