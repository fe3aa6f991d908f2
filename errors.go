package pkgpeek

import (
	"errors"

	"github.com/pkgpeek/pkgpeek/archive"
	pkghttp "github.com/pkgpeek/pkgpeek/http"
	"github.com/pkgpeek/pkgpeek/index"
)

// ErrFileNotFound is returned by ReadFile when the package was extracted
// successfully but holds no interesting file at the requested path. It is
// deliberately distinct from ErrPackageNotFound.
var ErrFileNotFound = errors.New("pkgpeek: file not found in package")

// Errors re-exported from index.
var (
	// ErrPackageNotFound is returned when the index has no such project.
	ErrPackageNotFound = index.ErrPackageNotFound

	// ErrVersionNotFound is returned when the requested version does not exist.
	ErrVersionNotFound = index.ErrVersionNotFound

	// ErrIndexUnavailable is returned for transient index failures.
	ErrIndexUnavailable = index.ErrUnavailable
)

// Errors re-exported from archive.
var (
	// ErrCorruptArchive is returned when an archive cannot be parsed.
	ErrCorruptArchive = archive.ErrCorruptArchive

	// ErrUnsupportedFormat is returned when no readable archive format exists.
	ErrUnsupportedFormat = archive.ErrUnsupportedFormat

	// ErrTruncatedArchive is returned when the archive stream ends early.
	ErrTruncatedArchive = archive.ErrTruncatedArchive
)

// Errors re-exported from http.
var (
	// ErrFetchTimeout is returned when the archive fetch deadline expires.
	ErrFetchTimeout = pkghttp.ErrFetchTimeout

	// ErrUpstream is returned for transient file-host failures.
	ErrUpstream = pkghttp.ErrUpstream
)

// IsNotFound reports whether err belongs to the not-found class: the
// package, version or file does not exist. Safe to surface verbatim.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPackageNotFound) ||
		errors.Is(err, ErrVersionNotFound) ||
		errors.Is(err, ErrFileNotFound)
}

// IsTransient reports whether err belongs to the upstream class: a retry
// after a short backoff may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrFetchTimeout) ||
		errors.Is(err, ErrUpstream) ||
		errors.Is(err, ErrIndexUnavailable)
}

// IsFormatError reports whether err belongs to the format class: the
// archive itself is unreadable and retrying the same version cannot help.
func IsFormatError(err error) bool {
	return errors.Is(err, ErrCorruptArchive) ||
		errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrTruncatedArchive) ||
		errors.Is(err, pkghttp.ErrTooLarge)
}
