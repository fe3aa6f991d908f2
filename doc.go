// Package pkgpeek lets callers browse the interesting files of a published
// Python package without downloading or installing it.
//
// Given a package name (and optionally a version), the [Browser] resolves the
// package on a PEP 503 simple index, streams the chosen distribution archive,
// extracts a curated subset of files (metadata, license, README, build
// descriptors) and caches the result in memory:
//
//	b := pkgpeek.New()
//	defer b.Close()
//
//	listing, err := b.Listing(ctx, "requests", "")
//	if err != nil {
//	    return err
//	}
//	for _, path := range listing.Paths {
//	    fmt.Println(path)
//	}
//	content, _, err := b.ReadFile(ctx, "requests", listing.Version, "PKG-INFO")
//
// Wheels and zip sdists are read via HTTP range requests so only the central
// directory and the selected entries are transferred; tar.gz sdists are
// streamed without ever holding the whole archive. Concurrent requests for
// the same package share a single upstream fetch, and failures are cached
// briefly so a broken package cannot generate upstream load on every hit.
//
// The cmd/pkgpeekd daemon serves listings and file contents over HTTP using
// the server subpackage.
package pkgpeek
