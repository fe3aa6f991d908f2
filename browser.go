package pkgpeek

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/pkgpeek/pkgpeek/archive"
	"github.com/pkgpeek/pkgpeek/cache"
	pkghttp "github.com/pkgpeek/pkgpeek/http"
	"github.com/pkgpeek/pkgpeek/index"
	"github.com/pkgpeek/pkgpeek/interest"
)

// Resolver maps a package name and version to a distribution archive.
type Resolver interface {
	Resolve(ctx context.Context, name, version string) (archive.Ref, error)
}

// Fetcher retrieves archive bytes from the file host.
type Fetcher interface {
	Open(ctx context.Context, url string) (io.ReadCloser, pkghttp.SourceInfo, error)
	OpenSource(ctx context.Context, url string) (archive.ByteSource, pkghttp.SourceInfo, error)
}

// Listing is the browsable view of one extracted package.
type Listing struct {
	// Name is the normalized package name.
	Name string

	// Version is the resolved version, even when "latest" was requested.
	Version string

	// Filename is the distribution archive the files came from.
	Filename string

	// Paths holds the extracted paths in extraction order.
	Paths []string

	// Truncated is set when the per-package byte cap stopped extraction
	// before all interesting files were stored.
	Truncated bool

	// FetchedAt is when the archive was fetched and extracted.
	FetchedAt time.Time
}

// Browser is the core fetch-extract-cache pipeline.
//
// A Browser is safe for concurrent use. Construct with New and release
// with Close.
type Browser struct {
	resolver Resolver
	fetcher  Fetcher
	filter   *interest.Filter
	cache    *cache.Cache
	logger   *slog.Logger

	indexURL        string
	userAgent       string
	cacheMaxBytes   int64
	cacheReadyTTL   time.Duration
	fetchTimeout    time.Duration
	maxPackageBytes int64
	ownCache        bool
}

// New creates a Browser against the public PyPI index unless options say
// otherwise.
func New(opts ...Option) *Browser {
	b := &Browser{
		fetchTimeout:    DefaultFetchTimeout,
		maxPackageBytes: DefaultMaxPackageBytes,
		ownCache:        true,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.resolver == nil {
		b.resolver = index.New(b.indexURL,
			index.WithUserAgent(b.userAgent),
			index.WithLogger(b.logger))
	}
	if b.fetcher == nil {
		b.fetcher = pkghttp.NewClient(
			pkghttp.WithUserAgent(b.userAgent),
			pkghttp.WithLogger(b.logger))
	}
	if b.filter == nil {
		b.filter = interest.Default()
	}
	if b.cache == nil {
		cacheOpts := []cache.Option{
			cache.WithFailureTTLFunc(FailureTTL),
			cache.WithLogger(b.logger),
		}
		if b.cacheMaxBytes > 0 {
			cacheOpts = append(cacheOpts, cache.WithMaxBytes(b.cacheMaxBytes))
		}
		if b.cacheReadyTTL > 0 {
			cacheOpts = append(cacheOpts, cache.WithReadyTTL(b.cacheReadyTTL))
		}
		b.cache = cache.New(cacheOpts...)
	}
	return b
}

func (b *Browser) log() *slog.Logger {
	if b.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return b.logger
}

// Close releases the browser's cache if it owns one.
func (b *Browser) Close() {
	if b.ownCache {
		b.cache.Close()
	}
}

// CacheStats exposes cache counters for observability.
func (b *Browser) CacheStats() cache.Stats {
	return b.cache.Stats()
}

// Invalidate drops the cached extraction for (name, version).
func (b *Browser) Invalidate(name, version string) {
	b.cache.Invalidate(identityFor(name, version))
}

// Listing returns the extracted file listing for (name, version).
// version may be empty or "latest" for the newest release.
func (b *Browser) Listing(ctx context.Context, name, version string) (*Listing, error) {
	ext, err := b.get(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return &Listing{
		Name:      ext.Identity.Name,
		Version:   ext.Ref.Version,
		Filename:  ext.Ref.Filename,
		Paths:     ext.Paths(),
		Truncated: ext.Truncated,
		FetchedAt: ext.FetchedAt,
	}, nil
}

// ListFiles returns just the extracted paths, in extraction order.
func (b *Browser) ListFiles(ctx context.Context, name, version string) ([]string, error) {
	listing, err := b.Listing(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return listing.Paths, nil
}

// File returns the extracted file at path, including its content digest.
//
// A missing path in a successfully extracted package yields ErrFileNotFound,
// which is distinct from the package or version not existing.
func (b *Browser) File(ctx context.Context, name, version, path string) (cache.File, error) {
	ext, err := b.get(ctx, name, version)
	if err != nil {
		return cache.File{}, err
	}
	f, ok := ext.File(path)
	if !ok {
		return cache.File{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	return f, nil
}

// ReadFile returns the content and length of the extracted file at path.
func (b *Browser) ReadFile(ctx context.Context, name, version, path string) ([]byte, int64, error) {
	f, err := b.File(ctx, name, version, path)
	if err != nil {
		return nil, 0, err
	}
	return f.Content, f.Size, nil
}

func identityFor(name, version string) cache.Identity {
	version = strings.TrimSpace(version)
	if version == "" {
		version = index.VersionLatest
	}
	return cache.Identity{Name: index.NormalizeName(name), Version: version}
}

// get serves (name, version) from the cache, extracting on a miss. The
// extraction runs detached from ctx under its own fetch deadline, so a
// disconnected caller never aborts work other callers are waiting on.
func (b *Browser) get(ctx context.Context, name, version string) (*cache.Extraction, error) {
	id := identityFor(name, version)
	fill := func() (*cache.Extraction, error) {
		fctx, cancel := context.WithTimeout(context.Background(), b.fetchTimeout)
		defer cancel()
		return b.extract(fctx, id)
	}
	return b.cache.Get(ctx, id, fill)
}

// extract runs the full pipeline for one identity: resolve, fetch, traverse,
// filter, store.
func (b *Browser) extract(ctx context.Context, id cache.Identity) (*cache.Extraction, error) {
	start := time.Now()
	ref, err := b.resolver.Resolve(ctx, id.Name, id.Version)
	if err != nil {
		return nil, b.mapErr(ctx, err)
	}

	ext := cache.NewExtraction(id, ref, b.maxPackageBytes)
	switch ref.Format {
	case archive.FormatZip:
		err = b.extractZip(ctx, ext, ref)
	case archive.FormatTarGz:
		err = b.extractTar(ctx, ext, ref)
	default:
		err = fmt.Errorf("%w: %s", archive.ErrUnsupportedFormat, ref.Filename)
	}
	if err != nil {
		return nil, b.mapErr(ctx, err)
	}

	b.log().Info("package extracted",
		"name", id.Name,
		"version", ref.Version,
		"filename", ref.Filename,
		"files", ext.Len(),
		"bytes", ext.TotalBytes(),
		"truncated", ext.Truncated,
		"elapsed", time.Since(start))
	return ext, nil
}

// extractZip reads a wheel or zip sdist through a random-access source, so
// only the central directory and the interesting entries are transferred
// when the host supports range requests.
func (b *Browser) extractZip(ctx context.Context, ext *cache.Extraction, ref archive.Ref) error {
	src, info, err := b.fetcher.OpenSource(ctx, ref.URL)
	if err != nil {
		return err
	}
	ext.Ref.ETag = info.ETag
	ext.Ref.LastModified = info.LastModified

	zr, err := archive.NewZipReader(src)
	if err != nil {
		return err
	}
	for _, entry := range zr.Entries() {
		if !b.filter.Interesting(entry.Path) {
			continue
		}
		if budget := ext.Budget(); budget >= 0 && entry.Size > budget {
			ext.Truncated = true
			break
		}
		content, err := readEntry(zr, entry)
		if err != nil {
			return err
		}
		if !ext.Add(entry.Path, content) {
			break
		}
	}
	return nil
}

func readEntry(zr *archive.ZipReader, entry archive.Entry) ([]byte, error) {
	rc, err := zr.Open(entry.Path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	content, err := io.ReadAll(io.LimitReader(rc, entry.Size+1))
	if err != nil {
		return nil, err
	}
	if int64(len(content)) != entry.Size {
		return nil, fmt.Errorf("%w: entry %s is %d bytes, header says %d",
			archive.ErrCorruptArchive, entry.Path, len(content), entry.Size)
	}
	return content, nil
}

// extractTar streams a .tar.gz sdist start to finish, verifying the
// index-advertised digest when the whole stream was consumed.
func (b *Browser) extractTar(ctx context.Context, ext *cache.Extraction, ref archive.Ref) error {
	body, info, err := b.fetcher.Open(ctx, ref.URL)
	if err != nil {
		return err
	}
	defer body.Close()
	ext.Ref.ETag = info.ETag
	ext.Ref.LastModified = info.LastModified

	var stream io.Reader = body
	var verifier digest.Verifier
	if ref.Digest != "" {
		verifier = ref.Digest.Verifier()
		stream = io.TeeReader(body, verifier)
	}

	tr, err := archive.NewTarReader(stream)
	if err != nil {
		return err
	}
	defer tr.Close()

	for {
		entry, r, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if !b.filter.Interesting(entry.Path) {
			continue
		}
		if budget := ext.Budget(); budget >= 0 && entry.Size > budget {
			ext.Truncated = true
			break
		}
		content, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		if !ext.Add(entry.Path, content) {
			break
		}
	}

	if verifier != nil && !ext.Truncated {
		// The tar reader stops at the end-of-archive marker; drain the
		// trailing padding so the verifier sees every byte.
		if _, err := io.Copy(io.Discard, stream); err != nil {
			return err
		}
		if !verifier.Verified() {
			return fmt.Errorf("%w: archive digest mismatch for %s", archive.ErrCorruptArchive, ref.Filename)
		}
	}
	return nil
}

// mapErr reclassifies errors that were caused by the extraction deadline:
// whatever layer noticed it first, the result is a fetch timeout.
func (b *Browser) mapErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, pkghttp.ErrFetchTimeout) {
		return fmt.Errorf("%w: %v", pkghttp.ErrFetchTimeout, err)
	}
	return err
}
