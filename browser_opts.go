package pkgpeek

import (
	"log/slog"
	"time"

	"github.com/pkgpeek/pkgpeek/cache"
	"github.com/pkgpeek/pkgpeek/interest"
)

// Default limits.
const (
	// DefaultFetchTimeout bounds one whole extraction: resolve, fetch and
	// archive traversal.
	DefaultFetchTimeout = 60 * time.Second

	// DefaultMaxPackageBytes caps the extracted bytes stored per package.
	DefaultMaxPackageBytes int64 = 8 << 20
)

// Failure retention windows, by error class.
const (
	// TransientFailureTTL retains upstream failures briefly so bursts share
	// one error, while allowing a retry soon after.
	TransientFailureTTL = 30 * time.Second

	// NotFoundFailureTTL retains not-found results; unknown packages are
	// requested repeatedly by crawlers and typos.
	NotFoundFailureTTL = 5 * time.Minute

	// FormatFailureTTL retains format failures; a corrupt archive stays
	// corrupt, so retrying sooner cannot help.
	FormatFailureTTL = 15 * time.Minute
)

// Option configures a Browser.
type Option func(*Browser)

// WithResolver replaces the index resolver.
func WithResolver(r Resolver) Option {
	return func(b *Browser) {
		if r != nil {
			b.resolver = r
		}
	}
}

// WithFetcher replaces the archive fetch client.
func WithFetcher(f Fetcher) Option {
	return func(b *Browser) {
		if f != nil {
			b.fetcher = f
		}
	}
}

// WithIndexURL points the default resolver at another simple index
// (e.g. an internal mirror). Ignored when WithResolver is also given.
func WithIndexURL(baseURL string) Option {
	return func(b *Browser) {
		b.indexURL = baseURL
	}
}

// WithFilter replaces the interest filter deciding which files to extract.
func WithFilter(f *interest.Filter) Option {
	return func(b *Browser) {
		if f != nil {
			b.filter = f
		}
	}
}

// WithCache uses an externally constructed cache. The caller keeps
// ownership: Browser.Close will not close it.
func WithCache(c *cache.Cache) Option {
	return func(b *Browser) {
		if c != nil {
			b.cache = c
			b.ownCache = false
		}
	}
}

// WithCacheMaxBytes caps the total extracted bytes retained by the
// internally constructed cache. Ignored when WithCache is also given.
func WithCacheMaxBytes(n int64) Option {
	return func(b *Browser) {
		b.cacheMaxBytes = n
	}
}

// WithCacheReadyTTL sets how long successful extractions are retained by the
// internally constructed cache. Ignored when WithCache is also given.
func WithCacheReadyTTL(d time.Duration) Option {
	return func(b *Browser) {
		if d > 0 {
			b.cacheReadyTTL = d
		}
	}
}

// WithUserAgent sets the User-Agent header the internally constructed
// resolver and fetcher send upstream. Ignored for injected collaborators.
func WithUserAgent(ua string) Option {
	return func(b *Browser) {
		b.userAgent = ua
	}
}

// WithFetchTimeout bounds a single extraction end to end.
func WithFetchTimeout(d time.Duration) Option {
	return func(b *Browser) {
		if d > 0 {
			b.fetchTimeout = d
		}
	}
}

// WithMaxPackageBytes caps the extracted bytes stored per package.
// Extraction stops at the cap and the listing is marked truncated.
func WithMaxPackageBytes(n int64) Option {
	return func(b *Browser) {
		if n > 0 {
			b.maxPackageBytes = n
		}
	}
}

// WithLogger sets the logger used by the browser and, unless they were
// injected, its default collaborators.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Browser) {
		b.logger = logger
	}
}

// FailureTTL maps an extraction error to its retention window. It is
// installed into internally constructed caches and exported so external
// caches can reuse the policy.
func FailureTTL(err error) time.Duration {
	switch {
	case IsNotFound(err):
		return NotFoundFailureTTL
	case IsFormatError(err):
		return FormatFailureTTL
	case IsTransient(err):
		return TransientFailureTTL
	default:
		return cache.DefaultFailureTTL
	}
}
