package pkgpeek_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkgpeek/pkgpeek"
	"github.com/pkgpeek/pkgpeek/cache"
	"github.com/pkgpeek/pkgpeek/internal/testutil"
)

const metadataContent = "Name: demo-pkg\nVersion: 1.0\n"

func demoWheel(t *testing.T) []byte {
	t.Helper()
	return testutil.ZipArchive(t, []testutil.FileSpec{
		{Path: "demo_pkg-1.0.dist-info/METADATA", Content: metadataContent},
		{Path: "LICENSE.txt", Content: "MIT License\n"},
		{Path: "demo_pkg/__init__.py", Content: "VERSION = '1.0'\n"},
	})
}

func demoSdist(t *testing.T) []byte {
	t.Helper()
	return testutil.TarGzArchive(t, []testutil.FileSpec{
		{Path: "demo-pkg-1.0/PKG-INFO", Content: metadataContent},
		{Path: "demo-pkg-1.0/setup.py", Content: "from setuptools import setup\n"},
		{Path: "demo-pkg-1.0/demo_pkg/__init__.py", Content: "VERSION = '1.0'\n"},
	})
}

func newBrowser(t *testing.T, up *testutil.Upstream, opts ...pkgpeek.Option) *pkgpeek.Browser {
	t.Helper()
	b := pkgpeek.New(append([]pkgpeek.Option{pkgpeek.WithIndexURL(up.URL())}, opts...)...)
	t.Cleanup(b.Close)
	return b
}

func TestBrowseWheel(t *testing.T) {
	t.Parallel()

	up := testutil.NewUpstream(t, map[string][]testutil.Release{
		"demo-pkg": {{Filename: "demo_pkg-1.0-py3-none-any.whl", Data: demoWheel(t)}},
	})
	b := newBrowser(t, up)

	listing, err := b.Listing(context.Background(), "Demo.Pkg", "")
	require.NoError(t, err)
	assert.Equal(t, "demo-pkg", listing.Name)
	assert.Equal(t, "1.0", listing.Version)
	assert.Equal(t, "demo_pkg-1.0-py3-none-any.whl", listing.Filename)
	assert.False(t, listing.Truncated)
	assert.WithinDuration(t, time.Now(), listing.FetchedAt, time.Minute)

	// Only the metadata and license survive the filter; code does not.
	assert.Equal(t, []string{"demo_pkg-1.0.dist-info/METADATA", "LICENSE.txt"}, listing.Paths)

	content, size, err := b.ReadFile(context.Background(), "demo-pkg", "1.0", "demo_pkg-1.0.dist-info/METADATA")
	require.NoError(t, err)
	assert.Equal(t, metadataContent, string(content))
	assert.Equal(t, int64(len(metadataContent)), size)

	_, _, err = b.ReadFile(context.Background(), "demo-pkg", "1.0", "demo_pkg/__init__.py")
	assert.ErrorIs(t, err, pkgpeek.ErrFileNotFound)
	assert.True(t, pkgpeek.IsNotFound(err))
}

func TestBrowseSdist(t *testing.T) {
	t.Parallel()

	up := testutil.NewUpstream(t, map[string][]testutil.Release{
		"demo-pkg": {{Filename: "demo-pkg-1.0.tar.gz", Data: demoSdist(t)}},
	})
	b := newBrowser(t, up)

	paths, err := b.ListFiles(context.Background(), "demo-pkg", "latest")
	require.NoError(t, err)
	assert.Equal(t, []string{"demo-pkg-1.0/PKG-INFO", "demo-pkg-1.0/setup.py"}, paths)

	f, err := b.File(context.Background(), "demo-pkg", "latest", "demo-pkg-1.0/PKG-INFO")
	require.NoError(t, err)
	assert.Equal(t, metadataContent, string(f.Content))
	require.NoError(t, f.Digest.Validate())
}

func TestBrowseWheelWithoutRangeSupport(t *testing.T) {
	t.Parallel()

	up := testutil.NewUpstream(t, map[string][]testutil.Release{
		"demo-pkg": {{Filename: "demo_pkg-1.0-py3-none-any.whl", Data: demoWheel(t)}},
	})
	up.DisableRanges = true
	b := newBrowser(t, up)

	paths, err := b.ListFiles(context.Background(), "demo-pkg", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"demo_pkg-1.0.dist-info/METADATA", "LICENSE.txt"}, paths)
}

func TestConcurrentRequestsShareOneFetch(t *testing.T) {
	t.Parallel()

	up := testutil.NewUpstream(t, map[string][]testutil.Release{
		"demo-pkg": {{Filename: "demo-pkg-1.0.tar.gz", Data: demoSdist(t)}},
	})
	b := newBrowser(t, up)

	const workers = 20
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.ListFiles(context.Background(), "demo-pkg", "")
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
	}
	assert.Equal(t, int64(1), up.IndexRequests.Load())
	assert.Equal(t, int64(1), up.FileRequests.Load())
}

func TestRepeatedRequestsServeFromCache(t *testing.T) {
	t.Parallel()

	up := testutil.NewUpstream(t, map[string][]testutil.Release{
		"demo-pkg": {{Filename: "demo-pkg-1.0.tar.gz", Data: demoSdist(t)}},
	})
	b := newBrowser(t, up)

	_, err := b.ListFiles(context.Background(), "demo-pkg", "")
	require.NoError(t, err)
	// An empty version and an explicit "latest" share one cache identity.
	_, err = b.ListFiles(context.Background(), "demo-pkg", "latest")
	require.NoError(t, err)
	_, _, err = b.ReadFile(context.Background(), "demo-pkg", "latest", "demo-pkg-1.0/PKG-INFO")
	require.NoError(t, err)

	assert.Equal(t, int64(1), up.IndexRequests.Load())
	assert.Equal(t, int64(1), up.FileRequests.Load())

	stats := b.CacheStats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)

	// Invalidation forces the next request back upstream.
	b.Invalidate("demo-pkg", "")
	_, err = b.ListFiles(context.Background(), "demo-pkg", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), up.IndexRequests.Load())
}

func TestPackageNotFoundIsCached(t *testing.T) {
	t.Parallel()

	up := testutil.NewUpstream(t, map[string][]testutil.Release{})
	b := newBrowser(t, up)

	_, err := b.ListFiles(context.Background(), "no-such-pkg", "")
	assert.ErrorIs(t, err, pkgpeek.ErrPackageNotFound)
	assert.True(t, pkgpeek.IsNotFound(err))

	// The failure is retained: repeats within the window share the result.
	_, err = b.ListFiles(context.Background(), "no-such-pkg", "")
	assert.ErrorIs(t, err, pkgpeek.ErrPackageNotFound)
	assert.Equal(t, int64(1), up.IndexRequests.Load())
}

func TestVersionNotFound(t *testing.T) {
	t.Parallel()

	up := testutil.NewUpstream(t, map[string][]testutil.Release{
		"demo-pkg": {{Filename: "demo-pkg-1.0.tar.gz", Data: demoSdist(t)}},
	})
	b := newBrowser(t, up)

	_, err := b.ListFiles(context.Background(), "demo-pkg", "9.9")
	assert.ErrorIs(t, err, pkgpeek.ErrVersionNotFound)
	assert.NotErrorIs(t, err, pkgpeek.ErrPackageNotFound)
}

func TestTruncatedListing(t *testing.T) {
	t.Parallel()

	up := testutil.NewUpstream(t, map[string][]testutil.Release{
		"demo-pkg": {{Filename: "demo-pkg-1.0.tar.gz", Data: demoSdist(t)}},
	})
	b := newBrowser(t, up, pkgpeek.WithMaxPackageBytes(int64(len(metadataContent)+5)))

	listing, err := b.Listing(context.Background(), "demo-pkg", "")
	require.NoError(t, err)
	assert.True(t, listing.Truncated)
	assert.Equal(t, []string{"demo-pkg-1.0/PKG-INFO"}, listing.Paths)
}

func TestCorruptArchiveDigestMismatch(t *testing.T) {
	t.Parallel()

	sdist := demoSdist(t)
	wrongHash := testutil.SHA256Hex([]byte("something else entirely"))

	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/simple/demo-pkg/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.pypi.simple.v1+json")
		fmt.Fprintf(w, `{"name":"demo-pkg","files":[{"filename":"demo-pkg-1.0.tar.gz","url":%q,"hashes":{"sha256":%q},"yanked":false}]}`,
			srv.URL+"/files/demo-pkg-1.0.tar.gz", wrongHash)
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		w.Write(sdist) //nolint:errcheck
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	b := pkgpeek.New(pkgpeek.WithIndexURL(srv.URL))
	t.Cleanup(b.Close)

	_, err := b.ListFiles(context.Background(), "demo-pkg", "")
	assert.ErrorIs(t, err, pkgpeek.ErrCorruptArchive)
	assert.True(t, pkgpeek.IsFormatError(err))
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()

	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(blocked) })

	b := pkgpeek.New(
		pkgpeek.WithIndexURL(srv.URL),
		pkgpeek.WithFetchTimeout(100*time.Millisecond),
	)
	t.Cleanup(b.Close)

	_, err := b.ListFiles(context.Background(), "demo-pkg", "")
	require.Error(t, err)
	assert.True(t, pkgpeek.IsTransient(err))
}

func TestUserAgentReachesUpstream(t *testing.T) {
	t.Parallel()

	sdist := demoSdist(t)
	var mu sync.Mutex
	agents := map[string]string{}

	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/simple/demo-pkg/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		agents["index"] = r.Header.Get("User-Agent")
		mu.Unlock()
		w.Header().Set("Content-Type", "application/vnd.pypi.simple.v1+json")
		fmt.Fprintf(w, `{"name":"demo-pkg","files":[{"filename":"demo-pkg-1.0.tar.gz","url":%q,"hashes":{},"yanked":false}]}`,
			srv.URL+"/files/demo-pkg-1.0.tar.gz")
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		agents["file"] = r.Header.Get("User-Agent")
		mu.Unlock()
		w.Write(sdist) //nolint:errcheck
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	b := pkgpeek.New(
		pkgpeek.WithIndexURL(srv.URL),
		pkgpeek.WithUserAgent("pkgpeekd-test/1.0"),
	)
	t.Cleanup(b.Close)

	_, err := b.ListFiles(context.Background(), "demo-pkg", "")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "pkgpeekd-test/1.0", agents["index"])
	assert.Equal(t, "pkgpeekd-test/1.0", agents["file"])
}

func TestCacheReadyTTLOptionExpiresEntries(t *testing.T) {
	t.Parallel()

	up := testutil.NewUpstream(t, map[string][]testutil.Release{
		"demo-pkg": {{Filename: "demo-pkg-1.0.tar.gz", Data: demoSdist(t)}},
	})
	b := newBrowser(t, up, pkgpeek.WithCacheReadyTTL(50*time.Millisecond))

	_, err := b.ListFiles(context.Background(), "demo-pkg", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), up.IndexRequests.Load())

	// After the ready TTL the entry ages out and the next request re-fetches.
	time.Sleep(100 * time.Millisecond)
	_, err = b.ListFiles(context.Background(), "demo-pkg", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), up.IndexRequests.Load())
}

func TestFailureWindowExpiryAllowsRetry(t *testing.T) {
	t.Parallel()

	sdist := demoSdist(t)
	var indexHits atomic.Int64

	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/simple/demo-pkg/", func(w http.ResponseWriter, r *http.Request) {
		// The first hit fails transiently; later hits succeed.
		if indexHits.Add(1) == 1 {
			http.Error(w, "index unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.pypi.simple.v1+json")
		fmt.Fprintf(w, `{"name":"demo-pkg","files":[{"filename":"demo-pkg-1.0.tar.gz","url":%q,"hashes":{},"yanked":false}]}`,
			srv.URL+"/files/demo-pkg-1.0.tar.gz")
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		w.Write(sdist) //nolint:errcheck
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	shared := cache.New(cache.WithFailureTTL(100 * time.Millisecond))
	t.Cleanup(shared.Close)
	b := pkgpeek.New(
		pkgpeek.WithIndexURL(srv.URL),
		pkgpeek.WithCache(shared),
	)
	t.Cleanup(b.Close)

	_, err := b.ListFiles(context.Background(), "demo-pkg", "")
	assert.ErrorIs(t, err, pkgpeek.ErrIndexUnavailable)

	// Within the window the failure is shared without a new upstream call.
	_, err = b.ListFiles(context.Background(), "demo-pkg", "")
	assert.ErrorIs(t, err, pkgpeek.ErrIndexUnavailable)
	assert.Equal(t, int64(1), indexHits.Load())

	// After expiry the next request retries and succeeds.
	time.Sleep(150 * time.Millisecond)
	paths, err := b.ListFiles(context.Background(), "demo-pkg", "")
	require.NoError(t, err)
	assert.NotEmpty(t, paths)
	assert.Equal(t, int64(2), indexHits.Load())
}

func TestFailureTTLPolicy(t *testing.T) {
	t.Parallel()

	assert.Equal(t, pkgpeek.NotFoundFailureTTL, pkgpeek.FailureTTL(pkgpeek.ErrPackageNotFound))
	assert.Equal(t, pkgpeek.NotFoundFailureTTL, pkgpeek.FailureTTL(pkgpeek.ErrVersionNotFound))
	assert.Equal(t, pkgpeek.FormatFailureTTL, pkgpeek.FailureTTL(pkgpeek.ErrCorruptArchive))
	assert.Equal(t, pkgpeek.FormatFailureTTL, pkgpeek.FailureTTL(pkgpeek.ErrUnsupportedFormat))
	assert.Equal(t, pkgpeek.TransientFailureTTL, pkgpeek.FailureTTL(pkgpeek.ErrUpstream))
	assert.Equal(t, pkgpeek.TransientFailureTTL, pkgpeek.FailureTTL(pkgpeek.ErrFetchTimeout))
}
