package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkgpeek/pkgpeek/archive"
)

func testExtraction(name, version string, files ...string) *Extraction {
	id := Identity{Name: name, Version: version}
	ext := NewExtraction(id, archive.Ref{Version: version}, 0)
	for _, f := range files {
		ext.Add(f, []byte("content of "+f))
	}
	return ext
}

func fillWith(ext *Extraction, calls *atomic.Int64) FillFunc {
	return func() (*Extraction, error) {
		calls.Add(1)
		return ext, nil
	}
}

func TestCacheHit(t *testing.T) {
	t.Parallel()

	c := New()
	defer c.Close()

	id := Identity{Name: "demo-pkg", Version: "1.0"}
	var calls atomic.Int64
	fill := fillWith(testExtraction("demo-pkg", "1.0", "README"), &calls)

	first, err := c.Get(context.Background(), id, fill)
	require.NoError(t, err)
	second, err := c.Get(context.Background(), id, fill)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int64(1), calls.Load())

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestCacheCoalescesConcurrentFills(t *testing.T) {
	t.Parallel()

	c := New()
	defer c.Close()

	id := Identity{Name: "demo-pkg", Version: "latest"}
	var calls atomic.Int64
	started := make(chan struct{})
	fill := func() (*Extraction, error) {
		calls.Add(1)
		<-started
		return testExtraction("demo-pkg", "latest", "README"), nil
	}

	const workers = 16
	results := make([]*Extraction, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), id, fill)
		}(i)
	}

	// Release the fill once every worker has had a chance to join the flight.
	time.Sleep(50 * time.Millisecond)
	close(started)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}

	// One fill ran, so exactly one miss is counted no matter how many
	// callers joined the flight.
	assert.Equal(t, uint64(1), c.Stats().Misses)
}

func TestCacheWaiterCancellationDoesNotAbortFill(t *testing.T) {
	t.Parallel()

	c := New()
	defer c.Close()

	id := Identity{Name: "demo-pkg", Version: "1.0"}
	release := make(chan struct{})
	fill := func() (*Extraction, error) {
		<-release
		return testExtraction("demo-pkg", "1.0", "README"), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, id, fill)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)

	// The abandoned fill still completes and publishes its result.
	close(release)
	require.Eventually(t, func() bool {
		_, _, ok := c.lookup(id.Key(), false)
		return ok
	}, time.Second, 10*time.Millisecond)

	var calls atomic.Int64
	ext, err := c.Get(context.Background(), id, fillWith(nil, &calls))
	require.NoError(t, err)
	assert.Equal(t, []string{"README"}, ext.Paths())
	assert.Equal(t, int64(0), calls.Load())
}

func TestCacheRetainsFailures(t *testing.T) {
	t.Parallel()

	c := New(WithFailureTTL(100 * time.Millisecond))
	defer c.Close()

	id := Identity{Name: "broken-pkg", Version: "latest"}
	boom := errors.New("upstream exploded")
	var calls atomic.Int64
	fill := func() (*Extraction, error) {
		calls.Add(1)
		return nil, boom
	}

	_, err := c.Get(context.Background(), id, fill)
	assert.ErrorIs(t, err, boom)

	// Within the retention window the cached failure is shared.
	_, err = c.Get(context.Background(), id, fill)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, uint64(1), c.Stats().Failures)

	// After expiry the fill runs again.
	time.Sleep(150 * time.Millisecond)
	_, err = c.Get(context.Background(), id, fill)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(2), calls.Load())
}

func TestCacheFailureTTLFunc(t *testing.T) {
	t.Parallel()

	permanent := errors.New("corrupt archive")
	c := New(WithFailureTTLFunc(func(err error) time.Duration {
		if errors.Is(err, permanent) {
			return time.Hour
		}
		return time.Millisecond
	}))
	defer c.Close()

	id := Identity{Name: "corrupt-pkg", Version: "1.0"}
	var calls atomic.Int64
	fill := func() (*Extraction, error) {
		calls.Add(1)
		return nil, permanent
	}

	_, err := c.Get(context.Background(), id, fill)
	assert.ErrorIs(t, err, permanent)

	time.Sleep(20 * time.Millisecond)
	_, err = c.Get(context.Background(), id, fill)
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, int64(1), calls.Load())
}

func TestCacheReadyTTLExpiry(t *testing.T) {
	t.Parallel()

	c := New(WithReadyTTL(50 * time.Millisecond))
	defer c.Close()

	id := Identity{Name: "demo-pkg", Version: "1.0"}
	var calls atomic.Int64
	fill := func() (*Extraction, error) {
		calls.Add(1)
		return testExtraction("demo-pkg", "1.0", "README"), nil
	}

	_, err := c.Get(context.Background(), id, fill)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	_, err = c.Get(context.Background(), id, fill)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestCacheEvictsLRU(t *testing.T) {
	t.Parallel()

	// Each extraction stores ~1KiB; cap at ~2.5 extractions.
	content := strings.Repeat("x", 1024)
	c := New(WithMaxBytes(2560))
	defer c.Close()

	add := func(name string) {
		id := Identity{Name: name, Version: "1.0"}
		_, err := c.Get(context.Background(), id, func() (*Extraction, error) {
			ext := NewExtraction(id, archive.Ref{Version: "1.0"}, 0)
			ext.Add("README", []byte(content))
			return ext, nil
		})
		require.NoError(t, err)
	}

	add("pkg-a")
	add("pkg-b")
	// Touch pkg-a so pkg-b is the least recently used.
	_, _, ok := c.lookup(Identity{Name: "pkg-a", Version: "1.0"}.Key(), true)
	require.True(t, ok)
	add("pkg-c")

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, 2, stats.Entries)
	assert.LessOrEqual(t, stats.SizeBytes, int64(2560))

	_, _, ok = c.lookup(Identity{Name: "pkg-b", Version: "1.0"}.Key(), false)
	assert.False(t, ok)
	_, _, ok = c.lookup(Identity{Name: "pkg-a", Version: "1.0"}.Key(), false)
	assert.True(t, ok)
}

func TestCacheOversizedEntrySurvivesPublication(t *testing.T) {
	t.Parallel()

	c := New(WithMaxBytes(100))
	defer c.Close()

	id := Identity{Name: "huge-pkg", Version: "1.0"}
	_, err := c.Get(context.Background(), id, func() (*Extraction, error) {
		ext := NewExtraction(id, archive.Ref{Version: "1.0"}, 0)
		ext.Add("README", []byte(strings.Repeat("x", 500)))
		return ext, nil
	})
	require.NoError(t, err)

	// The just-published entry is kept even though it exceeds the cap alone.
	_, _, ok := c.lookup(id.Key(), false)
	assert.True(t, ok)
}

func TestCacheInvalidate(t *testing.T) {
	t.Parallel()

	c := New()
	defer c.Close()

	id := Identity{Name: "demo-pkg", Version: "1.0"}
	var calls atomic.Int64
	fill := fillWith(testExtraction("demo-pkg", "1.0", "README"), &calls)

	_, err := c.Get(context.Background(), id, fill)
	require.NoError(t, err)
	c.Invalidate(id)
	_, err = c.Get(context.Background(), id, fill)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestCacheDistinctIdentities(t *testing.T) {
	t.Parallel()

	c := New()
	defer c.Close()

	var calls atomic.Int64
	get := func(name, version string) *Extraction {
		id := Identity{Name: name, Version: version}
		ext, err := c.Get(context.Background(), id, func() (*Extraction, error) {
			calls.Add(1)
			return testExtraction(name, version, "README"), nil
		})
		require.NoError(t, err)
		return ext
	}

	a := get("demo-pkg", "1.0")
	b := get("demo-pkg", "latest")
	assert.NotSame(t, a, b)
	assert.Equal(t, int64(2), calls.Load())
}

func TestExtractionByteCap(t *testing.T) {
	t.Parallel()

	id := Identity{Name: "demo-pkg", Version: "1.0"}
	ext := NewExtraction(id, archive.Ref{}, 100)

	require.True(t, ext.Add("a", []byte(strings.Repeat("x", 60))))
	assert.Equal(t, int64(40), ext.Budget())

	// The second file would push past the cap; nothing is stored.
	require.False(t, ext.Add("b", []byte(strings.Repeat("x", 60))))
	assert.True(t, ext.Truncated)
	assert.Equal(t, 1, ext.Len())
	assert.Equal(t, int64(60), ext.TotalBytes())
	assert.Equal(t, []string{"a"}, ext.Paths())
}

func TestExtractionDuplicatePathsKeepFirst(t *testing.T) {
	t.Parallel()

	ext := NewExtraction(Identity{Name: "demo-pkg", Version: "1.0"}, archive.Ref{}, 0)
	require.True(t, ext.Add("README", []byte("first")))
	require.True(t, ext.Add("README", []byte("second")))

	f, ok := ext.File("README")
	require.True(t, ok)
	assert.Equal(t, "first", string(f.Content))
	assert.Equal(t, 1, ext.Len())
}

func TestExtractionFileDigest(t *testing.T) {
	t.Parallel()

	ext := NewExtraction(Identity{Name: "demo-pkg", Version: "1.0"}, archive.Ref{}, 0)
	content := []byte("Name: demo-pkg\nVersion: 1.0\n")
	require.True(t, ext.Add("METADATA", content))

	f, ok := ext.File("METADATA")
	require.True(t, ok)
	assert.Equal(t, f.Size, int64(len(content)))
	require.NoError(t, f.Digest.Validate())
	assert.NotEmpty(t, f.Digest.Encoded())

	_, ok = ext.File("missing")
	assert.False(t, ok)
}

func TestIdentityKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "demo-pkg@1.0", Identity{Name: "demo-pkg", Version: "1.0"}.Key())
	assert.Equal(t, "demo-pkg@latest", Identity{Name: "demo-pkg", Version: "latest"}.Key())
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "pending", fmt.Sprint(State(0)))
}
