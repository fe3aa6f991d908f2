// Package cache coalesces and retains package extractions.
//
// The cache guarantees at most one concurrent extraction per identity:
// the first caller for a missing identity becomes the owning worker and
// everyone else waits on that flight. Waiters may abandon the wait when
// their context ends, but the owner always runs to completion and publishes
// its result, so no upstream work is wasted. Failed results are retained
// with an error-dependent TTL so that waves of requests for a broken
// package do not hammer the upstream index.
//
// The cache index is guarded by a mutex that is only held while checking or
// publishing entries; no lock is held across network I/O.
package cache

import (
	"container/list"
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Defaults.
const (
	DefaultMaxBytes   int64 = 256 << 20
	DefaultReadyTTL         = time.Hour
	DefaultFailureTTL       = 30 * time.Second
)

// FillFunc produces the extraction for a cache miss.
//
// The function must not depend on the requesting caller's context: it runs
// once on behalf of every concurrent waiter and continues after any of them
// disconnects. Implementations derive their own deadline instead.
type FillFunc func() (*Extraction, error)

// FailureTTLFunc returns how long a failed result is retained before a
// retry is allowed. Transient upstream failures should expire quickly;
// format failures are permanent for the archive and can be kept longer.
type FailureTTLFunc func(err error) time.Duration

// Option configures a Cache.
type Option func(*Cache)

// WithMaxBytes caps the total extracted bytes retained across all packages.
// Least-recently-used extractions are evicted beyond the cap.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

// WithReadyTTL sets how long successful extractions are retained.
func WithReadyTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.readyTTL = d
		}
	}
}

// WithFailureTTL sets a flat retention for failed results.
func WithFailureTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.failureTTL = func(error) time.Duration { return d }
		}
	}
}

// WithFailureTTLFunc sets a per-error retention for failed results.
func WithFailureTTLFunc(fn FailureTTLFunc) Option {
	return func(c *Cache) {
		if fn != nil {
			c.failureTTL = fn
		}
	}
}

// WithLogger sets the logger for cache lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Failures  uint64
	Entries   int
	SizeBytes int64
}

// Cache retains extractions keyed by identity.
//
// Construct with New and release with Close. The cache holds no persistent
// state: dropping it loses nothing but warm data.
type Cache struct {
	maxBytes   int64
	readyTTL   time.Duration
	failureTTL FailureTTLFunc
	logger     *slog.Logger

	group singleflight.Group

	mu         sync.Mutex
	entries    map[string]*entry
	lru        *list.List // front = most recently used
	totalBytes int64
	hits       uint64
	misses     uint64
	evictions  uint64
	failures   uint64

	stop     chan struct{}
	stopOnce sync.Once
}

type entry struct {
	key     string
	state   State
	ext     *Extraction
	err     error
	expires time.Time
	bytes   int64
	elem    *list.Element
}

// New creates a Cache and starts its expiry janitor.
func New(opts ...Option) *Cache {
	c := &Cache{
		maxBytes:   DefaultMaxBytes,
		readyTTL:   DefaultReadyTTL,
		failureTTL: func(error) time.Duration { return DefaultFailureTTL },
		entries:    make(map[string]*entry),
		lru:        list.New(),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.janitor()
	return c
}

func (c *Cache) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.logger
}

// Get returns the extraction for id, running fill on a miss.
//
// Concurrent calls for the same identity share a single fill. If ctx ends
// while waiting, Get returns ctx.Err() but the fill keeps running and its
// result is published for future callers. A retained failure is returned
// as-is until its TTL expires.
func (c *Cache) Get(ctx context.Context, id Identity, fill FillFunc) (*Extraction, error) {
	key := id.Key()

	if ext, err, ok := c.lookup(key, true); ok {
		return ext, err
	}

	ch := c.group.DoChan(key, func() (any, error) {
		// Another flight may have published between the caller's lookup and
		// this call being scheduled.
		if ext, err, ok := c.lookup(key, false); ok {
			if err != nil {
				return nil, err
			}
			return ext, nil
		}

		c.mu.Lock()
		c.misses++
		c.mu.Unlock()

		ext, err := fill()
		if err != nil {
			c.publishFailure(key, err)
			return nil, err
		}
		c.publishReady(key, ext)
		return ext, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Extraction), nil
	}
}

// lookup returns a fresh entry's result and whether one existed. Hits are
// only counted for caller-facing lookups, not for the double-check inside a
// flight; misses are counted by the flight that runs a fill, so coalesced
// waiters do not inflate the miss counter.
func (c *Cache) lookup(key string, count bool) (*Extraction, error, bool) { //nolint:revive // the error is part of the cached value
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, nil, false
	}
	if time.Now().After(e.expires) {
		c.removeLocked(e)
		return nil, nil, false
	}
	c.lru.MoveToFront(e.elem)
	if count {
		c.hits++
	}
	if e.state == StateFailed {
		return nil, e.err, true
	}
	return e.ext, nil, true
}

// Invalidate drops the entry for id, forcing the next request to re-fetch.
func (c *Cache) Invalidate(id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id.Key()]; ok {
		c.removeLocked(e)
	}
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Failures:  c.failures,
		Entries:   len(c.entries),
		SizeBytes: c.totalBytes,
	}
}

// Close stops the expiry janitor. The cache flushes nothing: all state is
// in memory and simply dropped.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) publishReady(key string, ext *Extraction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}
	e := &entry{
		key:     key,
		state:   StateReady,
		ext:     ext,
		expires: time.Now().Add(c.readyTTL),
		bytes:   ext.TotalBytes(),
	}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	c.totalBytes += e.bytes
	c.evictLocked(e)
	c.log().Debug("extraction cached",
		"key", key, "files", ext.Len(), "bytes", e.bytes, "truncated", ext.Truncated)
}

func (c *Cache) publishFailure(key string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}
	e := &entry{
		key:     key,
		state:   StateFailed,
		err:     err,
		expires: time.Now().Add(c.failureTTL(err)),
	}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	c.failures++
	c.log().Debug("extraction failure cached", "key", key, "error", err)
}

// evictLocked drops least-recently-used entries until the byte cap holds.
// The entry just published is never evicted, even if it alone exceeds the
// cap; it ages out or is displaced by the next publication.
func (c *Cache) evictLocked(keep *entry) {
	for c.totalBytes > c.maxBytes {
		back := c.lru.Back()
		if back == nil {
			return
		}
		victim := back.Value.(*entry)
		if victim == keep {
			return
		}
		c.removeLocked(victim)
		c.evictions++
		c.log().Debug("extraction evicted", "key", victim.key, "bytes", victim.bytes)
	}
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.lru.Remove(e.elem)
	c.totalBytes -= e.bytes
}

// janitor drops expired entries so idle failures and stale extractions do
// not pin memory between requests.
func (c *Cache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if now.After(e.expires) {
			c.removeLocked(e)
		}
	}
}
