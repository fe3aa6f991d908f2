// Package http fetches distribution archives from the upstream file host.
//
// Two access modes are offered: Open streams a response body for sequential
// (tar) traversal, and OpenSource exposes random access for zip central
// directories via HTTP range requests, falling back to a bounded in-memory
// download when the host does not serve ranges.
package http //nolint:revive // intentional naming for domain clarity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"strconv"
	"strings"

	"github.com/pkgpeek/pkgpeek/archive"
)

// Sentinel errors.
var (
	// ErrFetchTimeout is returned when the fetch deadline expires before the
	// archive (or the requested range) is read.
	ErrFetchTimeout = errors.New("http: fetch deadline exceeded")

	// ErrUpstream is returned for transport failures and unexpected status
	// codes from the file host. These are transient.
	ErrUpstream = errors.New("http: upstream fetch failed")

	// ErrTooLarge is returned when a host without range support serves an
	// archive bigger than the configured buffer limit.
	ErrTooLarge = errors.New("http: archive exceeds buffer limit")
)

// DefaultMaxBufferBytes caps the in-memory fallback download for hosts
// without range support.
const DefaultMaxBufferBytes int64 = 128 << 20

// SourceInfo carries transport metadata observed while opening an archive.
type SourceInfo struct {
	Size         int64
	ETag         string
	LastModified string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *nethttp.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithUserAgent sets the User-Agent header sent to the file host.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithMaxBufferBytes bounds the in-memory fallback used when the host does
// not support range requests. Zero selects DefaultMaxBufferBytes.
func WithMaxBufferBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBufferBytes = n
		}
	}
}

// WithLogger sets the logger for fetch decisions.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client fetches archives over HTTP.
type Client struct {
	hc             *nethttp.Client
	userAgent      string
	maxBufferBytes int64
	logger         *slog.Logger
}

// NewClient creates a fetch client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		hc:             nethttp.DefaultClient,
		maxBufferBytes: DefaultMaxBufferBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.logger
}

// Open streams the archive at url. The returned reader surfaces deadline
// expiry as ErrFetchTimeout; it must be closed by the caller.
func (c *Client) Open(ctx context.Context, url string) (io.ReadCloser, SourceInfo, error) {
	req, err := c.newRequest(ctx, nethttp.MethodGet, url)
	if err != nil {
		return nil, SourceInfo{}, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, SourceInfo{}, c.mapErr(ctx, err)
	}
	if resp.StatusCode != nethttp.StatusOK {
		resp.Body.Close()
		return nil, SourceInfo{}, fmt.Errorf("%w: %s returned %s", ErrUpstream, url, resp.Status)
	}
	info := SourceInfo{
		Size:         resp.ContentLength,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
	return &deadlineReadCloser{ctx: ctx, rc: resp.Body}, info, nil
}

// OpenSource opens the archive at url for random access.
//
// The host is probed with a one-byte range request. If it honors ranges, the
// returned source reads each requested byte range on demand and the archive
// is never fully downloaded. Otherwise the body is buffered in memory, up to
// the configured limit.
func (c *Client) OpenSource(ctx context.Context, url string) (archive.ByteSource, SourceInfo, error) {
	size, etag, lastModified, err := c.rangeProbe(ctx, url)
	if err == nil {
		c.log().Debug("range requests supported", "url", url, "size", size)
		src := &rangeSource{
			client: c,
			ctx:    ctx,
			url:    url,
			size:   size,
		}
		info := SourceInfo{Size: size, ETag: etag, LastModified: lastModified}
		return src, info, nil
	}
	if !errors.Is(err, errNoRangeSupport) {
		return nil, SourceInfo{}, err
	}

	c.log().Debug("range requests unsupported, buffering", "url", url)
	return c.bufferAll(ctx, url)
}

func (c *Client) bufferAll(ctx context.Context, url string) (archive.ByteSource, SourceInfo, error) {
	body, info, err := c.Open(ctx, url)
	if err != nil {
		return nil, SourceInfo{}, err
	}
	defer body.Close()

	if info.Size > c.maxBufferBytes {
		return nil, SourceInfo{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size)
	}
	data, err := io.ReadAll(io.LimitReader(body, c.maxBufferBytes+1))
	if err != nil {
		return nil, SourceInfo{}, c.mapErr(ctx, err)
	}
	if int64(len(data)) > c.maxBufferBytes {
		return nil, SourceInfo{}, fmt.Errorf("%w: body exceeds %d bytes", ErrTooLarge, c.maxBufferBytes)
	}
	info.Size = int64(len(data))
	return NewBufferSource(data), info, nil
}

func (c *Client) newRequest(ctx context.Context, method, url string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}

// mapErr folds transport errors into the package taxonomy: deadline expiry
// becomes ErrFetchTimeout, everything else ErrUpstream.
func (c *Client) mapErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrFetchTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}

// errNoRangeSupport is internal to the probe/fallback handshake.
var errNoRangeSupport = errors.New("http: range requests not supported")

// rangeProbe issues a one-byte range request to learn the content size and
// whether the host honors ranges at all.
func (c *Client) rangeProbe(ctx context.Context, url string) (int64, string, string, error) {
	req, err := c.newRequest(ctx, nethttp.MethodGet, url)
	if err != nil {
		return 0, "", "", err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, "", "", c.mapErr(ctx, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
		// ok
	case nethttp.StatusOK:
		return 0, "", "", errNoRangeSupport
	case nethttp.StatusNotFound:
		return 0, "", "", fmt.Errorf("%w: %s returned %s", ErrUpstream, url, resp.Status)
	default:
		return 0, "", "", fmt.Errorf("%w: range probe returned %s", ErrUpstream, resp.Status)
	}

	crange := resp.Header.Get("Content-Range")
	size, err := parseContentRange(crange)
	if err != nil {
		return 0, "", "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return size, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"), nil
}

// parseContentRange extracts the total size from a "bytes 0-0/N" header.
func parseContentRange(value string) (int64, error) {
	if value == "" {
		return 0, errors.New("missing Content-Range header")
	}
	idx := strings.LastIndexByte(value, '/')
	if idx < 0 || idx == len(value)-1 {
		return 0, fmt.Errorf("malformed Content-Range %q", value)
	}
	total := value[idx+1:]
	if total == "*" {
		return 0, fmt.Errorf("indeterminate Content-Range %q", value)
	}
	size, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Content-Range %q: %v", value, err)
	}
	return size, nil
}

// rangeSource reads remote bytes on demand using HTTP range requests.
type rangeSource struct {
	client *Client
	ctx    context.Context
	url    string
	size   int64
}

// ReadAt implements io.ReaderAt over the remote content.
func (s *rangeSource) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}

	end := off + int64(len(p)) - 1
	expected := len(p)
	if end >= s.size {
		end = s.size - 1
		expected = int(end - off + 1)
	}

	req, err := s.client.newRequest(s.ctx, nethttp.MethodGet, s.url)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))

	resp, err := s.client.hc.Do(req)
	if err != nil {
		return 0, s.client.mapErr(s.ctx, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
		// ok
	case nethttp.StatusRequestedRangeNotSatisfiable:
		return 0, io.EOF
	case nethttp.StatusOK:
		return 0, fmt.Errorf("%w: host stopped honoring ranges", ErrUpstream)
	default:
		return 0, fmt.Errorf("%w: range request returned %s", ErrUpstream, resp.Status)
	}

	n, err := io.ReadFull(resp.Body, p[:expected])
	if err != nil {
		return n, s.client.mapErr(s.ctx, err)
	}
	if expected < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the total remote content size.
func (s *rangeSource) Size() int64 {
	return s.size
}

// BufferSource is an in-memory ByteSource, used as the fallback when ranges
// are unavailable and by tests.
type BufferSource struct {
	data []byte
}

// NewBufferSource wraps data in a ByteSource.
func NewBufferSource(data []byte) *BufferSource {
	return &BufferSource{data: data}
}

// ReadAt implements io.ReaderAt over the backing slice.
func (b *BufferSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if off+int64(n) >= int64(len(b.data)) && n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the total size of the backing data.
func (b *BufferSource) Size() int64 {
	return int64(len(b.data))
}

// Reader returns a sequential reader over the buffered data.
func (b *BufferSource) Reader() io.Reader {
	return bytes.NewReader(b.data)
}

// deadlineReadCloser surfaces deadline expiry during body reads as
// ErrFetchTimeout instead of a bare transport error.
type deadlineReadCloser struct {
	ctx context.Context
	rc  io.ReadCloser
}

func (d *deadlineReadCloser) Read(p []byte) (int, error) {
	n, err := d.rc.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(d.ctx.Err(), context.DeadlineExceeded) {
			return n, fmt.Errorf("%w: %v", ErrFetchTimeout, err)
		}
	}
	return n, err
}

func (d *deadlineReadCloser) Close() error {
	return d.rc.Close()
}

// Interface compliance.
var (
	_ archive.ByteSource = (*rangeSource)(nil)
	_ archive.ByteSource = (*BufferSource)(nil)
)
