// Package index resolves package names against a PEP 503 "simple" index.
//
// The resolver speaks both the JSON simple API
// (application/vnd.pypi.simple.v1+json) and the older HTML anchor listing,
// and maps a (name, version) pair to the distribution archive that should be
// browsed. It performs exactly one outbound request per call and caches
// nothing; caching happens at the extraction layer, keyed by identity.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/opencontainers/go-digest"
	"golang.org/x/net/html"

	"github.com/pkgpeek/pkgpeek/archive"
)

// Sentinel errors.
var (
	// ErrPackageNotFound is returned when the index has no project page for
	// the requested name.
	ErrPackageNotFound = errors.New("index: package not found")

	// ErrVersionNotFound is returned when the project exists but the
	// requested version has no files.
	ErrVersionNotFound = errors.New("index: version not found")

	// ErrUnavailable is returned for transport failures and unexpected
	// upstream responses. These are transient: callers may retry.
	ErrUnavailable = errors.New("index: upstream unavailable")
)

const (
	// DefaultBaseURL is the public PyPI instance.
	DefaultBaseURL = "https://pypi.org"

	// VersionLatest selects the newest release in the index's own ordering.
	VersionLatest = "latest"

	jsonSimpleType = "application/vnd.pypi.simple.v1+json"
	acceptHeader   = jsonSimpleType + ", text/html;q=0.1"
)

// NormalizeName applies PEP 503 name normalization: case-fold and collapse
// runs of '-', '_' and '.' into a single '-'.
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	prevSep := false
	for _, r := range strings.ToLower(name) {
		if r == '-' || r == '_' || r == '.' {
			prevSep = true
			continue
		}
		if prevSep && b.Len() > 0 {
			b.WriteByte('-')
		}
		prevSep = false
		b.WriteRune(r)
	}
	return b.String()
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHTTPClient sets the HTTP client used for index requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(r *Resolver) {
		if hc != nil {
			r.hc = hc
		}
	}
}

// WithUserAgent sets the User-Agent header sent to the index.
func WithUserAgent(ua string) Option {
	return func(r *Resolver) {
		r.userAgent = ua
	}
}

// WithLogger sets the logger used for resolution decisions.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// Resolver looks up distribution archives on a simple index.
type Resolver struct {
	baseURL   string
	hc        *http.Client
	userAgent string
	logger    *slog.Logger
}

// New creates a Resolver for the index rooted at baseURL
// (e.g. "https://pypi.org"). An empty baseURL selects DefaultBaseURL.
func New(baseURL string, opts ...Option) *Resolver {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	r := &Resolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      http.DefaultClient,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r.logger
}

// candidate is one downloadable file from the project page.
type candidate struct {
	filename string
	url      string
	version  string
	format   archive.Format
	sha256   string
	yanked   bool
}

// Resolve maps (name, version) to the archive that should be browsed.
//
// version may be VersionLatest or empty to select the newest release in the
// index's own file ordering (the index lists files version-ascending; no
// version comparison is re-implemented here). Within a release, wheels are
// preferred over .tar.gz sdists, and those over .zip sdists, mirroring how
// much metadata each format carries.
func (r *Resolver) Resolve(ctx context.Context, name, version string) (archive.Ref, error) {
	norm := NormalizeName(name)
	if norm == "" {
		return archive.Ref{}, fmt.Errorf("%w: empty name", ErrPackageNotFound)
	}

	pageURL := r.baseURL + "/simple/" + norm + "/"
	cands, err := r.fetchCandidates(ctx, pageURL, norm)
	if err != nil {
		return archive.Ref{}, err
	}
	if len(cands) == 0 {
		return archive.Ref{}, fmt.Errorf("%w: %s has no files", ErrPackageNotFound, norm)
	}

	want := version
	if want == "" || want == VersionLatest {
		want = latestVersion(cands)
		if want == "" {
			return archive.Ref{}, fmt.Errorf("%w: no usable release for %s", archive.ErrUnsupportedFormat, norm)
		}
	}

	best, ok := pickForVersion(cands, want)
	if !ok {
		for _, c := range cands {
			if c.version == want {
				return archive.Ref{}, fmt.Errorf("%w: %s %s has no readable archive", archive.ErrUnsupportedFormat, norm, want)
			}
		}
		return archive.Ref{}, fmt.Errorf("%w: %s %s", ErrVersionNotFound, norm, want)
	}

	ref := archive.Ref{
		URL:      best.url,
		Filename: best.filename,
		Version:  best.version,
		Format:   best.format,
	}
	if best.sha256 != "" {
		ref.Digest = digest.NewDigestFromEncoded(digest.SHA256, best.sha256)
	}
	r.log().Debug("resolved archive",
		"name", norm, "version", ref.Version, "filename", ref.Filename, "format", ref.Format.String())
	return ref, nil
}

func (r *Resolver) fetchCandidates(ctx context.Context, pageURL, norm string) ([]candidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", acceptHeader)
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, norm)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: index returned %s", ErrUnavailable, resp.Status)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == jsonSimpleType {
		return parseJSONPage(resp.Body, norm)
	}
	return parseHTMLPage(resp.Body, pageURL, norm)
}

// jsonPage is the subset of the JSON simple API response the resolver needs.
type jsonPage struct {
	Files []struct {
		Filename string            `json:"filename"`
		URL      string            `json:"url"`
		Hashes   map[string]string `json:"hashes"`
		Yanked   any               `json:"yanked"`
	} `json:"files"`
}

func parseJSONPage(body io.Reader, norm string) ([]candidate, error) {
	var page jsonPage
	if err := json.NewDecoder(body).Decode(&page); err != nil {
		return nil, fmt.Errorf("%w: decode simple json: %v", ErrUnavailable, err)
	}
	cands := make([]candidate, 0, len(page.Files))
	for _, f := range page.Files {
		c := candidate{
			filename: f.Filename,
			url:      f.URL,
			format:   archive.FormatForFilename(f.Filename),
			sha256:   f.Hashes["sha256"],
			yanked:   isYanked(f.Yanked),
		}
		if v, ok := versionFromFilename(norm, f.Filename); ok {
			c.version = v
		}
		cands = append(cands, c)
	}
	return cands, nil
}

// isYanked interprets the PEP 592 yanked field, which is false, true, or a
// reason string.
func isYanked(v any) bool {
	switch y := v.(type) {
	case bool:
		return y
	case string:
		return true
	default:
		return false
	}
}

// parseHTMLPage walks the anchor list of a classic simple index page. The
// anchor text is the filename and the href (possibly relative) points at the
// archive, with the sha256 carried in the URL fragment.
func parseHTMLPage(body io.Reader, pageURL, norm string) ([]candidate, error) {
	doc, err := html.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: parse simple html: %v", ErrUnavailable, err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var cands []candidate
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			if c, ok := candidateFromAnchor(n, base, norm); ok {
				cands = append(cands, c)
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return cands, nil
}

func candidateFromAnchor(n *html.Node, base *url.URL, norm string) (candidate, bool) {
	var href, yankedAttr string
	hasYanked := false
	for _, attr := range n.Attr {
		switch attr.Key {
		case "href":
			href = attr.Val
		case "data-yanked":
			hasYanked = true
			yankedAttr = attr.Val
		}
	}
	filename := anchorText(n)
	if href == "" || filename == "" {
		return candidate{}, false
	}

	ref, err := url.Parse(href)
	if err != nil {
		return candidate{}, false
	}
	resolved := base.ResolveReference(ref)

	c := candidate{
		filename: filename,
		format:   archive.FormatForFilename(filename),
		yanked:   hasYanked || yankedAttr != "",
	}
	if frag := resolved.Fragment; strings.HasPrefix(frag, "sha256=") {
		c.sha256 = strings.TrimPrefix(frag, "sha256=")
	}
	resolved.Fragment = ""
	c.url = resolved.String()
	if v, ok := versionFromFilename(norm, filename); ok {
		c.version = v
	}
	return c, true
}

func anchorText(n *html.Node) string {
	var b strings.Builder
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.TextNode {
			b.WriteString(child.Data)
		}
	}
	return strings.TrimSpace(b.String())
}

// versionFromFilename extracts the version segment of a distribution
// filename for the given normalized project name.
//
// Wheel names escape the project name with underscores
// (demo_pkg-1.0-py3-none-any.whl); sdists keep the author's spelling
// (Demo.Pkg-1.0.tar.gz). Both cases reduce to finding the split point where
// the prefix normalizes to the project name.
func versionFromFilename(norm, filename string) (string, bool) {
	base := filename
	for _, ext := range []string{".whl", ".egg", ".tar.gz", ".tgz", ".zip"} {
		if strings.HasSuffix(strings.ToLower(base), ext) {
			base = base[:len(base)-len(ext)]
			break
		}
	}

	if strings.HasSuffix(strings.ToLower(filename), ".whl") || strings.HasSuffix(strings.ToLower(filename), ".egg") {
		// name-version(-build)-pytag-abi-platform
		parts := strings.Split(base, "-")
		if len(parts) < 2 {
			return "", false
		}
		if NormalizeName(parts[0]) != norm {
			return "", false
		}
		return parts[1], true
	}

	// Sdist: choose the rightmost '-' split whose left side normalizes to the
	// project name. Versions do not contain '-'; project names may.
	for i := len(base) - 1; i > 0; i-- {
		if base[i] != '-' {
			continue
		}
		if NormalizeName(base[:i]) == norm {
			return base[i+1:], true
		}
	}
	return "", false
}

// latestVersion returns the version of the last usable (readable format,
// not yanked) file on the page. Simple index pages list files in the index's
// own version order, oldest first, so the last usable file belongs to the
// newest release.
func latestVersion(cands []candidate) string {
	for i := len(cands) - 1; i >= 0; i-- {
		c := cands[i]
		if c.version == "" || c.yanked || c.format == archive.FormatUnknown {
			continue
		}
		return c.version
	}
	return ""
}

// pickForVersion chooses the preferred archive among a release's files.
// Yanked files are strictly subordinate: any non-yanked file beats every
// yanked one regardless of format, so a yanked wheel never shadows a clean
// sdist of the same release.
func pickForVersion(cands []candidate, version string) (candidate, bool) {
	var best candidate
	bestRank := 0
	found := false
	for _, c := range cands {
		if c.version != version || c.format == archive.FormatUnknown {
			continue
		}
		rank := formatRank(c.filename, c.format)
		switch {
		case !found:
		case best.yanked && !c.yanked:
		case best.yanked == c.yanked && rank > bestRank:
		default:
			continue
		}
		best, bestRank, found = c, rank, true
	}
	return best, found
}

func formatRank(filename string, format archive.Format) int {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".whl"):
		return 30
	case format == archive.FormatTarGz:
		return 20
	default:
		return 15
	}
}
