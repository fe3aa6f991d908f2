// Package testutil builds synthetic distribution archives and upstream
// stubs for tests.
package testutil

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// timeZero suppresses Last-Modified handling in http.ServeContent.
var timeZero time.Time

// FileSpec is one file to place in a synthetic archive. Order matters: tests
// assert on insertion-stable listings.
type FileSpec struct {
	Path    string
	Content string
}

// ZipArchive builds an in-memory zip archive.
func ZipArchive(t *testing.T, files []FileSpec) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.Path)
		if err != nil {
			t.Fatalf("create zip entry %s: %v", f.Path, err)
		}
		if _, err := w.Write([]byte(f.Content)); err != nil {
			t.Fatalf("write zip entry %s: %v", f.Path, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

// TarGzArchive builds an in-memory .tar.gz archive.
func TarGzArchive(t *testing.T, files []FileSpec) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, f := range files {
		hdr := &tar.Header{
			Name:     f.Path,
			Mode:     0o644,
			Size:     int64(len(f.Content)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header %s: %v", f.Path, err)
		}
		if _, err := tw.Write([]byte(f.Content)); err != nil {
			t.Fatalf("write tar entry %s: %v", f.Path, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

// SHA256Hex returns the hex sha256 of data, as a simple index advertises it.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Release is one downloadable file served by a stub index.
type Release struct {
	Filename string
	Data     []byte
	Yanked   bool
}

// Upstream is a stub simple index plus file host for tests.
//
// It serves /simple/<name>/ pages in JSON simple API format and the archive
// bytes under /files/<filename>, counting requests so tests can assert on
// coalescing behavior.
type Upstream struct {
	Server *httptest.Server

	projects map[string][]Release

	// IndexRequests and FileRequests count upstream hits.
	IndexRequests atomic.Int64
	FileRequests  atomic.Int64

	// DisableRanges makes the file host ignore Range headers, forcing the
	// buffered fallback path.
	DisableRanges bool
}

// NewUpstream starts a stub upstream. Callers own the returned server and
// should rely on t.Cleanup closing it.
func NewUpstream(t *testing.T, projects map[string][]Release) *Upstream {
	t.Helper()
	u := &Upstream{projects: projects}
	mux := http.NewServeMux()
	mux.HandleFunc("/simple/", u.handleIndex)
	mux.HandleFunc("/files/", u.handleFile)
	u.Server = httptest.NewServer(mux)
	t.Cleanup(u.Server.Close)
	return u
}

// URL returns the stub's base URL.
func (u *Upstream) URL() string {
	return u.Server.URL
}

func (u *Upstream) handleIndex(w http.ResponseWriter, r *http.Request) {
	u.IndexRequests.Add(1)
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/simple/"), "/")
	releases, ok := u.projects[name]
	if !ok {
		http.NotFound(w, r)
		return
	}

	var files []string
	for _, rel := range releases {
		yanked := "false"
		if rel.Yanked {
			yanked = "true"
		}
		files = append(files, fmt.Sprintf(
			`{"filename":%q,"url":%q,"hashes":{"sha256":%q},"yanked":%s}`,
			rel.Filename, u.Server.URL+"/files/"+rel.Filename, SHA256Hex(rel.Data), yanked))
	}
	w.Header().Set("Content-Type", "application/vnd.pypi.simple.v1+json")
	fmt.Fprintf(w, `{"name":%q,"files":[%s]}`, name, strings.Join(files, ","))
}

func (u *Upstream) handleFile(w http.ResponseWriter, r *http.Request) {
	u.FileRequests.Add(1)
	filename := strings.TrimPrefix(r.URL.Path, "/files/")
	for _, releases := range u.projects {
		for _, rel := range releases {
			if rel.Filename != filename {
				continue
			}
			if u.DisableRanges {
				w.Header().Set("Content-Length", fmt.Sprint(len(rel.Data)))
				w.WriteHeader(http.StatusOK)
				w.Write(rel.Data) //nolint:errcheck
				return
			}
			// http.ServeContent handles Range requests.
			http.ServeContent(w, r, filename, timeZero, bytes.NewReader(rel.Data))
			return
		}
	}
	http.NotFound(w, r)
}

// NewHTMLUpstream starts a stub that serves classic HTML simple pages
// instead of the JSON API.
func NewHTMLUpstream(t *testing.T, projects map[string][]Release) *Upstream {
	t.Helper()
	u := &Upstream{projects: projects}
	mux := http.NewServeMux()
	mux.HandleFunc("/simple/", func(w http.ResponseWriter, r *http.Request) {
		u.IndexRequests.Add(1)
		name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/simple/"), "/")
		releases, ok := u.projects[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		var b strings.Builder
		b.WriteString("<!DOCTYPE html><html><body>\n")
		for _, rel := range releases {
			fmt.Fprintf(&b, `<a href="../../files/%s#sha256=%s">%s</a><br/>`+"\n",
				rel.Filename, SHA256Hex(rel.Data), rel.Filename)
		}
		b.WriteString("</body></html>\n")
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, b.String())
	})
	mux.HandleFunc("/files/", u.handleFile)
	u.Server = httptest.NewServer(mux)
	t.Cleanup(u.Server.Close)
	return u
}
