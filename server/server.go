// Package server exposes the package browser over HTTP.
//
// The handlers are a thin presentation layer: every route resolves to one
// Browser call, and the error taxonomy maps onto HTTP status codes
// (not-found to 404, fetch timeouts to 504, unreadable archives to 502).
package server

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pkgpeek/pkgpeek"
	"github.com/pkgpeek/pkgpeek/cache"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Browser is the slice of the pkgpeek API the server needs.
type Browser interface {
	Listing(ctx context.Context, name, version string) (*pkgpeek.Listing, error)
	File(ctx context.Context, name, version, path string) (cache.File, error)
	CacheStats() cache.Stats
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRegistry sets the Prometheus registry metrics are registered on.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		if reg != nil {
			s.registry = reg
		}
	}
}

// Server renders package listings and file contents over HTTP.
type Server struct {
	browser  Browser
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics
	tmpl     *template.Template
	router   *mux.Router
}

// New creates a Server for the given browser.
func New(browser Browser, opts ...Option) *Server {
	s := &Server{
		browser:  browser,
		registry: prometheus.NewRegistry(),
		tmpl:     template.Must(template.ParseFS(templateFS, "templates/*.tmpl")),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = newMetrics(s.registry, browser)
	s.router = s.routes()
	return s
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.logger
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestID, s.logRequests, s.measure)

	r.HandleFunc("/", s.handleHome).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/{project}/", s.handleListing).Methods(http.MethodGet)
	r.HandleFunc("/{project}/{version}/", s.handleListing).Methods(http.MethodGet)
	r.HandleFunc("/{project}/{version}/file/{path:.*}", s.handleFile).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok\n")) //nolint:errcheck
}

// handleHome renders the project search form, or redirects a submitted
// project name to its listing page.
func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if project := r.URL.Query().Get("project"); project != "" {
		http.Redirect(w, r, "/"+url.PathEscape(project)+"/", http.StatusSeeOther)
		return
	}
	s.render(w, http.StatusOK, "home.html.tmpl", nil)
}

type listingPage struct {
	Listing *pkgpeek.Listing
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	project := vars["project"]
	version := vars["version"]

	listing, err := s.browser.Listing(r.Context(), project, version)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.render(w, http.StatusOK, "listing.html.tmpl", listingPage{Listing: listing})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	f, err := s.browser.File(r.Context(), vars["project"], vars["version"], vars["path"])
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	etag := `"` + f.Digest.Encoded() + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
	w.Write(f.Content) //nolint:errcheck
}

type errorPage struct {
	Status  int
	Message string
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log().Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	s.render(w, status, "error.html.tmpl", errorPage{
		Status:  status,
		Message: publicMessage(err, status),
	})
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.tmpl.ExecuteTemplate(w, name, data); err != nil {
		s.log().Error("render failed", "template", name, "error", err)
	}
}

// statusFor maps the extraction error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case pkgpeek.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, pkgpeek.ErrFetchTimeout):
		return http.StatusGatewayTimeout
	case pkgpeek.IsFormatError(err), pkgpeek.IsTransient(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage keeps upstream detail out of responses for server-side
// failures; not-found and gateway errors are safe to show.
func publicMessage(err error, status int) string {
	if status == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}
