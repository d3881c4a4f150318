// Package devserver serves a flat directory of manifests and bundle files
// over HTTP with range support, for local development and tests.
package devserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/meigma/bundle/internal/pathutil"
	"github.com/meigma/bundle/manifest"
)

// RequestIDHeader carries the id assigned to each request.
const RequestIDHeader = "X-Request-Id"

// Server serves files from a root directory.
type Server struct {
	root    string
	router  *mux.Router
	noRange bool
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithoutRanges makes the server ignore Range headers and always answer 200
// with the full file.
func WithoutRanges() Option {
	return func(s *Server) {
		s.noRange = true
	}
}

// New creates a Server for root.
func New(root string, opts ...Option) (*Server, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("devserver root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("devserver root %s: not a directory", root)
	}
	s := &Server{root: root}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}

	r := mux.NewRouter()
	r.Use(s.requestID)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.HandleFunc("/{name:[^/]+}", s.serveFile).Methods(http.MethodGet, http.MethodHead)
	s.router = r
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set(RequestIDHeader, id)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request served",
			"id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"range", r.Header.Get("Range"),
			"duration", time.Since(start))
	})
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if pathutil.CheckFileName(name) != nil || strings.HasSuffix(name, ".temp") {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(filepath.Join(s.root, name)) //nolint:gosec // name is a single path element
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		http.NotFound(w, r)
		return
	}
	if s.noRange {
		r.Header.Del("Range")
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// Publish writes a package into dir the way clients expect to find it:
// the version descriptor, the manifest for that version, and every bundle
// file whose content is in data (keyed by bundle file name).
func Publish(dir string, m *manifest.Manifest, data map[string][]byte) error {
	if m == nil {
		return errors.New("devserver: nil manifest")
	}
	payload, err := m.Marshal()
	if err != nil {
		return err
	}
	name, version := m.PackageName(), m.PackageVersion()
	files := map[string][]byte{
		manifest.VersionFileName(name):           []byte(version + "\n"),
		manifest.ManifestFileName(name, version): payload,
	}
	for _, b := range m.Bundles() {
		if content, ok := data[b.FileName()]; ok {
			files[b.FileName()] = content
		}
	}
	for file, content := range files {
		if err := os.WriteFile(filepath.Join(dir, file), content, 0o644); err != nil { //nolint:gosec // published files are public
			return err
		}
	}
	return nil
}
