// Package server hosts built bundles and their manifest over HTTP.
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	bundlecache "github.com/wolfeidau/bundle-cache"
	"github.com/wolfeidau/bundle-cache/archive"
	"github.com/wolfeidau/bundle-cache/backend"
	"github.com/wolfeidau/bundle-cache/manifest"
	"github.com/wolfeidau/bundle-cache/telemetry"
)

// VersionHeader carries the version of a served bundle file.
const VersionHeader = "X-Bundle-Version"

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// StoragePath is the build output directory holding bundles/ and the manifest.
	StoragePath string

	// AuthToken, when set, is required as a bearer token on every route
	// except /health and /metrics.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP bundle host.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	backend   backend.Backend
	manifests *manifest.Store
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./dist"
	}

	fsBackend, err := backend.NewFilesystem(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}
	b := backend.NewInstrumentedBackend(fsBackend, "filesystem")

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger,
		backend:   b,
		manifests: manifest.NewStore(b),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Long timeout for large bundle downloads
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the server's HTTP handler with logging and auth applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(mux))
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// GET also matches HEAD
	mux.HandleFunc("GET /manifest", s.handleManifest)
	mux.HandleFunc("GET /bundles/{name}", s.handleBundle)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "health")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats reports the number and total size of built bundles.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")

	m, err := s.manifests.Load(r.Context())
	if err != nil {
		s.logger.Error("loading manifest", "error", err)
		http.Error(w, "manifest unavailable", http.StatusInternalServerError)
		return
	}

	stats := map[string]int64{"bundles": int64(m.Len())}
	var total, onDisk int64
	sb, sized := s.backend.(backend.SizeAwareBackend)
	for _, e := range m.Entries() {
		total += e.Size
		if !sized {
			continue
		}
		if n, err := sb.Size(r.Context(), bundlecache.BundleStorageKey(e.Name)); err == nil {
			onDisk += n
		}
	}
	stats["total_size"] = total
	if sized {
		stats["disk_size"] = onDisk
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// handleManifest serves the manifest as YAML with an ETag of its content.
func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "manifest")

	raw, err := s.manifests.Raw(r.Context())
	if errors.Is(err, backend.ErrNotFound) {
		var buf bytes.Buffer
		err = manifest.New().Encode(&buf)
		raw = buf.Bytes()
	}
	if err != nil {
		s.logger.Error("reading manifest", "error", err)
		http.Error(w, "manifest unavailable", http.StatusInternalServerError)
		return
	}

	etag := `"` + strconv.FormatUint(xxhash.Sum64(raw), 16) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(raw)
}

// handleBundle streams a built bundle file.
func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "bundle")

	name := r.PathValue("name")
	if err := bundlecache.ValidateName(name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	telemetry.SetBundle(r, name)

	ctx := r.Context()
	key := bundlecache.BundleStorageKey(name)

	rc, err := s.backend.Read(ctx, key)
	if errors.Is(err, backend.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Error("reading bundle", "name", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = rc.Close() }()

	// Keep the header bytes so the whole file can still be streamed.
	var head bytes.Buffer
	header, err := archive.ReadHeader(io.TeeReader(rc, &head))
	if err != nil {
		s.logger.Error("bundle file has no valid header", "name", name, "error", err)
		http.Error(w, "corrupt bundle", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(VersionHeader, strconv.Itoa(header.Version))
	w.Header().Set("ETag", `"`+header.Digest+`"`)
	// Sized from the open file so a rebuild renaming a new file into place
	// cannot change the length mid-response.
	if size, ok := backend.OpenSize(rc); ok {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if r.Method == http.MethodHead {
		return
	}

	if _, err := io.Copy(w, io.MultiReader(&head, rc)); err != nil {
		s.logger.Warn("streaming bundle", "name", name, "error", err)
	}
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set endpoint and bundle.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Bundle != "" {
			attrs = append(attrs, "bundle", tags.Bundle)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address, "storage_path", s.config.StoragePath)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
