package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agleyzer/hlsrelay/internal/metrics"
	"github.com/agleyzer/hlsrelay/internal/proxy"
)

// Relay is the proxy behind the HTTP routes.
type Relay interface {
	Playlist(ctx context.Context, req proxy.PlaylistRequest) (*proxy.Playlist, error)
	Resource(ctx context.Context, req proxy.ResourceRequest) (*proxy.Response, error)
	Stats() map[string]interface{}
}

// ClusterInfo reports replica state for the health endpoint.
type ClusterInfo interface {
	State() string
	IsLeader() bool
	LeaderAddr() string
}

// Server serves rewritten manifests and relays their resources
type Server struct {
	relay      Relay
	port       int
	logger     *slog.Logger
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	cluster    ClusterInfo
	httpServer *http.Server
}

// New creates a new HTTP server
func New(relay Relay, port int, logger *slog.Logger) *Server {
	return &Server{
		relay:  relay,
		port:   port,
		logger: logger,
	}
}

// SetMetrics records request metrics into m and exposes g on /metrics.
func (s *Server) SetMetrics(m *metrics.Metrics, g prometheus.Gatherer) {
	s.metrics = m
	s.gatherer = g
}

// SetCluster adds replica state to the health endpoint.
func (s *Server) SetCluster(c ClusterInfo) {
	s.cluster = c
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Register handlers
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /playlist.m3u8", s.handlePlaylist)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return s.loggingMiddleware(s.router(mux))
}

// router sends the fixed routes through mux and everything else to the
// resource handler. ServeMux would clean and redirect paths such as
// "/https://host/key", so those never reach it.
func (s *Server) router(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if routeName(r.URL.Path) != "resource" {
			mux.ServeHTTP(w, r)
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleResource(w, r)
	})
}

func routeName(path string) string {
	switch path {
	case "/ping", "/health", "/metrics", "/playlist.m3u8":
		return strings.TrimPrefix(path, "/")
	}
	return "resource"
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	// Start server in a goroutine
	go func() {
		s.logger.Info("starting HTTP server", "port", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	// Wait for context cancellation
	<-ctx.Done()

	// Graceful shutdown
	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePlaylist fetches and rewrites the manifest named by the url parameter
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := q.Get("url")
	if err := validateManifestURL(target); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pl, err := s.relay.Playlist(r.Context(), proxy.PlaylistRequest{
		URL:     target,
		Cookies: q.Get("cookies"),
	})
	if err != nil {
		s.logger.Error("playlist request failed", "url", target, "error", err)
		writeError(w, http.StatusInternalServerError, "Error fetching M3U8: "+err.Error())
		return
	}

	// Set HLS-specific headers
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(pl.Text))
}

// handleResource relays a segment or key from the rewritten manifest
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resp, err := s.relay.Resource(r.Context(), proxy.ResourceRequest{
		Path:    strings.TrimPrefix(r.URL.Path, "/"),
		Session: q.Get("sid"),
		Cookies: q.Get("cookies"),
		Range:   r.Header.Get("Range"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Error fetching resource: "+err.Error())
		return
	}

	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		w.Write(resp.Body)
	}
}

// handleHealth serves health check information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"stats":  s.relay.Stats(),
	}
	if s.cluster != nil {
		health["cluster"] = map[string]interface{}{
			"state":    s.cluster.State(),
			"isLeader": s.cluster.IsLeader(),
			"leader":   s.cluster.LeaderAddr(),
		}
	}

	writeJSON(w, http.StatusOK, health)
}

func validateManifestURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("missing url parameter")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap the response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		s.metrics.Request(routeName(r.URL.Path), strconv.Itoa(wrapped.statusCode))

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", duration,
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
