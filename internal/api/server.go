package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ancs/internal/history"
	"ancs/internal/registry"
	"ancs/internal/watcher"
)

// Defaults for per-drop-in request limiting.
const (
	DefaultRequestRate  = rate.Limit(5)
	DefaultRequestBurst = 10
)

// PollStatus is the watcher view reported by the API.
type PollStatus interface {
	State() watcher.State
	Cycles() uint64
	LastPoll(id string) (watcher.PollResult, bool)
}

// HistorySource serves recorded readings.
type HistorySource interface {
	Recent(ctx context.Context, dropIn string, limit int) ([]history.Reading, error)
}

// Options configures the server. Registry is required; the rest is optional.
type Options struct {
	Addr     string
	Registry *registry.Registry
	Report   *registry.Report
	Watcher  PollStatus
	History  HistorySource
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger

	// RequestRate and RequestBurst bound the request rate of each drop-in route.
	RequestRate  rate.Limit
	RequestBurst int
}

// Server provides the HTTP API of the daemon
type Server struct {
	opts      Options
	logger    *zap.Logger
	router    chi.Router
	server    *http.Server
	endpoints []Endpoint
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.RequestRate == 0 {
		opts.RequestRate = DefaultRequestRate
	}
	if opts.RequestBurst == 0 {
		opts.RequestBurst = DefaultRequestBurst
	}

	s := &Server{
		opts:   opts,
		logger: opts.Logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(middleware.Recoverer)
	r.Use(Logger(s.logger))

	s.handle(r, http.MethodGet, "/", "This sitemap - lists all available endpoints", s.handleSitemap)
	s.handle(r, http.MethodGet, "/health", "Health check endpoint", s.handleHealth)
	s.handle(r, http.MethodGet, "/metrics", "Prometheus metrics",
		promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true}).ServeHTTP)
	s.handle(r, http.MethodGet, "/api/dropins", "Loaded drop-ins with state and latest readings", s.handleListDropIns)
	s.handle(r, http.MethodGet, "/api/dropins/{id}", "One drop-in", s.handleGetDropIn)
	s.handle(r, http.MethodGet, "/api/discovery", "Drop-ins loaded and skipped at startup", s.handleDiscovery)
	if opts.History != nil {
		s.handle(r, http.MethodGet, "/api/dropins/{id}/history", "Recorded readings (?limit=N)", s.handleHistory)
	}

	s.mountDropIns(r)

	s.router = r
	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Endpoints lists the mounted endpoints.
func (s *Server) Endpoints() []Endpoint {
	return append([]Endpoint(nil), s.endpoints...)
}

func (s *Server) handle(r chi.Router, method, path, description string, h http.HandlerFunc) {
	r.Method(method, path, h)
	s.endpoints = append(s.endpoints, Endpoint{Path: path, Method: method, Description: description})
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":   "ok",
		"drop_ins": s.opts.Registry.Len(),
	}
	if s.opts.Watcher != nil {
		resp["watcher"] = s.opts.Watcher.State().String()
		resp["cycles"] = s.opts.Watcher.Cycles()
	}
	writeJSON(w, s.logger, http.StatusOK, resp)
}

// handleSitemap returns a list of all available endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>ancs</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
    </style>
</head>
<body>
    <h1>ancs</h1>
`)
		for _, ep := range s.endpoints {
			fmt.Fprintf(w, `    <div class="endpoint"><span class="method">%s</span> <span class="path">%s</span> %s</div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "</body>\n</html>\n")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "ancs\n====\n\nAvailable endpoints:\n\n")
	for _, ep := range s.endpoints {
		fmt.Fprintf(w, "  %-8s %-32s %s\n", ep.Method, ep.Path, ep.Description)
	}
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, s.logger, status, ErrorResponse{Error: msg, RequestID: RequestIDFrom(r.Context())})
}
