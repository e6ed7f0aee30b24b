// Package server exposes report scheduling, report reads, and
// event ingestion over a small JSON HTTP API.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	"github.com/wesm/annoreports/internal/analytics"
	"github.com/wesm/annoreports/internal/config"
	"github.com/wesm/annoreports/internal/db"
	"github.com/wesm/annoreports/internal/events"
	"github.com/wesm/annoreports/internal/logger"
	"github.com/wesm/annoreports/internal/metrics"
)

// VersionInfo holds build-time version metadata.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Reports schedules report checks and reads stored reports.
type Reports interface {
	ScheduleCheck(ctx context.Context, ref db.Ref, requesterID int64) (string, error)
	RequestStatus(ctx context.Context, id string) (analytics.RequestStatus, error)
	Report(ctx context.Context, ref db.Ref, filter analytics.DateFilter) (analytics.Report, error)
}

// EventSink stores client events.
type EventSink interface {
	Ingest(ctx context.Context, evs []events.Event) error
}

// Server is the HTTP server of the report API.
type Server struct {
	mu      gosync.RWMutex
	cfg     config.Config
	reports Reports
	sink    EventSink
	metrics *metrics.Metrics
	log     logger.Logger
	mux     *http.ServeMux
	httpSrv *http.Server
	version VersionInfo

	// handlerDelay is injected before each timeout-wrapped
	// handler, used only by tests to guarantee handlers
	// exceed a short timeout. Zero in production.
	handlerDelay time.Duration
}

// New creates a new Server. sink may be nil, in which case
// event ingestion is not routed.
func New(
	cfg config.Config, reports Reports, sink EventSink,
	opts ...Option,
) *Server {
	s := &Server{
		cfg:     cfg,
		reports: reports,
		sink:    sink,
		log:     logger.NewNop(),
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	s.routes()
	return s
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the build-time version metadata.
func WithVersion(v VersionInfo) Option {
	return func(s *Server) { s.version = v }
}

// WithMetrics records request metrics on m and serves it on
// /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the request logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func (s *Server) routes() {
	s.mux.Handle(
		"POST /api/v1/analytics/reports", s.withTimeout(s.handleScheduleReport),
	)
	s.mux.Handle(
		"GET /api/v1/analytics/reports", s.withTimeout(s.handleGetReport),
	)
	s.mux.Handle(
		"GET /api/v1/analytics/reports/requests/{rq_id}",
		s.withTimeout(s.handleRequestStatus),
	)
	if s.sink != nil {
		s.mux.Handle("POST /api/v1/events", s.withTimeout(s.handleIngestEvents))
	}
	s.mux.Handle("GET /api/v1/version", s.withTimeout(s.handleGetVersion))
	// Scrapes are cheap and should not be cut by the write timeout.
	s.mux.Handle("GET /metrics", s.metrics.Handler())
}

func (s *Server) handleGetVersion(
	w http.ResponseWriter, _ *http.Request,
) {
	writeJSON(w, http.StatusOK, s.version)
}

// SetPort updates the listen port (for testing).
func (s *Server) SetPort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Port = port
}

// Handler returns the http.Handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.logMiddleware(s.metricsMiddleware(s.mux)))
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	s.httpSrv = srv
	s.mu.Unlock()
	s.log.Info("starting server", logger.String("addr", fmt.Sprintf("http://%s", addr)))
	return srv.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpSrv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// FindAvailablePort finds an available port starting from the
// given port, binding to the specified host.
func FindAvailablePort(host string, start int) int {
	for port := start; port < start+100; port++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			ln.Close()
			return port
		}
	}
	return start
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set(
				"Access-Control-Allow-Origin", "*",
			)
			w.Header().Set(
				"Access-Control-Allow-Methods",
				"GET, POST, OPTIONS",
			)
			w.Header().Set(
				"Access-Control-Allow-Headers",
				"Content-Type, X-User-ID",
			)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			s.log.Debug("request",
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
			)
		}
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware counts requests by matched route pattern.
// It must wrap the mux directly so the pattern is set once the
// mux returns.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequests.WithLabelValues(
			route, strconv.Itoa(sw.status),
		).Inc()
		s.metrics.HTTPRequestLength.WithLabelValues(route).
			Observe(time.Since(start).Seconds())
	})
}
