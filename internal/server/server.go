package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/michi/internal/ratelimit"
)

// Server is the michi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Redis, Limiter, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Engine   Engine
	Postgres HealthCheck
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Redis   HealthCheck
	Limiter *ratelimit.Limiter

	// Report rate limit per worker. Zero values fall back to 600/minute.
	ReportRateLimit  int
	ReportRateWindow time.Duration

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	ReadyLimit          int

	// Optional embedded assets.
	OpenAPISpec []byte // Embedded OpenAPI YAML.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Engine:              cfg.Engine,
		Postgres:            cfg.Postgres,
		Redis:               cfg.Redis,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		ReadyLimit:          cfg.ReadyLimit,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	reportRule := ratelimit.Rule{Prefix: "report", Limit: cfg.ReportRateLimit, Window: cfg.ReportRateWindow}
	if reportRule.Limit <= 0 {
		reportRule.Limit = 600
	}
	if reportRule.Window <= 0 {
		reportRule.Window = time.Minute
	}
	reportRL := ratelimit.MiddlewareWithRequestID(cfg.Limiter, reportRule,
		ratelimit.HeaderKeyFunc("X-Worker-ID"), reqIDFunc)

	mux := http.NewServeMux()

	// Trace lifecycle.
	mux.HandleFunc("POST /v1/traces", h.HandleStartTrace)
	mux.HandleFunc("GET /v1/traces/latest", h.HandleLatestTrace)
	mux.HandleFunc("GET /v1/traces/{trace_id}", h.HandleGetTrace)
	mux.HandleFunc("GET /v1/traces/{trace_id}/signal", h.HandleTraceSignal)
	mux.HandleFunc("GET /v1/traces/{trace_id}/instances", h.HandleListInstances)
	mux.HandleFunc("GET /v1/traces/{trace_id}/ready", h.HandleReadyInstances)
	mux.HandleFunc("GET /v1/traces/{trace_id}/events", h.HandleEventLog)
	mux.HandleFunc("GET /v1/traces/{trace_id}/summary", h.HandleTraceSummary)
	mux.HandleFunc("POST /v1/traces/{trace_id}/finish", h.HandleFinishTrace)

	// Worker reports (rate limited per worker).
	mux.Handle("POST /v1/events", reportRL(http.HandlerFunc(h.HandleReportEvent)))

	// Runtime topology.
	mux.HandleFunc("POST /v1/topology", h.HandleExpandTopology)
	mux.HandleFunc("GET /v1/instances/{task_id}", h.HandleGetInstance)

	// Control plane.
	mux.HandleFunc("POST /v1/control/trace", h.HandleControlTrace)
	mux.HandleFunc("POST /v1/control/node", h.HandleControlNode)

	// OpenAPI spec (no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
