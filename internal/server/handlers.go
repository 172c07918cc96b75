package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/service/lifecycle"
)

// Engine is the lifecycle engine as seen by the HTTP layer.
// *lifecycle.Service satisfies it.
type Engine interface {
	StartTrace(ctx context.Context, in lifecycle.StartTraceInput) (lifecycle.StartTraceResult, error)
	SyncExecutionState(ctx context.Context, r model.ExecutionReport) (lifecycle.SyncResult, error)
	ExpandTopology(ctx context.Context, in lifecycle.ExpandInput) ([]string, error)

	SetTraceSignal(ctx context.Context, traceID string, req model.ControlRequest) (lifecycle.ControlResult, error)
	SetSubtreeSignal(ctx context.Context, traceID, taskID string, req model.ControlRequest) (lifecycle.ControlResult, error)
	GetTraceSignal(ctx context.Context, traceID string) (model.ControlSignal, error)

	GetTrace(ctx context.Context, traceID string) (model.Trace, error)
	LatestTraceByRequest(ctx context.Context, requestID string) (model.Trace, error)
	GetInstance(ctx context.Context, traceID, taskID string) (model.Instance, error)
	ListInstances(ctx context.Context, traceID string) ([]model.Instance, error)
	ReadyInstances(ctx context.Context, traceID string, limit int) ([]model.Instance, error)
	EventLog(ctx context.Context, traceID, taskID string, since *time.Time, limit int) ([]model.EventLogEntry, error)
	TraceSummary(ctx context.Context, traceID string) (model.TraceSummary, error)
	FinishTrace(ctx context.Context, traceID string, status model.TraceStatus) (model.Trace, error)
}

// HealthCheck reports whether a backing service is reachable.
type HealthCheck func(ctx context.Context) error

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	engine              Engine
	postgres            HealthCheck
	redis               HealthCheck
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	readyLimit          int
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Redis, OpenAPISpec.
type HandlersDeps struct {
	Engine              Engine
	Postgres            HealthCheck
	Redis               HealthCheck
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	ReadyLimit          int
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	readyLimit := d.ReadyLimit
	if readyLimit <= 0 {
		readyLimit = defaultReadyLimit
	}
	return &Handlers{
		engine:              d.Engine,
		postgres:            d.Postgres,
		redis:               d.Redis,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		readyLimit:          readyLimit,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleHealth handles GET /health. Postgres is required; a Redis outage
// degrades the engine but does not stop it.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := model.HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		Postgres: "connected",
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK

	if h.postgres == nil || h.postgres(ctx) != nil {
		resp.Postgres = "disconnected"
		resp.Status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}
	if h.redis != nil {
		resp.Redis = "connected"
		if err := h.redis(ctx); err != nil {
			resp.Redis = "disconnected"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeServiceError maps a lifecycle error onto a status code by its class.
// Unclassified errors are logged and hidden behind a generic 500.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrValidation):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, lifecycle.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, lifecycle.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn("transient failure", "path", r.URL.Path, "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "temporarily unavailable, retry")
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}

const (
	healthTimeout     = 2 * time.Second
	defaultReadyLimit = 100
	defaultEventLimit = 500
)

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected RFC3339 format (e.g. 2024-01-01T00:00:00Z)", key)
	}
	return &t, nil
}
