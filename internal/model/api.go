package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// StartTraceRequest is the request body for POST /v1/traces.
type StartTraceRequest struct {
	TraceID     string         `json:"trace_id"`
	RequestID   string         `json:"request_id"`
	InputParams map[string]any `json:"input_params,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
}

// StartTraceResponse is returned by POST /v1/traces.
type StartTraceResponse struct {
	TraceID        string    `json:"trace_id"`
	RootTaskID     string    `json:"root_task_id"`
	RootInstanceID uuid.UUID `json:"root_instance_id"`
}

// ReportEventResponse is returned by POST /v1/events.
type ReportEventResponse struct {
	Received bool    `json:"received"`
	Dropped  bool    `json:"dropped,omitempty"`
	Command  Command `json:"command"`
}

// ExpandTopologyRequest is the request body for POST /v1/topology.
type ExpandTopologyRequest struct {
	ParentTaskID      string         `json:"parent_task_id"`
	TraceID           string         `json:"trace_id"`
	Subtasks          []ChildSpec    `json:"subtasks"`
	ReasoningSnapshot map[string]any `json:"reasoning_snapshot,omitempty"`
}

// ExpandTopologyResponse is returned by POST /v1/topology.
type ExpandTopologyResponse struct {
	NewChildIDs []string `json:"new_child_ids"`
	Count       int      `json:"count"`
}

// ControlTraceRequest is the request body for POST /v1/control/trace.
type ControlTraceRequest struct {
	TraceID string         `json:"trace_id"`
	Signal  ControlRequest `json:"signal"`
}

// ControlNodeRequest is the request body for POST /v1/control/node.
type ControlNodeRequest struct {
	TraceID        string         `json:"trace_id"`
	InstanceTaskID string         `json:"instance_task_id"`
	Signal         ControlRequest `json:"signal"`
}

// ControlResponse is returned by both control endpoints.
type ControlResponse struct {
	Status   string          `json:"status"`
	Signal   ControlSignal   `json:"signal"`
	Scope    SignalScopeKind `json:"scope"`
	Affected int             `json:"affected"`
}

// TraceSignalResponse is returned by GET /v1/traces/{trace_id}/signal.
type TraceSignalResponse struct {
	TraceID      string        `json:"trace_id"`
	GlobalSignal ControlSignal `json:"global_signal"`
}

// LatestTraceResponse is returned by GET /v1/traces/latest.
type LatestTraceResponse struct {
	TraceID string `json:"trace_id"`
}

// FinishTraceRequest is the request body for POST /v1/traces/{trace_id}/finish.
type FinishTraceRequest struct {
	Status TraceStatus `json:"status"`
}

// TraceSummary aggregates a trace's instances by status.
type TraceSummary struct {
	TraceID     string                 `json:"trace_id"`
	Status      TraceStatus            `json:"status"`
	Total       int                    `json:"total"`
	ByStatus    map[InstanceStatus]int `json:"by_status"`
	AllTerminal bool                   `json:"all_terminal"`
	MaxDepth    int                    `json:"max_depth"`
	LastSeenAt  *time.Time             `json:"last_seen_at,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Redis    string `json:"redis,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}
