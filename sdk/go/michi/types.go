package michi

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Signal is the control state of a trace or subtree.
type Signal string

const (
	SignalNormal    Signal = "NORMAL"
	SignalPaused    Signal = "PAUSED"
	SignalCancelled Signal = "CANCELLED"
)

// Command is returned with every report acknowledgement and tells the
// worker what to do next.
type Command string

const (
	CommandContinue Command = "CONTINUE"
	CommandPause    Command = "PAUSE"
	CommandCancel   Command = "CANCEL"
)

// ControlAction is the verb sent to the control endpoints.
type ControlAction string

const (
	ActionCancel ControlAction = "CANCEL"
	ActionPause  ControlAction = "PAUSE"
	ActionResume ControlAction = "RESUME"
)

// EventType is the kind of execution event a worker reports.
type EventType string

const (
	EventStarted   EventType = "STARTED"
	EventRunning   EventType = "RUNNING"
	EventProgress  EventType = "PROGRESS"
	EventCompleted EventType = "COMPLETED"
	EventFailed    EventType = "FAILED"
)

// TraceStatus is the lifecycle state of a trace.
type TraceStatus string

const (
	TraceRunning   TraceStatus = "RUNNING"
	TraceSucceeded TraceStatus = "SUCCEEDED"
	TraceFailed    TraceStatus = "FAILED"
	TraceCanceled  TraceStatus = "CANCELED"
)

// StartTraceRequest opens a new trace.
type StartTraceRequest struct {
	TraceID     string         `json:"trace_id"`
	RequestID   string         `json:"request_id"`
	InputParams map[string]any `json:"input_params,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
}

// StartTraceResponse identifies the trace and its root instance.
type StartTraceResponse struct {
	TraceID        string    `json:"trace_id"`
	RootTaskID     string    `json:"root_task_id"`
	RootInstanceID uuid.UUID `json:"root_instance_id"`
}

// Report is one execution event for a task. TraceID may be omitted once the
// task is known to the server.
type Report struct {
	TaskID    string         `json:"task_id"`
	TraceID   string         `json:"trace_id,omitempty"`
	EventType EventType      `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
	Error     map[string]any `json:"error,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
}

// ReportResponse acknowledges a report. Dropped is set when the server could
// not attribute the report to any trace.
type ReportResponse struct {
	Received bool    `json:"received"`
	Dropped  bool    `json:"dropped,omitempty"`
	Command  Command `json:"command"`
}

// Subtask describes one child to attach under a parent instance.
type Subtask struct {
	ID        string         `json:"id"`
	DefID     string         `json:"def_id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Role      string         `json:"role,omitempty"`
	ActorKind string         `json:"actor_kind,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	DependsOn []uuid.UUID    `json:"depends_on,omitempty"`
}

// ExpandRequest attaches subtasks under ParentTaskID.
type ExpandRequest struct {
	ParentTaskID      string         `json:"parent_task_id"`
	TraceID           string         `json:"trace_id"`
	Subtasks          []Subtask      `json:"subtasks"`
	ReasoningSnapshot map[string]any `json:"reasoning_snapshot,omitempty"`
}

// ExpandResponse lists the task ids that were attached.
type ExpandResponse struct {
	NewChildIDs []string `json:"new_child_ids"`
	Count       int      `json:"count"`
}

// ControlResponse reports the signal written and how many instances it
// reached.
type ControlResponse struct {
	Status   string `json:"status"`
	Signal   Signal `json:"signal"`
	Scope    string `json:"scope"`
	Affected int    `json:"affected"`
}

// TraceSignal is the trace-wide signal.
type TraceSignal struct {
	TraceID      string `json:"trace_id"`
	GlobalSignal Signal `json:"global_signal"`
}

// Trace is a trace record.
type Trace struct {
	ID            string         `json:"id"`
	RequestID     string         `json:"request_id"`
	UserID        string         `json:"user_id,omitempty"`
	Status        TraceStatus    `json:"status"`
	ControlSignal Signal         `json:"control_signal,omitempty"`
	InputParams   map[string]any `json:"input_params"`
	CreatedAt     time.Time      `json:"created_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
}

// Instance is one node of a trace's instance tree.
type Instance struct {
	ID              uuid.UUID      `json:"id"`
	TaskID          string         `json:"task_id"`
	TraceID         string         `json:"trace_id"`
	ParentID        *uuid.UUID     `json:"parent_id,omitempty"`
	Depth           int            `json:"depth"`
	Path            string         `json:"path"`
	Name            string         `json:"name,omitempty"`
	DefID           string         `json:"def_id,omitempty"`
	ActorKind       string         `json:"actor_kind"`
	Role            string         `json:"role,omitempty"`
	Status          string         `json:"status"`
	Progress        int            `json:"progress"`
	ControlSignal   Signal         `json:"control_signal"`
	DependsOn       []uuid.UUID    `json:"depends_on"`
	SplitCount      int            `json:"split_count"`
	ChildCount      int            `json:"child_count"`
	InputParams     map[string]any `json:"input_params"`
	Output          map[string]any `json:"output,omitempty"`
	ErrorDetail     map[string]any `json:"error_detail,omitempty"`
	RuntimeSnapshot map[string]any `json:"runtime_snapshot,omitempty"`
	WorkerID        string         `json:"worker_id,omitempty"`
	AgentID         string         `json:"agent_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	LastSeenAt      *time.Time     `json:"last_seen_at,omitempty"`
}

// TraceSummary aggregates a trace's instances by status.
type TraceSummary struct {
	TraceID     string         `json:"trace_id"`
	Status      TraceStatus    `json:"status"`
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	AllTerminal bool           `json:"all_terminal"`
	MaxDepth    int            `json:"max_depth"`
	LastSeenAt  *time.Time     `json:"last_seen_at,omitempty"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Redis    string `json:"redis,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
