package model

import (
	"time"

	"github.com/google/uuid"
)

// ReportType is the kind of execution event a worker reports.
// Types outside the known set are accepted and treated as liveness pings.
type ReportType string

const (
	ReportStarted   ReportType = "STARTED"
	ReportRunning   ReportType = "RUNNING"
	ReportProgress  ReportType = "PROGRESS"
	ReportCompleted ReportType = "COMPLETED"
	ReportFailed    ReportType = "FAILED"
)

// Busy reports whether the event type indicates work in flight.
func (t ReportType) Busy() bool {
	return t == ReportStarted || t == ReportRunning || t == ReportProgress
}

// ExecutionReport is a worker-reported event bundle for one task.
type ExecutionReport struct {
	TaskID    string         `json:"task_id"`
	TraceID   string         `json:"trace_id,omitempty"`
	EventType ReportType     `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
	Error     map[string]any `json:"error,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
}

// NodeID identifies the execution node that produced a report.
func (r ExecutionReport) NodeID() string {
	if r.WorkerID != "" {
		return r.WorkerID
	}
	return r.AgentID
}

// Severity classifies an event log entry.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Event log entry types written by the engine itself. Worker reports are
// logged under their own event type.
const (
	LogTraceStarted     = "TRACE_STARTED"
	LogTopologyExpanded = "TOPOLOGY_EXPANDED"
	LogControlSignal    = "CONTROL_SIGNAL"
	LogTraceFinished    = "TRACE_FINISHED"
	LogInstanceCreated  = "INSTANCE_CREATED"
)

// EventLogEntry is an immutable audit record for one instance mutation.
// It is written in the same transaction as the mutation it documents.
type EventLogEntry struct {
	ID         uuid.UUID      `json:"id"`
	InstanceID uuid.UUID      `json:"instance_id"`
	TraceID    string         `json:"trace_id"`
	EventType  string         `json:"event_type"`
	Severity   Severity       `json:"severity"`
	Message    string         `json:"message"`
	Payload    map[string]any `json:"payload,omitempty"`
	NodeID     string         `json:"node_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// DomainEventType names an event published to the notification bus.
type DomainEventType string

const (
	DomainTraceCreated     DomainEventType = "TRACE_CREATED"
	DomainTopologyExpanded DomainEventType = "TOPOLOGY_EXPANDED"
	DomainTaskHeartbeat    DomainEventType = "TASK_HEARTBEAT"
	DomainTaskStateChanged DomainEventType = "TASK_STATE_CHANGED"
	DomainSignalChanged    DomainEventType = "CONTROL_SIGNAL_CHANGED"
	DomainTraceFinished    DomainEventType = "TRACE_FINISHED"
)

// DomainEvent is the envelope published after a store commit.
type DomainEvent struct {
	ID         uuid.UUID       `json:"id"`
	Type       DomainEventType `json:"type"`
	TraceID    string          `json:"trace_id"`
	TaskID     string          `json:"task_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    map[string]any  `json:"payload,omitempty"`
}

// NewDomainEvent stamps an event with a fresh id and the current time.
func NewDomainEvent(typ DomainEventType, traceID, taskID string, payload map[string]any) DomainEvent {
	return DomainEvent{
		ID:         NewID(),
		Type:       typ,
		TraceID:    traceID,
		TaskID:     taskID,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}
