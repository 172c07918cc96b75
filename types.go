package michi

import (
	"time"

	"github.com/google/uuid"
)

// Event types delivered to a Publisher.
const (
	EventTraceCreated     = "TRACE_CREATED"
	EventTopologyExpanded = "TOPOLOGY_EXPANDED"
	EventTaskHeartbeat    = "TASK_HEARTBEAT"
	EventTaskStateChanged = "TASK_STATE_CHANGED"
	EventSignalChanged    = "CONTROL_SIGNAL_CHANGED"
	EventTraceFinished    = "TRACE_FINISHED"
)

// Event is a lifecycle notification. Payload keys depend on Type:
// TASK_STATE_CHANGED carries status and progress, TOPOLOGY_EXPANDED carries
// new_child_ids, CONTROL_SIGNAL_CHANGED carries signal, scope and affected.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	Type       string         `json:"type"`
	TraceID    string         `json:"trace_id"`
	TaskID     string         `json:"task_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}
