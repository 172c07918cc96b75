// Package model defines the core domain types for michi.
//
// Types map onto the traces, task_instances, and instance_events tables
// and onto the payloads exchanged with schedulers and workers. Identifiers
// supplied by callers (trace ids, task ids) are opaque strings; identifiers
// minted by the engine are UUIDs.
package model

import (
	"fmt"
	"strings"
	"time"
)

// TraceStatus represents the lifecycle state of a trace.
type TraceStatus string

const (
	TraceStatusRunning   TraceStatus = "RUNNING"
	TraceStatusSucceeded TraceStatus = "SUCCEEDED"
	TraceStatusFailed    TraceStatus = "FAILED"
	TraceStatusCanceled  TraceStatus = "CANCELED"
)

// Terminal reports whether the trace can no longer change status.
func (s TraceStatus) Terminal() bool {
	return s == TraceStatusSucceeded || s == TraceStatusFailed || s == TraceStatusCanceled
}

// Trace is one end-to-end job and the root of an instance tree.
type Trace struct {
	ID            string         `json:"id"`
	RequestID     string         `json:"request_id"`
	UserID        string         `json:"user_id,omitempty"`
	Status        TraceStatus    `json:"status"`
	ControlSignal ControlSignal  `json:"control_signal,omitempty"`
	InputParams   map[string]any `json:"input_params"`
	CreatedAt     time.Time      `json:"created_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
}

// MaxIDLen bounds caller-supplied trace and task identifiers.
const MaxIDLen = 256

// rootTaskPrefix is prepended to the trace id to form the root's task id.
const rootTaskPrefix = "root-"

// RootTaskID derives the external task id of a trace's root instance.
// Derivation is deterministic so a retried StartTrace addresses the same root.
func RootTaskID(traceID string) string {
	return rootTaskPrefix + traceID
}

// ValidateID checks a caller-supplied trace or task identifier. Identifiers
// become segments of materialized paths, so the path separator is rejected.
func ValidateID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > MaxIDLen {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", field, MaxIDLen)
	}
	if strings.Contains(id, PathSeparator) {
		return fmt.Errorf("%s must not contain %q", field, PathSeparator)
	}
	return nil
}
