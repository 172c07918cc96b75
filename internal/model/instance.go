package model

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InstanceStatus is the execution state of a single instance.
type InstanceStatus string

const (
	InstanceStatusPending InstanceStatus = "PENDING"
	InstanceStatusRunning InstanceStatus = "RUNNING"
	InstanceStatusSuccess InstanceStatus = "SUCCESS"
	InstanceStatusFailed  InstanceStatus = "FAILED"
)

// Terminal reports whether the status is final for the instance.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceStatusSuccess || s == InstanceStatusFailed
}

// OutcomeColumns hold an instance's outcome. Once the instance is terminal
// they no longer change, so late or duplicate reports only refresh liveness.
var OutcomeColumns = []string{"status", "progress", "started_at", "finished_at", "output", "error_detail"}

// IsOutcomeColumn reports whether col is one of OutcomeColumns.
func IsOutcomeColumn(col string) bool {
	return slices.Contains(OutcomeColumns, col)
}

// DefaultActorKind is assigned to instances that were never explicitly
// expanded into the tree, e.g. ones created by a worker's first report.
const DefaultActorKind = "AGENT"

// Instance is one node of a trace's instance tree.
//
// JSON tags double as column names: the cache projection of an instance is
// its JSON encoding, and partial updates are keyed by the same names.
type Instance struct {
	ID              uuid.UUID      `json:"id"`
	TaskID          string         `json:"task_id"`
	TraceID         string         `json:"trace_id"`
	RequestID       string         `json:"request_id,omitempty"`
	ParentID        *uuid.UUID     `json:"parent_id,omitempty"`
	Depth           int            `json:"depth"`
	Path            string         `json:"path"`
	Name            string         `json:"name,omitempty"`
	DefID           string         `json:"def_id,omitempty"`
	ActorKind       string         `json:"actor_kind"`
	Role            string         `json:"role,omitempty"`
	Status          InstanceStatus `json:"status"`
	Progress        int            `json:"progress"`
	ControlSignal   ControlSignal  `json:"control_signal"`
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

// IsRoot reports whether the instance is its trace's root.
func (i Instance) IsRoot() bool { return i.ParentID == nil }

// PathSeparator terminates every segment of a materialized path.
const PathSeparator = "/"

// RootPath is the materialized path of every root instance.
const RootPath = PathSeparator

// ChildPath returns the materialized path for a child of the instance
// with the given path and task id.
func ChildPath(parentPath, parentTaskID string) string {
	return parentPath + parentTaskID + PathSeparator
}

// SubtreePrefix returns the path prefix shared by every descendant of an
// instance. The instance itself lives one level up and is matched by id.
func (i Instance) SubtreePrefix() string {
	return ChildPath(i.Path, i.TaskID)
}

// PathAncestors returns the task ids encoded in a materialized path, from
// the root downwards. The root path yields no ancestors.
func PathAncestors(path string) []string {
	trimmed := strings.Trim(path, PathSeparator)
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, PathSeparator)
}

// NewChild builds a PENDING child of parent. The child's control signal is a
// snapshot of the parent's signal at the time of the call.
func NewChild(parent Instance, spec ChildSpec, now time.Time) Instance {
	parentID := parent.ID
	actorKind := spec.ActorKind
	if actorKind == "" {
		actorKind = DefaultActorKind
	}
	params := spec.Params
	if params == nil {
		params = map[string]any{}
	}
	return Instance{
		ID:            NewID(),
		TaskID:        spec.ID,
		TraceID:       parent.TraceID,
		RequestID:     parent.RequestID,
		ParentID:      &parentID,
		Depth:         parent.Depth + 1,
		Path:          parent.SubtreePrefix(),
		Name:          spec.Name,
		DefID:         spec.DefID,
		ActorKind:     actorKind,
		Role:          spec.Role,
		Status:        InstanceStatusPending,
		ControlSignal: parent.ControlSignal,
		DependsOn:     spec.DependsOn,
		InputParams:   params,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// ChildSpec describes one child requested by a topology expansion.
type ChildSpec struct {
	ID        string         `json:"id"`
	DefID     string         `json:"def_id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Role      string         `json:"role,omitempty"`
	ActorKind string         `json:"actor_kind,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	DependsOn []uuid.UUID    `json:"depends_on,omitempty"`
}

// NewID returns a time-ordered UUIDv7, falling back to a random v4 if the
// clock source fails.
func NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// ClampProgress bounds a reported progress value to 0..100.
func ClampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
