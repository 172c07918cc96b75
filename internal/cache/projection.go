// Package cache keeps a Redis projection of every instance, keyed by its
// external task id, so worker reports on known instances avoid a store read.
//
// The durable store stays authoritative. Every write here follows the store
// commit it mirrors, and nothing that needs a correctness guarantee may read
// from this package.
package cache

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/michi/internal/model"
)

// Projection is the cached view of an instance: its JSON fields as a map.
type Projection map[string]any

// FromInstance encodes an instance as a projection.
func FromInstance(inst model.Instance) (Projection, error) {
	return normalize(inst)
}

// normalize round-trips v through JSON so projections hold only JSON-native
// values (strings, float64, bool, nested maps and slices).
func normalize(v any) (Projection, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cache: encode projection: %w", err)
	}
	var p Projection
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("cache: decode projection: %w", err)
	}
	return p, nil
}

// Merge returns a copy of p with changes applied on top. A terminal
// projection keeps its outcome fields, matching the store.
func (p Projection) Merge(changes Projection) Projection {
	out := maps.Clone(p)
	if out == nil {
		out = Projection{}
	}
	terminal := p.Status().Terminal()
	for k, v := range changes {
		if terminal && model.IsOutcomeColumn(k) {
			continue
		}
		out[k] = v
	}
	return out
}

func (p Projection) str(key string) string {
	s, _ := p[key].(string)
	return s
}

func (p Projection) num(key string) (int, bool) {
	f, ok := p[key].(float64)
	return int(f), ok
}

func (p Projection) TaskID() string  { return p.str("task_id") }
func (p Projection) TraceID() string { return p.str("trace_id") }
func (p Projection) Path() string    { return p.str("path") }

func (p Projection) Depth() int {
	d, _ := p.num("depth")
	return d
}

func (p Projection) Progress() int {
	v, _ := p.num("progress")
	return v
}

func (p Projection) Status() model.InstanceStatus {
	return model.InstanceStatus(p.str("status"))
}

func (p Projection) ControlSignal() model.ControlSignal {
	return model.ControlSignal(p.str("control_signal"))
}

// ID returns the instance's internal id, or uuid.Nil if absent.
func (p Projection) ID() uuid.UUID {
	id, err := uuid.Parse(p.str("id"))
	if err != nil {
		return uuid.Nil
	}
	return id
}

// StartedAt returns the cached start time, if any.
func (p Projection) StartedAt() *time.Time {
	s := p.str("started_at")
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

// Complete reports whether the projection carries the tree fields needed to
// address the instance. Degraded projections built from a stub do not.
func (p Projection) Complete() bool {
	if p.ID() == uuid.Nil || p.TraceID() == "" || p.Path() == "" {
		return false
	}
	_, ok := p.num("depth")
	return ok
}

// Instance rebuilds the addressing fields of an instance from a complete
// projection.
func (p Projection) Instance() model.Instance {
	return model.Instance{
		ID:            p.ID(),
		TaskID:        p.TaskID(),
		TraceID:       p.TraceID(),
		RequestID:     p.str("request_id"),
		Depth:         p.Depth(),
		Path:          p.Path(),
		Status:        p.Status(),
		Progress:      p.Progress(),
		ControlSignal: p.ControlSignal(),
	}
}
