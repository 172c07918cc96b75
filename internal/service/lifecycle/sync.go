package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/michi/internal/cache"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/storage"
)

// defaultStartedProgress is the progress recorded by a STARTED report that
// carries none of its own.
const defaultStartedProgress = 50

// SyncResult is the outcome of applying one worker report.
type SyncResult struct {
	TraceID    string
	InstanceID string
	// Created is set when the report created an instance that was never
	// expanded into the tree.
	Created bool
	// Dropped is set when no trace could be resolved for the report.
	Dropped bool
	Command model.Command
}

// SyncExecutionState applies a worker report to its instance and returns
// the command the worker should follow next.
//
// The update and its audit entry commit together through an upsert keyed
// by task id, so duplicate reports land on the same row. The projection
// merge and the domain events follow the commit and never fail the call.
func (s *Service) SyncExecutionState(ctx context.Context, r model.ExecutionReport) (SyncResult, error) {
	start := time.Now()
	if err := model.ValidateID("task_id", r.TaskID); err != nil {
		return SyncResult{}, invalid(err)
	}
	if r.EventType == "" {
		return SyncResult{}, invalid(errors.New("event_type is required"))
	}
	if r.TraceID != "" {
		if err := model.ValidateID("trace_id", r.TraceID); err != nil {
			return SyncResult{}, invalid(err)
		}
	}
	s.reports.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", string(r.EventType))))
	defer func() {
		s.syncDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	current, err := s.proj.Get(ctx, r.TaskID)
	if err != nil {
		current = nil
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("lifecycle: projection lookup failed", "task_id", r.TaskID, "error", err)
		}
	}

	traceID := r.TraceID
	if traceID == "" && current != nil {
		traceID = current.TraceID()
	}
	if traceID == "" {
		s.dropped.Add(ctx, 1)
		s.logger.Warn("lifecycle: dropping report with no resolvable trace",
			"task_id", r.TaskID, "event_type", r.EventType, "node_id", r.NodeID())
		return SyncResult{Dropped: true, Command: model.CommandContinue}, nil
	}
	if current != nil && current.TraceID() != traceID {
		current = nil
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("michi.trace_id", traceID),
		attribute.String("michi.task_id", r.TaskID),
	)

	now := time.Now().UTC()
	fields := projectReport(r, now)

	res, err := s.repo.UpsertInstanceByTaskID(ctx, storage.UpsertParams{
		TraceID: traceID,
		TaskID:  r.TaskID,
		Fields:  fields,
		Log:     reportLog(r),
	})
	if err != nil {
		return SyncResult{}, classify(err, missing(ErrTraceNotFound, traceID))
	}
	if res.Created {
		s.logger.Info("lifecycle: instance created by report",
			"trace_id", traceID, "task_id", r.TaskID, "event_type", r.EventType)
	}

	applied := cacheFields(fields, res.Status)
	merged, err := s.proj.ApplyUpdate(ctx, r.TaskID, applied, s.mergeBase(ctx, traceID, r.TaskID, current))
	if err != nil {
		s.logger.Warn("lifecycle: projection update failed", "task_id", r.TaskID, "error", err)
	}

	s.emitReportEvents(ctx, traceID, r, applied, current, merged, now)

	return SyncResult{
		TraceID:    traceID,
		InstanceID: res.InstanceID.String(),
		Created:    res.Created,
		Command:    s.ResolveCommand(ctx, traceID, r.TaskID, merged),
	}, nil
}

// mergeBase returns the projection a report merges into. The cached one is
// used only when it belongs to traceID; otherwise the row is read from the
// store so another trace's instance under the same task id never leaks in.
func (s *Service) mergeBase(ctx context.Context, traceID, taskID string, current cache.Projection) cache.Projection {
	if current != nil {
		return current
	}
	inst, err := s.repo.GetInstanceByTaskID(ctx, traceID, taskID)
	if err == nil {
		if p, err := cache.FromInstance(inst); err == nil {
			return p
		}
	}
	s.logger.Warn("lifecycle: degraded projection, merging into stub",
		"trace_id", traceID, "task_id", taskID, "error", err)
	return cache.Projection{"task_id": taskID, "trace_id": traceID}
}

// cacheFields drops the outcome columns a terminal row refused, so the
// projection mirrors the committed row.
func cacheFields(fields map[string]any, committed model.InstanceStatus) map[string]any {
	if !committed.Terminal() || fields["status"] == committed {
		return fields
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if !model.IsOutcomeColumn(k) {
			out[k] = v
		}
	}
	out["status"] = committed
	return out
}

// projectReport maps a report onto the instance columns it changes. Unknown
// event types only refresh liveness and the runtime snapshot.
func projectReport(r model.ExecutionReport, now time.Time) map[string]any {
	fields := map[string]any{"last_seen_at": now}
	if len(r.Context) > 0 {
		fields["runtime_snapshot"] = r.Context
	}

	known := true
	switch r.EventType {
	case model.ReportStarted:
		fields["status"] = model.InstanceStatusRunning
		fields["started_at"] = now
		p, ok := reportedProgress(r.Data)
		if !ok {
			p = defaultStartedProgress
		}
		fields["progress"] = p
	case model.ReportRunning:
		fields["status"] = model.InstanceStatusRunning
		if p, ok := reportedProgress(r.Data); ok {
			fields["progress"] = p
		}
	case model.ReportProgress:
		if p, ok := reportedProgress(r.Data); ok {
			fields["progress"] = p
		}
	case model.ReportCompleted:
		fields["status"] = model.InstanceStatusSuccess
		fields["progress"] = 100
		fields["finished_at"] = now
		if len(r.Data) > 0 {
			fields["output"] = r.Data
		}
	case model.ReportFailed:
		fields["status"] = model.InstanceStatusFailed
		fields["finished_at"] = now
		detail := r.Error
		if len(detail) == 0 {
			detail = map[string]any{"message": "worker reported failure"}
		}
		fields["error_detail"] = detail
	default:
		known = false
	}

	if known {
		if r.WorkerID != "" {
			fields["worker_id"] = r.WorkerID
		}
		if r.AgentID != "" {
			fields["agent_id"] = r.AgentID
		}
	}
	return fields
}

// reportedProgress extracts a progress value from a report payload.
func reportedProgress(data map[string]any) (int, bool) {
	v, ok := data["progress"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return model.ClampProgress(int(n)), true
	case int:
		return model.ClampProgress(n), true
	case int64:
		return model.ClampProgress(int(n)), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return model.ClampProgress(int(f)), true
	}
	return 0, false
}

func reportLog(r model.ExecutionReport) model.EventLogEntry {
	severity := model.SeverityInfo
	if len(r.Error) > 0 {
		severity = model.SeverityError
	}
	payload := map[string]any{}
	if len(r.Data) > 0 {
		payload["data"] = r.Data
	}
	if len(r.Error) > 0 {
		payload["error"] = r.Error
	}
	if len(r.Context) > 0 {
		payload["context"] = r.Context
	}
	msg := fmt.Sprintf("%s reported", r.EventType)
	if node := r.NodeID(); node != "" {
		msg += " by " + node
	}
	return model.EventLogEntry{
		EventType: string(r.EventType),
		Severity:  severity,
		Message:   msg,
		Payload:   payload,
		NodeID:    r.NodeID(),
	}
}

// emitReportEvents publishes a heartbeat for busy reports and a full state
// change for every report.
func (s *Service) emitReportEvents(ctx context.Context, traceID string, r model.ExecutionReport,
	fields map[string]any, before, after cache.Projection, now time.Time) {
	var startedAt *time.Time
	if before != nil {
		startedAt = before.StartedAt()
	}
	if startedAt == nil {
		if t, ok := fields["started_at"].(time.Time); ok {
			startedAt = &t
		}
	}

	status, progress, name := model.InstanceStatus(""), 0, ""
	if after != nil {
		status, progress = after.Status(), after.Progress()
		name, _ = after["name"].(string)
	}

	if r.EventType.Busy() {
		s.publish(ctx, model.NewDomainEvent(model.DomainTaskHeartbeat, traceID, r.TaskID, map[string]any{
			"trace_id":  traceID,
			"task_name": name,
			"status":    string(status),
			"progress":  progress,
		}))
	}

	payload := map[string]any{
		"event_type": string(r.EventType),
		"status":     string(status),
		"progress":   progress,
	}
	if startedAt != nil {
		payload["started_at"] = startedAt.Format(time.RFC3339Nano)
		payload["elapsed_ms"] = now.Sub(*startedAt).Milliseconds()
	}
	if t, ok := fields["finished_at"].(time.Time); ok {
		payload["finished_at"] = t.Format(time.RFC3339Nano)
	}
	if out, ok := fields["output"]; ok {
		payload["result"] = out
	}
	if e, ok := fields["error_detail"]; ok {
		payload["error"] = e
	}
	s.publish(ctx, model.NewDomainEvent(model.DomainTaskStateChanged, traceID, r.TaskID, payload))
}
