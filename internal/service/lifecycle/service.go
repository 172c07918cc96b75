// Package lifecycle is the engine that owns trace and instance state.
//
// It starts traces, expands instance trees at runtime, projects worker
// reports onto instances, and resolves the control command each report
// acknowledgement carries. The durable store is the source of truth; the
// projection cache, the signal store, and the event bus are consulted or
// written after the store commit and never decide correctness on their own.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/michi/internal/bus"
	"github.com/ashita-ai/michi/internal/cache"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/storage"
	"github.com/ashita-ai/michi/internal/telemetry"
)

// Repository is the durable store. *storage.DB satisfies it.
type Repository interface {
	CreateTraceTx(ctx context.Context, params storage.CreateTraceParams) (model.Trace, model.Instance, error)
	GetTrace(ctx context.Context, traceID string) (model.Trace, error)
	LatestTraceByRequest(ctx context.Context, requestID string) (model.Trace, error)
	FinishTrace(ctx context.Context, traceID string, status model.TraceStatus) (model.Trace, error)
	GetTraceSummary(ctx context.Context, traceID string) (model.TraceSummary, error)

	GetInstanceByTaskID(ctx context.Context, traceID, taskID string) (model.Instance, error)
	ListInstancesByTrace(ctx context.Context, traceID string) ([]model.Instance, error)
	FindReadyInstances(ctx context.Context, traceID string, limit int) ([]model.Instance, error)
	UpsertInstanceByTaskID(ctx context.Context, p storage.UpsertParams) (storage.UpsertResult, error)
	ExpandChildren(ctx context.Context, p storage.ExpandParams) ([]model.Instance, error)
	BulkUpdateSignal(ctx context.Context, scope storage.SignalScope, signal model.ControlSignal) ([]string, error)

	ListEventLog(ctx context.Context, f storage.EventLogFilter) ([]model.EventLogEntry, error)
}

// Projections is the instance projection cache. *cache.Projections
// satisfies it.
type Projections interface {
	Get(ctx context.Context, taskID string) (cache.Projection, error)
	ApplyUpdate(ctx context.Context, taskID string, changes map[string]any, current cache.Projection) (cache.Projection, error)
	PutInstances(ctx context.Context, insts []model.Instance) error
	SetSignal(ctx context.Context, traceID string, taskIDs []string, signal model.ControlSignal) error
}

// Signals is the control signal store. *control.Store satisfies it.
type Signals interface {
	SetTrace(ctx context.Context, traceID string, signal model.ControlSignal) error
	Trace(ctx context.Context, traceID string) (model.ControlSignal, bool, error)
	SetInstances(ctx context.Context, traceID string, taskIDs []string, signal model.ControlSignal) error
	Resolve(ctx context.Context, traceID, taskID string) (trace, instance model.ControlSignal, traceFound bool, err error)
}

// Service is the lifecycle engine. It holds no mutable state of its own;
// every request is handled independently.
type Service struct {
	repo    Repository
	proj    Projections
	signals Signals
	pub     bus.Publisher
	logger  *slog.Logger

	reports       metric.Int64Counter
	dropped       metric.Int64Counter
	expanded      metric.Int64Counter
	controls      metric.Int64Counter
	syncDuration  metric.Float64Histogram
	publishErrors metric.Int64Counter
}

// New creates a lifecycle engine. pub may be nil, in which case domain
// events are discarded.
func New(repo Repository, proj Projections, signals Signals, pub bus.Publisher, logger *slog.Logger) *Service {
	if pub == nil {
		pub = bus.Noop{}
	}
	meter := telemetry.Meter("michi/lifecycle")
	reports, _ := meter.Int64Counter("michi.reports",
		metric.WithDescription("Worker reports processed"))
	dropped, _ := meter.Int64Counter("michi.reports.dropped",
		metric.WithDescription("Worker reports dropped because no trace could be resolved"))
	expanded, _ := meter.Int64Counter("michi.instances.expanded",
		metric.WithDescription("Child instances created by topology expansion"))
	controls, _ := meter.Int64Counter("michi.control.operations",
		metric.WithDescription("Control signal writes"))
	syncDur, _ := meter.Float64Histogram("michi.sync.duration",
		metric.WithDescription("Time to apply a worker report (ms)"),
		metric.WithUnit("ms"),
	)
	pubErrs, _ := meter.Int64Counter("michi.bus.publish_errors",
		metric.WithDescription("Domain events that could not be published"))

	return &Service{
		repo:          repo,
		proj:          proj,
		signals:       signals,
		pub:           pub,
		logger:        logger,
		reports:       reports,
		dropped:       dropped,
		expanded:      expanded,
		controls:      controls,
		syncDuration:  syncDur,
		publishErrors: pubErrs,
	}
}

// StartTraceInput describes a new trace.
type StartTraceInput struct {
	TraceID     string
	RequestID   string
	UserID      string
	InputParams map[string]any
}

// StartTraceResult is the committed trace and its root instance.
type StartTraceResult struct {
	Trace model.Trace
	Root  model.Instance
}

// StartTrace creates the trace, its PENDING root instance, and the
// TRACE_STARTED log entry in one transaction. Reusing a trace id fails with
// ErrTraceExists. The root's projection and the trace's NORMAL signal are
// written after the commit on a best-effort basis.
func (s *Service) StartTrace(ctx context.Context, in StartTraceInput) (StartTraceResult, error) {
	if err := model.ValidateID("trace_id", in.TraceID); err != nil {
		return StartTraceResult{}, invalid(err)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("michi.trace_id", in.TraceID))

	tr, root, err := s.repo.CreateTraceTx(ctx, storage.CreateTraceParams{
		TraceID:     in.TraceID,
		RequestID:   in.RequestID,
		UserID:      in.UserID,
		InputParams: in.InputParams,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return StartTraceResult{}, fmt.Errorf("%w: %q", ErrTraceExists, in.TraceID)
		}
		return StartTraceResult{}, classify(err, nil)
	}

	if err := s.proj.PutInstances(ctx, []model.Instance{root}); err != nil {
		s.logger.Warn("lifecycle: root projection write failed", "trace_id", tr.ID, "error", err)
	}
	if err := s.signals.SetTrace(ctx, tr.ID, model.SignalNormal); err != nil {
		s.logger.Warn("lifecycle: initial trace signal write failed", "trace_id", tr.ID, "error", err)
	}

	s.publish(ctx, model.NewDomainEvent(model.DomainTraceCreated, tr.ID, root.TaskID, map[string]any{
		"root_instance_id": root.ID.String(),
		"root_task_id":     root.TaskID,
		"request_id":       tr.RequestID,
	}))
	s.logger.Info("lifecycle: trace started", "trace_id", tr.ID, "request_id", tr.RequestID)
	return StartTraceResult{Trace: tr, Root: root}, nil
}

// GetTrace returns a trace by id.
func (s *Service) GetTrace(ctx context.Context, traceID string) (model.Trace, error) {
	if err := model.ValidateID("trace_id", traceID); err != nil {
		return model.Trace{}, invalid(err)
	}
	tr, err := s.repo.GetTrace(ctx, traceID)
	return tr, classify(err, missing(ErrTraceNotFound, traceID))
}

// LatestTraceByRequest returns the most recently created trace for a request.
func (s *Service) LatestTraceByRequest(ctx context.Context, requestID string) (model.Trace, error) {
	if err := model.ValidateID("request_id", requestID); err != nil {
		return model.Trace{}, invalid(err)
	}
	tr, err := s.repo.LatestTraceByRequest(ctx, requestID)
	return tr, classify(err, missing(ErrTraceNotFound, "request "+requestID))
}

// GetInstance reads an instance from the durable store. An empty traceID
// selects the most recent instance with the task id.
func (s *Service) GetInstance(ctx context.Context, traceID, taskID string) (model.Instance, error) {
	if err := model.ValidateID("task_id", taskID); err != nil {
		return model.Instance{}, invalid(err)
	}
	inst, err := s.repo.GetInstanceByTaskID(ctx, traceID, taskID)
	return inst, classify(err, missing(ErrInstanceNotFound, taskID))
}

// ListInstances returns every instance of a trace in tree order.
func (s *Service) ListInstances(ctx context.Context, traceID string) ([]model.Instance, error) {
	if _, err := s.GetTrace(ctx, traceID); err != nil {
		return nil, err
	}
	insts, err := s.repo.ListInstancesByTrace(ctx, traceID)
	return insts, classify(err, nil)
}

// ReadyInstances returns PENDING instances whose dependencies have all
// succeeded. The predicate always runs against the durable store.
func (s *Service) ReadyInstances(ctx context.Context, traceID string, limit int) ([]model.Instance, error) {
	if _, err := s.GetTrace(ctx, traceID); err != nil {
		return nil, err
	}
	insts, err := s.repo.FindReadyInstances(ctx, traceID, limit)
	return insts, classify(err, nil)
}

// EventLog returns a trace's audit entries, oldest first. A non-empty taskID
// narrows the result to one instance.
func (s *Service) EventLog(ctx context.Context, traceID, taskID string, since *time.Time, limit int) ([]model.EventLogEntry, error) {
	if _, err := s.GetTrace(ctx, traceID); err != nil {
		return nil, err
	}
	f := storage.EventLogFilter{TraceID: traceID, Since: since, Limit: limit}
	if taskID != "" {
		inst, err := s.GetInstance(ctx, traceID, taskID)
		if err != nil {
			return nil, err
		}
		f.InstanceID = &inst.ID
	}
	entries, err := s.repo.ListEventLog(ctx, f)
	return entries, classify(err, nil)
}

// TraceSummary aggregates a trace's instances by status. AllTerminal is a
// hint for the caller's own completion policy; the engine never finishes a
// trace on its own.
func (s *Service) TraceSummary(ctx context.Context, traceID string) (model.TraceSummary, error) {
	if err := model.ValidateID("trace_id", traceID); err != nil {
		return model.TraceSummary{}, invalid(err)
	}
	sum, err := s.repo.GetTraceSummary(ctx, traceID)
	return sum, classify(err, missing(ErrTraceNotFound, traceID))
}

// FinishTrace moves a running trace into a terminal status.
func (s *Service) FinishTrace(ctx context.Context, traceID string, status model.TraceStatus) (model.Trace, error) {
	if err := model.ValidateID("trace_id", traceID); err != nil {
		return model.Trace{}, invalid(err)
	}
	if !status.Terminal() {
		return model.Trace{}, invalid(fmt.Errorf("status must be SUCCEEDED, FAILED, or CANCELED, got %q", status))
	}
	tr, err := s.repo.FinishTrace(ctx, traceID, status)
	if err != nil {
		return model.Trace{}, classify(err, missing(ErrTraceNotFound, traceID))
	}
	s.publish(ctx, model.NewDomainEvent(model.DomainTraceFinished, traceID, "", map[string]any{
		"status": string(tr.Status),
	}))
	return tr, nil
}

// publish sends an event after the commit it describes. Failures are logged
// and counted, never returned.
func (s *Service) publish(ctx context.Context, ev model.DomainEvent) {
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(ev.Type))))
		s.logger.Warn("lifecycle: publish failed", "type", ev.Type, "trace_id", ev.TraceID, "error", err)
	}
}
