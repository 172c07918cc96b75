package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/michi/internal/cache"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/storage"
)

// ControlResult describes a completed control operation.
type ControlResult struct {
	Signal   model.ControlSignal
	Scope    model.SignalScopeKind
	Affected int
}

// SetTraceSignal applies a control request to a whole trace. Every instance
// row of the trace carries the new signal when the call returns, and the
// signal store answers the next report with it.
func (s *Service) SetTraceSignal(ctx context.Context, traceID string, req model.ControlRequest) (ControlResult, error) {
	if err := model.ValidateID("trace_id", traceID); err != nil {
		return ControlResult{}, invalid(err)
	}
	sig, err := req.Signal()
	if err != nil {
		return ControlResult{}, fmt.Errorf("%w: %w", ErrInvalidSignal, err)
	}

	taskIDs, err := s.repo.BulkUpdateSignal(ctx, storage.TraceScope(traceID), sig)
	if err != nil {
		return ControlResult{}, classify(err, missing(ErrTraceNotFound, traceID))
	}
	if err := s.signals.SetTrace(ctx, traceID, sig); err != nil {
		return ControlResult{}, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return s.finishControl(ctx, traceID, "", model.ScopeTrace, sig, taskIDs)
}

// SetSubtreeSignal applies a control request to an instance and every
// descendant, however deep or recently spawned. Siblings and ancestors are
// untouched.
func (s *Service) SetSubtreeSignal(ctx context.Context, traceID, taskID string, req model.ControlRequest) (ControlResult, error) {
	if err := model.ValidateID("trace_id", traceID); err != nil {
		return ControlResult{}, invalid(err)
	}
	if err := model.ValidateID("instance_task_id", taskID); err != nil {
		return ControlResult{}, invalid(err)
	}
	sig, err := req.Signal()
	if err != nil {
		return ControlResult{}, fmt.Errorf("%w: %w", ErrInvalidSignal, err)
	}

	// The anchor's path is immutable, so it is safe to read outside the
	// transaction that locks the anchor row.
	anchor, err := s.repo.GetInstanceByTaskID(ctx, traceID, taskID)
	if err != nil {
		return ControlResult{}, classify(err, missing(ErrInstanceNotFound, taskID))
	}
	taskIDs, err := s.repo.BulkUpdateSignal(ctx, storage.SubtreeScope(anchor), sig)
	if err != nil {
		return ControlResult{}, classify(err, missing(ErrInstanceNotFound, taskID))
	}
	return s.finishControl(ctx, traceID, taskID, model.ScopeSubtree, sig, taskIDs)
}

// finishControl mirrors a committed signal write into the signal store and
// the projection cache, then announces it.
func (s *Service) finishControl(ctx context.Context, traceID, anchor string, scope model.SignalScopeKind,
	sig model.ControlSignal, taskIDs []string) (ControlResult, error) {
	if err := s.signals.SetInstances(ctx, traceID, taskIDs, sig); err != nil {
		return ControlResult{}, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	if err := s.proj.SetSignal(ctx, traceID, taskIDs, sig); err != nil {
		s.logger.Warn("lifecycle: projection signal update failed",
			"trace_id", traceID, "signal", sig, "error", err)
	}

	s.controls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", string(scope)),
		attribute.String("signal", string(sig)),
	))
	s.publish(ctx, model.NewDomainEvent(model.DomainSignalChanged, traceID, anchor, map[string]any{
		"signal":   string(sig),
		"scope":    string(scope),
		"affected": len(taskIDs),
	}))
	s.logger.Info("lifecycle: control signal applied",
		"trace_id", traceID, "anchor", anchor, "scope", scope, "signal", sig, "affected", len(taskIDs))
	return ControlResult{Signal: sig, Scope: scope, Affected: len(taskIDs)}, nil
}

// GetTraceSignal returns the trace's current signal, NORMAL when none was
// ever written. A signal store miss is repaired from the trace row.
func (s *Service) GetTraceSignal(ctx context.Context, traceID string) (model.ControlSignal, error) {
	if err := model.ValidateID("trace_id", traceID); err != nil {
		return model.SignalUnset, invalid(err)
	}
	sig, found, err := s.signals.Trace(ctx, traceID)
	if err == nil && found {
		return sig.Normalize(), nil
	}
	if err != nil {
		s.logger.Warn("lifecycle: signal store read failed, reading trace row", "trace_id", traceID, "error", err)
	}
	return s.repairTraceSignal(ctx, traceID, err == nil)
}

func (s *Service) repairTraceSignal(ctx context.Context, traceID string, writeBack bool) (model.ControlSignal, error) {
	tr, err := s.repo.GetTrace(ctx, traceID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.SignalNormal, nil
	}
	if err != nil {
		return model.SignalUnset, classify(err, nil)
	}
	sig := tr.ControlSignal.Normalize()
	if writeBack {
		if err := s.signals.SetTrace(ctx, traceID, sig); err != nil {
			s.logger.Warn("lifecycle: trace signal repair failed", "trace_id", traceID, "error", err)
		}
	}
	return sig, nil
}

// ResolveCommand returns the command a worker on taskID should follow: the
// more severe of the trace's signal and the instance's own. Lookup failures
// fall back to the projection, when it belongs to traceID, and never fail
// the report.
func (s *Service) ResolveCommand(ctx context.Context, traceID, taskID string, proj cache.Projection) model.Command {
	if proj != nil && proj.TraceID() != traceID {
		proj = nil
	}
	traceSig, instSig, found, err := s.signals.Resolve(ctx, traceID, taskID)
	if err != nil {
		s.logger.Warn("lifecycle: signal lookup failed, using projection",
			"trace_id", traceID, "task_id", taskID, "error", err)
		return projectionSignal(proj).Command()
	}
	if !found {
		traceSig, err = s.repairTraceSignal(ctx, traceID, true)
		if err != nil {
			s.logger.Warn("lifecycle: trace signal unavailable", "trace_id", traceID, "error", err)
			traceSig = model.SignalUnset
		}
	}
	if instSig == model.SignalUnset {
		instSig = projectionSignal(proj)
	}
	return model.MostSevere(traceSig, instSig).Command()
}
