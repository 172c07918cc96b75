package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/michi/internal/cache"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/storage"
)

// maxSpecPreview bounds the subtask preview stored in the expansion log.
const maxSpecPreview = 512

// ExpandInput requests new children under one parent.
type ExpandInput struct {
	TraceID           string
	ParentTaskID      string
	Children          []model.ChildSpec
	ReasoningSnapshot map[string]any
}

// ExpandTopology creates PENDING children under a parent, all or none, and
// returns their task ids in input order.
//
// A CANCELLED trace is rejected from the signal store before the store is
// touched. The store transaction then re-checks the trace and every
// ancestor under share locks, so a cancel racing the expansion either wins
// and fails it or waits and covers the new children.
//
// Children that inherit a PAUSED or CANCELLED signal from their parent get
// instance entries in the signal store too, so their first report is
// steered without a store read.
func (s *Service) ExpandTopology(ctx context.Context, in ExpandInput) ([]string, error) {
	if err := validateExpand(in); err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("michi.trace_id", in.TraceID),
		attribute.String("michi.parent_task_id", in.ParentTaskID),
		attribute.Int("michi.child_count", len(in.Children)),
	)

	sig, _, err := s.signals.Trace(ctx, in.TraceID)
	if err != nil {
		s.logger.Warn("lifecycle: signal store unavailable, relying on store check",
			"trace_id", in.TraceID, "error", err)
	} else if sig == model.SignalCancelled {
		return nil, fmt.Errorf("%w: %q", ErrTraceCancelled, in.TraceID)
	}

	parent, err := s.loadParent(ctx, in.TraceID, in.ParentTaskID)
	if err != nil {
		return nil, err
	}
	if parent.ControlSignal == model.SignalCancelled {
		return nil, fmt.Errorf("%w: %q", ErrParentCancelled, parent.TaskID)
	}

	children, err := s.repo.ExpandChildren(ctx, storage.ExpandParams{
		TraceID:  in.TraceID,
		ParentID: parent.ID,
		Children: in.Children,
		Log:      expansionLog(in),
	})
	if err != nil {
		return nil, classify(err, missing(ErrParentNotFound, in.ParentTaskID))
	}

	if err := s.proj.PutInstances(ctx, children); err != nil {
		s.logger.Warn("lifecycle: child projection write failed",
			"trace_id", in.TraceID, "parent_task_id", in.ParentTaskID, "error", err)
	}

	ids := make([]string, len(children))
	inherited := map[model.ControlSignal][]string{}
	for i, c := range children {
		ids[i] = c.TaskID
		if sig := c.ControlSignal; sig != model.SignalUnset && sig != model.SignalNormal {
			inherited[sig] = append(inherited[sig], c.TaskID)
		}
	}
	for sig, taskIDs := range inherited {
		if err := s.signals.SetInstances(ctx, in.TraceID, taskIDs, sig); err != nil {
			s.logger.Warn("lifecycle: inherited signal write failed",
				"trace_id", in.TraceID, "parent_task_id", in.ParentTaskID, "signal", sig, "error", err)
		}
	}
	s.expanded.Add(ctx, int64(len(children)))
	s.publish(ctx, model.NewDomainEvent(model.DomainTopologyExpanded, in.TraceID, in.ParentTaskID, map[string]any{
		"parent_instance_id": parent.ID.String(),
		"new_child_ids":      ids,
	}))
	return ids, nil
}

func validateExpand(in ExpandInput) error {
	if err := model.ValidateID("trace_id", in.TraceID); err != nil {
		return invalid(err)
	}
	if err := model.ValidateID("parent_task_id", in.ParentTaskID); err != nil {
		return invalid(err)
	}
	if len(in.Children) == 0 {
		return invalid(errors.New("subtasks must not be empty"))
	}
	seen := make(map[string]bool, len(in.Children))
	for i, c := range in.Children {
		if c.ID == "" {
			return fmt.Errorf("%w (subtask %d)", ErrMissingChildID, i)
		}
		if err := model.ValidateID(fmt.Sprintf("subtasks[%d].id", i), c.ID); err != nil {
			return invalid(err)
		}
		if seen[c.ID] {
			return invalid(fmt.Errorf("duplicate subtask id %q", c.ID))
		}
		seen[c.ID] = true
	}
	return nil
}

// loadParent reads the parent through the projection cache. A projection
// from another trace, or a degraded one, falls back to the store scoped to
// traceID before a mismatch is reported.
func (s *Service) loadParent(ctx context.Context, traceID, taskID string) (model.Instance, error) {
	p, err := s.proj.Get(ctx, taskID)
	switch {
	case err == nil && p.Complete() && p.TraceID() == traceID:
		return p.Instance(), nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		s.logger.Warn("lifecycle: parent projection unavailable", "task_id", taskID, "error", err)
	}

	inst, serr := s.repo.GetInstanceByTaskID(ctx, traceID, taskID)
	if serr == nil {
		return inst, nil
	}
	if !errors.Is(serr, storage.ErrNotFound) {
		return model.Instance{}, classify(serr, nil)
	}
	if err == nil && p.TraceID() != "" && p.TraceID() != traceID {
		return model.Instance{}, fmt.Errorf("%w: %q belongs to %q, not %q", ErrTraceMismatch, taskID, p.TraceID(), traceID)
	}
	return model.Instance{}, missing(ErrParentNotFound, taskID)
}

func expansionLog(in ExpandInput) model.EventLogEntry {
	payload := map[string]any{
		"child_count": len(in.Children),
		"preview":     specPreview(in.Children),
	}
	if len(in.ReasoningSnapshot) > 0 {
		payload["reasoning_snapshot"] = in.ReasoningSnapshot
	}
	return model.EventLogEntry{
		EventType: model.LogTopologyExpanded,
		Severity:  model.SeverityInfo,
		Message:   fmt.Sprintf("expanded %d subtask(s) under %s", len(in.Children), in.ParentTaskID),
		Payload:   payload,
	}
}

func specPreview(specs []model.ChildSpec) string {
	data, err := json.Marshal(specs)
	if err != nil {
		return ""
	}
	if len(data) > maxSpecPreview {
		return string(data[:maxSpecPreview]) + "..."
	}
	return string(data)
}

// projectionSignal returns the control signal of a cached projection, or
// unset when there is none.
func projectionSignal(p cache.Projection) model.ControlSignal {
	if p == nil {
		return model.SignalUnset
	}
	return p.ControlSignal()
}
