package server

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/service/lifecycle"
)

// HandleStartTrace handles POST /v1/traces.
func (h *Handlers) HandleStartTrace(w http.ResponseWriter, r *http.Request) {
	var req model.StartTraceRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	res, err := h.engine.StartTrace(r.Context(), lifecycle.StartTraceInput{
		TraceID:     req.TraceID,
		RequestID:   req.RequestID,
		UserID:      req.UserID,
		InputParams: req.InputParams,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, model.StartTraceResponse{
		TraceID:        res.Trace.ID,
		RootTaskID:     res.Root.TaskID,
		RootInstanceID: res.Root.ID,
	})
}

// HandleGetTrace handles GET /v1/traces/{trace_id}.
func (h *Handlers) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	tr, err := h.engine.GetTrace(r.Context(), r.PathValue("trace_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tr)
}

// HandleLatestTrace handles GET /v1/traces/latest?request_id=.
func (h *Handlers) HandleLatestTrace(w http.ResponseWriter, r *http.Request) {
	tr, err := h.engine.LatestTraceByRequest(r.Context(), r.URL.Query().Get("request_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.LatestTraceResponse{TraceID: tr.ID})
}

// HandleTraceSignal handles GET /v1/traces/{trace_id}/signal.
func (h *Handlers) HandleTraceSignal(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")
	sig, err := h.engine.GetTraceSignal(r.Context(), traceID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.TraceSignalResponse{TraceID: traceID, GlobalSignal: sig})
}

// HandleListInstances handles GET /v1/traces/{trace_id}/instances.
func (h *Handlers) HandleListInstances(w http.ResponseWriter, r *http.Request) {
	insts, err := h.engine.ListInstances(r.Context(), r.PathValue("trace_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, insts)
}

// HandleReadyInstances handles GET /v1/traces/{trace_id}/ready.
func (h *Handlers) HandleReadyInstances(w http.ResponseWriter, r *http.Request) {
	insts, err := h.engine.ReadyInstances(r.Context(), r.PathValue("trace_id"), queryLimit(r, h.readyLimit))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, insts)
}

// HandleEventLog handles GET /v1/traces/{trace_id}/events.
func (h *Handlers) HandleEventLog(w http.ResponseWriter, r *http.Request) {
	since, err := queryTime(r, "since")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	entries, err := h.engine.EventLog(r.Context(), r.PathValue("trace_id"),
		r.URL.Query().Get("task_id"), since, queryLimit(r, defaultEventLimit))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, entries)
}

// HandleTraceSummary handles GET /v1/traces/{trace_id}/summary.
func (h *Handlers) HandleTraceSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.engine.TraceSummary(r.Context(), r.PathValue("trace_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, sum)
}

// HandleFinishTrace handles POST /v1/traces/{trace_id}/finish.
func (h *Handlers) HandleFinishTrace(w http.ResponseWriter, r *http.Request) {
	var req model.FinishTraceRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	tr, err := h.engine.FinishTrace(r.Context(), r.PathValue("trace_id"), req.Status)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tr)
}

// HandleGetInstance handles GET /v1/instances/{task_id}. The optional
// trace_id query parameter disambiguates task ids reused across traces.
func (h *Handlers) HandleGetInstance(w http.ResponseWriter, r *http.Request) {
	traceID := r.URL.Query().Get("trace_id")
	taskID := r.PathValue("task_id")
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("michi.task_id", taskID))
	if traceID != "" {
		span.SetAttributes(attribute.String("michi.trace_id", traceID))
	}

	inst, err := h.engine.GetInstance(r.Context(), traceID, taskID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, inst)
}
