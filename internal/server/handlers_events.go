package server

import (
	"net/http"
	"strings"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/service/lifecycle"
)

// HandleReportEvent handles POST /v1/events. The response carries the
// command the worker must follow next; a report whose trace cannot be
// resolved is acknowledged as dropped with CONTINUE.
func (h *Handlers) HandleReportEvent(w http.ResponseWriter, r *http.Request) {
	var req model.ExecutionReport
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.WorkerID == "" {
		req.WorkerID = strings.TrimSpace(r.Header.Get("X-Worker-ID"))
	}

	res, err := h.engine.SyncExecutionState(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.ReportEventResponse{
		Received: true,
		Dropped:  res.Dropped,
		Command:  res.Command,
	})
}

// HandleExpandTopology handles POST /v1/topology.
func (h *Handlers) HandleExpandTopology(w http.ResponseWriter, r *http.Request) {
	var req model.ExpandTopologyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	ids, err := h.engine.ExpandTopology(r.Context(), lifecycle.ExpandInput{
		TraceID:           req.TraceID,
		ParentTaskID:      req.ParentTaskID,
		Children:          req.Subtasks,
		ReasoningSnapshot: req.ReasoningSnapshot,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.ExpandTopologyResponse{
		NewChildIDs: ids,
		Count:       len(ids),
	})
}
