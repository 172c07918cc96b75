package server

import (
	"net/http"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/service/lifecycle"
)

// HandleControlTrace handles POST /v1/control/trace.
func (h *Handlers) HandleControlTrace(w http.ResponseWriter, r *http.Request) {
	var req model.ControlTraceRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	res, err := h.engine.SetTraceSignal(r.Context(), req.TraceID, req.Signal)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, controlResponse(res))
}

// HandleControlNode handles POST /v1/control/node. The signal covers the
// named instance and every descendant.
func (h *Handlers) HandleControlNode(w http.ResponseWriter, r *http.Request) {
	var req model.ControlNodeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	res, err := h.engine.SetSubtreeSignal(r.Context(), req.TraceID, req.InstanceTaskID, req.Signal)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, controlResponse(res))
}

func controlResponse(res lifecycle.ControlResult) model.ControlResponse {
	return model.ControlResponse{
		Status:   "success",
		Signal:   res.Signal,
		Scope:    res.Scope,
		Affected: res.Affected,
	}
}
