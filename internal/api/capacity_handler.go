package api

import "net/http"

// IncreaseCapacity просит негоциатор поднять воркеров для пары (project, spec).
// POST /api/v1/capacity/increase
func (h *Handler) IncreaseCapacity(w http.ResponseWriter, r *http.Request) {
	if h.scaler == nil {
		NotFound(w, "capacity is not served")
		return
	}

	var req IncreaseCapacityRequest
	if !h.decode(w, r, &req) {
		return
	}

	instanceID, err := h.scaler.IncreaseCapacity(r.Context(), req.ProjectID, req.SpecName, req.By)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, IncreaseCapacityResponse{InstanceID: instanceID})
}
