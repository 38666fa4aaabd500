package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shaiso/Tributary/internal/domain"
	"github.com/shaiso/Tributary/internal/runtime"
)

// EnqueueJob создаёт job и ставит его в очередь.
// POST /api/v1/projects/{project}/jobs
func (h *Handler) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req EnqueueJobRequest
	if !h.decode(w, r, &req) {
		return
	}

	handle, err := h.runtime.Enqueue(r.Context(), runtime.EnqueueRequest{
		ProjectID: chi.URLParam(r, "project"),
		SpecName:  req.SpecName,
		JobID:     req.JobID,
		Params:    req.Params,
		Bindings:  req.Bindings(),
	})
	if HandleError(w, h.logger, err) {
		return
	}

	rec, err := handle.Status(r.Context())
	if HandleError(w, h.logger, err) {
		return
	}

	Accepted(w, JobFromHandle(handle, &rec))
}

// GetJob возвращает job с текущим статусом.
// GET /api/v1/projects/{project}/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.attach(w, r)
	if !ok {
		return
	}

	rec, err := handle.Status(r.Context())
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, JobFromHandle(handle, &rec))
}

// GetHistory возвращает историю статусов job от старых к новым.
// GET /api/v1/projects/{project}/jobs/{id}/history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.runtime.History(r.Context(), chi.URLParam(r, "project"), chi.URLParam(r, "id"))
	if HandleError(w, h.logger, err) {
		return
	}

	List(w, history, len(history))
}

// GetFlowState возвращает сводку по дочерним jobs flow.
// GET /api/v1/projects/{project}/jobs/{id}/state
func (h *Handler) GetFlowState(w http.ResponseWriter, r *http.Request) {
	if h.flows == nil {
		NotFound(w, "flows are not served")
		return
	}

	state, err := h.flows.State(r.Context(), chi.URLParam(r, "project"), chi.URLParam(r, "id"))
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, state)
}

// FeedInput дописывает значение во входной тег.
// POST /api/v1/projects/{project}/jobs/{id}/inputs/{tag}
func (h *Handler) FeedInput(w http.ResponseWriter, r *http.Request) {
	var req FeedRequest
	if !h.decode(w, r, &req) {
		return
	}

	handle, ok := h.attach(w, r)
	if !ok {
		return
	}

	id, err := handle.Input.Feed(r.Context(), domain.Tag(chi.URLParam(r, "tag")), req.Data)
	if HandleError(w, h.logger, err) {
		return
	}

	Accepted(w, DatapointResponse{MessageID: id, Data: req.Data})
}

// StreamInput дописывает во входной тег значения из тела запроса
// (NDJSON, одно значение на строку). Конец тела завершает тег.
// Обрыв соединения завершает все входы job.
// POST /api/v1/projects/{project}/jobs/{id}/inputs/{tag}/stream
func (h *Handler) StreamInput(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.attach(w, r)
	if !ok {
		return
	}

	tag := domain.Tag(chi.URLParam(r, "tag"))
	if _, err := handle.Input.Channel(tag); HandleError(w, h.logger, err) {
		return
	}

	// Контекст запроса отменяется, когда обработчик вернулся: без release
	// входы завершаются
	release := handle.TerminateInputsOnDone(r.Context())

	var resp StreamInputResponse
	dec := json.NewDecoder(r.Body)
	for {
		var data json.RawMessage
		err := dec.Decode(&data)
		if errors.Is(err, io.EOF) {
			break
		}

		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			release()
			BadRequest(w, fmt.Sprintf("invalid value after %d fed: %v", resp.Fed, err))
			return
		}
		if err != nil {
			h.logger.Warn("input stream interrupted", "job_id", handle.Job.JobID, "tag", tag, "fed", resp.Fed, "error", err)
			return
		}

		id, err := handle.Input.Feed(r.Context(), tag, data)
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			release()
			HandleError(w, h.logger, err)
			return
		}
		resp.Fed++
		resp.LastMessageID = id
	}

	release()
	if err := handle.Input.Terminate(r.Context(), tag); HandleError(w, h.logger, err) {
		return
	}

	Success(w, resp)
}

// TerminateInput завершает входной тег.
// POST /api/v1/projects/{project}/jobs/{id}/inputs/{tag}/terminate
func (h *Handler) TerminateInput(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.attach(w, r)
	if !ok {
		return
	}

	err := handle.Input.Terminate(r.Context(), domain.Tag(chi.URLParam(r, "tag")))
	if HandleError(w, h.logger, err) {
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// LastOutput возвращает последнее значение выходного тега.
// GET /api/v1/projects/{project}/jobs/{id}/outputs/{tag}/last
func (h *Handler) LastOutput(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.attach(w, r)
	if !ok {
		return
	}

	dp, err := handle.Output.LastValue(r.Context(), domain.Tag(chi.URLParam(r, "tag")))
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, DatapointFromStream(dp))
}

func (h *Handler) attach(w http.ResponseWriter, r *http.Request) (*runtime.JobHandle, bool) {
	handle, err := h.runtime.Attach(r.Context(), chi.URLParam(r, "project"), chi.URLParam(r, "id"))
	if HandleError(w, h.logger, err) {
		return nil, false
	}
	return handle, true
}
