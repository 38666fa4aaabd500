package api

import (
	"encoding/json"
	"time"

	"github.com/shaiso/Tributary/internal/domain"
	"github.com/shaiso/Tributary/internal/runtime"
	"github.com/shaiso/Tributary/internal/stream"
)

// Spec DTOs

// SpecResponse — ответ с JobSpec: теги и их схемы.
type SpecResponse struct {
	Name    string            `json:"name"`
	Inputs  map[string]string `json:"inputs"`
	Outputs map[string]string `json:"outputs"`
	IsFlow  bool              `json:"is_flow"`
}

// SpecFromDomain конвертирует domain.JobSpec в SpecResponse.
func SpecFromDomain(s *domain.JobSpec, isFlow bool) SpecResponse {
	return SpecResponse{
		Name:    s.Name,
		Inputs:  schemas(s.Inputs),
		Outputs: schemas(s.Outputs),
		IsFlow:  isFlow,
	}
}

func schemas(set domain.TagSet) map[string]string {
	out := make(map[string]string, set.Len())
	for _, tag := range set.Tags() {
		if schema, err := set.Schema(tag); err == nil {
			out[string(tag)] = schema.String()
		}
	}
	return out
}

// Job DTOs

// EnqueueJobRequest — запрос на запуск job.
type EnqueueJobRequest struct {
	SpecName string          `json:"spec_name" validate:"required"`
	JobID    string          `json:"job_id,omitempty" validate:"omitempty,max=256"`
	Params   json.RawMessage `json:"params,omitempty"`

	// Inputs и Outputs — явные привязки tag → stream id.
	Inputs  map[string]string `json:"inputs,omitempty" validate:"omitempty,dive,keys,required,endkeys,required"`
	Outputs map[string]string `json:"outputs,omitempty" validate:"omitempty,dive,keys,required,endkeys,required"`
}

// Bindings конвертирует привязки запроса в runtime.Bindings.
func (r EnqueueJobRequest) Bindings() runtime.Bindings {
	return runtime.Bindings{Inputs: tagMap(r.Inputs), Outputs: tagMap(r.Outputs)}
}

func tagMap(m map[string]string) map[domain.Tag]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[domain.Tag]string, len(m))
	for k, v := range m {
		out[domain.Tag(k)] = v
	}
	return out
}

// JobResponse — ответ с job, текущим статусом и привязками тегов.
type JobResponse struct {
	ProjectID string            `json:"project_id"`
	SpecName  string            `json:"spec_name"`
	JobID     string            `json:"job_id"`
	Params    json.RawMessage   `json:"params,omitempty"`
	Status    string            `json:"status,omitempty"`
	Error     string            `json:"error,omitempty"`
	Inputs    map[string]string `json:"inputs"`
	Outputs   map[string]string `json:"outputs"`
	CreatedAt time.Time         `json:"created_at"`
}

// JobFromHandle конвертирует runtime.JobHandle в JobResponse.
func JobFromHandle(h *runtime.JobHandle, rec *domain.StatusRecord) JobResponse {
	resp := JobResponse{
		ProjectID: h.Job.ProjectID,
		SpecName:  h.Job.SpecName,
		JobID:     h.Job.JobID,
		Params:    h.Job.Params,
		Inputs:    make(map[string]string),
		Outputs:   make(map[string]string),
		CreatedAt: h.Job.CreatedAt,
	}
	for _, tag := range h.Input.Tags() {
		id, _ := h.Input.StreamID(tag)
		resp.Inputs[string(tag)] = id
	}
	for _, tag := range h.Output.Tags() {
		id, _ := h.Output.StreamID(tag)
		resp.Outputs[string(tag)] = id
	}
	if rec != nil {
		resp.Status = string(rec.Status)
		resp.Error = rec.Error
	}
	return resp
}

// FeedRequest — значение для входного тега.
type FeedRequest struct {
	Data json.RawMessage `json:"data" validate:"required"`
}

// StreamInputResponse — итог потоковой записи во входной тег.
type StreamInputResponse struct {
	Fed           int    `json:"fed"`
	LastMessageID string `json:"last_message_id,omitempty"`
}

// DatapointResponse — значение потока.
type DatapointResponse struct {
	MessageID   string          `json:"message_id"`
	DatapointID string          `json:"datapoint_id,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// DatapointFromStream конвертирует stream.Datapoint в DatapointResponse.
func DatapointFromStream(dp stream.Datapoint) DatapointResponse {
	return DatapointResponse{MessageID: dp.ID, DatapointID: dp.DatapointID, Data: dp.Data}
}

// Capacity DTOs

// IncreaseCapacityRequest — запрос дополнительных воркеров.
type IncreaseCapacityRequest struct {
	ProjectID string `json:"project_id" validate:"required"`
	SpecName  string `json:"spec_name" validate:"required"`
	By        int    `json:"by" validate:"required,gt=0"`
}

// IncreaseCapacityResponse — выбранный инстанс.
type IncreaseCapacityResponse struct {
	InstanceID string `json:"instance_id"`
}
