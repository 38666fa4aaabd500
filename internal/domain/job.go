package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job — экземпляр выполнения JobSpec.
//
// Идентичность: (ProjectID, SpecName, JobID). Пара (ProjectID, JobID)
// уникальна в пределах проекта даже между разными specs.
type Job struct {
	// ProjectID — проект, которому принадлежит job.
	ProjectID string `json:"project_id"`

	// SpecName — имя JobSpec.
	SpecName string `json:"spec_name"`

	// JobID — идентификатор job.
	JobID string `json:"job_id"`

	// Params — параметры запуска (сериализованный JSON).
	Params json.RawMessage `json:"params,omitempty"`

	// CreatedAt — время создания записи.
	CreatedAt time.Time `json:"created_at"`
}

// NewJobID генерирует идентификатор job по умолчанию: j-{spec}-{uuid}.
func NewJobID(specName string) string {
	return fmt.Sprintf("j-%s-%s", specName, uuid.NewString())
}

// StatusRecord — запись в истории статусов job. Никогда не изменяется.
type StatusRecord struct {
	// Status — статус.
	Status JobStatus `json:"status"`

	// Error — сериализованная ошибка для статуса failed.
	Error string `json:"error,omitempty"`

	// CreatedAt — время перехода.
	CreatedAt time.Time `json:"created_at"`
}

// Direction — направление тега относительно job.
type Direction string

const (
	// DirectionIn — входной тег.
	DirectionIn Direction = "in"

	// DirectionOut — выходной тег.
	DirectionOut Direction = "out"
)

// IsValid проверяет направление.
func (d Direction) IsValid() bool {
	return d == DirectionIn || d == DirectionOut
}

// Stream — зарегистрированный поток (project, stream id).
type Stream struct {
	ProjectID string    `json:"project_id"`
	StreamID  string    `json:"stream_id"`
	CreatedAt time.Time `json:"created_at"`
}

// StreamConnector связывает тег job с конкретным потоком.
// На ключ (ProjectID, JobID, Tag, Direction) — не больше одной записи.
type StreamConnector struct {
	ProjectID string    `json:"project_id"`
	JobID     string    `json:"job_id"`
	Tag       Tag       `json:"tag"`
	Direction Direction `json:"direction"`
	StreamID  string    `json:"stream_id"`
}

// JobRelation — ребро parent → child для реально запущенных jobs.
type JobRelation struct {
	ProjectID       string    `json:"project_id"`
	ParentJobID     string    `json:"parent_job_id"`
	ChildJobID      string    `json:"child_job_id"`
	UniqueSpecLabel string    `json:"unique_spec_label"`
	CreatedAt       time.Time `json:"created_at"`
}

// CapacityRecord — заявленная инстансом ёмкость для (project, spec).
// Хранится только в памяти координатора.
type CapacityRecord struct {
	ProjectID   string `json:"project_id"`
	SpecName    string `json:"spec_name"`
	InstanceID  string `json:"instance_id"`
	MaxCapacity int    `json:"max_capacity"`
}
