package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Tributary/internal/domain"
)

var (
	// ErrLeaseLost — аренда истекла или передана другому воркеру.
	ErrLeaseLost = fmt.Errorf("lease lost: %w", domain.ErrConflict)

	// ErrSessionBusy — у сессии уже есть job без терминального отчёта.
	ErrSessionBusy = fmt.Errorf("worker session already holds a job: %w", domain.ErrConflict)

	// ErrNoJob — у сессии нет текущего job.
	ErrNoJob = errors.New("worker session holds no job")

	// ErrSessionClosed — сессия воркера закрыта.
	ErrSessionClosed = errors.New("worker session closed")
)

// Key — логическая очередь: пара (project, spec).
type Key struct {
	ProjectID string `json:"project_id"`
	SpecName  string `json:"spec_name"`
}

// String возвращает "project/spec".
func (k Key) String() string {
	return k.ProjectID + "/" + k.SpecName
}

// Job — запись в очереди.
type Job struct {
	ProjectID string          `json:"project_id"`
	SpecName  string          `json:"spec_name"`
	JobID     string          `json:"job_id"`
	Params    json.RawMessage `json:"params,omitempty"`

	// ContextID — id родительского job для дочерних jobs flow.
	ContextID string `json:"context_id,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Key возвращает очередь job.
func (j Job) Key() Key {
	return Key{ProjectID: j.ProjectID, SpecName: j.SpecName}
}

// Lease — job, выданный одному воркеру.
//
// Token защищает от устаревших отчётов: после истечения аренды и повторной
// выдачи job старый владелец получает ErrLeaseLost.
type Lease struct {
	Job      Job       `json:"job"`
	Token    string    `json:"token"`
	Attempt  int       `json:"attempt"`
	Deadline time.Time `json:"deadline"`
}

// Counts — размеры очереди.
type Counts struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Failed  int64 `json:"failed"`
}

// Backend — хранилище очередей.
//
// Запись остаётся в очереди до Complete или Fail. Аренда, не продлённая
// до дедлайна, возвращается в ожидание через Reap.
type Backend interface {
	// Add ставит job в очередь. Повтор с тем же JobID, пока job не
	// завершён, ничего не делает и возвращает false.
	Add(ctx context.Context, job Job) (bool, error)

	// Lease выдаёт следующий job очереди или nil, если очередь пуста.
	Lease(ctx context.Context, key Key, ttl time.Duration) (*Lease, error)

	// Extend продлевает аренду.
	Extend(ctx context.Context, lease *Lease, ttl time.Duration) error

	// Complete удаляет job из очереди.
	Complete(ctx context.Context, lease *Lease) error

	// Fail удаляет job из очереди и сохраняет ошибку.
	Fail(ctx context.Context, lease *Lease, payload string) error

	// Counts возвращает размеры очереди.
	Counts(ctx context.Context, key Key) (Counts, error)

	// Reap возвращает в ожидание аренды с дедлайном до now.
	Reap(ctx context.Context, now time.Time) (int, error)
}
