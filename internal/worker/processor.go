package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shaiso/Tributary/internal/domain"
	"github.com/shaiso/Tributary/internal/queue"
	"github.com/shaiso/Tributary/internal/runtime"
)

// Processor — обработчик job одного spec.
//
// Ненулевой результат публикуется в единственный выходной тег spec.
// Ошибка переводит job в failed, текст ошибки уходит в очередь.
type Processor func(ctx context.Context, jc *JobContext) (any, error)

// Registry — реестр обработчиков по имени spec.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]Processor)}
}

// Register добавляет обработчик spec. Повтор имени — ErrConflict.
func (r *Registry) Register(specName string, p Processor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.processors[specName]; ok {
		return domain.Conflictf("processor for spec %s already registered", specName)
	}
	r.processors[specName] = p
	return nil
}

// Get возвращает обработчик spec.
func (r *Registry) Get(specName string) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.processors[specName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSpec, specName)
	}
	return p, nil
}

// Specs возвращает имена зарегистрированных spec по алфавиту.
func (r *Registry) Specs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.processors))
	for name := range r.processors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// JobContext — всё, что обработчик знает о своём job.
type JobContext struct {
	Job     domain.Job
	Spec    *domain.JobSpec
	Attempt int
	Input   *runtime.Input
	Output  *runtime.Output
	Logger  *slog.Logger

	rt   *runtime.Runtime
	duty Duty

	mu      sync.Mutex
	spawned int
}

// Params декодирует параметры job в v.
func (jc *JobContext) Params(v any) error {
	if len(jc.Job.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(jc.Job.Params, v); err != nil {
		return &domain.ValidationError{Spec: jc.Job.SpecName, Message: "params: " + err.Error()}
	}
	return nil
}

// Progress сообщает о продвижении и продлевает аренду job.
func (jc *JobContext) Progress(ctx context.Context, delta int) error {
	return jc.duty.Progress(ctx, delta)
}

// Runtime возвращает runtime воркера.
func (jc *JobContext) Runtime() *runtime.Runtime {
	return jc.rt
}

// Spawn ставит в очередь дочерний job. Выходы родителя после этого
// принадлежат детям и не завершаются воркером.
func (jc *JobContext) Spawn(ctx context.Context, req runtime.EnqueueRequest) (*runtime.JobHandle, error) {
	req.ProjectID = jc.Job.ProjectID
	req.ParentJobID = jc.Job.JobID

	h, err := jc.rt.Enqueue(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", req.SpecName, err)
	}

	jc.mu.Lock()
	jc.spawned++
	jc.mu.Unlock()
	return h, nil
}

// Spawned возвращает число порождённых дочерних jobs.
func (jc *JobContext) Spawned() int {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.spawned
}

// queueKey — очередь spec в проекте.
func queueKey(projectID, specName string) queue.Key {
	return queue.Key{ProjectID: projectID, SpecName: specName}
}
