package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shaiso/Tributary/internal/domain"
	"github.com/shaiso/Tributary/internal/engine"
	"github.com/shaiso/Tributary/internal/queue"
	"github.com/shaiso/Tributary/internal/stream"
	"github.com/shaiso/Tributary/internal/telemetry"
)

// Store — хранилище jobs, истории статусов, потоков и связей.
// Реализуется repo.Store (Postgres) и repo.MemoryStore.
type Store interface {
	GetOrCreateJob(ctx context.Context, job domain.Job) (domain.Job, bool, error)
	GetJob(ctx context.Context, projectID, jobID string) (domain.Job, error)

	AppendStatus(ctx context.Context, projectID, jobID string, rec domain.StatusRecord) error
	LatestStatus(ctx context.Context, projectID, jobID string) (domain.StatusRecord, error)
	StatusHistory(ctx context.Context, projectID, jobID string) ([]domain.StatusRecord, error)

	EnsureStream(ctx context.Context, projectID, streamID string) error
	EnsureConnector(ctx context.Context, c domain.StreamConnector) error
	Connectors(ctx context.Context, projectID, jobID string) ([]domain.StreamConnector, error)

	AddRelation(ctx context.Context, rel domain.JobRelation) error
	Children(ctx context.Context, projectID, parentJobID string) ([]domain.JobRelation, error)
	Parent(ctx context.Context, projectID, childJobID string) (domain.JobRelation, error)
}

// Submitter ставит job в очередь. Реализуется queue.Coordinator и rpc.Client.
type Submitter interface {
	AddJob(ctx context.Context, job queue.Job) (bool, error)
}

// Config — конфигурация Runtime.
type Config struct {
	// Specs — реестр JobSpec.
	Specs engine.SpecLookup

	// Store — хранилище jobs.
	Store Store

	// Log — хранилище потоков.
	Log stream.Log

	// Submitter — очередь jobs.
	Submitter Submitter

	// Transforms — преобразования входов дочерних jobs flow.
	Transforms *TransformRegistry

	// PollInterval — интервал опроса статусов в Wait. По умолчанию 200ms.
	PollInterval time.Duration

	// StreamPollInterval — интервал опроса потоков в голове. По умолчанию 100ms.
	StreamPollInterval time.Duration

	// Logger — логгер.
	Logger *slog.Logger
}

// Runtime — жизненный цикл jobs: постановка, привязка тегов к потокам,
// история статусов.
type Runtime struct {
	specs      engine.SpecLookup
	store      Store
	log        stream.Log
	submitter  Submitter
	transforms *TransformRegistry
	poll       time.Duration
	streamPoll time.Duration
	logger     *slog.Logger

	mu     sync.RWMutex
	graphs map[string]*engine.SpecGraph
}

// New создаёт Runtime.
func New(cfg Config) *Runtime {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.StreamPollInterval <= 0 {
		cfg.StreamPollInterval = 100 * time.Millisecond
	}
	if cfg.Transforms == nil {
		cfg.Transforms = NewTransformRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Runtime{
		specs:      cfg.Specs,
		store:      cfg.Store,
		log:        cfg.Log,
		submitter:  cfg.Submitter,
		transforms: cfg.Transforms,
		poll:       cfg.PollInterval,
		streamPoll: cfg.StreamPollInterval,
		logger:     cfg.Logger,
		graphs:     make(map[string]*engine.SpecGraph),
	}
}

// Specs возвращает реестр JobSpec.
func (r *Runtime) Specs() engine.SpecLookup {
	return r.specs
}

// Transforms возвращает реестр преобразований.
func (r *Runtime) Transforms() *TransformRegistry {
	return r.transforms
}

// RegisterGraph регистрирует граф flow под именем его корня.
func (r *Runtime) RegisterGraph(g *engine.SpecGraph) error {
	name := g.Root().SpecName

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.graphs[name]; ok {
		return domain.Conflictf("graph %s already registered", name)
	}
	r.graphs[name] = g
	return nil
}

// Graph возвращает граф flow.
func (r *Runtime) Graph(specName string) (*engine.SpecGraph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.graphs[specName]
	if !ok {
		return nil, domain.NotFoundf("graph %s", specName)
	}
	return g, nil
}

// Graphs возвращает имена зарегистрированных flow.
func (r *Runtime) Graphs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.graphs))
	for name := range r.graphs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsFlow проверяет, что spec — flow с зарегистрированным графом.
func (r *Runtime) IsFlow(specName string) bool {
	_, err := r.Graph(specName)
	return err == nil
}

// Bindings — явная привязка тегов к потокам. Перекрывает привязку по умолчанию.
type Bindings struct {
	Inputs  map[domain.Tag]string
	Outputs map[domain.Tag]string
}

// EnqueueRequest — параметры Enqueue.
type EnqueueRequest struct {
	ProjectID string
	SpecName  string

	// JobID — пусто, чтобы сгенерировать j-<spec>-<uuid>.
	JobID string

	Params json.RawMessage

	// ParentJobID и UniqueSpecLabel задаются для дочерних jobs flow.
	ParentJobID     string
	UniqueSpecLabel string

	Bindings Bindings
}

// Enqueue создаёт job, привязывает его теги к потокам и ставит в очередь.
//
// Идемпотентен по (ProjectID, JobID): повторный вызов возвращает тот же job
// и не добавляет вторую запись в историю статусов. Пока job в статусе
// requested, повтор заново ставит его в очередь; очередь отбрасывает дубликат.
func (r *Runtime) Enqueue(ctx context.Context, req EnqueueRequest) (*JobHandle, error) {
	if req.ProjectID == "" {
		return nil, fmt.Errorf("%w: project id is empty", domain.ErrValidation)
	}

	spec, err := r.specs.Lookup(req.SpecName)
	if err != nil {
		return nil, err
	}
	if req.JobID == "" {
		req.JobID = domain.NewJobID(spec.Name)
	}

	logger := telemetry.WithJobID(telemetry.WithSpec(r.logger, spec.Name), req.JobID)

	job, created, err := r.store.GetOrCreateJob(ctx, domain.Job{
		ProjectID: req.ProjectID,
		SpecName:  spec.Name,
		JobID:     req.JobID,
		Params:    req.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("create job %s: %w", req.JobID, err)
	}

	if created {
		if err := r.AppendStatus(ctx, job.ProjectID, job.JobID, domain.JobStatusRequested, ""); err != nil {
			return nil, err
		}
		telemetry.JobsEnqueued.WithLabelValues(spec.Name).Inc()
	} else {
		latest, err := r.store.LatestStatus(ctx, job.ProjectID, job.JobID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		if err == nil && latest.Status != domain.JobStatusRequested {
			logger.Debug("job already started", "status", latest.Status)
			return r.Attach(ctx, job.ProjectID, job.JobID)
		}
		if errors.Is(err, domain.ErrNotFound) {
			if err := r.AppendStatus(ctx, job.ProjectID, job.JobID, domain.JobStatusRequested, ""); err != nil {
				return nil, err
			}
		}
	}

	inputs, outputs, err := r.defaultBindings(spec, job.JobID)
	if err != nil {
		return nil, err
	}
	for tag, id := range req.Bindings.Inputs {
		inputs[tag] = id
	}
	for tag, id := range req.Bindings.Outputs {
		outputs[tag] = id
	}

	if err := r.bind(ctx, job, domain.DirectionIn, inputs); err != nil {
		return nil, err
	}
	if err := r.bind(ctx, job, domain.DirectionOut, outputs); err != nil {
		return nil, err
	}

	if req.ParentJobID != "" {
		err := r.store.AddRelation(ctx, domain.JobRelation{
			ProjectID:       job.ProjectID,
			ParentJobID:     req.ParentJobID,
			ChildJobID:      job.JobID,
			UniqueSpecLabel: req.UniqueSpecLabel,
		})
		if err != nil {
			return nil, fmt.Errorf("relate job %s to %s: %w", job.JobID, req.ParentJobID, err)
		}
	}

	if r.submitter != nil {
		_, err := r.submitter.AddJob(ctx, queue.Job{
			ProjectID: job.ProjectID,
			SpecName:  job.SpecName,
			JobID:     job.JobID,
			Params:    job.Params,
			ContextID: req.ParentJobID,
		})
		if err != nil {
			return nil, fmt.Errorf("submit job %s: %w", job.JobID, err)
		}
	}

	if created {
		logger.Info("job enqueued", "project_id", job.ProjectID, "parent_job_id", req.ParentJobID)
	}

	return r.Attach(ctx, job.ProjectID, job.JobID)
}

// defaultBindings выводит потоки тегов из графа spec.
// Для flow теги — его alias, привязанные к потокам дочерних spec.
func (r *Runtime) defaultBindings(spec *domain.JobSpec, jobID string) (map[domain.Tag]string, map[domain.Tag]string, error) {
	g, err := r.Graph(spec.Name)
	if err != nil {
		g, err = engine.NewSpecGraphFor(spec)
		if err != nil {
			return nil, nil, err
		}
	}

	inputs, outputs := engine.Instantiate(g, jobID, nil).RootBindings()
	return inputs, outputs, nil
}

func (r *Runtime) bind(ctx context.Context, job domain.Job, dir domain.Direction, streams map[domain.Tag]string) error {
	for tag, streamID := range streams {
		if err := r.store.EnsureStream(ctx, job.ProjectID, streamID); err != nil {
			return fmt.Errorf("register stream %s: %w", streamID, err)
		}

		err := r.store.EnsureConnector(ctx, domain.StreamConnector{
			ProjectID: job.ProjectID,
			JobID:     job.JobID,
			Tag:       tag,
			Direction: dir,
			StreamID:  streamID,
		})
		if err != nil {
			return fmt.Errorf("bind %s tag %s of job %s: %w", dir, tag, job.JobID, err)
		}
	}
	return nil
}

// Attach открывает handle существующего job.
func (r *Runtime) Attach(ctx context.Context, projectID, jobID string) (*JobHandle, error) {
	job, err := r.store.GetJob(ctx, projectID, jobID)
	if err != nil {
		return nil, err
	}

	spec, err := r.specs.Lookup(job.SpecName)
	if err != nil {
		return nil, err
	}

	connectors, err := r.store.Connectors(ctx, projectID, jobID)
	if err != nil {
		return nil, fmt.Errorf("connectors of job %s: %w", jobID, err)
	}

	transforms, err := r.inputTransforms(ctx, job, spec)
	if err != nil {
		return nil, err
	}

	h := &JobHandle{Job: job, Spec: spec, r: r}
	h.Input = &Input{ports: r.newPorts(projectID, spec, domain.DirectionIn, connectors, transforms)}
	h.Output = &Output{ports: r.newPorts(projectID, spec, domain.DirectionOut, connectors, nil)}
	return h, nil
}

// Channel открывает поток проекта без проверки схемы.
func (r *Runtime) Channel(projectID, streamID string) *stream.Channel {
	return stream.NewChannel(stream.ChannelConfig{
		Log:          r.log,
		Key:          stream.Key{ProjectID: projectID, StreamID: streamID},
		PollInterval: r.streamPoll,
		Logger:       r.logger,
	})
}

// AppendStatus добавляет запись в историю статусов job.
//
// Повтор текущего статуса ничего не делает. Переход назад или из
// терминального статуса — ErrConflict.
func (r *Runtime) AppendStatus(ctx context.Context, projectID, jobID string, status domain.JobStatus, errPayload string) error {
	latest, err := r.store.LatestStatus(ctx, projectID, jobID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if status != domain.JobStatusRequested {
			return domain.Conflictf("job %s has no history, cannot become %s", jobID, status)
		}
	case err != nil:
		return fmt.Errorf("status of job %s: %w", jobID, err)
	case latest.Status == status:
		return nil
	case !domain.CanTransition(latest.Status, status):
		return domain.Conflictf("job %s: %s -> %s", jobID, latest.Status, status)
	}

	rec := domain.StatusRecord{Status: status, Error: errPayload, CreatedAt: time.Now().UTC()}
	if err := r.store.AppendStatus(ctx, projectID, jobID, rec); err != nil {
		return fmt.Errorf("append status %s to job %s: %w", status, jobID, err)
	}

	telemetry.StatusTransitions.WithLabelValues(string(status)).Inc()
	r.logger.Debug("job status changed", "job_id", jobID, "status", status)
	return nil
}

// Status возвращает текущий статус job.
func (r *Runtime) Status(ctx context.Context, projectID, jobID string) (domain.StatusRecord, error) {
	return r.store.LatestStatus(ctx, projectID, jobID)
}

// History возвращает историю статусов job.
func (r *Runtime) History(ctx context.Context, projectID, jobID string) ([]domain.StatusRecord, error) {
	return r.store.StatusHistory(ctx, projectID, jobID)
}

// Wait ждёт терминального статуса job.
// Для failed возвращает запись и *domain.RemoteWorkerError.
func (r *Runtime) Wait(ctx context.Context, projectID, jobID string) (domain.StatusRecord, error) {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		rec, err := r.store.LatestStatus(ctx, projectID, jobID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return domain.StatusRecord{}, err
		}
		if err == nil && rec.Status.IsTerminal() {
			if rec.Status == domain.JobStatusFailed {
				return rec, &domain.RemoteWorkerError{JobID: jobID, Payload: rec.Error}
			}
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return domain.StatusRecord{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitChildren ждёт терминального статуса всех дочерних jobs.
// Первая ошибка дочернего job возвращается как *domain.RemoteWorkerError.
func (r *Runtime) WaitChildren(ctx context.Context, projectID, parentJobID string) error {
	children, err := r.store.Children(ctx, projectID, parentJobID)
	if err != nil {
		return fmt.Errorf("children of job %s: %w", parentJobID, err)
	}

	for _, child := range children {
		if _, err := r.Wait(ctx, projectID, child.ChildJobID); err != nil {
			return err
		}
	}
	return nil
}

// Children возвращает дочерние jobs.
func (r *Runtime) Children(ctx context.Context, projectID, parentJobID string) ([]domain.JobRelation, error) {
	return r.store.Children(ctx, projectID, parentJobID)
}

// JobCompleted записывает статус completed. Реализует queue.Outcomes.
func (r *Runtime) JobCompleted(ctx context.Context, job queue.Job) error {
	return r.settle(ctx, job, domain.JobStatusCompleted, "")
}

// JobFailed записывает статус failed с ошибкой воркера. Реализует queue.Outcomes.
func (r *Runtime) JobFailed(ctx context.Context, job queue.Job, failure *domain.RemoteWorkerError) error {
	return r.settle(ctx, job, domain.JobStatusFailed, failure.Payload)
}

// settle записывает терминальный статус. Job, уже получивший терминальный
// статус (повторная выдача после истечения аренды), не меняется. Запись
// очереди о job без истории снимается без изменений в хранилище.
func (r *Runtime) settle(ctx context.Context, job queue.Job, status domain.JobStatus, payload string) error {
	err := r.AppendStatus(ctx, job.ProjectID, job.JobID, status, payload)
	if !errors.Is(err, domain.ErrConflict) {
		return err
	}

	latest, lerr := r.store.LatestStatus(ctx, job.ProjectID, job.JobID)
	if errors.Is(lerr, domain.ErrNotFound) {
		r.logger.Warn("settling unknown job", "job_id", job.JobID, "reported", status)
		return nil
	}
	if lerr == nil && latest.Status.IsTerminal() {
		r.logger.Warn("job already settled",
			"job_id", job.JobID,
			"status", latest.Status,
			"reported", status,
		)
		return nil
	}
	return err
}
