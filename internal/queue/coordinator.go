package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Tributary/internal/domain"
	"github.com/shaiso/Tributary/internal/telemetry"
)

// Scaler запрашивает дополнительных воркеров для пары (project, spec).
// Реализуется capacity.Negotiator.
type Scaler interface {
	IncreaseCapacity(ctx context.Context, projectID, specName string, by int) (string, error)
}

// Outcomes получает терминальные отчёты воркеров до того, как запись
// будет удалена из очереди. Ошибка Outcomes оставляет запись в очереди.
type Outcomes interface {
	JobCompleted(ctx context.Context, job Job) error
	JobFailed(ctx context.Context, job Job, failure *domain.RemoteWorkerError) error
}

// Config — конфигурация Coordinator.
type Config struct {
	// Backend — хранилище очередей.
	Backend Backend

	// Scaler — автомасштабирование. nil отключает его.
	Scaler Scaler

	// Outcomes — получатель терминальных отчётов. Может быть nil.
	Outcomes Outcomes

	// LeaseTTL — время аренды job без отчёта о прогрессе. По умолчанию 30s.
	LeaseTTL time.Duration

	// PollInterval — интервал опроса пустой очереди. По умолчанию 500ms.
	PollInterval time.Duration

	// Logger — логгер.
	Logger *slog.Logger
}

// Coordinator — очереди jobs по парам (project, spec) и сессии воркеров.
type Coordinator struct {
	backend  Backend
	scaler   Scaler
	outcomes Outcomes
	ttl      time.Duration
	poll     time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	workers map[Key]int
}

// New создаёт Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Coordinator{
		backend:  cfg.Backend,
		scaler:   cfg.Scaler,
		outcomes: cfg.Outcomes,
		ttl:      cfg.LeaseTTL,
		poll:     cfg.PollInterval,
		logger:   cfg.Logger,
		workers:  make(map[Key]int),
	}
}

// SetOutcomes задаёт получателя терминальных отчётов.
// Нужен, когда получатель создаётся после Coordinator.
func (c *Coordinator) SetOutcomes(o Outcomes) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = o
}

func (c *Coordinator) getOutcomes() Outcomes {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcomes
}

// AddJob ставит job в очередь его пары. Повтор с тем же JobID ничего не делает.
// Возвращает true, если job добавлен.
func (c *Coordinator) AddJob(ctx context.Context, job Job) (bool, error) {
	if job.ProjectID == "" || job.SpecName == "" || job.JobID == "" {
		return false, fmt.Errorf("%w: job requires project, spec and id", domain.ErrValidation)
	}

	added, err := c.backend.Add(ctx, job)
	if err != nil {
		return false, err
	}

	logger := c.logger.With("queue", job.Key().String(), "job_id", job.JobID)
	if !added {
		logger.Debug("job already queued")
		return false, nil
	}

	telemetry.QueueAdded.WithLabelValues(job.SpecName).Inc()
	logger.Info("job queued")

	c.scale(ctx, job.Key())
	return true, nil
}

// scale просит Scaler о недостающих воркерах. Ошибки только логируются:
// job уже в очереди и дождётся существующих воркеров.
func (c *Coordinator) scale(ctx context.Context, key Key) {
	if c.scaler == nil {
		return
	}

	counts, err := c.backend.Counts(ctx, key)
	if err != nil {
		c.logger.Warn("failed to read queue counts", "queue", key.String(), "error", err)
		return
	}

	need := int(counts.Waiting+counts.Active) - c.Workers(key)
	if need <= 0 {
		return
	}

	instanceID, err := c.scaler.IncreaseCapacity(ctx, key.ProjectID, key.SpecName, need)
	if err != nil {
		c.logger.Warn("capacity increase failed",
			"queue", key.String(),
			"needed", need,
			"error", err,
		)
		return
	}

	c.logger.Info("capacity increase requested",
		"queue", key.String(),
		"needed", need,
		"instance_id", instanceID,
	)
}

// Counts возвращает размеры очереди.
func (c *Coordinator) Counts(ctx context.Context, key Key) (Counts, error) {
	return c.backend.Counts(ctx, key)
}

// Workers возвращает число подписанных воркеров очереди.
func (c *Coordinator) Workers(key Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workers[key]
}

// SignUp регистрирует воркера очереди. Сессия закрывается через Close.
func (c *Coordinator) SignUp(key Key) *WorkerSession {
	c.mu.Lock()
	c.workers[key]++
	n := c.workers[key]
	c.mu.Unlock()

	telemetry.WorkersConnected.WithLabelValues(key.SpecName).Inc()
	c.logger.Debug("worker signed up", "queue", key.String(), "workers", n)

	return &WorkerSession{c: c, key: key}
}

// WorkerSession — сессия одного воркера: один job за раз.
//
// Закрытие сессии без терминального отчёта оставляет job в очереди до
// истечения аренды.
type WorkerSession struct {
	c   *Coordinator
	key Key

	mu      sync.Mutex
	current *Lease
	closed  bool
}

// Key возвращает очередь сессии.
func (s *WorkerSession) Key() Key {
	return s.key
}

// Current возвращает текущую аренду или nil.
func (s *WorkerSession) Current() *Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// NextJob ждёт следующий job очереди.
func (s *WorkerSession) NextJob(ctx context.Context) (*Lease, error) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return nil, ErrSessionClosed
	case s.current != nil:
		s.mu.Unlock()
		return nil, ErrSessionBusy
	}
	s.mu.Unlock()

	ticker := time.NewTicker(s.c.poll)
	defer ticker.Stop()

	for {
		lease, err := s.c.backend.Lease(ctx, s.key, s.c.ttl)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			s.mu.Lock()
			s.current = lease
			s.mu.Unlock()

			telemetry.QueueLeases.WithLabelValues(s.key.SpecName).Inc()
			s.c.logger.Debug("job leased",
				"queue", s.key.String(),
				"job_id", lease.Job.JobID,
				"attempt", lease.Attempt,
			)
			return lease, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *WorkerSession) lease() (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return nil, ErrNoJob
	}
	return s.current, nil
}

// Progress продлевает аренду текущего job.
func (s *WorkerSession) Progress(ctx context.Context, delta int) error {
	lease, err := s.lease()
	if err != nil {
		return err
	}

	if err := s.c.backend.Extend(ctx, lease, s.c.ttl); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			s.drop(lease)
		}
		return err
	}

	telemetry.QueueProgress.WithLabelValues(s.key.SpecName).Inc()
	s.c.logger.Debug("job progress", "job_id", lease.Job.JobID, "delta", delta)
	return nil
}

// Complete сообщает об успешном завершении текущего job.
func (s *WorkerSession) Complete(ctx context.Context) error {
	lease, err := s.lease()
	if err != nil {
		return err
	}

	if o := s.c.getOutcomes(); o != nil {
		if err := o.JobCompleted(ctx, lease.Job); err != nil {
			return fmt.Errorf("record completion of %s: %w", lease.Job.JobID, err)
		}
	}

	if err := s.c.backend.Complete(ctx, lease); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			s.drop(lease)
		}
		return err
	}

	telemetry.QueueSettled.WithLabelValues(s.key.SpecName, "completed").Inc()
	s.drop(lease)
	return nil
}

// Fail сообщает об ошибке текущего job. payload передаётся дальше без изменений.
func (s *WorkerSession) Fail(ctx context.Context, payload string) error {
	lease, err := s.lease()
	if err != nil {
		return err
	}

	if o := s.c.getOutcomes(); o != nil {
		failure := &domain.RemoteWorkerError{JobID: lease.Job.JobID, Payload: payload}
		if err := o.JobFailed(ctx, lease.Job, failure); err != nil {
			return fmt.Errorf("record failure of %s: %w", lease.Job.JobID, err)
		}
	}

	if err := s.c.backend.Fail(ctx, lease, payload); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			s.drop(lease)
		}
		return err
	}

	telemetry.QueueSettled.WithLabelValues(s.key.SpecName, "failed").Inc()
	s.drop(lease)
	return nil
}

func (s *WorkerSession) drop(lease *Lease) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == lease {
		s.current = nil
	}
}

// Close снимает воркера с учёта. Текущий job остаётся в очереди.
func (s *WorkerSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	inflight := s.current
	s.mu.Unlock()

	s.c.mu.Lock()
	s.c.workers[s.key]--
	if s.c.workers[s.key] <= 0 {
		delete(s.c.workers, s.key)
	}
	s.c.mu.Unlock()

	telemetry.WorkersConnected.WithLabelValues(s.key.SpecName).Dec()
	if inflight != nil {
		s.c.logger.Warn("worker left with job in flight",
			"queue", s.key.String(),
			"job_id", inflight.Job.JobID,
			"lease_deadline", inflight.Deadline,
		)
	}
}
