package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Tributary/internal/capacity"
	"github.com/shaiso/Tributary/internal/queue"
	"github.com/shaiso/Tributary/internal/runtime"
	"github.com/shaiso/Tributary/internal/telemetry"
)

// Default configuration values.
const (
	defaultConcurrency       = 1
	defaultMaxCapacity       = 8
	defaultHeartbeatInterval = 10 * time.Second
	defaultRetryDelay        = time.Second
)

// Worker выполняет jobs зарегистрированных spec.
//
// На каждый spec запускается Concurrency циклов; каждый цикл держит
// свою сессию в очереди и обрабатывает один job за раз. Команды
// provision от CapacityNegotiator добавляют циклы до MaxCapacity.
type Worker struct {
	rt        *runtime.Runtime
	duties    DutyProvider
	registry  *Registry
	projectID string

	concurrency int
	maxCapacity int
	heartbeat   time.Duration
	retryDelay  time.Duration

	// Lifecycle
	logger     *slog.Logger
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	loops   map[queue.Key]int
	started bool
	stopped bool
}

// Config — конфигурация Worker.
type Config struct {
	Runtime  *runtime.Runtime
	Duties   DutyProvider
	Registry *Registry

	// ProjectID — проект, очереди которого обслуживаются с самого старта.
	ProjectID string

	// Concurrency — циклов на spec при старте (default: 1).
	Concurrency int

	// MaxCapacity — предел циклов на spec, сообщаемый в CapacityNegotiator (default: 8).
	MaxCapacity int

	// HeartbeatInterval — период продления аренды во время обработки (default: 10s).
	HeartbeatInterval time.Duration

	// RetryDelay — пауза после ошибки очереди (default: 1s).
	RetryDelay time.Duration

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	maxCapacity := cfg.MaxCapacity
	if maxCapacity <= 0 {
		maxCapacity = defaultMaxCapacity
	}
	if maxCapacity < concurrency {
		maxCapacity = concurrency
	}

	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	return &Worker{
		rt:          cfg.Runtime,
		duties:      cfg.Duties,
		registry:    registry,
		projectID:   cfg.ProjectID,
		concurrency: concurrency,
		maxCapacity: maxCapacity,
		heartbeat:   heartbeat,
		retryDelay:  retryDelay,
		logger:      logger,
		loops:       make(map[queue.Key]int),
	}
}

// Start запускает циклы для каждого зарегистрированного spec.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		cancel()
		return ErrWorkerStopped
	}
	w.ctx = ctx
	w.cancelFunc = cancel
	w.started = true
	w.mu.Unlock()

	specs := w.registry.Specs()
	w.logger.Info("starting worker",
		"project_id", w.projectID,
		"specs", specs,
		"concurrency", w.concurrency,
	)

	for _, spec := range specs {
		w.spawn(queueKey(w.projectID, spec), w.concurrency)
	}

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает все циклы и ждёт их завершения.
// Незавершённые jobs остаются в очереди до истечения аренды.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stopped = true
	cancel := w.cancelFunc
	w.mu.Unlock()

	w.logger.Info("stopping worker...")

	if cancel != nil {
		cancel()
	}

	w.wg.Wait()

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// Provision выполняет команду CapacityNegotiator: добавляет циклы
// для очереди команды. Реализует capacity.Provisioner.
func (w *Worker) Provision(_ context.Context, cmd capacity.Command) error {
	if _, err := w.registry.Get(cmd.SpecName); err != nil {
		return err
	}

	key := queueKey(cmd.ProjectID, cmd.SpecName)
	n := w.spawn(key, cmd.NumberOfWorkersNeeded)
	if n < 0 {
		return ErrWorkerStopped
	}

	w.logger.Info("workers provisioned",
		"queue", key.String(),
		"requested", cmd.NumberOfWorkersNeeded,
		"started", n,
		"correlation_id", cmd.CorrelationID,
	)
	return nil
}

// Capacities возвращает свободную ёмкость по spec проекта.
func (w *Worker) Capacities() []capacity.Report {
	specs := w.registry.Specs()

	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]capacity.Report, 0, len(specs))
	for _, spec := range specs {
		free := w.maxCapacity - w.loops[queueKey(w.projectID, spec)]
		if free < 0 {
			free = 0
		}
		out = append(out, capacity.Report{
			ProjectID:   w.projectID,
			SpecName:    spec,
			MaxCapacity: free,
		})
	}
	return out
}

// Loops возвращает число работающих циклов очереди.
func (w *Worker) Loops(key queue.Key) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loops[key]
}

// spawn запускает до n циклов, не превышая MaxCapacity.
// Возвращает число запущенных или -1, если воркер не работает.
func (w *Worker) spawn(key queue.Key, n int) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started || w.stopped {
		return -1
	}

	free := w.maxCapacity - w.loops[key]
	if n > free {
		n = free
	}
	ctx := w.ctx
	for i := 0; i < n; i++ {
		w.loops[key]++
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.release(key)
			w.runLoop(ctx, key)
		}()
	}
	return max(n, 0)
}

func (w *Worker) release(key queue.Key) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.loops[key]--
	if w.loops[key] <= 0 {
		delete(w.loops, key)
	}
}

// runLoop держит сессию очереди и обрабатывает jobs по одному.
// Сессия открывается заново после ошибки, оставившей job без отчёта.
func (w *Worker) runLoop(ctx context.Context, key queue.Key) {
	logger := w.logger.With("queue", key.String())

	for ctx.Err() == nil {
		duty, err := w.duties.SignUp(ctx, key)
		if err != nil {
			logger.Warn("failed to sign up", "error", err)
			w.sleep(ctx)
			continue
		}

		w.serve(ctx, duty, logger)
		duty.Close()
	}
}

// serve обрабатывает jobs сессии до ошибки или остановки.
func (w *Worker) serve(ctx context.Context, duty Duty, logger *slog.Logger) {
	for {
		lease, err := duty.NextJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("failed to get next job", "error", err)
			w.sleep(ctx)
			if errors.Is(err, queue.ErrSessionClosed) || errors.Is(err, queue.ErrSessionBusy) {
				return
			}
			continue
		}

		if err := w.processJob(ctx, duty, lease); err != nil {
			if ctx.Err() == nil {
				telemetry.WithJobID(logger, lease.Job.JobID).Error("job left unsettled", "error", err)
				w.sleep(ctx)
			}
			return
		}
	}
}

func (w *Worker) sleep(ctx context.Context) {
	t := time.NewTimer(w.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
