package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Tributary/internal/domain"
	"github.com/shaiso/Tributary/internal/queue"
	"github.com/shaiso/Tributary/internal/telemetry"
)

// failurePayload — ошибка обработчика в том виде, в каком она уходит в очередь.
type failurePayload struct {
	Error   string `json:"error"`
	Attempt int    `json:"attempt"`
}

// processJob выполняет арендованный job и отправляет терминальный отчёт.
//
// Ошибка означает, что отчёт не отправлен: job остаётся в очереди
// до истечения аренды.
func (w *Worker) processJob(ctx context.Context, duty Duty, lease *queue.Lease) error {
	job := lease.Job
	logger := telemetry.WithSpec(telemetry.WithJobID(w.logger, job.JobID), job.SpecName)

	h, err := w.rt.Attach(ctx, job.ProjectID, job.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return w.fail(ctx, duty, logger, lease, fmt.Errorf("attach: %w", err))
		}
		return fmt.Errorf("attach job %s: %w", job.JobID, err)
	}

	// Повторная выдача job, уже получившего терминальный статус
	rec, err := h.Status(ctx)
	if err == nil && rec.Status.IsTerminal() {
		logger.Info("job already settled", "status", rec.Status)
		if rec.Status == domain.JobStatusFailed {
			return duty.Fail(ctx, rec.Error)
		}
		return duty.Complete(ctx)
	}

	// Дети уже созданы: обработчик не перезапускается, выходы принадлежат детям
	if err == nil && rec.Status == domain.JobStatusWaitingChildren {
		logger.Info("resuming wait for children", "attempt", lease.Attempt)
		stopBeat := w.startHeartbeat(ctx, duty, logger)
		defer stopBeat()
		return w.awaitChildren(ctx, duty, logger, stopBeat, job)
	}

	if err := w.rt.AppendStatus(ctx, job.ProjectID, job.JobID, domain.JobStatusRunning, ""); err != nil {
		return fmt.Errorf("mark job %s running: %w", job.JobID, err)
	}

	processor, err := w.registry.Get(job.SpecName)
	if err != nil {
		return w.fail(ctx, duty, logger, lease, err)
	}

	logger.Info("job started", "attempt", lease.Attempt)
	start := time.Now()

	jc := &JobContext{
		Job:     h.Job,
		Spec:    h.Spec,
		Attempt: lease.Attempt,
		Input:   h.Input,
		Output:  h.Output,
		Logger:  logger,
		rt:      w.rt,
		duty:    duty,
	}

	stopBeat := w.startHeartbeat(ctx, duty, logger)
	defer stopBeat()

	result, runErr := w.run(ctx, processor, jc)
	if runErr == nil && result != nil {
		if tag, ok := h.Spec.SingleOutput(); ok {
			if _, err := h.Output.Emit(ctx, tag, result); err != nil {
				runErr = fmt.Errorf("emit result: %w", err)
			}
		}
	}

	if runErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if jc.Spawned() == 0 {
			if err := h.Output.TerminateAll(ctx); err != nil {
				logger.Warn("failed to terminate outputs", "error", err)
			}
		}
		stopBeat()
		return w.fail(ctx, duty, logger, lease, runErr)
	}

	if n := jc.Spawned(); n > 0 {
		if err := w.rt.AppendStatus(ctx, job.ProjectID, job.JobID, domain.JobStatusWaitingChildren, ""); err != nil {
			return fmt.Errorf("mark job %s waiting: %w", job.JobID, err)
		}
		logger.Info("waiting for children", "children", n)
		return w.awaitChildren(ctx, duty, logger, stopBeat, job)
	}

	if err := h.Output.TerminateAll(ctx); err != nil {
		return fmt.Errorf("terminate outputs of %s: %w", job.JobID, err)
	}

	stopBeat()
	if err := duty.Complete(ctx); err != nil {
		return fmt.Errorf("complete job %s: %w", job.JobID, err)
	}

	logger.Info("job completed", "duration", time.Since(start))
	return nil
}

// awaitChildren ждёт дочерние jobs и отправляет терминальный отчёт родителя.
// Ошибка первого упавшего ребёнка становится ошибкой родителя.
func (w *Worker) awaitChildren(ctx context.Context, duty Duty, logger *slog.Logger, stopBeat func(), job queue.Job) error {
	start := time.Now()

	if err := w.rt.WaitChildren(ctx, job.ProjectID, job.JobID); err != nil {
		var remote *domain.RemoteWorkerError
		if !errors.As(err, &remote) {
			return fmt.Errorf("wait children of %s: %w", job.JobID, err)
		}
		stopBeat()
		logger.Warn("child job failed", "child_job_id", remote.JobID)
		return duty.Fail(ctx, remote.Payload)
	}

	stopBeat()
	if err := duty.Complete(ctx); err != nil {
		return fmt.Errorf("complete job %s: %w", job.JobID, err)
	}

	logger.Info("job completed", "children_wait", time.Since(start))
	return nil
}

// run вызывает обработчик, превращая панику в ошибку.
func (w *Worker) run(ctx context.Context, p Processor, jc *JobContext) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrProcessorPanic, rec)
		}
	}()
	return p(ctx, jc)
}

// fail отправляет ошибку обработчика в очередь.
func (w *Worker) fail(ctx context.Context, duty Duty, logger *slog.Logger, lease *queue.Lease, cause error) error {
	payload, err := json.Marshal(failurePayload{Error: cause.Error(), Attempt: lease.Attempt})
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}

	logger.Warn("job failed", "attempt", lease.Attempt, "error", cause)

	if err := duty.Fail(ctx, string(payload)); err != nil {
		return fmt.Errorf("report failure of %s: %w", lease.Job.JobID, err)
	}
	return nil
}

// startHeartbeat продлевает аренду, пока job обрабатывается.
// Возвращённая функция останавливает продление; её можно вызывать повторно.
func (w *Worker) startHeartbeat(ctx context.Context, duty Duty, logger *slog.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(w.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := duty.Progress(ctx, 0); err != nil && ctx.Err() == nil {
					logger.Warn("failed to extend lease", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
