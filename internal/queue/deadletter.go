package queue

import (
	"context"
	"log/slog"

	"github.com/shaiso/Tributary/internal/mq"
)

// DeadLetterWatcher читает общую DLQ и журналирует jobs, завершившиеся
// ошибкой воркера. Сообщения подтверждаются всегда.
type DeadLetterWatcher struct {
	consumer *mq.Consumer
	logger   *slog.Logger
	handle   func(ctx context.Context, failed mq.JobFailedPayload)
}

// NewDeadLetterWatcher создаёт наблюдателя DLQ. handle может быть nil.
func NewDeadLetterWatcher(conn *mq.Connection, logger *slog.Logger, handle func(context.Context, mq.JobFailedPayload)) *DeadLetterWatcher {
	if logger == nil {
		logger = slog.Default()
	}

	w := &DeadLetterWatcher{logger: logger, handle: handle}
	w.consumer = mq.NewConsumer(conn, logger, mq.ConsumerConfig{
		Queue:    mq.QueueDLQJobs,
		Handler:  w.onDelivery,
		Prefetch: 16,
	})
	return w
}

// Start блокируется до отмены ctx.
func (w *DeadLetterWatcher) Start(ctx context.Context) error {
	return w.consumer.Start(ctx)
}

// Stop останавливает чтение.
func (w *DeadLetterWatcher) Stop() {
	w.consumer.Stop()
}

func (w *DeadLetterWatcher) onDelivery(ctx context.Context, d *mq.Delivery) error {
	if d.Message.Type != mq.MessageTypeJobFailed {
		// Отклонённые брокером сообщения приходят без нашего типа
		w.logger.Warn("dead-lettered message", "message_id", d.Message.ID, "type", d.Message.Type)
		return nil
	}

	failed, err := mq.ParsePayload[mq.JobFailedPayload](&d.Message)
	if err != nil {
		return err
	}

	w.logger.Warn("job dead-lettered",
		"project_id", failed.Job.ProjectID,
		"spec", failed.Job.SpecName,
		"job_id", failed.Job.JobID,
		"attempt", failed.Attempt,
		"error", failed.Error,
	)

	if w.handle != nil {
		w.handle(ctx, failed)
	}
	return nil
}
