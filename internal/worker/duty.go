package worker

import (
	"context"

	"github.com/shaiso/Tributary/internal/queue"
)

// Duty — сессия воркера в очереди: один job за раз.
//
// Реализации: сессия queue.Coordinator в том же процессе и
// gRPC-клиент WorkerReportDuty.
type Duty interface {
	NextJob(ctx context.Context) (*queue.Lease, error)
	Progress(ctx context.Context, delta int) error
	Complete(ctx context.Context) error
	Fail(ctx context.Context, payload string) error
	Close()
}

// DutyProvider открывает сессии воркера для очереди.
type DutyProvider interface {
	SignUp(ctx context.Context, key queue.Key) (Duty, error)
}

// CoordinatorDuties — DutyProvider поверх локального координатора.
type CoordinatorDuties struct {
	Coordinator *queue.Coordinator
}

// SignUp реализует DutyProvider.
func (d CoordinatorDuties) SignUp(_ context.Context, key queue.Key) (Duty, error) {
	return d.Coordinator.SignUp(key), nil
}
