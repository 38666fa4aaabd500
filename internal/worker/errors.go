package worker

import "errors"

// Ошибки воркера.
var (
	// ErrUnknownSpec — нет обработчика для spec.
	ErrUnknownSpec = errors.New("unknown spec")

	// ErrWorkerStopped — воркер остановлен.
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrProcessorPanic — обработчик завершился паникой.
	ErrProcessorPanic = errors.New("processor panic")
)
