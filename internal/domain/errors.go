package domain

import (
	"errors"
	"fmt"
)

// Классы ошибок. Пакеты оборачивают их через fmt.Errorf("...: %w", ...),
// а граничные слои (HTTP, gRPC) сопоставляют их с кодами ответа.
var (
	// ErrValidation — payload не соответствует схеме тега.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound — неизвестный spec, alias, тег, job или инстанс.
	ErrNotFound = errors.New("not found")

	// ErrConflict — повторный root spec, повторная привязка.
	ErrConflict = errors.New("conflict")

	// ErrRemoteWorker — ошибка, пришедшая от внешнего воркера.
	ErrRemoteWorker = errors.New("remote worker failure")

	// ErrTransport — разрыв транспорта после исчерпания retry.
	ErrTransport = errors.New("transport failure")
)

// ValidationError — ошибка проверки данных по схеме тега.
type ValidationError struct {
	Spec    string // имя spec
	Tag     Tag    // тег, для которого проверялись данные
	Message string // описание несоответствия
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.Spec != "" {
		return fmt.Sprintf("spec %s, tag %s: %s", e.Spec, e.Tag, e.Message)
	}
	return fmt.Sprintf("tag %s: %s", e.Tag, e.Message)
}

// Unwrap возвращает класс ошибки.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// RemoteWorkerError — сериализованная ошибка воркера, ставшая
// терминальной ошибкой job.
type RemoteWorkerError struct {
	JobID   string
	Payload string
}

// Error реализует интерфейс error.
func (e *RemoteWorkerError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Payload)
}

// Unwrap возвращает класс ошибки.
func (e *RemoteWorkerError) Unwrap() error {
	return ErrRemoteWorker
}

// NotFoundf создаёт ошибку класса ErrNotFound с описанием.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Conflictf создаёт ошибку класса ErrConflict с описанием.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}
