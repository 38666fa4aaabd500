package engine

import "errors"

// Ошибки построения и загрузки графа.
var (
	// ErrInvalidGraph — граф или описание flow структурно некорректны.
	ErrInvalidGraph = errors.New("invalid spec graph")

	// ErrCyclicDependency — обнаружен цикл между экземплярами spec.
	ErrCyclicDependency = errors.New("cyclic dependency detected")
)

// FlowError — ошибка в описании flow с указанием места.
type FlowError struct {
	Flow    string // имя flow
	Field   string // поле описания (connections[2].to, expose[0]...)
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *FlowError) Error() string {
	if e.Field != "" {
		return "flow " + e.Flow + ", " + e.Field + ": " + e.Message
	}
	return "flow " + e.Flow + ": " + e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *FlowError) Unwrap() error {
	return e.Err
}

// NewFlowError создаёт ошибку описания flow.
func NewFlowError(flow, field, message string, err error) *FlowError {
	return &FlowError{
		Flow:    flow,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
