package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrFlowNotFound — для spec не зарегистрирован граф flow.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrInvalidParams — параметры flow не разбираются как объект по дочерним spec.
	ErrInvalidParams = errors.New("invalid flow params")
)
