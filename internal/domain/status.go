package domain

// JobStatus — статус выполнения job.
//
// Жизненный цикл:
//
//	requested → running → completed
//	                    ↘ failed
//	          running → waiting_children → completed | failed
//
// Статусы только добавляются в историю (StatusRecord), текущий статус —
// последняя запись по времени.
type JobStatus string

const (
	// JobStatusRequested — job создан и отправлен в очередь.
	JobStatusRequested JobStatus = "requested"

	// JobStatusRunning — job выполняется воркером.
	JobStatusRunning JobStatus = "running"

	// JobStatusWaitingChildren — локальная обработка завершена,
	// но дочерние jobs ещё не завершились.
	JobStatusWaitingChildren JobStatus = "waiting_children"

	// JobStatusCompleted — job успешно завершён.
	JobStatusCompleted JobStatus = "completed"

	// JobStatusFailed — job завершился с ошибкой.
	JobStatusFailed JobStatus = "failed"
)

// IsTerminal возвращает true, если статус финальный.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// IsValid проверяет, что статус входит в известный набор.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusRequested, JobStatusRunning, JobStatusWaitingChildren,
		JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// rank — порядок статуса в жизненном цикле.
func (s JobStatus) rank() int {
	switch s {
	case JobStatusRequested:
		return 0
	case JobStatusRunning:
		return 1
	case JobStatusWaitingChildren:
		return 2
	case JobStatusCompleted, JobStatusFailed:
		return 3
	default:
		return -1
	}
}

// CanTransition проверяет, допустим ли переход from → to.
//
// Переходы только вперёд. Из requested можно сразу уйти в failed
// (воркер упал до старта), из терминального статуса — никуда.
func CanTransition(from, to JobStatus) bool {
	if !from.IsValid() || !to.IsValid() {
		return false
	}
	if from.IsTerminal() {
		return false
	}
	if to == JobStatusWaitingChildren && from != JobStatusRunning {
		return false
	}
	return to.rank() > from.rank()
}

// ParseJobStatus парсит строку в JobStatus.
func ParseJobStatus(s string) (JobStatus, bool) {
	st := JobStatus(s)
	return st, st.IsValid()
}
