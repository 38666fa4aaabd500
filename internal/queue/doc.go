// Package queue — очереди jobs по парам (project, spec) и сессии воркеров.
//
// Структура:
//   - job.go         — Job, Key, Lease и интерфейс Backend
//   - redis.go       — RedisBackend: списки, хеши и аренды в sorted set (Lua)
//   - amqp.go        — AMQPBackend: basic.get без auto-ack, DLQ для ошибок
//   - coordinator.go — Coordinator: AddJob, автомасштабирование, WorkerSession
//   - reaper.go      — Reaper: возврат просроченных аренд по cron-расписанию
//   - deadletter.go  — DeadLetterWatcher: журнал jobs из DLQ
//
// Жизненный цикл записи:
//
//	Add → waiting → Lease → active → Complete | Fail
//	                          ↓ аренда истекла
//	                 Reap → waiting
//
// Запись удаляется только по терминальному отчёту воркера. Отчёт сначала
// передаётся Outcomes (история статусов job), затем запись удаляется.
package queue
