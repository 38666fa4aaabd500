// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, поколения каналов)
//   - topology.go   — объявление exchanges, очередей jobs и DLQ
//   - publisher.go  — публикация jobs и dead letters
//   - consumer.go   — потребление сообщений из очередей
//
// Типы сообщений:
//   - job.added   — job поставлен в очередь пары (project, spec)
//   - job.failed  — job завершился ошибкой воркера
//
// Exchanges:
//   - tributary.jobs — очереди jobs, по одной на пару (project, spec)
//   - tributary.dlq  — dead letter queue
package mq
