// Package repo — реляционное хранилище jobs.
//
// Таблицы: jobs, job_status (история, только добавление), streams,
// job_stream_connectors, job_relations. Эталонная схема — schema.sql,
// миграции не применяются автоматически.
//
// Store собирает репозитории Postgres (pgx) в одно хранилище;
// MemoryStore повторяет его семантику в памяти процесса.
package repo
