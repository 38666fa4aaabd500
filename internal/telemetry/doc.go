// Package telemetry — логирование и метрики Tributary.
//
//   - logging.go — slog с уровнем и форматом из окружения
//   - metrics.go — счётчики jobs, потоков, очередей и capacity
//
// Каждый бинарник отдаёт метрики на /metrics.
package telemetry
