// Package stream реализует потоки данных между тегами jobs.
//
// Поток — append-only лог на (project, stream id). Каждая запись —
// конверт {terminate, data} с datapointId. Любое количество
// потребителей читает поток независимо от курсора "start", "now"
// или сохранённого id; порядок записей для всех одинаков.
//
// Включает:
//   - log.go        — интерфейс лога и Redis Streams реализация
//   - channel.go    — Emit/Terminate/Subscribe поверх лога
//   - mailbox.go    — очередь с одним ожидающим получателем
//   - merge.go      — слияние нескольких тегов в порядке прихода
package stream
