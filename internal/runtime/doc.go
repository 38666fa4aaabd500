// Package runtime управляет жизненным циклом jobs.
//
// Enqueue создаёт job (идемпотентно по project и job id), записывает статус
// requested, привязывает теги к потокам через граф spec и ставит job в
// очередь. JobHandle даёт доступ к входам (Feed, Terminate, Merge), выходам
// (Emit, NextValue, Subscribe) и ожиданию терминального статуса.
//
// История статусов только растёт:
//
//	requested → running → completed | failed
//	            running → waiting_children → completed | failed
//
// Runtime реализует queue.Outcomes: терминальные отчёты воркеров
// записываются в историю до удаления записи из очереди.
package runtime
