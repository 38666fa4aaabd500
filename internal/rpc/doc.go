// Package rpc — gRPC-транспорт между vault и внешними процессами.
//
// Сервер публикует три сервиса поверх одного grpc.Server:
//
//	tributary.Queue     AddJob, WorkerReportDuty (bidi)
//	tributary.Capacity  IncreaseCapacity, ReportAsInstance (bidi)
//	tributary.Stream    Pub, Read, Head, Last, Sub (server streaming)
//
// Сообщения кодируются JSON-кодеком с content-subtype "json"; описания
// сервисов заданы вручную, без protoc.
//
// Client реализует интерфейсы, которые ждут остальные пакеты:
// runtime.Submitter и queue.Scaler (AddJob, IncreaseCapacity),
// stream.Log (Append, Read, Head, Last) и worker.DutyProvider (SignUp).
// Поэтому Runtime и Worker в отдельном процессе работают так же, как
// внутри vault.
//
// Ошибки домена передаются кодами gRPC и восстанавливаются на клиенте
// (domain.ErrNotFound, domain.ErrValidation и т.д.); ошибки сессии
// очереди внутри WorkerReportDuty — полем reason ответа.
//
// Унарные вызовы повторяются через retry.Do, кроме Append: повтор
// после потери ответа продублировал бы запись.
package rpc
