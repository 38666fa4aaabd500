// Package api содержит HTTP API сервер поверх runtime.
//
// Структура:
//   - handler.go          — Handler с DI (runtime, реестр specs, flows, scaler, logger)
//   - routes.go           — регистрация маршрутов (chi)
//   - middleware.go       — middleware (logging, recovery)
//   - response.go         — унифицированные JSON-ответы и обработка ошибок домена
//   - dto.go              — Data Transfer Objects (request/response)
//   - spec_handler.go     — обработчики для /specs
//   - job_handler.go      — обработчики для /projects/{project}/jobs
//   - capacity_handler.go — обработчик /capacity/increase
//
// Тела запросов проверяются тегами validate (go-playground/validator).
// Ошибки домена отображаются в коды HTTP: ErrValidation — 422,
// ErrNotFound — 404, ErrConflict — 409, ErrTransport — 503.
package api
