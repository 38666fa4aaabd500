// Package cli реализует инструмент командной строки Tributary.
//
// # Обзор
//
// CLI — клиентская утилита для Tributary API. Работает через HTTP;
// из внутренних пакетов использует только engine и domain, чтобы
// собирать граф flow из локального файла.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для API. Инкапсулирует запросы, парсинг ответов
// (DataResponse, ListResponse, ErrorResponse) и обработку ошибок.
//
//	client := cli.NewClient("http://localhost:8080")
//	job, err := client.EnqueueJob("default", cli.EnqueueJobRequest{SpecName: "doubler"})
//
// ## Output
//
// Форматирование вывода: таблицы (text/tabwriter) по умолчанию,
// JSON с флагом --json. Данные идут в stdout, сообщения — в stderr:
//
//	tributary job status j-doubler-... --json | jq .status
//
// ## Commands
//
//   - spec: list, show
//   - graph: describe, json, build
//   - job: enqueue, status, history, state, feed, terminate, last
//   - capacity: increase
//
// Каждая группа создаётся фабричной функцией (NewJobCmd и т.д.),
// принимающей clientFn и outputFn: Client и Output создаются после
// разбора PersistentFlags.
package cli
