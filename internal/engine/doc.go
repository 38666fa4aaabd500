// Package engine содержит статический граф связей spec (DefGraph).
//
// Включает:
//   - graph.go       — узлы, рёбра, идемпотентные Ensure-операции
//   - alias.go       — публичные имена тегов корневого spec
//   - instantiate.go — перевод графа в конкретные job id и stream id
//   - order.go       — порядок запуска дочерних spec (алгоритм Кана)
//   - json.go        — сериализация графа
//   - flowfile.go    — описание flow в YAML
//   - describe.go    — текстовое представление графа
//
// Граф описывает, какие теги каких spec соединены потоками. Он не знает
// про конкретные jobs: это делает Instantiate, подставляя контекст
// родительского job.
package engine
