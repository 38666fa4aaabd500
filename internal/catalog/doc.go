// Package catalog — встроенные spec, их обработчики и flow.
//
//   - doubler: вход и выход number, каждое значение умножается на 2
//   - relay: пересылает значения любого вида с задержкой delay_ms
//   - double-twice: doubler[first] -> doubler[second]
//   - delayed-double: relay -> doubler
//
// Описания flow лежат в flows/*.yaml и встраиваются в бинарь.
// Воркер регистрирует каталог вместе с обработчиками, API — только
// описания spec и графы flow.
package catalog
