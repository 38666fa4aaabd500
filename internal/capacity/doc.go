// Package capacity — согласование ёмкости инстансов воркеров.
//
// Инстанс открывает сессию (Connect) и заявляет максимальную ёмкость для
// каждой пары (project, spec), которую он умеет обслуживать. Negotiator
// держит эти записи в памяти; закрытие сессии удаляет все записи инстанса.
//
// IncreaseCapacity выбирает инстанс с наибольшей ёмкостью для пары и
// отправляет ему команду provision. Agent — сторона инстанса: повторяет
// отчёты и выполняет команды.
package capacity
