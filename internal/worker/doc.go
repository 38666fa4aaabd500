// Package worker выполняет jobs из очередей QueueCoordinator.
//
// # Обзор
//
// Worker держит по несколько циклов на каждый spec, для которого
// зарегистрирован Processor. Цикл открывает сессию очереди (Duty),
// получает один job, выполняет его и отправляет терминальный отчёт.
//
//	registry := worker.NewRegistry()
//	registry.Register("doubler", doubler)
//
//	w := worker.New(worker.Config{
//	    Runtime:   rt,
//	    Duties:    worker.CoordinatorDuties{Coordinator: coord},
//	    Registry:  registry,
//	    ProjectID: "default",
//	    Logger:    logger,
//	})
//
//	if err := w.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
//
// # Обработка job
//
//  1. Attach: handle job с входами и выходами
//  2. Статус running
//  3. Вызов Processor; ненулевой результат публикуется в единственный выход
//  4. Все выходы получают маркер завершения, кроме случая, когда job
//     породил дочерние jobs: тогда статус waiting_children и ожидание детей
//  5. Complete или Fail в очередь; статус записывает runtime
//
// Во время обработки аренда продлевается каждые HeartbeatInterval.
// Ошибка, после которой отчёт не отправлен, закрывает сессию: job
// вернётся в очередь по истечении аренды.
//
// # Масштабирование
//
// Worker реализует capacity.Provisioner: команда provision добавляет
// циклы очереди, но не больше MaxCapacity на spec. Capacities отдаёт
// свободную ёмкость для отчёта capacity.Agent.
package worker
