// Package orchestrator запускает flow.
//
// Flow — JobSpec, описанный графом дочерних spec (engine.SpecGraph).
// Orchestrator регистрирует граф и JobSpec flow, а его обработчик
// порождает дочерние jobs, связанные потоками графа. Теги flow — alias
// портов дочерних spec, поэтому данные, поданные на вход flow, сразу
// попадают первому ребёнку, а выход последнего ребёнка и есть выход flow.
//
// Параметры job flow — объект по идентификаторам дочерних spec:
//
//	{"doubler[first]": {...}, "doubler[second]": {...}}
package orchestrator
