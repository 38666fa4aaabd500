package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tributary"

// Метрики jobs.
var (
	// JobsEnqueued — jobs, созданные через Enqueue (повторные вызовы не считаются).
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Jobs created by enqueue.",
	}, []string{"spec"})

	// StatusTransitions — записанные переходы статусов.
	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_status_transitions_total",
		Help:      "Appended job status records.",
	}, []string{"status"})
)

// Метрики потоков.
var (
	// StreamAppends — записи в потоки: kind=data|terminate.
	StreamAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_appends_total",
		Help:      "Datapoints appended to streams.",
	}, []string{"kind"})

	// StreamValidationErrors — payload, отклонённые схемой тега.
	StreamValidationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_validation_errors_total",
		Help:      "Payloads rejected by tag schema before append.",
	})
)

// Метрики очередей.
var (
	// QueueAdded — jobs, добавленные в очередь (без дубликатов).
	QueueAdded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_jobs_added_total",
		Help:      "Jobs added to queues.",
	}, []string{"spec"})

	// QueueLeases — выданные воркерам jobs.
	QueueLeases = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_leases_total",
		Help:      "Jobs handed to workers.",
	}, []string{"spec"})

	// QueueSettled — терминальные исходы: outcome=completed|failed.
	QueueSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_jobs_settled_total",
		Help:      "Jobs settled by a terminal worker report.",
	}, []string{"spec", "outcome"})

	// QueueProgress — сообщения о прогрессе от воркеров.
	QueueProgress = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_progress_reports_total",
		Help:      "Progress reports received from workers.",
	}, []string{"spec"})

	// QueueReaped — jobs, возвращённые в очередь после истечения lease.
	QueueReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_leases_reaped_total",
		Help:      "Expired leases returned to waiting.",
	})

	// WorkersConnected — воркеры, подписанные на очереди.
	WorkersConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_workers_connected",
		Help:      "Workers signed up per spec.",
	}, []string{"spec"})
)

// Метрики capacity.
var (
	// CapacityProvisions — отправленные команды provision.
	CapacityProvisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capacity_provisions_total",
		Help:      "Provision commands sent to instances.",
	}, []string{"spec"})

	// CapacityShortages — запросы, для которых не хватило ёмкости.
	CapacityShortages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capacity_shortages_total",
		Help:      "Increase requests above the largest reported capacity.",
	}, []string{"spec"})

	// InstancesConnected — подключённые инстансы.
	InstancesConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "capacity_instances_connected",
		Help:      "Instances connected to the capacity negotiator.",
	})
)
