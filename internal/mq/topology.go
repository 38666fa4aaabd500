package mq

import (
	"context"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeJobs Exchange = "tributary.jobs"
	ExchangeDLQ  Exchange = "tributary.dlq"
)

// Общие очереди.
const (
	QueueDLQJobs Queue = "dlq.jobs"
)

// Routing keys.
const (
	RoutingKeyDLQJobs RoutingKey = "jobs"
)

// JobQueue возвращает имя очереди jobs для пары (project, spec).
// Routing key совпадает с именем очереди.
func JobQueue(projectID, specName string) Queue {
	return Queue("jobs." + escapeName(projectID) + "." + escapeName(specName))
}

// escapeName экранирует точки, чтобы имя очереди разбиралось однозначно.
func escapeName(s string) string {
	return strings.ReplaceAll(s, ".", "_")
}

// SetupTopology объявляет общие обменники и DLQ.
// Очереди jobs объявляются по мере появления пар через DeclareJobQueue.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		// 1. Создаём exchanges
		if err := declareExchanges(ch); err != nil {
			return err
		}

		// 2. Создаём DLQ и привязываем её
		if _, err := ch.QueueDeclare(string(QueueDLQJobs), true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", QueueDLQJobs, err)
		}
		if err := ch.QueueBind(string(QueueDLQJobs), string(RoutingKeyDLQJobs), string(ExchangeDLQ), false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", QueueDLQJobs, ExchangeDLQ, err)
		}

		return nil
	})
}

// DeclareJobQueue объявляет durable очередь jobs для пары и привязывает её
// к ExchangeJobs. Повторное объявление с теми же аргументами безопасно.
func DeclareJobQueue(ctx context.Context, conn *Connection, projectID, specName string) (Queue, error) {
	q := JobQueue(projectID, specName)

	// Отклонённые без requeue сообщения уходят в общую DLQ
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQJobs),
	}

	err := conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclare(
			string(q), // name
			true,      // durable
			false,     // delete when unused
			false,     // exclusive
			false,     // no-wait
			dlqArgs,   // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}

		if err := ch.QueueBind(string(q), string(q), string(ExchangeJobs), false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", q, ExchangeJobs, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return q, nil
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	for _, name := range []Exchange{ExchangeJobs, ExchangeDLQ} {
		err := ch.ExchangeDeclare(
			string(name), // name
			"direct",     // type
			true,         // durable
			false,        // auto-deleted
			false,        // internal
			false,        // no-wait
			nil,          // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}

	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Tributary RabbitMQ Topology:

    tributary.jobs (direct)
    └── jobs.<project>.<spec> [routing: queue name]
            Consumer: vault (basic.get leases)
            DLQ: dlq.jobs

    tributary.dlq (direct)
    └── dlq.jobs [routing: jobs]
            Consumer: vault dead-letter watcher
  `
}
