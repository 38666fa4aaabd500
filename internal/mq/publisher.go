package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Tributary/internal/retry"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeJobAdded  MessageType = "job.added"
	MessageTypeJobFailed MessageType = "job.failed"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
	policy retry.Policy
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		conn:   conn,
		logger: logger,
		policy: retry.DefaultPolicy(),
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// JobPayload — job, поставленный в очередь пары (project, spec).
type JobPayload struct {
	ProjectID  string          `json:"project_id"`
	SpecName   string          `json:"spec_name"`
	JobID      string          `json:"job_id"`
	Params     json.RawMessage `json:"params,omitempty"`
	ContextID  string          `json:"context_id,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// JobFailedPayload — job, завершившийся ошибкой воркера.
type JobFailedPayload struct {
	Job     JobPayload `json:"job"`
	Error   string     `json:"error"`
	Attempt int        `json:"attempt"`
}

// Publish публикует сообщение в указанный exchange с routing key.
// Временные ошибки канала повторяются с backoff.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return retry.DoErr(ctx, p.policy, func(ctx context.Context) error {
		return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
			err := ch.PublishWithContext(
				ctx,
				string(exchange),   // exchange
				string(routingKey), // routing key
				false,
				false,
				amqp.Publishing{
					ContentType:  "application/json",
					DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
					MessageId:    msg.ID,
					Timestamp:    msg.Timestamp,
					Type:         string(msg.Type),
					Body:         body,
				},
			)
			if err != nil {
				return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
			}

			p.logger.Debug("published message",
				"exchange", exchange,
				"routing_key", routingKey,
				"message_id", msg.ID,
				"type", msg.Type,
			)

			return nil
		})
	})
}

// PublishJob публикует job в очередь его пары. ID сообщения — id job.
func (p *Publisher) PublishJob(ctx context.Context, queue Queue, job JobPayload) error {
	msg := &Message{
		ID:        job.JobID,
		Type:      MessageTypeJobAdded,
		Payload:   job,
		Timestamp: job.EnqueuedAt,
	}

	return p.Publish(ctx, ExchangeJobs, RoutingKey(queue), msg)
}

// PublishJobFailed публикует job с ошибкой воркера в DLQ.
// Потребитель: DeadLetterWatcher в vault.
func (p *Publisher) PublishJobFailed(ctx context.Context, payload JobFailedPayload) error {
	return p.PublishJSON(ctx, ExchangeDLQ, RoutingKeyDLQJobs, MessageTypeJobFailed, payload)
}

// PublishJSON публикует произвольный JSON payload.
func (p *Publisher) PublishJSON(ctx context.Context, exchange Exchange, routingKey RoutingKey, msgType MessageType, payload any) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, exchange, routingKey, msg)
}
