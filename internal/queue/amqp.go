package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Tributary/internal/mq"
)

// AMQPConfig — конфигурация AMQPBackend.
type AMQPConfig struct {
	// Conn — соединение с RabbitMQ.
	Conn *mq.Connection

	// Publisher — публикатор. По умолчанию создаётся поверх Conn.
	Publisher *mq.Publisher

	// Logger — логгер.
	Logger *slog.Logger
}

// channels — операции над каналом, которые нужны аренде. Реализуется
// *mq.Connection.
type channels interface {
	WithChannel(ctx context.Context, fn func(ch *amqp.Channel) error) error
	WithChannelGen(ctx context.Context, fn func(ch *amqp.Channel) error) (uint64, error)
	Generation() uint64
}

type amqpLease struct {
	lease *Lease
	queue mq.Queue
	tag   uint64
	gen   uint64
}

// AMQPBackend — Backend поверх очередей RabbitMQ.
//
// Выдача — basic.get без auto-ack: сообщение остаётся неподтверждённым до
// Complete или Fail. При обрыве соединения брокер возвращает такие сообщения
// в очередь сам, а просроченные аренды возвращает Reap через nack с requeue.
//
// Повторное Add отсекается по множеству jobs в памяти процесса.
//
// Аренды живут в памяти процесса, который их выдал, поэтому Reap нужно
// запускать в каждом процессе, а не только у лидера (см. LocalLeases).
type AMQPBackend struct {
	conn   *mq.Connection
	ch     channels
	pub    *mq.Publisher
	logger *slog.Logger

	mu       sync.Mutex
	declared map[Key]mq.Queue
	pending  map[string]struct{}
	leases   map[string]*amqpLease
	failed   map[Key]int64
}

// NewAMQPBackend создаёт AMQPBackend.
func NewAMQPBackend(cfg AMQPConfig) *AMQPBackend {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = mq.NewPublisher(cfg.Conn, cfg.Logger)
	}

	return &AMQPBackend{
		conn:     cfg.Conn,
		ch:       cfg.Conn,
		pub:      cfg.Publisher,
		logger:   cfg.Logger,
		declared: make(map[Key]mq.Queue),
		pending:  make(map[string]struct{}),
		leases:   make(map[string]*amqpLease),
		failed:   make(map[Key]int64),
	}
}

func pendingKey(key Key, jobID string) string {
	return key.String() + "#" + jobID
}

func toPayload(job Job) mq.JobPayload {
	return mq.JobPayload{
		ProjectID:  job.ProjectID,
		SpecName:   job.SpecName,
		JobID:      job.JobID,
		Params:     job.Params,
		ContextID:  job.ContextID,
		EnqueuedAt: job.EnqueuedAt,
	}
}

func fromPayload(p mq.JobPayload) Job {
	return Job{
		ProjectID:  p.ProjectID,
		SpecName:   p.SpecName,
		JobID:      p.JobID,
		Params:     p.Params,
		ContextID:  p.ContextID,
		EnqueuedAt: p.EnqueuedAt,
	}
}

// queue объявляет очередь пары при первом обращении.
func (b *AMQPBackend) queue(ctx context.Context, key Key) (mq.Queue, error) {
	b.mu.Lock()
	q, ok := b.declared[key]
	b.mu.Unlock()
	if ok {
		return q, nil
	}

	q, err := mq.DeclareJobQueue(ctx, b.conn, key.ProjectID, key.SpecName)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	b.declared[key] = q
	b.mu.Unlock()
	return q, nil
}

// Add публикует job в очередь пары.
func (b *AMQPBackend) Add(ctx context.Context, job Job) (bool, error) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	key := job.Key()

	q, err := b.queue(ctx, key)
	if err != nil {
		return false, err
	}

	pk := pendingKey(key, job.JobID)
	b.mu.Lock()
	if _, dup := b.pending[pk]; dup {
		b.mu.Unlock()
		return false, nil
	}
	b.pending[pk] = struct{}{}
	b.mu.Unlock()

	if err := b.pub.PublishJob(ctx, q, toPayload(job)); err != nil {
		b.mu.Lock()
		delete(b.pending, pk)
		b.mu.Unlock()
		return false, fmt.Errorf("add job %s: %w", job.JobID, err)
	}

	return true, nil
}

// Lease забирает одно сообщение через basic.get.
func (b *AMQPBackend) Lease(ctx context.Context, key Key, ttl time.Duration) (*Lease, error) {
	q, err := b.queue(ctx, key)
	if err != nil {
		return nil, err
	}

	var (
		delivery amqp.Delivery
		ok       bool
	)
	gen, err := b.ch.WithChannelGen(ctx, func(ch *amqp.Channel) error {
		var err error
		delivery, ok, err = ch.Get(string(q), false)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("lease from %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}

	var msg mq.Message
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		// Нечитаемое сообщение уходит в DLQ
		_ = delivery.Nack(false, false)
		return nil, fmt.Errorf("decode message %s: %w", delivery.MessageId, err)
	}
	payload, err := mq.ParsePayload[mq.JobPayload](&msg)
	if err != nil {
		_ = delivery.Nack(false, false)
		return nil, fmt.Errorf("decode job %s: %w", msg.ID, err)
	}

	attempt := 1
	if delivery.Redelivered {
		attempt = 2
	}

	lease := &Lease{
		Job:      fromPayload(payload),
		Token:    uuid.NewString(),
		Attempt:  attempt,
		Deadline: time.Now().Add(ttl),
	}

	b.mu.Lock()
	b.leases[lease.Token] = &amqpLease{lease: lease, queue: q, tag: delivery.DeliveryTag, gen: gen}
	b.pending[pendingKey(key, lease.Job.JobID)] = struct{}{}
	b.mu.Unlock()

	return lease, nil
}

// held возвращает аренду, если она ещё действительна в текущем поколении канала.
func (b *AMQPBackend) held(lease *Lease) (*amqpLease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	al, ok := b.leases[lease.Token]
	if !ok || al.gen != b.ch.Generation() {
		delete(b.leases, lease.Token)
		return nil, fmt.Errorf("job %s: %w", lease.Job.JobID, ErrLeaseLost)
	}
	return al, nil
}

// Extend продлевает аренду в памяти процесса.
func (b *AMQPBackend) Extend(_ context.Context, lease *Lease, ttl time.Duration) error {
	al, err := b.held(lease)
	if err != nil {
		return err
	}

	b.mu.Lock()
	al.lease.Deadline = time.Now().Add(ttl)
	lease.Deadline = al.lease.Deadline
	b.mu.Unlock()
	return nil
}

// Complete подтверждает сообщение.
func (b *AMQPBackend) Complete(ctx context.Context, lease *Lease) error {
	al, err := b.held(lease)
	if err != nil {
		return err
	}

	err = b.ch.WithChannel(ctx, func(ch *amqp.Channel) error {
		return ch.Ack(al.tag, false)
	})
	if err != nil {
		return fmt.Errorf("ack job %s: %w", lease.Job.JobID, err)
	}

	b.forget(lease)
	return nil
}

// Fail публикует job с ошибкой в DLQ и подтверждает исходное сообщение.
func (b *AMQPBackend) Fail(ctx context.Context, lease *Lease, payload string) error {
	al, err := b.held(lease)
	if err != nil {
		return err
	}

	dead := mq.JobFailedPayload{
		Job:     toPayload(lease.Job),
		Error:   payload,
		Attempt: lease.Attempt,
	}
	if err := b.pub.PublishJobFailed(ctx, dead); err != nil {
		return fmt.Errorf("dead-letter job %s: %w", lease.Job.JobID, err)
	}

	err = b.ch.WithChannel(ctx, func(ch *amqp.Channel) error {
		return ch.Ack(al.tag, false)
	})
	if err != nil {
		return fmt.Errorf("ack job %s: %w", lease.Job.JobID, err)
	}

	b.mu.Lock()
	b.failed[lease.Job.Key()]++
	b.mu.Unlock()

	b.forget(lease)
	return nil
}

func (b *AMQPBackend) forget(lease *Lease) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.leases, lease.Token)
	delete(b.pending, pendingKey(lease.Job.Key(), lease.Job.JobID))
}

// Counts: Waiting — сообщения в очереди брокера, Active — аренды процесса.
func (b *AMQPBackend) Counts(ctx context.Context, key Key) (Counts, error) {
	q, err := b.queue(ctx, key)
	if err != nil {
		return Counts{}, err
	}

	var waiting int
	err = b.ch.WithChannel(ctx, func(ch *amqp.Channel) error {
		state, err := ch.QueueDeclarePassive(string(q), true, false, false, false, nil)
		if err != nil {
			return err
		}
		waiting = state.Messages
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("counts of %s: %w", key, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var active int64
	for _, al := range b.leases {
		if al.lease.Job.Key() == key {
			active++
		}
	}

	return Counts{Waiting: int64(waiting), Active: active, Failed: b.failed[key]}, nil
}

// LocalLeases сообщает Reaper, что аренды видны только этому процессу.
func (b *AMQPBackend) LocalLeases() bool { return true }

// Reap возвращает просроченные аренды в очередь через nack с requeue.
// Аренда забывается только после успешного nack: при ошибке канала
// следующий проход попробует снова.
func (b *AMQPBackend) Reap(ctx context.Context, now time.Time) (int, error) {
	gen := b.ch.Generation()

	b.mu.Lock()
	var expired []*amqpLease
	for token, al := range b.leases {
		switch {
		case al.gen != gen:
			// Сообщения прошлого поколения брокер уже вернул при обрыве
			delete(b.leases, token)
		case al.lease.Deadline.Before(now):
			expired = append(expired, al)
		}
	}
	b.mu.Unlock()

	n := 0
	for _, al := range expired {
		b.mu.Lock()
		_, live := b.leases[al.lease.Token]
		stale := live && al.lease.Deadline.Before(now)
		b.mu.Unlock()
		if !stale {
			continue
		}

		err := b.ch.WithChannel(ctx, func(ch *amqp.Channel) error {
			return ch.Nack(al.tag, false, true)
		})
		if err != nil {
			if n > 0 {
				b.logger.Info("stalled jobs returned to queue", "count", n)
			}
			return n, fmt.Errorf("requeue job %s: %w", al.lease.Job.JobID, err)
		}

		b.mu.Lock()
		delete(b.leases, al.lease.Token)
		b.mu.Unlock()
		n++
	}

	if n > 0 {
		b.logger.Info("stalled jobs returned to queue", "count", n)
	}
	return n, nil
}
