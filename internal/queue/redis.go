package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shaiso/Tributary/internal/retry"
)

// Раскладка ключей очереди с базой <prefix><project>/<spec>:
//
//	:jobs      hash   jobId → JSON job
//	:waiting   list   ожидающие jobs (LPUSH — добавление, RPOP — выдача)
//	:active    list   выданные jobs
//	:leases    zset   jobId → дедлайн аренды в мс
//	:attempts  hash   jobId → число выдач
//	:owners    hash   jobId → токен текущей аренды
//	:failed    hash   jobId → ошибка воркера
//
// Множество <prefix>queues хранит базы всех очередей для Reap.

var addScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('LPUSH', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[3])
return 1
`)

var leaseScript = redis.NewScript(`
local id = redis.call('RPOPLPUSH', KEYS[1], KEYS[2])
if not id then
  return false
end
redis.call('ZADD', KEYS[3], ARGV[1], id)
local attempt = redis.call('HINCRBY', KEYS[4], id, 1)
redis.call('HSET', KEYS[5], id, ARGV[2])
local payload = redis.call('HGET', KEYS[6], id)
if not payload then
  payload = ''
end
return {id, payload, attempt}
`)

var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// settleScript завершает аренду. Непустой ARGV[3] — ошибка воркера.
var settleScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('LREM', KEYS[3], 1, ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[6], ARGV[1], ARGV[3])
end
return 1
`)

var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LREM', KEYS[2], 1, id)
  redis.call('HDEL', KEYS[4], id)
  redis.call('RPUSH', KEYS[3], id)
end
return #ids
`)

// RedisConfig — конфигурация RedisBackend.
type RedisConfig struct {
	// Client — клиент Redis.
	Client redis.UniversalClient

	// Prefix — префикс ключей. По умолчанию "tributary:queue:".
	Prefix string

	// Retry — политика повторов при ошибках транспорта.
	Retry retry.Policy

	// Logger — логгер.
	Logger *slog.Logger
}

// RedisBackend — Backend поверх списков, хешей и sorted set Redis.
// Каждая операция — один Lua-скрипт, поэтому переходы атомарны.
type RedisBackend struct {
	rdb    redis.UniversalClient
	prefix string
	retry  retry.Policy
	logger *slog.Logger
}

// NewRedisBackend создаёт RedisBackend.
func NewRedisBackend(cfg RedisConfig) *RedisBackend {
	if cfg.Prefix == "" {
		cfg.Prefix = "tributary:queue:"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &RedisBackend{
		rdb:    cfg.Client,
		prefix: cfg.Prefix,
		retry:  cfg.Retry,
		logger: cfg.Logger,
	}
}

type redisKeys struct {
	base, jobs, waiting, active, leases, attempts, owners, failed string
}

func (b *RedisBackend) keys(key Key) redisKeys {
	return b.keysFor(b.prefix + key.String())
}

func (b *RedisBackend) keysFor(base string) redisKeys {
	return redisKeys{
		base:     base,
		jobs:     base + ":jobs",
		waiting:  base + ":waiting",
		active:   base + ":active",
		leases:   base + ":leases",
		attempts: base + ":attempts",
		owners:   base + ":owners",
		failed:   base + ":failed",
	}
}

func (b *RedisBackend) queuesKey() string {
	return b.prefix + "queues"
}

// Add ставит job в очередь.
func (b *RedisBackend) Add(ctx context.Context, job Job) (bool, error) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}

	k := b.keys(job.Key())
	added, err := retry.Do(ctx, b.retry, func(ctx context.Context) (int, error) {
		return addScript.Run(ctx, b.rdb,
			[]string{k.jobs, k.waiting, b.queuesKey()},
			job.JobID, payload, k.base,
		).Int()
	})
	if err != nil {
		return false, fmt.Errorf("add job %s: %w", job.JobID, err)
	}

	return added == 1, nil
}

// Lease выдаёт следующий job.
func (b *RedisBackend) Lease(ctx context.Context, key Key, ttl time.Duration) (*Lease, error) {
	k := b.keys(key)
	token := uuid.NewString()
	deadline := time.Now().Add(ttl)

	res, err := retry.Do(ctx, b.retry, func(ctx context.Context) ([]any, error) {
		res, err := leaseScript.Run(ctx, b.rdb,
			[]string{k.waiting, k.active, k.leases, k.attempts, k.owners, k.jobs},
			deadline.UnixMilli(), token,
		).Slice()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return res, err
	})
	if err != nil {
		return nil, fmt.Errorf("lease from %s: %w", key, err)
	}
	if res == nil {
		return nil, nil
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("lease from %s: unexpected reply %v", key, res)
	}

	id, _ := res[0].(string)
	payload, _ := res[1].(string)
	attempt, _ := res[2].(int64)

	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}

	return &Lease{
		Job:      job,
		Token:    token,
		Attempt:  int(attempt),
		Deadline: deadline,
	}, nil
}

// Extend продлевает аренду.
func (b *RedisBackend) Extend(ctx context.Context, lease *Lease, ttl time.Duration) error {
	k := b.keys(lease.Job.Key())
	deadline := time.Now().Add(ttl)

	ok, err := retry.Do(ctx, b.retry, func(ctx context.Context) (int, error) {
		return extendScript.Run(ctx, b.rdb,
			[]string{k.owners, k.leases},
			lease.Job.JobID, lease.Token, deadline.UnixMilli(),
		).Int()
	})
	if err != nil {
		return fmt.Errorf("extend lease of %s: %w", lease.Job.JobID, err)
	}
	if ok == 0 {
		return fmt.Errorf("job %s: %w", lease.Job.JobID, ErrLeaseLost)
	}

	lease.Deadline = deadline
	return nil
}

// Complete удаляет job из очереди.
func (b *RedisBackend) Complete(ctx context.Context, lease *Lease) error {
	return b.settle(ctx, lease, "")
}

// Fail удаляет job из очереди и сохраняет ошибку в :failed.
func (b *RedisBackend) Fail(ctx context.Context, lease *Lease, payload string) error {
	if payload == "" {
		payload = "unknown error"
	}
	return b.settle(ctx, lease, payload)
}

func (b *RedisBackend) settle(ctx context.Context, lease *Lease, failure string) error {
	k := b.keys(lease.Job.Key())

	ok, err := retry.Do(ctx, b.retry, func(ctx context.Context) (int, error) {
		return settleScript.Run(ctx, b.rdb,
			[]string{k.owners, k.leases, k.active, k.jobs, k.attempts, k.failed},
			lease.Job.JobID, lease.Token, failure,
		).Int()
	})
	if err != nil {
		return fmt.Errorf("settle job %s: %w", lease.Job.JobID, err)
	}
	if ok == 0 {
		return fmt.Errorf("job %s: %w", lease.Job.JobID, ErrLeaseLost)
	}
	return nil
}

// Counts возвращает размеры очереди.
func (b *RedisBackend) Counts(ctx context.Context, key Key) (Counts, error) {
	k := b.keys(key)

	return retry.Do(ctx, b.retry, func(ctx context.Context) (Counts, error) {
		pipe := b.rdb.Pipeline()
		waiting := pipe.LLen(ctx, k.waiting)
		active := pipe.LLen(ctx, k.active)
		failed := pipe.HLen(ctx, k.failed)
		if _, err := pipe.Exec(ctx); err != nil {
			return Counts{}, fmt.Errorf("counts of %s: %w", key, err)
		}
		return Counts{
			Waiting: waiting.Val(),
			Active:  active.Val(),
			Failed:  failed.Val(),
		}, nil
	})
}

// Reap возвращает просроченные аренды всех очередей в начало ожидания.
func (b *RedisBackend) Reap(ctx context.Context, now time.Time) (int, error) {
	bases, err := b.rdb.SMembers(ctx, b.queuesKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list queues: %w", err)
	}

	total := 0
	cutoff := strconv.FormatInt(now.UnixMilli(), 10)
	for _, base := range bases {
		k := b.keysFor(base)
		n, err := reapScript.Run(ctx, b.rdb,
			[]string{k.leases, k.active, k.waiting, k.owners},
			cutoff,
		).Int()
		if err != nil {
			return total, fmt.Errorf("reap %s: %w", base, err)
		}
		if n > 0 {
			b.logger.Info("stalled jobs returned to queue", "queue", base, "count", n)
		}
		total += n
	}

	return total, nil
}
