package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shaiso/Tributary/internal/domain"
	"github.com/shaiso/Tributary/internal/retry"
)

// Key — идентичность потока.
type Key struct {
	ProjectID string
	StreamID  string
}

// String возвращает project/stream.
func (k Key) String() string {
	return k.ProjectID + "/" + k.StreamID
}

// Entry — сырая запись лога.
type Entry struct {
	// ID — монотонный id записи (миллисекунды-последовательность).
	ID string

	// DatapointID — id, назначенный производителем.
	DatapointID string

	// Payload — сериализованный конверт.
	Payload []byte
}

// Timestamp возвращает время записи из её id.
func (e Entry) Timestamp() time.Time {
	return IDTime(e.ID)
}

// IDTime извлекает время из id вида ms-seq.
func IDTime(id string) time.Time {
	ms, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n)
}

// StartID — позиция перед первой записью любого потока.
const StartID = "0-0"

// Log — durable append-only лог потоков.
type Log interface {
	// Append дописывает запись и возвращает её id после подтверждения хранилищем.
	// Повтор с тем же datapointID возвращает id первой записи и ничего не дописывает.
	Append(ctx context.Context, key Key, datapointID string, payload []byte) (string, error)

	// Read возвращает до count записей строго после after. Не блокируется.
	Read(ctx context.Context, key Key, after string, count int64) ([]Entry, error)

	// Head возвращает id последней записи или StartID для пустого потока.
	Head(ctx context.Context, key Key) (string, error)

	// Last возвращает до n последних записей, новые первыми.
	Last(ctx context.Context, key Key, n int64) ([]Entry, error)
}

// Follower — Log, который сам доставляет новые записи. Subscription у
// головы потока ждёт через Follow вместо опроса Read.
type Follower interface {
	// Follow ждёт первую запись строго после after.
	Follow(ctx context.Context, key Key, after string) (Entry, error)
}

// RedisLogConfig — конфигурация RedisLog.
type RedisLogConfig struct {
	// Client — клиент Redis.
	Client redis.UniversalClient

	// Prefix — префикс ключей. По умолчанию "tributary:stream:".
	Prefix string

	// MaxLen — приблизительный предел длины потока (XADD MAXLEN ~).
	// 0 отключает обрезку.
	MaxLen int64

	// Retry — политика повторов при ошибках транспорта.
	Retry retry.Policy

	// Logger — логгер.
	Logger *slog.Logger
}

// RedisLog — Log поверх Redis Streams.
type RedisLog struct {
	rdb    redis.UniversalClient
	prefix string
	maxLen int64
	retry  retry.Policy
	logger *slog.Logger
}

// NewRedisLog создаёт RedisLog.
func NewRedisLog(cfg RedisLogConfig) *RedisLog {
	if cfg.Prefix == "" {
		cfg.Prefix = "tributary:stream:"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &RedisLog{
		rdb:    cfg.Client,
		prefix: cfg.Prefix,
		maxLen: cfg.MaxLen,
		retry:  cfg.Retry,
		logger: cfg.Logger,
	}
}

func (l *RedisLog) redisKey(key Key) string {
	return l.prefix + key.String()
}

// appendScript дописывает запись один раз на datapointId.
// KEYS[1] — поток, KEYS[2] — хеш datapointId → id записи.
var appendScript = redis.NewScript(`
local id = redis.call('HGET', KEYS[2], ARGV[1])
if id then
  return id
end
if tonumber(ARGV[3]) > 0 then
  id = redis.call('XADD', KEYS[1], 'MAXLEN', '~', ARGV[3], '*', 'datapointId', ARGV[1], 'data', ARGV[2])
else
  id = redis.call('XADD', KEYS[1], '*', 'datapointId', ARGV[1], 'data', ARGV[2])
end
redis.call('HSET', KEYS[2], ARGV[1], id)
return id
`)

// Append реализует Log. Запись идемпотентна по datapointID, поэтому
// повтор после потерянного ответа не создаёт дубликата.
func (l *RedisLog) Append(ctx context.Context, key Key, datapointID string, payload []byte) (string, error) {
	if datapointID == "" {
		return "", fmt.Errorf("%w: append to %s: empty datapoint id", domain.ErrValidation, key)
	}
	stream := l.redisKey(key)

	id, err := retry.Do(ctx, l.retry, func(ctx context.Context) (string, error) {
		return appendScript.Run(ctx, l.rdb,
			[]string{stream, stream + ":dp"},
			datapointID, string(payload), l.maxLen,
		).Text()
	})
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", key, err)
	}
	return id, nil
}

// Read реализует Log.
func (l *RedisLog) Read(ctx context.Context, key Key, after string, count int64) ([]Entry, error) {
	if after == "" {
		after = StartID
	}

	streams, err := retry.Do(ctx, l.retry, func(ctx context.Context) ([]redis.XStream, error) {
		res, err := l.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{l.redisKey(key), after},
			Count:   count,
			Block:   -1,
		}).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return res, err
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}

	var entries []Entry
	for _, s := range streams {
		for _, msg := range s.Messages {
			entries = append(entries, toEntry(msg))
		}
	}
	return entries, nil
}

// Head реализует Log.
func (l *RedisLog) Head(ctx context.Context, key Key) (string, error) {
	last, err := l.Last(ctx, key, 1)
	if err != nil {
		return "", err
	}
	if len(last) == 0 {
		return StartID, nil
	}
	return last[0].ID, nil
}

// Last реализует Log.
func (l *RedisLog) Last(ctx context.Context, key Key, n int64) ([]Entry, error) {
	msgs, err := retry.Do(ctx, l.retry, func(ctx context.Context) ([]redis.XMessage, error) {
		return l.rdb.XRevRangeN(ctx, l.redisKey(key), "+", "-", n).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("read last of %s: %w", key, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, toEntry(msg))
	}
	return entries, nil
}

func toEntry(msg redis.XMessage) Entry {
	e := Entry{ID: msg.ID}
	if v, ok := msg.Values["datapointId"].(string); ok {
		e.DatapointID = v
	}
	if v, ok := msg.Values["data"].(string); ok {
		e.Payload = []byte(v)
	}
	return e
}
