package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tributary/internal/domain"
	"github.com/shaiso/Tributary/internal/telemetry"
)

// Cursor — начальная позиция подписки: CursorStart, CursorNow или id записи.
type Cursor string

const (
	// CursorStart — с первой записи потока.
	CursorStart Cursor = "start"

	// CursorNow — только записи, добавленные после подписки.
	CursorNow Cursor = "now"
)

// envelope — формат записи в потоке.
type envelope struct {
	Terminate bool            `json:"terminate"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Datapoint — значение, прочитанное из потока.
type Datapoint struct {
	// ID — id записи в логе.
	ID string `json:"messageId"`

	// DatapointID — id, назначенный производителем.
	DatapointID string `json:"datapointId"`

	// Data — данные в JSON.
	Data json.RawMessage `json:"data"`

	// Timestamp — время записи.
	Timestamp time.Time `json:"timestamp"`
}

// Decode разбирает данные в v.
func (d Datapoint) Decode(v any) error {
	return json.Unmarshal(d.Data, v)
}

// decodeEntry разбирает конверт. Второе значение — true для маркера завершения.
func decodeEntry(e Entry) (Datapoint, bool, error) {
	var env envelope
	if err := json.Unmarshal(e.Payload, &env); err != nil {
		return Datapoint{}, false, fmt.Errorf("decode datapoint %s: %w", e.ID, err)
	}
	if env.Terminate {
		return Datapoint{}, true, nil
	}
	return Datapoint{
		ID:          e.ID,
		DatapointID: e.DatapointID,
		Data:        env.Data,
		Timestamp:   e.Timestamp(),
	}, false, nil
}

// ChannelConfig — конфигурация Channel.
type ChannelConfig struct {
	// Log — хранилище потоков.
	Log Log

	// Key — поток.
	Key Key

	// Validate проверяет данные перед записью. nil — без проверки.
	Validate func(data any) error

	// PollInterval — интервал опроса при чтении до головы потока. По умолчанию 100ms.
	PollInterval time.Duration

	// BatchSize — сколько записей читать за раз. По умолчанию 100.
	BatchSize int64

	// Logger — логгер.
	Logger *slog.Logger
}

// Channel — типизированный доступ к одному потоку.
type Channel struct {
	log      Log
	key      Key
	validate func(any) error
	poll     time.Duration
	batch    int64
	logger   *slog.Logger
}

// NewChannel создаёт Channel.
func NewChannel(cfg ChannelConfig) *Channel {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Channel{
		log:      cfg.Log,
		key:      cfg.Key,
		validate: cfg.Validate,
		poll:     cfg.PollInterval,
		batch:    cfg.BatchSize,
		logger:   cfg.Logger.With("stream", cfg.Key.String()),
	}
}

// Key возвращает ключ потока.
func (c *Channel) Key() Key {
	return c.key
}

// Emit проверяет данные схемой и дописывает их в поток.
// Возвращает id записи после подтверждения хранилищем.
func (c *Channel) Emit(ctx context.Context, data any) (string, error) {
	if c.validate != nil {
		if err := c.validate(data); err != nil {
			telemetry.StreamValidationErrors.Inc()
			return "", err
		}
	}

	raw, err := marshalData(data)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(envelope{Data: raw})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	id, err := c.log.Append(ctx, c.key, uuid.NewString(), payload)
	if err != nil {
		return "", err
	}

	telemetry.StreamAppends.WithLabelValues("data").Inc()
	c.logger.Debug("datapoint emitted", "message_id", id)
	return id, nil
}

// Terminate дописывает маркер завершения.
func (c *Channel) Terminate(ctx context.Context) (string, error) {
	payload, _ := json.Marshal(envelope{Terminate: true})

	id, err := c.log.Append(ctx, c.key, uuid.NewString(), payload)
	if err != nil {
		return "", err
	}

	telemetry.StreamAppends.WithLabelValues("terminate").Inc()
	c.logger.Debug("stream terminated", "message_id", id)
	return id, nil
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("null"), nil
		}
		return v, nil
	case []byte:
		return nil, fmt.Errorf("%w: raw bytes are not a valid payload, use json.RawMessage", domain.ErrValidation)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	return raw, nil
}

// Subscribe открывает независимое чтение потока с курсора.
func (c *Channel) Subscribe(ctx context.Context, cursor Cursor) (*Subscription, error) {
	var pos string
	switch cursor {
	case CursorStart, "":
		pos = StartID
	case CursorNow:
		head, err := c.log.Head(ctx, c.key)
		if err != nil {
			return nil, err
		}
		pos = head
	default:
		pos = string(cursor)
	}

	return &Subscription{ch: c, pos: pos}, nil
}

// LastValue возвращает последнее значение потока (маркеры завершения пропускаются).
func (c *Channel) LastValue(ctx context.Context) (Datapoint, error) {
	return c.ValueByReverseIndex(ctx, 0)
}

// ValueByReverseIndex возвращает значение с индексом index от конца (0 — последнее).
func (c *Channel) ValueByReverseIndex(ctx context.Context, index int) (Datapoint, error) {
	if index < 0 {
		return Datapoint{}, fmt.Errorf("%w: negative index %d", domain.ErrValidation, index)
	}

	// Маркеры завершения не считаются, поэтому читаем с запасом
	n := int64(index) + 2
	for {
		entries, err := c.log.Last(ctx, c.key, n)
		if err != nil {
			return Datapoint{}, err
		}

		seen := 0
		for _, e := range entries {
			dp, terminated, err := decodeEntry(e)
			if err != nil {
				return Datapoint{}, err
			}
			if terminated {
				continue
			}
			if seen == index {
				return dp, nil
			}
			seen++
		}

		if int64(len(entries)) < n {
			return Datapoint{}, domain.NotFoundf("value %d from the end of stream %s", index, c.key)
		}
		n *= 2
	}
}

// AllValues возвращает все значения потока от начала до текущей головы.
func (c *Channel) AllValues(ctx context.Context) ([]Datapoint, error) {
	var out []Datapoint

	pos := StartID
	for {
		entries, err := c.log.Read(ctx, c.key, pos, c.batch)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			return out, nil
		}
		for _, e := range entries {
			pos = e.ID
			dp, terminated, err := decodeEntry(e)
			if err != nil {
				return nil, err
			}
			if !terminated {
				out = append(out, dp)
			}
		}
	}
}

// Subscription — последовательное чтение потока одним потребителем.
//
// Конечна: после маркера завершения Next всегда возвращает ErrTerminated.
// Сам поток остаётся доступен для новых подписок.
type Subscription struct {
	ch   *Channel
	pos  string
	buf  []Entry
	done bool
}

// Position возвращает id последней прочитанной записи.
// Его можно передать в Subscribe как Cursor, чтобы продолжить чтение.
func (s *Subscription) Position() string {
	return s.pos
}

// Next возвращает следующее значение, ожидая его появления.
func (s *Subscription) Next(ctx context.Context) (Datapoint, error) {
	for {
		if s.done {
			return Datapoint{}, ErrTerminated
		}

		if len(s.buf) > 0 {
			e := s.buf[0]
			s.buf = s.buf[1:]
			s.pos = e.ID

			dp, terminated, err := decodeEntry(e)
			if err != nil {
				return Datapoint{}, err
			}
			if terminated {
				s.done = true
				return Datapoint{}, ErrTerminated
			}
			return dp, nil
		}

		entries, err := s.ch.log.Read(ctx, s.ch.key, s.pos, s.ch.batch)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Datapoint{}, ctxErr
			}
			return Datapoint{}, err
		}
		if len(entries) > 0 {
			s.buf = entries
			continue
		}

		if f, ok := s.ch.log.(Follower); ok {
			e, err := f.Follow(ctx, s.ch.key, s.pos)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return Datapoint{}, ctxErr
				}
				return Datapoint{}, err
			}
			s.buf = []Entry{e}
			continue
		}

		// Дошли до головы потока: ждём следующий опрос
		timer := time.NewTimer(s.ch.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Datapoint{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// IsTerminated проверяет, что ошибка — маркер завершения.
func IsTerminated(err error) bool {
	return errors.Is(err, ErrTerminated)
}
