// Package retry повторяет транспортные операции с экспоненциальной задержкой.
//
// Ошибка, оставшаяся после исчерпания попыток, оборачивается в
// domain.ErrTransport: вызывающий код видит только её.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/shaiso/Tributary/internal/domain"
)

// Policy — параметры повторов.
type Policy struct {
	// MaxAttempts — число попыток, включая первую.
	MaxAttempts int

	// InitialDelay — задержка перед второй попыткой.
	InitialDelay time.Duration

	// MaxDelay — верхняя граница задержки.
	MaxDelay time.Duration

	// Multiplier — множитель экспоненты.
	Multiplier float64

	// Jitter — доля случайного разброса задержки (0..1).
	Jitter float64

	// Retryable решает, стоит ли повторять ошибку.
	// По умолчанию повторяется всё, кроме отмены контекста и доменных ошибок.
	Retryable func(error) bool
}

// DefaultPolicy возвращает политику по умолчанию.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  4,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

func (p *Policy) applyDefaults() {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = d.Multiplier
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
}

// IsTransient — ошибка не является отменой контекста или доменной ошибкой.
func IsTransient(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrRemoteWorker):
		return false
	}
	return true
}

// Do выполняет fn до успеха или исчерпания попыток.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p.applyDefaults()

	var zero T
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !p.Retryable(err) {
			return zero, err
		}
		if attempt == p.MaxAttempts {
			break
		}

		// Ждём с учётом context
		timer := time.NewTimer(Backoff(attempt, p))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("%w: after %d attempts: %w", domain.ErrTransport, p.MaxAttempts, lastErr)
}

// DoErr — Do для функций без результата.
func DoErr(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Backoff вычисляет задержку перед попыткой attempt+1.
func Backoff(attempt int, p Policy) time.Duration {
	p.applyDefaults()

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.Jitter > 0 {
		delay += (rand.Float64()*2 - 1) * delay * p.Jitter
	}
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
