package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Tributary/internal/domain"
	"github.com/shaiso/Tributary/internal/stream"
	"github.com/shaiso/Tributary/internal/worker"
)

// Processors возвращает обработчики встроенных spec.
func Processors() map[string]worker.Processor {
	return map[string]worker.Processor{
		SpecDoubler: Doubler,
		SpecRelay:   Relay,
	}
}

// Doubler умножает каждое входное число на 2.
func Doubler(ctx context.Context, jc *worker.JobContext) (any, error) {
	for {
		dp, err := jc.Input.NextValue(ctx, domain.DefaultTag)
		if errors.Is(err, stream.ErrTerminated) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		var n float64
		if err := dp.Decode(&n); err != nil {
			return nil, fmt.Errorf("decode %s: %w", dp.ID, err)
		}
		if _, err := jc.Output.Emit(ctx, domain.DefaultTag, n*2); err != nil {
			return nil, err
		}
		if err := jc.Progress(ctx, 1); err != nil {
			return nil, err
		}
	}
}

// RelayParams — параметры relay.
//
//	{"delay_ms": 500}
type RelayParams struct {
	DelayMs int `json:"delay_ms"`
}

// Relay пересылает входные значения на выход с задержкой перед каждым.
func Relay(ctx context.Context, jc *worker.JobContext) (any, error) {
	var params RelayParams
	if err := jc.Params(&params); err != nil {
		return nil, err
	}
	if params.DelayMs < 0 {
		return nil, &domain.ValidationError{Spec: SpecRelay, Message: "delay_ms must not be negative"}
	}
	delay := time.Duration(params.DelayMs) * time.Millisecond

	for {
		dp, err := jc.Input.NextValue(ctx, domain.DefaultTag)
		if errors.Is(err, stream.ErrTerminated) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		if _, err := jc.Output.Emit(ctx, domain.DefaultTag, dp.Data); err != nil {
			return nil, err
		}
	}
}
