package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shaiso/Tributary/internal/domain"
)

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDo_SucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection reset")
		}
		return 42, nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 || calls != 3 {
		t.Errorf("expected 42 after 3 calls, got %d after %d", got, calls)
	}
}

func TestDo_ExhaustedIsTransportError(t *testing.T) {
	calls := 0
	refused := errors.New("connection refused")
	err := DoErr(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		return refused
	})

	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	// Последняя ошибка остаётся в цепочке
	if !errors.Is(err, refused) {
		t.Errorf("expected last error in chain, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestDo_DomainErrorsAreNotRetried(t *testing.T) {
	calls := 0
	err := DoErr(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		return domain.NotFoundf("job x")
	})

	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected single attempt, got %d", calls)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := DoErr(ctx, fastPolicy(), func(context.Context) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context canceled, got %v", err)
	}
}

func TestBackoff_Capped(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{10, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt, p); got != tt.want {
			t.Errorf("attempt %d: expected %v, got %v", tt.attempt, tt.want, got)
		}
	}
}
