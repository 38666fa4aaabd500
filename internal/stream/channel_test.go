package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Tributary/internal/domain"
)

func newTestLog(t *testing.T) *RedisLog {
	t.Helper()

	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mini.Close)

	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisLog(RedisLogConfig{Client: client})
}

func newTestChannel(log Log, streamID string) *Channel {
	return NewChannel(ChannelConfig{
		Log:          log,
		Key:          Key{ProjectID: "test", StreamID: streamID},
		PollInterval: 5 * time.Millisecond,
	})
}

func drainInts(ctx context.Context, sub *Subscription) ([]int, error) {
	var out []int
	for {
		dp, err := sub.Next(ctx)
		if IsTerminated(err) {
			return out, nil
		}
		if err != nil {
			return out, err
		}

		var v int
		if err := dp.Decode(&v); err != nil {
			return out, err
		}
		out = append(out, v)
	}
}

func TestChannel_IdenticalOrderAcrossConsumers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch := newTestChannel(newTestLog(t), "numbers")

	const n = 50
	want := make([]int, n)
	for i := 0; i < n; i++ {
		want[i] = i * 7 % 13
		_, err := ch.Emit(ctx, want[i])
		require.NoError(t, err)
	}
	_, err := ch.Terminate(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]int, 4)
	errs := make([]error, 4)
	for i := range results {
		sub, err := ch.Subscribe(ctx, CursorStart)
		require.NoError(t, err)

		wg.Add(1)
		go func(i int, sub *Subscription) {
			defer wg.Done()
			results[i], errs[i] = drainInts(ctx, sub)
		}(i, sub)
	}
	wg.Wait()

	for i, got := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, want, got, "consumer %d", i)
	}
}

func TestChannel_ConsumersDuringWrites(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch := newTestChannel(newTestLog(t), "live")

	subs := make([]*Subscription, 3)
	for i := range subs {
		var err error
		subs[i], err = ch.Subscribe(ctx, CursorStart)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	results := make([][]int, len(subs))
	errs := make([]error, len(subs))
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *Subscription) {
			defer wg.Done()
			results[i], errs[i] = drainInts(ctx, sub)
		}(i, sub)
	}

	for i := 0; i < 20; i++ {
		_, err := ch.Emit(ctx, i)
		require.NoError(t, err)
	}
	_, err := ch.Terminate(ctx)
	require.NoError(t, err)
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
	assert.Len(t, results[0], 20)
}

func TestSubscription_TerminateUnblocks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := newTestChannel(newTestLog(t), "idle")
	sub, err := ch.Subscribe(ctx, CursorStart)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := sub.Next(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = ch.Terminate(ctx)
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTerminated)
	case <-time.After(3 * time.Second):
		t.Fatal("Next did not return after terminate")
	}

	// Подписка конечна
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, ErrTerminated)

	// Поток остаётся доступен новым подпискам
	again, err := ch.Subscribe(ctx, CursorStart)
	require.NoError(t, err)
	_, err = again.Next(ctx)
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestChannel_CursorNowAndResume(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := newTestChannel(newTestLog(t), "cursor")

	_, err := ch.Emit(ctx, 1)
	require.NoError(t, err)

	now, err := ch.Subscribe(ctx, CursorNow)
	require.NoError(t, err)

	_, err = ch.Emit(ctx, 2)
	require.NoError(t, err)
	_, err = ch.Emit(ctx, 3)
	require.NoError(t, err)

	dp, err := now.Next(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, "2", string(dp.Data))

	// Продолжение с сохранённой позиции
	resumed, err := ch.Subscribe(ctx, Cursor(now.Position()))
	require.NoError(t, err)
	dp, err = resumed.Next(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, "3", string(dp.Data))
}

func TestChannel_EmitValidation(t *testing.T) {
	ctx := context.Background()

	spec, err := domain.NewJobSpec("doubler", map[string]string{"default": "number"}, nil)
	require.NoError(t, err)

	log := newTestLog(t)
	ch := NewChannel(ChannelConfig{
		Log: log,
		Key: Key{ProjectID: "test", StreamID: "validated"},
		Validate: func(data any) error {
			return spec.Validate(domain.DirectionIn, domain.DefaultTag, data)
		},
	})

	_, err = ch.Emit(ctx, "three")
	assert.ErrorIs(t, err, domain.ErrValidation)

	// Отклонённые данные не попадают в лог
	head, err := log.Head(ctx, ch.Key())
	require.NoError(t, err)
	assert.Equal(t, StartID, head)

	_, err = ch.Emit(ctx, json.RawMessage(`3`))
	assert.NoError(t, err)
}

func TestChannel_ReadHelpers(t *testing.T) {
	ctx := context.Background()
	ch := newTestChannel(newTestLog(t), "values")

	_, err := ch.LastValue(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	for _, v := range []int{1, 2, 3} {
		_, err := ch.Emit(ctx, v)
		require.NoError(t, err)
	}
	_, err = ch.Terminate(ctx)
	require.NoError(t, err)

	last, err := ch.LastValue(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, "3", string(last.Data))
	assert.False(t, last.Timestamp.IsZero())

	first, err := ch.ValueByReverseIndex(ctx, 2)
	require.NoError(t, err)
	assert.JSONEq(t, "1", string(first.Data))

	_, err = ch.ValueByReverseIndex(ctx, 3)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	all, err := ch.AllValues(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, dp := range all {
		assert.JSONEq(t, fmt.Sprint(i+1), string(dp.Data))
	}
}
