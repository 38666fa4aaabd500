package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Tributary/internal/domain"
)

func TestMerge_PreservesPerTagOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log := newTestLog(t)
	a := newTestChannel(log, "a")
	b := newTestChannel(log, "b")

	subA, err := a.Subscribe(ctx, CursorStart)
	require.NoError(t, err)
	subB, err := b.Subscribe(ctx, CursorStart)
	require.NoError(t, err)

	merged := Merge(ctx,
		TaggedSource{Tag: "a", Source: subA},
		TaggedSource{Tag: "b", Source: subB},
	)
	defer merged.Close()

	// Пишем в оба потока параллельно
	var wg sync.WaitGroup
	for _, ch := range []*Channel{a, b} {
		wg.Add(1)
		go func(ch *Channel) {
			defer wg.Done()
			for i := 0; i < 30; i++ {
				if _, err := ch.Emit(ctx, i); err != nil {
					t.Errorf("emit: %v", err)
					return
				}
			}
			if _, err := ch.Terminate(ctx); err != nil {
				t.Errorf("terminate: %v", err)
			}
		}(ch)
	}

	got := map[domain.Tag][]int{}
	terminated := map[domain.Tag]bool{}
	for {
		v, err := merged.Next(ctx)
		if errors.Is(err, ErrTerminated) {
			break
		}
		require.NoError(t, err)

		if v.Terminated {
			terminated[v.Tag] = true
			continue
		}
		require.False(t, terminated[v.Tag], "value after termination of %s", v.Tag)

		var n int
		require.NoError(t, v.Datapoint.Decode(&n))
		got[v.Tag] = append(got[v.Tag], n)
	}
	wg.Wait()

	want := make([]int, 30)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got["a"])
	assert.Equal(t, want, got["b"])
	assert.True(t, terminated["a"] && terminated["b"])
}

func TestMerge_TerminateUnblocks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log := newTestLog(t)
	a := newTestChannel(log, "idle-a")

	subA, err := a.Subscribe(ctx, CursorStart)
	require.NoError(t, err)

	merged := Merge(ctx, TaggedSource{Tag: "a", Source: subA})
	defer merged.Close()

	done := make(chan TaggedValue, 1)
	go func() {
		v, _ := merged.Next(ctx)
		done <- v
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = a.Terminate(ctx)
	require.NoError(t, err)

	select {
	case v := <-done:
		assert.True(t, v.Terminated)
		assert.Equal(t, domain.Tag("a"), v.Tag)
	case <-time.After(3 * time.Second):
		t.Fatal("merge did not return after terminate")
	}

	_, err = merged.Next(ctx)
	assert.ErrorIs(t, err, ErrTerminated)
}

type failingSource struct{ err error }

func (f failingSource) Next(context.Context) (Datapoint, error) {
	return Datapoint{}, f.err
}

func TestMerge_SourceError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	merged := Merge(ctx, TaggedSource{Tag: "x", Source: failingSource{err: boom}})
	defer merged.Close()

	_, err := merged.Next(ctx)
	assert.ErrorIs(t, err, boom)

	// Ошибка запоминается
	_, err = merged.Next(ctx)
	assert.ErrorIs(t, err, boom)
}

func TestMailbox(t *testing.T) {
	ctx := context.Background()

	t.Run("queued values keep order", func(t *testing.T) {
		m := NewMailbox[int]()
		for i := 1; i <= 3; i++ {
			m.Put(i)
		}
		assert.Equal(t, 3, m.Len())
		for i := 1; i <= 3; i++ {
			v, err := m.Receive(ctx)
			require.NoError(t, err)
			assert.Equal(t, i, v)
		}
	})

	t.Run("waiting receiver gets value", func(t *testing.T) {
		m := NewMailbox[string]()
		got := make(chan string, 1)
		go func() {
			v, _ := m.Receive(ctx)
			got <- v
		}()

		// Ждём, пока получатель займёт слот
		require.Eventually(t, func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.waiter != nil
		}, time.Second, time.Millisecond)

		_, err := m.Receive(ctx)
		assert.ErrorIs(t, err, ErrReceiverBusy)

		m.Put("hello")
		assert.Equal(t, "hello", <-got)
		assert.Equal(t, 0, m.Len())
	})

	t.Run("cancel frees slot", func(t *testing.T) {
		m := NewMailbox[int]()
		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()

		_, err := m.Receive(cctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		m.Put(7)
		v, err := m.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	})

	t.Run("close drains then fails", func(t *testing.T) {
		m := NewMailbox[int]()
		m.Put(1)
		m.Close()

		assert.False(t, m.Put(2))
		v, err := m.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, v)

		_, err = m.Receive(ctx)
		assert.ErrorIs(t, err, ErrMailboxClosed)
	})

	t.Run("close wakes receiver", func(t *testing.T) {
		m := NewMailbox[int]()
		done := make(chan error, 1)
		go func() {
			_, err := m.Receive(ctx)
			done <- err
		}()
		require.Eventually(t, func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.waiter != nil
		}, time.Second, time.Millisecond)

		m.Close()
		assert.ErrorIs(t, <-done, ErrMailboxClosed)
	})
}
