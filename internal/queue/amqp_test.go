package queue

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Tributary/internal/mq"
)

// fakeChannels считает обращения к каналу и отвечает заданной ошибкой.
type fakeChannels struct {
	gen   uint64
	err   error
	calls int
}

func (f *fakeChannels) WithChannel(_ context.Context, _ func(ch *amqp.Channel) error) error {
	f.calls++
	return f.err
}

func (f *fakeChannels) WithChannelGen(ctx context.Context, fn func(ch *amqp.Channel) error) (uint64, error) {
	return f.gen, f.WithChannel(ctx, fn)
}

func (f *fakeChannels) Generation() uint64 { return f.gen }

func newLeasedAMQPBackend(ch *fakeChannels, leases ...*amqpLease) *AMQPBackend {
	b := &AMQPBackend{
		ch:       ch,
		logger:   slog.Default(),
		declared: make(map[Key]mq.Queue),
		pending:  make(map[string]struct{}),
		leases:   make(map[string]*amqpLease),
		failed:   make(map[Key]int64),
	}
	for _, al := range leases {
		b.leases[al.lease.Token] = al
	}
	return b
}

func heldLease(token string, gen uint64, deadline time.Time) *amqpLease {
	return &amqpLease{
		lease: &Lease{Job: testJob(token), Token: token, Attempt: 1, Deadline: deadline},
		tag:   1,
		gen:   gen,
	}
}

func TestAMQPBackend_ReapKeepsLeaseWhenNackFails(t *testing.T) {
	ctx := context.Background()
	past := time.Now().Add(-time.Second)
	ch := &fakeChannels{gen: 1, err: errors.New("channel closed")}
	b := newLeasedAMQPBackend(ch, heldLease("j1", 1, past))

	n, err := b.Reap(ctx, time.Now())
	assert.Error(t, err)
	assert.Zero(t, n)
	assert.Contains(t, b.leases, "j1")

	// Канал восстановился: следующий проход возвращает job
	ch.err = nil
	n, err = b.Reap(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotContains(t, b.leases, "j1")
	assert.Equal(t, 2, ch.calls)
}

func TestAMQPBackend_ReapSkipsLiveAndStaleGeneration(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannels{gen: 2}
	b := newLeasedAMQPBackend(ch,
		heldLease("live", 2, time.Now().Add(time.Minute)),
		heldLease("old", 1, time.Now().Add(time.Minute)),
	)

	n, err := b.Reap(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, ch.calls)
	assert.Contains(t, b.leases, "live")
	assert.NotContains(t, b.leases, "old")
}

func TestReaper_LocalLeasesIgnoreLeader(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannels{gen: 1}
	b := newLeasedAMQPBackend(ch, heldLease("j1", 1, time.Now().Add(-time.Second)))

	follower := NewReaper(ReaperConfig{Backend: b, Leader: staticLeader(false)})
	n, err := follower.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
