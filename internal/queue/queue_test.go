package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Tributary/internal/domain"
)

func newTestBackend(t *testing.T) *RedisBackend {
	t.Helper()

	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mini.Close)

	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisBackend(RedisConfig{Client: client})
}

var testKey = Key{ProjectID: "test", SpecName: "doubler"}

func testJob(id string) Job {
	return Job{ProjectID: testKey.ProjectID, SpecName: testKey.SpecName, JobID: id}
}

func TestRedisBackend_AddIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	added, err := b.Add(ctx, testJob("j1"))
	require.NoError(t, err)
	assert.True(t, added)

	added, err = b.Add(ctx, testJob("j1"))
	require.NoError(t, err)
	assert.False(t, added)

	counts, err := b.Counts(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, Counts{Waiting: 1}, counts)

	// Пока job выдан, повтор тоже ничего не делает
	lease, err := b.Lease(ctx, testKey, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)

	added, err = b.Add(ctx, testJob("j1"))
	require.NoError(t, err)
	assert.False(t, added)
}

func TestRedisBackend_LeaseOrderAndSettle(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	for _, id := range []string{"a", "b", "c"} {
		_, err := b.Add(ctx, testJob(id))
		require.NoError(t, err)
	}

	var leases []*Lease
	for _, want := range []string{"a", "b", "c"} {
		lease, err := b.Lease(ctx, testKey, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, lease)
		assert.Equal(t, want, lease.Job.JobID)
		assert.Equal(t, 1, lease.Attempt)
		leases = append(leases, lease)
	}

	empty, err := b.Lease(ctx, testKey, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, empty)

	require.NoError(t, b.Complete(ctx, leases[0]))
	require.NoError(t, b.Fail(ctx, leases[1], `{"message":"boom"}`))

	counts, err := b.Counts(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, Counts{Active: 1, Failed: 1}, counts)

	// Повторный отчёт по завершённой аренде отклоняется
	assert.ErrorIs(t, b.Complete(ctx, leases[0]), ErrLeaseLost)
	assert.ErrorIs(t, b.Complete(ctx, leases[0]), domain.ErrConflict)
}

func TestRedisBackend_ReapReturnsStalledJob(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	_, err := b.Add(ctx, testJob("first"))
	require.NoError(t, err)
	_, err = b.Add(ctx, testJob("second"))
	require.NoError(t, err)

	stalled, err := b.Lease(ctx, testKey, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "first", stalled.Job.JobID)

	n, err := b.Reap(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Возвращённый job выдаётся раньше остальных
	again, err := b.Lease(ctx, testKey, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "first", again.Job.JobID)
	assert.Equal(t, 2, again.Attempt)

	// Старая аренда больше не действует
	assert.ErrorIs(t, b.Extend(ctx, stalled, time.Minute), ErrLeaseLost)
	assert.ErrorIs(t, b.Complete(ctx, stalled), ErrLeaseLost)
	require.NoError(t, b.Extend(ctx, again, time.Minute))
	require.NoError(t, b.Complete(ctx, again))
}

func TestRedisBackend_ReapKeepsLiveLeases(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	_, err := b.Add(ctx, testJob("live"))
	require.NoError(t, err)
	_, err = b.Lease(ctx, testKey, time.Hour)
	require.NoError(t, err)

	n, err := b.Reap(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

type scalerCall struct {
	projectID, specName string
	by                  int
}

type fakeScaler struct {
	mu    sync.Mutex
	calls []scalerCall
	err   error
}

func (f *fakeScaler) IncreaseCapacity(_ context.Context, projectID, specName string, by int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, scalerCall{projectID, specName, by})
	return "instance-1", f.err
}

type recordedOutcomes struct {
	mu        sync.Mutex
	completed []string
	failed    map[string]string
	err       error
}

func (r *recordedOutcomes) JobCompleted(_ context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.completed = append(r.completed, job.JobID)
	return nil
}

func (r *recordedOutcomes) JobFailed(_ context.Context, job Job, failure *domain.RemoteWorkerError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed == nil {
		r.failed = map[string]string{}
	}
	r.failed[job.JobID] = failure.Payload
	return nil
}

func TestCoordinator_AddJobScales(t *testing.T) {
	ctx := context.Background()
	scaler := &fakeScaler{}
	c := New(Config{Backend: newTestBackend(t), Scaler: scaler})

	session := c.SignUp(testKey)
	defer session.Close()

	// Один воркер на один job — масштабирование не нужно
	_, err := c.AddJob(ctx, testJob("j1"))
	require.NoError(t, err)
	assert.Empty(t, scaler.calls)

	_, err = c.AddJob(ctx, testJob("j2"))
	require.NoError(t, err)
	_, err = c.AddJob(ctx, testJob("j3"))
	require.NoError(t, err)

	require.Len(t, scaler.calls, 2)
	assert.Equal(t, scalerCall{"test", "doubler", 1}, scaler.calls[0])
	assert.Equal(t, scalerCall{"test", "doubler", 2}, scaler.calls[1])

	// Повтор не ставит job и не масштабирует
	added, err := c.AddJob(ctx, testJob("j3"))
	require.NoError(t, err)
	assert.False(t, added)
	assert.Len(t, scaler.calls, 2)
}

func TestCoordinator_ScalerErrorDoesNotFailAdd(t *testing.T) {
	ctx := context.Background()
	scaler := &fakeScaler{err: domain.NotFoundf("no instances")}
	c := New(Config{Backend: newTestBackend(t), Scaler: scaler})

	added, err := c.AddJob(ctx, testJob("j1"))
	require.NoError(t, err)
	assert.True(t, added)
	assert.Len(t, scaler.calls, 1)
}

func TestCoordinator_AddJobValidates(t *testing.T) {
	c := New(Config{Backend: newTestBackend(t)})
	_, err := c.AddJob(context.Background(), Job{ProjectID: "test"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestWorkerSession_Lifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcomes := &recordedOutcomes{}
	c := New(Config{
		Backend:      newTestBackend(t),
		Outcomes:     outcomes,
		PollInterval: 5 * time.Millisecond,
	})

	session := c.SignUp(testKey)
	defer session.Close()
	assert.Equal(t, 1, c.Workers(testKey))

	// NextJob ждёт появления job
	got := make(chan *Lease, 1)
	go func() {
		lease, err := session.NextJob(ctx)
		if err != nil {
			t.Errorf("next job: %v", err)
		}
		got <- lease
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := c.AddJob(ctx, testJob("j1"))
	require.NoError(t, err)

	lease := <-got
	require.NotNil(t, lease)
	assert.Equal(t, "j1", lease.Job.JobID)

	_, err = session.NextJob(ctx)
	assert.ErrorIs(t, err, ErrSessionBusy)

	require.NoError(t, session.Progress(ctx, 1))
	require.NoError(t, session.Complete(ctx))
	assert.Equal(t, []string{"j1"}, outcomes.completed)
	assert.Nil(t, session.Current())

	_, err = c.AddJob(ctx, testJob("j2"))
	require.NoError(t, err)
	_, err = session.NextJob(ctx)
	require.NoError(t, err)
	require.NoError(t, session.Fail(ctx, `{"message":"boom"}`))
	assert.Equal(t, `{"message":"boom"}`, outcomes.failed["j2"])

	counts, err := c.Counts(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, Counts{Failed: 1}, counts)

	assert.ErrorIs(t, session.Complete(ctx), ErrNoJob)
}

func TestWorkerSession_OutcomeErrorKeepsEntry(t *testing.T) {
	ctx := context.Background()

	outcomes := &recordedOutcomes{err: errors.New("db down")}
	c := New(Config{Backend: newTestBackend(t), Outcomes: outcomes})

	session := c.SignUp(testKey)
	defer session.Close()

	_, err := c.AddJob(ctx, testJob("j1"))
	require.NoError(t, err)
	_, err = session.NextJob(ctx)
	require.NoError(t, err)

	require.Error(t, session.Complete(ctx))

	counts, err := c.Counts(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Active)
	assert.NotNil(t, session.Current())
}

func TestWorkerSession_DisconnectLeavesJobForReaper(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	c := New(Config{Backend: backend, LeaseTTL: time.Millisecond})

	first := c.SignUp(testKey)
	_, err := c.AddJob(ctx, testJob("j1"))
	require.NoError(t, err)
	_, err = first.NextJob(ctx)
	require.NoError(t, err)

	first.Close()
	assert.Equal(t, 0, c.Workers(testKey))

	_, err = first.NextJob(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)

	counts, err := c.Counts(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, Counts{Active: 1}, counts)

	reaper := NewReaper(ReaperConfig{Backend: backend})
	time.Sleep(5 * time.Millisecond)
	n, err := reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	second := c.SignUp(testKey)
	defer second.Close()
	lease, err := second.NextJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j1", lease.Job.JobID)
	assert.Equal(t, 2, lease.Attempt)
}

type staticLeader bool

func (l staticLeader) IsLeader(context.Context) (bool, error) { return bool(l), nil }

func TestReaper_FollowerSkips(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)

	_, err := backend.Add(ctx, testJob("j1"))
	require.NoError(t, err)
	_, err = backend.Lease(ctx, testKey, time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	follower := NewReaper(ReaperConfig{Backend: backend, Leader: staticLeader(false)})
	n, err := follower.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	leader := NewReaper(ReaperConfig{Backend: backend, Leader: staticLeader(true)})
	n, err = leader.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReaper_StartStop(t *testing.T) {
	r := NewReaper(ReaperConfig{Backend: newTestBackend(t), Schedule: "@every 10ms"})
	require.NoError(t, r.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	r.Stop()

	bad := NewReaper(ReaperConfig{Backend: newTestBackend(t), Schedule: "not a schedule"})
	assert.Error(t, bad.Start(context.Background()))
}
