package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Tributary/internal/domain"
	"github.com/shaiso/Tributary/internal/engine"
	"github.com/shaiso/Tributary/internal/queue"
	"github.com/shaiso/Tributary/internal/repo"
	"github.com/shaiso/Tributary/internal/runtime"
	"github.com/shaiso/Tributary/internal/stream"
	"github.com/shaiso/Tributary/internal/worker"
)

const doubleTwice = `
name: double-twice
connections:
  - from: {spec: doubler, label: first, tag: default}
    to: {spec: doubler, label: second, tag: default}
    transform: true
expose:
  - {alias: default, direction: in, spec: doubler, label: first, tag: default}
  - {alias: default, direction: out, spec: doubler, label: second, tag: default}
`

const brokenFlow = `
name: broken-flow
expose:
  - {alias: numbers, direction: in, spec: broken, label: only, tag: default}
  - {alias: default, direction: out, spec: broken, label: only, tag: default}
`

type testEnv struct {
	rt    *runtime.Runtime
	orch  *Orchestrator
	procs *worker.Registry
	coord *queue.Coordinator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mini.Close)

	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	specs := domain.NewSpecRegistry()
	for _, name := range []string{"doubler", "broken"} {
		spec, err := domain.NewJobSpec(name,
			map[string]string{"default": "number"},
			map[string]string{"default": "number"},
		)
		require.NoError(t, err)
		specs.MustRegister(spec)
	}

	coord := queue.New(queue.Config{
		Backend:      queue.NewRedisBackend(queue.RedisConfig{Client: client}),
		PollInterval: 5 * time.Millisecond,
	})
	rt := runtime.New(runtime.Config{
		Specs:              specs,
		Store:              repo.NewMemoryStore(),
		Log:                stream.NewRedisLog(stream.RedisLogConfig{Client: client}),
		Submitter:          coord,
		PollInterval:       5 * time.Millisecond,
		StreamPollInterval: 5 * time.Millisecond,
	})
	coord.SetOutcomes(rt)

	procs := worker.NewRegistry()
	require.NoError(t, procs.Register("doubler", doubler))
	require.NoError(t, procs.Register("broken", func(context.Context, *worker.JobContext) (any, error) {
		return nil, errors.New("boom")
	}))

	orch := New(Config{Runtime: rt, Specs: specs, Processors: procs})
	return &testEnv{rt: rt, orch: orch, procs: procs, coord: coord}
}

func (e *testEnv) register(t *testing.T, yaml string) *domain.JobSpec {
	t.Helper()
	f, err := engine.ParseFlowFile([]byte(yaml))
	require.NoError(t, err)
	spec, err := e.orch.RegisterFlowFile(f)
	require.NoError(t, err)
	return spec
}

func (e *testEnv) startWorker(t *testing.T) {
	t.Helper()
	w := worker.New(worker.Config{
		Runtime:     e.rt,
		Duties:      worker.CoordinatorDuties{Coordinator: e.coord},
		Registry:    e.procs,
		ProjectID:   "test",
		Concurrency: 2,
		RetryDelay:  10 * time.Millisecond,
	})
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
}

func doubler(ctx context.Context, jc *worker.JobContext) (any, error) {
	for {
		dp, err := jc.Input.NextValue(ctx, domain.DefaultTag)
		if errors.Is(err, stream.ErrTerminated) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		var n int
		if err := json.Unmarshal(dp.Data, &n); err != nil {
			return nil, err
		}
		if _, err := jc.Output.Emit(ctx, domain.DefaultTag, n*2); err != nil {
			return nil, err
		}
	}
}

func addOne(_ context.Context, data json.RawMessage) (any, error) {
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	return n + 1, nil
}

func drain(ctx context.Context, t *testing.T, h *runtime.JobHandle) []int {
	t.Helper()

	var out []int
	for {
		dp, err := h.Output.NextValue(ctx, domain.DefaultTag)
		if errors.Is(err, stream.ErrTerminated) {
			return out
		}
		require.NoError(t, err)

		var n int
		require.NoError(t, json.Unmarshal(dp.Data, &n))
		out = append(out, n)
	}
}

func TestRegisterFlow(t *testing.T) {
	env := newTestEnv(t)

	spec := env.register(t, doubleTwice)
	assert.Equal(t, "double-twice", spec.Name)
	assert.Equal(t, []domain.Tag{domain.DefaultTag}, spec.Inputs.Tags())
	assert.Equal(t, []domain.Tag{domain.DefaultTag}, spec.Outputs.Tags())
	assert.True(t, env.rt.IsFlow("double-twice"))
	assert.Contains(t, env.procs.Specs(), "double-twice")

	f, err := engine.ParseFlowFile([]byte(doubleTwice))
	require.NoError(t, err)
	_, err = env.orch.RegisterFlowFile(f)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestFlow_RunsChildrenThroughTransform(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	env := newTestEnv(t)

	env.register(t, doubleTwice)
	require.NoError(t, env.rt.Transforms().Register(runtime.TransformKey{
		FlowSpec: "double-twice",
		SpecName: "doubler",
		Label:    "second",
		Tag:      domain.DefaultTag,
	}, addOne))
	env.startWorker(t)

	h, err := env.rt.Enqueue(ctx, runtime.EnqueueRequest{ProjectID: "test", SpecName: "double-twice", JobID: "flow-1"})
	require.NoError(t, err)

	for _, v := range []int{1, 2, 3} {
		_, err := h.Input.Feed(ctx, domain.DefaultTag, v)
		require.NoError(t, err)
	}
	require.NoError(t, h.Input.TerminateAll(ctx))

	// (v*2 + 1) * 2
	assert.Equal(t, []int{6, 10, 14}, drain(ctx, t, h))

	rec, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, rec.Status)

	history, err := env.rt.History(ctx, "test", "flow-1")
	require.NoError(t, err)
	var statuses []domain.JobStatus
	for _, r := range history {
		statuses = append(statuses, r.Status)
	}
	assert.Equal(t, []domain.JobStatus{
		domain.JobStatusRequested,
		domain.JobStatusRunning,
		domain.JobStatusWaitingChildren,
		domain.JobStatusCompleted,
	}, statuses)

	state, err := env.orch.State(ctx, "test", "flow-1")
	require.NoError(t, err)
	assert.True(t, state.Done())
	assert.False(t, state.Failed())
	assert.Equal(t, 2, state.ByStatus[domain.JobStatusCompleted])

	var labels []string
	for _, c := range state.Children {
		labels = append(labels, c.Label)
	}
	assert.ElementsMatch(t, []string{"first", "second"}, labels)
	assert.Contains(t, []string{state.Children[0].JobID, state.Children[1].JobID}, "[flow-1]doubler[first]")
}

func TestFlow_ChildFailureFailsFlow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	env := newTestEnv(t)

	spec := env.register(t, brokenFlow)
	assert.Equal(t, []domain.Tag{"numbers"}, spec.Inputs.Tags())
	env.startWorker(t)

	h, err := env.rt.Enqueue(ctx, runtime.EnqueueRequest{ProjectID: "test", SpecName: "broken-flow", JobID: "flow-2"})
	require.NoError(t, err)

	// Выход ребёнка, он же выход flow, завершается при ошибке
	assert.Empty(t, drain(ctx, t, h))

	_, err = h.Wait(ctx)
	var remote *domain.RemoteWorkerError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Payload, "boom")

	state, err := env.orch.State(ctx, "test", "flow-2")
	require.NoError(t, err)
	assert.True(t, state.Failed())
}

func TestChildParams(t *testing.T) {
	params, err := childParams(json.RawMessage(`{"doubler[first]":{"k":1}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":1}`, string(params["doubler[first]"]))

	params, err = childParams(nil)
	require.NoError(t, err)
	assert.Nil(t, params)

	_, err = childParams(json.RawMessage(`[1,2]`))
	assert.ErrorIs(t, err, ErrInvalidParams)
}
