package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Tributary/internal/capacity"
	"github.com/shaiso/Tributary/internal/domain"
	"github.com/shaiso/Tributary/internal/engine"
	"github.com/shaiso/Tributary/internal/orchestrator"
	"github.com/shaiso/Tributary/internal/queue"
	"github.com/shaiso/Tributary/internal/repo"
	"github.com/shaiso/Tributary/internal/runtime"
	"github.com/shaiso/Tributary/internal/stream"
)

const doubleTwice = `
name: double-twice
connections:
  - from: {spec: doubler, label: first, tag: default}
    to: {spec: doubler, label: second, tag: default}
expose:
  - {alias: default, direction: in, spec: doubler, label: first, tag: default}
  - {alias: default, direction: out, spec: doubler, label: second, tag: default}
`

type testEnv struct {
	routes http.Handler
	rt     *runtime.Runtime
	n      *capacity.Negotiator
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
	spec, err := domain.NewJobSpec("doubler",
		map[string]string{"default": "number"},
		map[string]string{"default": "number"},
	)
	require.NoError(t, err)
	specs.MustRegister(spec)

	n := capacity.New(capacity.Config{})
	coord := queue.New(queue.Config{
		Backend: queue.NewRedisBackend(queue.RedisConfig{Client: client}),
	})
	rt := runtime.New(runtime.Config{
		Specs:     specs,
		Store:     repo.NewMemoryStore(),
		Log:       stream.NewRedisLog(stream.RedisLogConfig{Client: client}),
		Submitter: coord,
	})

	orch := orchestrator.New(orchestrator.Config{Runtime: rt, Specs: specs})
	f, err := engine.ParseFlowFile([]byte(doubleTwice))
	require.NoError(t, err)
	_, err = orch.RegisterFlowFile(f)
	require.NoError(t, err)

	h := NewHandler(Config{Runtime: rt, Specs: specs, Flows: orch, Scaler: n})
	return &testEnv{routes: h.Routes(), rt: rt, n: n}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.routes.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Data
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) ErrorCode {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Error.Code
}

func TestSpecs(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/specs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	specs := decodeData[[]SpecResponse](t, rec)
	require.Len(t, specs, 2)
	assert.Equal(t, "double-twice", specs[0].Name)
	assert.True(t, specs[0].IsFlow)
	assert.Equal(t, SpecResponse{
		Name:    "doubler",
		Inputs:  map[string]string{"default": "number"},
		Outputs: map[string]string{"default": "number"},
	}, specs[1])

	rec = env.do(t, http.MethodGet, "/api/v1/specs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrCodeNotFound, errorCode(t, rec))
}

func TestGraph(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/specs/double-twice/graph", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "doubler")

	rec = env.do(t, http.MethodGet, "/api/v1/specs/double-twice/graph?format=text", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))

	g, err := env.rt.Graph("double-twice")
	require.NoError(t, err)
	assert.Equal(t, g.Describe(), rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/specs/doubler/graph", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/projects/p/jobs", EnqueueJobRequest{
		SpecName: "doubler",
		JobID:    "job-1",
		Params:   json.RawMessage(`{"factor":2}`),
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	job := decodeData[JobResponse](t, rec)
	assert.Equal(t, "job-1", job.JobID)
	assert.Equal(t, string(domain.JobStatusRequested), job.Status)
	assert.NotEmpty(t, job.Inputs["default"])
	assert.NotEmpty(t, job.Outputs["default"])

	// Повтор с тем же id возвращает тот же job
	rec = env.do(t, http.MethodPost, "/api/v1/projects/p/jobs", EnqueueJobRequest{SpecName: "doubler", JobID: "job-1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, job.Inputs, decodeData[JobResponse](t, rec).Inputs)

	rec = env.do(t, http.MethodPost, "/api/v1/projects/p/jobs/job-1/inputs/default", FeedRequest{Data: json.RawMessage("3")})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decodeData[DatapointResponse](t, rec).MessageID)

	rec = env.do(t, http.MethodPost, "/api/v1/projects/p/jobs/job-1/inputs/default", FeedRequest{Data: json.RawMessage(`"three"`)})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, ErrCodeValidation, errorCode(t, rec))

	rec = env.do(t, http.MethodPost, "/api/v1/projects/p/jobs/job-1/inputs/other", FeedRequest{Data: json.RawMessage("3")})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/projects/p/jobs/job-1/inputs/default/terminate", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/projects/p/jobs/job-1/outputs/default/last", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h, err := env.rt.Attach(context.Background(), "p", "job-1")
	require.NoError(t, err)
	_, err = h.Output.Emit(context.Background(), domain.DefaultTag, 6)
	require.NoError(t, err)

	rec = env.do(t, http.MethodGet, "/api/v1/projects/p/jobs/job-1/outputs/default/last", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "6", string(decodeData[DatapointResponse](t, rec).Data))

	rec = env.do(t, http.MethodGet, "/api/v1/projects/p/jobs/job-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"factor":2}`, string(decodeData[JobResponse](t, rec).Params))

	rec = env.do(t, http.MethodGet, "/api/v1/projects/p/jobs/job-1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeData[[]domain.StatusRecord](t, rec)
	require.Len(t, history, 1)
	assert.Equal(t, domain.JobStatusRequested, history[0].Status)

	rec = env.do(t, http.MethodGet, "/api/v1/projects/p/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func readInputs(ctx context.Context, t *testing.T, h *runtime.JobHandle) []int {
	t.Helper()

	var out []int
	for {
		dp, err := h.Input.NextValue(ctx, domain.DefaultTag)
		if errors.Is(err, stream.ErrTerminated) {
			return out
		}
		require.NoError(t, err)

		var v int
		require.NoError(t, json.Unmarshal(dp.Data, &v))
		out = append(out, v)
	}
}

func TestStreamInput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env := newTestEnv(t)

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		rec := env.do(t, http.MethodPost, "/api/v1/projects/p/jobs", EnqueueJobRequest{SpecName: "doubler", JobID: id})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	}

	// Конец тела завершает тег
	rec := env.do(t, http.MethodPost, "/api/v1/projects/p/jobs/job-1/inputs/default/stream", "1\n2\n3\n")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeData[StreamInputResponse](t, rec)
	assert.Equal(t, 3, resp.Fed)
	assert.NotEmpty(t, resp.LastMessageID)

	h, err := env.rt.Attach(ctx, "p", "job-1")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, readInputs(ctx, t, h))

	// Ошибка в теле не завершает входы: вызывающий ещё на связи
	rec = env.do(t, http.MethodPost, "/api/v1/projects/p/jobs/job-2/inputs/default/stream", "1\nnope\n")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/projects/p/jobs/job-3/inputs/default/stream", `"three"`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	h, err = env.rt.Attach(ctx, "p", "job-2")
	require.NoError(t, err)
	rec = env.do(t, http.MethodPost, "/api/v1/projects/p/jobs/job-2/inputs/default", FeedRequest{Data: json.RawMessage("2")})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	rec = env.do(t, http.MethodPost, "/api/v1/projects/p/jobs/job-2/inputs/default/terminate", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []int{1, 2}, readInputs(ctx, t, h))

	rec = env.do(t, http.MethodPost, "/api/v1/projects/p/jobs/job-1/inputs/other/stream", "1\n")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamInput_DisconnectTerminatesInputs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env := newTestEnv(t)

	srv := httptest.NewServer(env.routes)
	defer srv.Close()

	rec := env.do(t, http.MethodPost, "/api/v1/projects/p/jobs", EnqueueJobRequest{SpecName: "doubler", JobID: "job-1"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	body, pw := io.Pipe()
	reqCtx, disconnect := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		srv.URL+"/api/v1/projects/p/jobs/job-1/inputs/default/stream", body)
	require.NoError(t, err)

	go func() {
		resp, err := srv.Client().Do(req)
		if err == nil {
			resp.Body.Close()
		}
	}()

	_, err = pw.Write([]byte("5\n"))
	require.NoError(t, err)

	h, err := env.rt.Attach(ctx, "p", "job-1")
	require.NoError(t, err)
	dp, err := h.Input.NextValue(ctx, domain.DefaultTag)
	require.NoError(t, err)
	assert.JSONEq(t, "5", string(dp.Data))

	done := make(chan error, 1)
	go func() {
		_, err := h.Input.NextValue(ctx, domain.DefaultTag)
		done <- err
	}()

	// Клиент обрывает соединение посреди потока
	disconnect()
	_ = pw.CloseWithError(context.Canceled)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, stream.ErrTerminated)
	case <-time.After(3 * time.Second):
		t.Fatal("inputs not terminated after client disconnect")
	}
}

func TestEnqueue_RequestValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		body   any
		status int
		code   ErrorCode
	}{
		{"malformed body", "{", http.StatusBadRequest, ErrCodeBadRequest},
		{"missing spec", EnqueueJobRequest{}, http.StatusBadRequest, ErrCodeBadRequest},
		{"unknown spec", EnqueueJobRequest{SpecName: "missing"}, http.StatusNotFound, ErrCodeNotFound},
		{"empty binding", EnqueueJobRequest{SpecName: "doubler", Inputs: map[string]string{"default": ""}}, http.StatusBadRequest, ErrCodeBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/projects/p/jobs", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}
}

func TestFlowState(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/projects/p/jobs", EnqueueJobRequest{SpecName: "double-twice", JobID: "flow-1"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/projects/p/jobs/flow-1/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := decodeData[orchestrator.FlowState](t, rec)
	assert.Equal(t, "flow-1", state.JobID)
	assert.Empty(t, state.Children)
}

func TestIncreaseCapacity(t *testing.T) {
	env := newTestEnv(t)

	session, err := env.n.Connect("X")
	require.NoError(t, err)
	defer session.Close()
	require.NoError(t, session.Report(context.Background(), capacity.Report{ProjectID: "p", SpecName: "doubler", MaxCapacity: 4}))

	rec := env.do(t, http.MethodPost, "/api/v1/capacity/increase", IncreaseCapacityRequest{ProjectID: "p", SpecName: "doubler", By: 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "X", decodeData[IncreaseCapacityResponse](t, rec).InstanceID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cmd, err := session.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cmd.NumberOfWorkersNeeded)

	rec = env.do(t, http.MethodPost, "/api/v1/capacity/increase", IncreaseCapacityRequest{ProjectID: "p", SpecName: "doubler"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/capacity/increase", IncreaseCapacityRequest{ProjectID: "p", SpecName: "other", By: 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoutes_NotFoundAndMethod(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/nothing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrCodeNotFound, errorCode(t, rec))

	rec = env.do(t, http.MethodDelete, "/api/v1/specs", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, ErrCodeMethodNotAllow, errorCode(t, rec))
}
