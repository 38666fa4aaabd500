package repo

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Tributary/internal/domain"
)

// newTestStore подключается к Postgres из TRIBUTARY_TEST_DB_URL и применяет
// schema.sql. Без переменной тест пропускается.
func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	dsn := os.Getenv("TRIBUTARY_TEST_DB_URL")
	if dsn == "" {
		t.Skip("TRIBUTARY_TEST_DB_URL is not set")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, dsn, 2)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("schema.sql")
	if err != nil {
		t.Fatalf("failed to read schema: %v", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}

	// Отдельный проект на запуск: повторные прогоны не пересекаются
	return NewStore(pool), "test-" + uuid.NewString()
}

func TestStore_GetOrCreateJob(t *testing.T) {
	ctx := context.Background()
	s, project := newTestStore(t)

	job := domain.Job{ProjectID: project, SpecName: "doubler", JobID: "j1", Params: []byte(`{"factor":2}`)}

	_, created, err := s.GetOrCreateJob(ctx, job)
	if err != nil || !created {
		t.Fatalf("expected created job, got created=%v err=%v", created, err)
	}

	got, created, err := s.GetOrCreateJob(ctx, job)
	if err != nil || created {
		t.Fatalf("expected existing job, got created=%v err=%v", created, err)
	}
	if got.SpecName != "doubler" || string(got.Params) != `{"factor": 2}` {
		t.Errorf("unexpected job %+v", got)
	}

	job.SpecName = "other"
	if _, _, err := s.GetOrCreateJob(ctx, job); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}

	if _, err := s.GetJob(ctx, project, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestStore_Statuses(t *testing.T) {
	ctx := context.Background()
	s, project := newTestStore(t)

	if _, _, err := s.GetOrCreateJob(ctx, domain.Job{ProjectID: project, SpecName: "doubler", JobID: "j1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.LatestStatus(ctx, project, "j1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	statuses := []domain.JobStatus{
		domain.JobStatusRequested,
		domain.JobStatusRunning,
		domain.JobStatusWaitingChildren,
		domain.JobStatusFailed,
	}
	for _, st := range statuses {
		rec := domain.StatusRecord{Status: st}
		if st == domain.JobStatusFailed {
			rec.Error = "boom"
		}
		if err := s.AppendStatus(ctx, project, "j1", rec); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	latest, err := s.LatestStatus(ctx, project, "j1")
	if err != nil || latest.Status != domain.JobStatusFailed || latest.Error != "boom" {
		t.Errorf("expected failed with error, got %+v (%v)", latest, err)
	}

	history, err := s.StatusHistory(ctx, project, "j1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != len(statuses) {
		t.Fatalf("expected %d records, got %d", len(statuses), len(history))
	}
	for i, st := range statuses {
		if history[i].Status != st {
			t.Errorf("history[%d] = %s, want %s", i, history[i].Status, st)
		}
	}
}

func TestStore_Connectors(t *testing.T) {
	ctx := context.Background()
	s, project := newTestStore(t)

	for _, id := range []string{"s1", "s2"} {
		if err := s.EnsureStream(ctx, project, id); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := s.EnsureStream(ctx, project, "s1"); err != nil {
		t.Errorf("repeated stream must be a no-op, got %v", err)
	}

	c := domain.StreamConnector{ProjectID: project, JobID: "j1", Tag: "default", Direction: domain.DirectionIn, StreamID: "s1"}
	if err := s.EnsureConnector(ctx, c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.EnsureConnector(ctx, c); err != nil {
		t.Errorf("repeated binding must be a no-op, got %v", err)
	}

	c.StreamID = "s2"
	if err := s.EnsureConnector(ctx, c); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}

	out := domain.StreamConnector{ProjectID: project, JobID: "j1", Tag: "default", Direction: domain.DirectionOut, StreamID: "s2"}
	if err := s.EnsureConnector(ctx, out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	list, err := s.Connectors(ctx, project, "j1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 2 || list[0].StreamID != "s1" || list[1].StreamID != "s2" {
		t.Errorf("unexpected connectors %+v", list)
	}
}

func TestStore_Relations(t *testing.T) {
	ctx := context.Background()
	s, project := newTestStore(t)

	rel := domain.JobRelation{ProjectID: project, ParentJobID: "flow", ChildJobID: "[flow]a", UniqueSpecLabel: "a"}
	for i := 0; i < 2; i++ {
		if err := s.AddRelation(ctx, rel); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	children, err := s.Children(ctx, project, "flow")
	if err != nil || len(children) != 1 {
		t.Fatalf("expected 1 child, got %d (%v)", len(children), err)
	}

	parent, err := s.Parent(ctx, project, "[flow]a")
	if err != nil || parent.ParentJobID != "flow" || parent.UniqueSpecLabel != "a" {
		t.Errorf("unexpected parent %+v (%v)", parent, err)
	}
	if _, err := s.Parent(ctx, project, "flow"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestAdvisoryLock_SingleLeader(t *testing.T) {
	ctx := context.Background()
	dsn := os.Getenv("TRIBUTARY_TEST_DB_URL")
	if dsn == "" {
		t.Skip("TRIBUTARY_TEST_DB_URL is not set")
	}

	pools := make([]*pgxpool.Pool, 2)
	for i := range pools {
		pool, err := NewPool(ctx, dsn, 2)
		if err != nil {
			t.Fatalf("failed to connect: %v", err)
		}
		t.Cleanup(pool.Close)
		pools[i] = pool
	}

	const key = 424242
	first := NewAdvisoryLock(pools[0], key)
	second := NewAdvisoryLock(pools[1], key)

	ok, err := first.IsLeader(ctx)
	if err != nil || !ok {
		t.Fatalf("expected first to lead, got %v (%v)", ok, err)
	}
	ok, err = second.IsLeader(ctx)
	if err != nil || ok {
		t.Fatalf("expected second to follow, got %v (%v)", ok, err)
	}

	first.Release(ctx)
	ok, err = second.IsLeader(ctx)
	if err != nil || !ok {
		t.Errorf("expected second to lead after release, got %v (%v)", ok, err)
	}
	second.Release(ctx)
}
