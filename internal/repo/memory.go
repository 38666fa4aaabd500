package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shaiso/Tributary/internal/domain"
)

// MemoryStore — хранилище jobs в памяти процесса с семантикой Store.
// Используется в тестах и локальном запуске без Postgres.
type MemoryStore struct {
	mu         sync.Mutex
	jobs       map[string]domain.Job
	statuses   map[string][]domain.StatusRecord
	streams    map[string]bool
	connectors map[string]domain.StreamConnector
	relations  []domain.JobRelation
}

// NewMemoryStore создаёт пустой MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]domain.Job),
		statuses:   make(map[string][]domain.StatusRecord),
		streams:    make(map[string]bool),
		connectors: make(map[string]domain.StreamConnector),
	}
}

func jobKey(projectID, jobID string) string {
	return projectID + "\x00" + jobID
}

// GetOrCreateJob реализует семантику JobRepo.GetOrCreateJob.
func (s *MemoryStore) GetOrCreateJob(_ context.Context, job domain.Job) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := jobKey(job.ProjectID, job.JobID)
	if existing, ok := s.jobs[key]; ok {
		if existing.SpecName != job.SpecName {
			return domain.Job{}, false, fmt.Errorf("%w: job %s belongs to spec %s",
				ErrAlreadyExists, job.JobID, existing.SpecName)
		}
		return existing, false, nil
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	s.jobs[key] = job
	return job, true, nil
}

// GetJob реализует семантику JobRepo.GetJob.
func (s *MemoryStore) GetJob(_ context.Context, projectID, jobID string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobKey(projectID, jobID)]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return job, nil
}

// AppendStatus реализует семантику StatusRepo.AppendStatus.
func (s *MemoryStore) AppendStatus(_ context.Context, projectID, jobID string, rec domain.StatusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	key := jobKey(projectID, jobID)
	s.statuses[key] = append(s.statuses[key], rec)
	return nil
}

// LatestStatus реализует семантику StatusRepo.LatestStatus.
func (s *MemoryStore) LatestStatus(_ context.Context, projectID, jobID string) (domain.StatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.statuses[jobKey(projectID, jobID)]
	if len(history) == 0 {
		return domain.StatusRecord{}, fmt.Errorf("status of job %s: %w", jobID, ErrNotFound)
	}
	return history[len(history)-1], nil
}

// StatusHistory реализует семантику StatusRepo.StatusHistory.
func (s *MemoryStore) StatusHistory(_ context.Context, projectID, jobID string) ([]domain.StatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.statuses[jobKey(projectID, jobID)]
	out := make([]domain.StatusRecord, len(history))
	copy(out, history)
	return out, nil
}

// EnsureStream реализует семантику StreamRepo.EnsureStream.
func (s *MemoryStore) EnsureStream(_ context.Context, projectID, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.streams[jobKey(projectID, streamID)] = true
	return nil
}

// EnsureConnector реализует семантику StreamRepo.EnsureConnector.
func (s *MemoryStore) EnsureConnector(_ context.Context, c domain.StreamConnector) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := jobKey(c.ProjectID, c.JobID) + "\x00" + string(c.Tag) + "\x00" + string(c.Direction)
	if existing, ok := s.connectors[key]; ok {
		if existing.StreamID != c.StreamID {
			return fmt.Errorf("%w: %s tag %s of job %s is bound to %s",
				ErrAlreadyExists, c.Direction, c.Tag, c.JobID, existing.StreamID)
		}
		return nil
	}
	s.connectors[key] = c
	return nil
}

// Connectors реализует семантику StreamRepo.Connectors.
func (s *MemoryStore) Connectors(_ context.Context, projectID, jobID string) ([]domain.StreamConnector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.StreamConnector
	for _, c := range s.connectors {
		if c.ProjectID == projectID && c.JobID == jobID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Direction != out[j].Direction {
			return out[i].Direction < out[j].Direction
		}
		return out[i].Tag < out[j].Tag
	})
	return out, nil
}

// AddRelation реализует семантику RelationRepo.AddRelation.
func (s *MemoryStore) AddRelation(_ context.Context, rel domain.JobRelation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.relations {
		if existing.ProjectID == rel.ProjectID &&
			existing.ParentJobID == rel.ParentJobID &&
			existing.ChildJobID == rel.ChildJobID &&
			existing.UniqueSpecLabel == rel.UniqueSpecLabel {
			return nil
		}
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}
	s.relations = append(s.relations, rel)
	return nil
}

// Children реализует семантику RelationRepo.Children.
func (s *MemoryStore) Children(_ context.Context, projectID, parentJobID string) ([]domain.JobRelation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.JobRelation
	for _, rel := range s.relations {
		if rel.ProjectID == projectID && rel.ParentJobID == parentJobID {
			out = append(out, rel)
		}
	}
	return out, nil
}

// Parent реализует семантику RelationRepo.Parent.
func (s *MemoryStore) Parent(_ context.Context, projectID, childJobID string) (domain.JobRelation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rel := range s.relations {
		if rel.ProjectID == projectID && rel.ChildJobID == childJobID {
			return rel, nil
		}
	}
	return domain.JobRelation{}, fmt.Errorf("parent of job %s: %w", childJobID, ErrNotFound)
}
