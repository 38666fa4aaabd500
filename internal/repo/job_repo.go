package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Tributary/internal/domain"
)

// JobRepo — репозиторий для работы с jobs.
type JobRepo struct {
	pool *pgxpool.Pool
}

// NewJobRepo создаёт новый JobRepo.
func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

// GetOrCreateJob создаёт job или возвращает существующий.
// Второе значение — true, если запись создана этим вызовом.
//
// Существующий job с тем же (project, job id), но другим spec — ErrAlreadyExists.
func (r *JobRepo) GetOrCreateJob(ctx context.Context, job domain.Job) (domain.Job, bool, error) {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO jobs (project_id, job_id, spec_name, params, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, job_id) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query,
		job.ProjectID,
		job.JobID,
		job.SpecName,
		nullJSON(job.Params),
		job.CreatedAt,
	)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return job, true, nil
	}

	existing, err := r.GetJob(ctx, job.ProjectID, job.JobID)
	if err != nil {
		return domain.Job{}, false, err
	}
	if existing.SpecName != job.SpecName {
		return domain.Job{}, false, fmt.Errorf("%w: job %s belongs to spec %s",
			ErrAlreadyExists, job.JobID, existing.SpecName)
	}
	return existing, false, nil
}

// GetJob возвращает job по id.
func (r *JobRepo) GetJob(ctx context.Context, projectID, jobID string) (domain.Job, error) {
	query := `
		SELECT project_id, job_id, spec_name, params, created_at
		FROM jobs
		WHERE project_id = $1 AND job_id = $2
	`
	var job domain.Job
	var params []byte
	err := r.pool.QueryRow(ctx, query, projectID, jobID).Scan(
		&job.ProjectID,
		&job.JobID,
		&job.SpecName,
		&params,
		&job.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job: %w", err)
	}
	job.Params = params
	return job, nil
}

// nullJSON возвращает nil для пустого JSON (для NULL в БД).
func nullJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
