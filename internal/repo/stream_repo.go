package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Tributary/internal/domain"
)

// StreamRepo — реестр потоков и привязок тегов jobs к потокам.
type StreamRepo struct {
	pool *pgxpool.Pool
}

// NewStreamRepo создаёт новый StreamRepo.
func NewStreamRepo(pool *pgxpool.Pool) *StreamRepo {
	return &StreamRepo{pool: pool}
}

// EnsureStream регистрирует поток, если его ещё нет.
func (r *StreamRepo) EnsureStream(ctx context.Context, projectID, streamID string) error {
	query := `
		INSERT INTO streams (project_id, stream_id)
		VALUES ($1, $2)
		ON CONFLICT (project_id, stream_id) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, query, projectID, streamID); err != nil {
		return fmt.Errorf("insert stream: %w", err)
	}
	return nil
}

// EnsureConnector привязывает тег job к потоку.
//
// Повторная привязка к тому же потоку — no-op, к другому — ErrAlreadyExists.
func (r *StreamRepo) EnsureConnector(ctx context.Context, c domain.StreamConnector) error {
	query := `
		INSERT INTO job_stream_connectors (project_id, job_id, tag, direction, stream_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, job_id, tag, direction) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query, c.ProjectID, c.JobID, c.Tag, c.Direction, c.StreamID)
	if err != nil {
		return fmt.Errorf("insert connector: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var existing string
	err = r.pool.QueryRow(ctx, `
		SELECT stream_id FROM job_stream_connectors
		WHERE project_id = $1 AND job_id = $2 AND tag = $3 AND direction = $4
	`, c.ProjectID, c.JobID, c.Tag, c.Direction).Scan(&existing)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("connector of job %s: %w", c.JobID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get connector: %w", err)
	}
	if existing != c.StreamID {
		return fmt.Errorf("%w: %s tag %s of job %s is bound to %s",
			ErrAlreadyExists, c.Direction, c.Tag, c.JobID, existing)
	}
	return nil
}

// Connectors возвращает привязки тегов job.
func (r *StreamRepo) Connectors(ctx context.Context, projectID, jobID string) ([]domain.StreamConnector, error) {
	query := `
		SELECT project_id, job_id, tag, direction, stream_id
		FROM job_stream_connectors
		WHERE project_id = $1 AND job_id = $2
		ORDER BY direction, tag
	`
	rows, err := r.pool.Query(ctx, query, projectID, jobID)
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	defer rows.Close()

	var out []domain.StreamConnector
	for rows.Next() {
		var c domain.StreamConnector
		if err := rows.Scan(&c.ProjectID, &c.JobID, &c.Tag, &c.Direction, &c.StreamID); err != nil {
			return nil, fmt.Errorf("scan connector: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
