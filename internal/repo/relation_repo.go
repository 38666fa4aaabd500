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

// RelationRepo — связи parent → child между запущенными jobs.
type RelationRepo struct {
	pool *pgxpool.Pool
}

// NewRelationRepo создаёт новый RelationRepo.
func NewRelationRepo(pool *pgxpool.Pool) *RelationRepo {
	return &RelationRepo{pool: pool}
}

// AddRelation записывает связь. Повторная запись — no-op.
func (r *RelationRepo) AddRelation(ctx context.Context, rel domain.JobRelation) error {
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO job_relations (project_id, parent_job_id, child_job_id, unique_spec_label, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`
	_, err := r.pool.Exec(ctx, query,
		rel.ProjectID,
		rel.ParentJobID,
		rel.ChildJobID,
		rel.UniqueSpecLabel,
		rel.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job relation: %w", err)
	}
	return nil
}

// Children возвращает дочерние jobs в порядке создания.
func (r *RelationRepo) Children(ctx context.Context, projectID, parentJobID string) ([]domain.JobRelation, error) {
	query := `
		SELECT project_id, parent_job_id, child_job_id, unique_spec_label, created_at
		FROM job_relations
		WHERE project_id = $1 AND parent_job_id = $2
		ORDER BY created_at ASC, child_job_id ASC
	`
	rows, err := r.pool.Query(ctx, query, projectID, parentJobID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var out []domain.JobRelation
	for rows.Next() {
		rel, err := scanRelation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

// Parent возвращает связь с родительским job.
func (r *RelationRepo) Parent(ctx context.Context, projectID, childJobID string) (domain.JobRelation, error) {
	query := `
		SELECT project_id, parent_job_id, child_job_id, unique_spec_label, created_at
		FROM job_relations
		WHERE project_id = $1 AND child_job_id = $2
		ORDER BY created_at ASC
		LIMIT 1
	`
	rel, err := scanRelation(r.pool.QueryRow(ctx, query, projectID, childJobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.JobRelation{}, fmt.Errorf("parent of job %s: %w", childJobID, ErrNotFound)
	}
	return rel, err
}

// scanRelation сканирует одну строку в JobRelation.
func scanRelation(row pgx.Row) (domain.JobRelation, error) {
	var rel domain.JobRelation
	err := row.Scan(
		&rel.ProjectID,
		&rel.ParentJobID,
		&rel.ChildJobID,
		&rel.UniqueSpecLabel,
		&rel.CreatedAt,
	)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return rel, fmt.Errorf("scan job relation: %w", err)
	}
	return rel, err
}
