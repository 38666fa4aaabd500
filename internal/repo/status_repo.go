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

// StatusRepo — история статусов jobs. Записи только добавляются.
type StatusRepo struct {
	pool *pgxpool.Pool
}

// NewStatusRepo создаёт новый StatusRepo.
func NewStatusRepo(pool *pgxpool.Pool) *StatusRepo {
	return &StatusRepo{pool: pool}
}

// AppendStatus добавляет запись в историю статусов.
func (r *StatusRepo) AppendStatus(ctx context.Context, projectID, jobID string, rec domain.StatusRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO job_status (project_id, job_id, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.pool.Exec(ctx, query,
		projectID,
		jobID,
		rec.Status,
		nullString(rec.Error),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job status: %w", err)
	}
	return nil
}

// LatestStatus возвращает текущий (последний) статус job.
func (r *StatusRepo) LatestStatus(ctx context.Context, projectID, jobID string) (domain.StatusRecord, error) {
	query := `
		SELECT status, error, created_at
		FROM job_status
		WHERE project_id = $1 AND job_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	rec, err := scanStatus(r.pool.QueryRow(ctx, query, projectID, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StatusRecord{}, fmt.Errorf("status of job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return domain.StatusRecord{}, fmt.Errorf("get latest status: %w", err)
	}
	return rec, nil
}

// StatusHistory возвращает историю статусов в хронологическом порядке.
func (r *StatusRepo) StatusHistory(ctx context.Context, projectID, jobID string) ([]domain.StatusRecord, error) {
	query := `
		SELECT status, error, created_at
		FROM job_status
		WHERE project_id = $1 AND job_id = $2
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.pool.Query(ctx, query, projectID, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job status: %w", err)
	}
	defer rows.Close()

	var history []domain.StatusRecord
	for rows.Next() {
		rec, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job status: %w", err)
		}
		history = append(history, rec)
	}
	return history, rows.Err()
}

// scanStatus сканирует одну строку в StatusRecord.
func scanStatus(row pgx.Row) (domain.StatusRecord, error) {
	var rec domain.StatusRecord
	var errText *string

	if err := row.Scan(&rec.Status, &errText, &rec.CreatedAt); err != nil {
		return domain.StatusRecord{}, err
	}
	if errText != nil {
		rec.Error = *errText
	}
	return rec, nil
}
