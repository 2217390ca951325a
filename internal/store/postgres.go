package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"visionq/pkg/models"
)

const jobColumns = `id, status, task_type, created_at, updated_at, filename, content_type, size_bytes,
	image_width, image_height, conf, iou, imgsz, input_path, result_path, annotated_path, progress, error_message`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, status, task_type, created_at, updated_at, filename, content_type, size_bytes,
		   image_width, image_height, conf, iou, imgsz, input_path, result_path, annotated_path, progress, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		job.ID, job.Status, job.TaskType, job.CreatedAt, job.UpdatedAt,
		job.Filename, job.ContentType, job.SizeBytes,
		job.ImageWidth, job.ImageHeight, job.Conf, job.IoU, job.ImgSz,
		job.InputPath, job.ResultPath, job.AnnotatedPath, job.Progress, job.ErrorMessage)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateJob performs a single conditional UPDATE: the WHERE clause pins both
// the id and the expected current status, so the compare-and-swap on the
// status column happens inside one statement. RowsAffected == 0 means the
// caller lost the race (or the row is gone) and the transition did not apply.
func (s *PostgresStore) UpdateJob(ctx context.Context, id uuid.UUID, fromStatus string, opts ...JobUpdateOption) (bool, error) {
	params := ApplyOptions(opts...)

	if params.Status != nil && !models.CanTransition(fromStatus, *params.Status) {
		return false, fmt.Errorf("invalid job status transition: %s -> %s", fromStatus, *params.Status)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET updated_at = $3`
	args := []any{id, fromStatus, now}
	argIdx := 4

	set := func(col string, val any) {
		query += fmt.Sprintf(", %s = $%d", col, argIdx)
		args = append(args, val)
		argIdx++
	}

	if params.Status != nil {
		set("status", *params.Status)
	}
	if params.Progress != nil {
		set("progress", *params.Progress)
	}
	if params.Filename != nil {
		set("filename", *params.Filename)
	}
	if params.ContentType != nil {
		set("content_type", *params.ContentType)
	}
	if params.SizeBytes != nil {
		set("size_bytes", *params.SizeBytes)
	}
	if params.ImageWidth != nil {
		set("image_width", *params.ImageWidth)
	}
	if params.ImageHeight != nil {
		set("image_height", *params.ImageHeight)
	}
	if params.InputPath != nil {
		set("input_path", *params.InputPath)
	}
	if params.ResultPath != nil {
		set("result_path", *params.ResultPath)
	}
	if params.AnnotatedPath != nil {
		set("annotated_path", *params.AnnotatedPath)
	}
	if params.ErrorMessage != nil {
		set("error_message", *params.ErrorMessage)
	}

	query += " WHERE id = $1 AND status = $2"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// NextQueuedJob peeks the head of the queue: oldest created_at first, id as
// the tie break so claims stay deterministic under equal timestamps.
func (s *PostgresStore) NextQueuedJob(ctx context.Context) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at ASC, id ASC LIMIT 1`,
		models.JobStatusQueued)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("next queued job: %w", err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Status, &j.TaskType, &j.CreatedAt, &j.UpdatedAt,
		&j.Filename, &j.ContentType, &j.SizeBytes,
		&j.ImageWidth, &j.ImageHeight, &j.Conf, &j.IoU, &j.ImgSz,
		&j.InputPath, &j.ResultPath, &j.AnnotatedPath, &j.Progress, &j.ErrorMessage)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

var _ Store = (*PostgresStore)(nil)
