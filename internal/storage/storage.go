// internal/storage/storage.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"

	"flipbook/internal/models"
)

// Storage is the PostgreSQL-backed job and video store. Every status change
// is a single conditional UPDATE on one row.
type Storage struct {
	pool *pgxpool.Pool
	db   *sql.DB // For migrations
}

func NewStorage(ctx context.Context, dsn string, log *logrus.Entry) (*Storage, error) {
	const op = "storage.NewStorage"

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(db, log); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	return &Storage{pool: pool, db: db}, nil
}

func (s *Storage) Close() {
	s.db.Close()
	s.pool.Close()
}

const jobColumns = `id, video_id, output_path, options, status, stage, output_note, created_at, updated_at, started_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job     models.Job
		options []byte
		status  string
	)
	err := row.Scan(&job.ID, &job.VideoID, &job.OutputPath, &options, &status, &job.Stage,
		&job.OutputNote, &job.CreatedAt, &job.UpdatedAt, &job.StartedAt)
	if err != nil {
		return models.Job{}, err
	}
	job.Status = models.JobStatus(status)
	if err := json.Unmarshal(options, &job.Options); err != nil {
		return models.Job{}, fmt.Errorf("decode options: %w", err)
	}
	return job, nil
}

func (s *Storage) CreateVideo(ctx context.Context, v *models.Video) error {
	const op = "storage.CreateVideo"
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO videos (id, storage_path, created_at) VALUES ($1, $2, $3)`,
		v.ID, v.StoragePath, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

func (s *Storage) GetVideo(ctx context.Context, id uuid.UUID) (models.Video, error) {
	const op = "storage.GetVideo"
	var v models.Video
	err := s.pool.QueryRow(ctx,
		`SELECT id, storage_path, created_at, deleted_at FROM videos WHERE id = $1`, id).
		Scan(&v.ID, &v.StoragePath, &v.CreatedAt, &v.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, fmt.Errorf("%s: video %s: %w", op, id, models.ErrNotFound)
	}
	if err != nil {
		return models.Video{}, fmt.Errorf("%s: %v", op, err)
	}
	return v, nil
}

func (s *Storage) CreateJob(ctx context.Context, job *models.Job) error {
	const op = "storage.CreateJob"
	options, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Status = models.StatusPending

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, video_id, output_path, options, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.VideoID, job.OutputPath, options, string(job.Status), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

func (s *Storage) GetJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	const op = "storage.GetJob"
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("%s: job %s: %w", op, id, models.ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("%s: %v", op, err)
	}
	return job, nil
}

// ClaimNextJob moves the oldest pending job to started and returns it. The
// inner SELECT skips rows locked by concurrent claimers and the outer
// status guard makes the transition happen at most once per job.
func (s *Storage) ClaimNextJob(ctx context.Context) (models.Job, bool, error) {
	const op = "storage.ClaimNextJob"
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'started', stage = '', started_at = now(), updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending'
			ORDER BY created_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		) AND status = 'pending'
		RETURNING `+jobColumns))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("%s: %v", op, err)
	}
	return job, true, nil
}

// SetStage records a progress checkpoint on a started or processing job.
func (s *Storage) SetStage(ctx context.Context, id uuid.UUID, stage string) error {
	const op = "storage.SetStage"
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'processing', stage = $2, updated_at = now()
		 WHERE id = $1 AND status IN ('started', 'processing')`, id, stage)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: job %s: %w", op, id, models.ErrInvalidTransition)
	}
	return nil
}

// CompleteJob moves an active job to a terminal status with a note.
func (s *Storage) CompleteJob(ctx context.Context, id uuid.UUID, status models.JobStatus, note string) error {
	const op = "storage.CompleteJob"
	if !models.StatusStarted.CanTransition(status) || status == models.StatusProcessing {
		return fmt.Errorf("%s: %s: %w", op, status, models.ErrInvalidTransition)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, output_note = $3, updated_at = now()
		 WHERE id = $1 AND status IN ('started', 'processing')`, id, string(status), note)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: job %s: %w", op, id, models.ErrInvalidTransition)
	}
	return nil
}

// ExpiredVideos lists videos created before the cutoff that still have a
// file and are not referenced by an active job.
func (s *Storage) ExpiredVideos(ctx context.Context, before time.Time) ([]models.Video, error) {
	const op = "storage.ExpiredVideos"
	rows, err := s.pool.Query(ctx, `
		SELECT v.id, v.storage_path, v.created_at, v.deleted_at FROM videos v
		WHERE v.storage_path IS NOT NULL AND v.created_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM jobs j WHERE j.video_id = v.id AND j.status IN ('started', 'processing')
		  )
		ORDER BY v.created_at, v.id`, before)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	defer rows.Close()

	var videos []models.Video
	for rows.Next() {
		var v models.Video
		if err := rows.Scan(&v.ID, &v.StoragePath, &v.CreatedAt, &v.DeletedAt); err != nil {
			return nil, fmt.Errorf("%s: %v", op, err)
		}
		videos = append(videos, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	return videos, nil
}

// ExpiredJobs lists jobs created before the cutoff that are neither active
// nor already deleted.
func (s *Storage) ExpiredJobs(ctx context.Context, before time.Time) ([]models.Job, error) {
	const op = "storage.ExpiredJobs"
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE created_at < $1 AND status NOT IN ('started', 'processing', 'deleted')
		ORDER BY created_at, id`, before)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", op, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	return jobs, nil
}

// MarkVideoDeleted leaves a tombstone: the row stays, the path is cleared.
func (s *Storage) MarkVideoDeleted(ctx context.Context, id uuid.UUID) error {
	const op = "storage.MarkVideoDeleted"
	tag, err := s.pool.Exec(ctx, `
		UPDATE videos SET storage_path = NULL, deleted_at = now()
		WHERE id = $1 AND storage_path IS NOT NULL
		  AND NOT EXISTS (
			SELECT 1 FROM jobs j WHERE j.video_id = $1 AND j.status IN ('started', 'processing')
		  )`, id)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: video %s: %w", op, id, models.ErrInvalidTransition)
	}
	return nil
}

func (s *Storage) MarkJobDeleted(ctx context.Context, id uuid.UUID) error {
	const op = "storage.MarkJobDeleted"
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'deleted', output_path = NULL, updated_at = now()
		WHERE id = $1 AND status NOT IN ('started', 'processing', 'deleted')`, id)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: job %s: %w", op, id, models.ErrInvalidTransition)
	}
	return nil
}
