package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/ttsjobs/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const schema = `
	CREATE TABLE IF NOT EXISTS tts_jobs (
		seq               BIGSERIAL,
		id                UUID PRIMARY KEY,
		text              TEXT NOT NULL,
		language          TEXT NOT NULL,
		callback_url      TEXT NOT NULL DEFAULT '',
		status            TEXT NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL,
		started_at        TIMESTAMPTZ,
		completed_at      TIMESTAMPTZ,
		artifact_ref      TEXT,
		error_message     TEXT,
		webhook_delivered BOOLEAN NOT NULL DEFAULT FALSE,
		webhook_attempts  INTEGER NOT NULL DEFAULT 0,
		webhook_error     TEXT
	);
	CREATE INDEX IF NOT EXISTS tts_jobs_seq_idx ON tts_jobs (seq);
	CREATE INDEX IF NOT EXISTS tts_jobs_status_idx ON tts_jobs (status, started_at);
`

const selectJob = `
	SELECT
		id, text, language, callback_url, status, created_at,
		started_at, completed_at, artifact_ref, error_message,
		webhook_delivered, webhook_attempts, webhook_error
	FROM tts_jobs
`

// DB is the Postgres-backed job table. Transitions run in a transaction
// holding a row lock, so the state machine check and the write are atomic.
type DB struct {
	*sql.DB
}

var _ Store = (*DB)(nil)

// New opens the database, verifies the connection and ensures the schema exists.
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := conn.ExecContext(ctx, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{DB: conn}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	err := row.Scan(
		&job.ID, &job.Text, &job.Language, &job.CallbackURL, &job.Status, &job.CreatedAt,
		&job.StartedAt, &job.CompletedAt, &job.ArtifactRef, &job.ErrorMessage,
		&job.Webhook.Delivered, &job.Webhook.Attempts, &job.Webhook.LastError,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (db *DB) CreateJob(ctx context.Context, job *models.Job) error {
	if job.Status != models.JobStatusPending {
		return &models.ValidationError{Field: "status", Message: "new jobs must be pending, got " + string(job.Status)}
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO tts_jobs (id, text, language, callback_url, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := db.ExecContext(ctx, query,
		job.ID, job.Text, job.Language, job.CallbackURL, job.Status, job.CreatedAt,
	)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: job %s already exists", models.ErrConflict, job.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := scanJob(db.QueryRowContext(ctx, selectJob+" WHERE id = $1", id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (db *DB) ListJobs(ctx context.Context, page, pageSize int) ([]models.Job, int, error) {
	page, pageSize = ClampPage(page, pageSize)

	total, err := db.CountJobs(ctx, "")
	if err != nil {
		return nil, 0, err
	}

	rows, err := db.QueryContext(ctx, selectJob+" ORDER BY seq LIMIT $1 OFFSET $2", pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate jobs: %w", err)
	}

	return jobs, total, nil
}

func (db *DB) TransitionJob(ctx context.Context, id uuid.UUID, t models.Transition) (*models.Job, error) {
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, selectJob+" WHERE id = $1 FOR UPDATE", id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}

	if err := job.Apply(t); err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}

	query := `
		UPDATE tts_jobs
		SET status = $2, started_at = $3, completed_at = $4, artifact_ref = $5, error_message = $6
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, query,
		id, job.Status, job.StartedAt, job.CompletedAt, job.ArtifactRef, job.ErrorMessage,
	); err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return job, nil
}

func (db *DB) RecordWebhook(ctx context.Context, id uuid.UUID, status models.WebhookStatus) error {
	query := `
		UPDATE tts_jobs
		SET webhook_delivered = $2, webhook_attempts = $3, webhook_error = $4
		WHERE id = $1
	`
	res, err := db.ExecContext(ctx, query, id, status.Delivered, status.Attempts, status.LastError)
	if err != nil {
		return fmt.Errorf("failed to record webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (db *DB) DeleteJob(ctx context.Context, id uuid.UUID) error {
	res, err := db.ExecContext(ctx, `DELETE FROM tts_jobs WHERE id = $1 AND status = $2`, id, models.JobStatusPending)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	job, err := db.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s", models.ErrConflict, id, job.Status)
}

func (db *DB) CountJobs(ctx context.Context, status models.JobStatus) (int, error) {
	var count int
	var err error
	if status == "" {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tts_jobs`).Scan(&count)
	} else {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tts_jobs WHERE status = $1`, status).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

func (db *DB) StaleProcessingJobs(ctx context.Context, cutoff time.Time) ([]models.Job, error) {
	rows, err := db.QueryContext(ctx,
		selectJob+" WHERE status = $1 AND started_at < $2 ORDER BY seq",
		models.JobStatusProcessing, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}
