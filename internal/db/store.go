// Package db holds the job table: the authoritative record of every job's state.
package db

import (
	"context"
	"time"

	"github.com/bobarin/ttsjobs/internal/models"
	"github.com/google/uuid"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Store is the job table contract shared by the in-memory and Postgres backends.
// Every mutating call is atomic with respect to a single job.
type Store interface {
	// CreateJob inserts a pending job. Reusing an ID fails with models.ErrConflict.
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// ListJobs returns one page in insertion order together with the total count.
	ListJobs(ctx context.Context, page, pageSize int) ([]models.Job, int, error)
	// TransitionJob applies t under the job's lock and returns the updated job.
	TransitionJob(ctx context.Context, id uuid.UUID, t models.Transition) (*models.Job, error)
	RecordWebhook(ctx context.Context, id uuid.UUID, status models.WebhookStatus) error
	// DeleteJob removes a pending job that was never handed to the queue.
	// Any other status fails with models.ErrConflict.
	DeleteJob(ctx context.Context, id uuid.UUID) error
	// CountJobs counts jobs in status, or all jobs when status is empty.
	CountJobs(ctx context.Context, status models.JobStatus) (int, error)
	// StaleProcessingJobs returns processing jobs picked up before cutoff.
	StaleProcessingJobs(ctx context.Context, cutoff time.Time) ([]models.Job, error)
	Close() error
}

// ClampPage normalizes 1-indexed pagination parameters.
func ClampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}
