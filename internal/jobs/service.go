// Package jobs is the admission path: it validates and admits new jobs,
// serves reads and downloads, and cancels jobs that have not started.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bobarin/ttsjobs/internal/db"
	"github.com/bobarin/ttsjobs/internal/metrics"
	"github.com/bobarin/ttsjobs/internal/models"
	"github.com/bobarin/ttsjobs/internal/queue"
	"github.com/bobarin/ttsjobs/internal/storage"
	"github.com/google/uuid"
)

const (
	DefaultMaxPending    = 100
	DefaultMaxTextLength = 50000
)

// Notifier receives every job that reaches a terminal state.
type Notifier interface {
	Notify(ctx context.Context, job models.Job) error
}

type Options struct {
	MaxPending      int
	MaxTextLength   int
	DefaultLanguage string
	PublicBaseURL   string
}

type Service struct {
	store     db.Store
	queue     queue.Queue
	artifacts storage.ArtifactStore
	notifier  Notifier
	metrics   metrics.Recorder
	opts      Options

	// admitMu serializes the pending-count check with the insert and enqueue,
	// so concurrent creates cannot overshoot MaxPending.
	admitMu sync.Mutex
	now     func() time.Time
}

func NewService(store db.Store, q queue.Queue, artifacts storage.ArtifactStore, notifier Notifier, rec metrics.Recorder, opts Options) *Service {
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.MaxTextLength <= 0 {
		opts.MaxTextLength = DefaultMaxTextLength
	}
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = "oromo"
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Service{
		store:     store,
		queue:     q,
		artifacts: artifacts,
		notifier:  notifier,
		metrics:   rec,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source used for creation and cancel timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create validates the request, inserts a pending job and hands it to the queue.
func (s *Service) Create(ctx context.Context, req models.CreateJobRequest) (*models.Job, error) {
	if err := models.ValidateText(req.Text, s.opts.MaxTextLength); err != nil {
		return nil, err
	}
	language, err := models.NormalizeLanguage(req.Language, s.opts.DefaultLanguage)
	if err != nil {
		return nil, err
	}
	if err := models.ValidateCallbackURL(req.WebhookURL); err != nil {
		return nil, err
	}

	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	pending, err := s.store.CountJobs(ctx, models.JobStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	if pending >= s.opts.MaxPending {
		log.Printf("[Jobs] Rejecting job: %d jobs already pending (max %d)", pending, s.opts.MaxPending)
		return nil, fmt.Errorf("%w: %d jobs pending", models.ErrQueueFull, pending)
	}

	job := &models.Job{
		ID:          uuid.New(),
		Text:        req.Text,
		Language:    language,
		CallbackURL: req.WebhookURL,
		Status:      models.JobStatusPending,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		s.rollback(ctx, job.ID)
		if errors.Is(err, models.ErrQueueFull) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.metrics.JobCreated(language)
	s.metrics.PendingJobs(pending + 1)
	if n, err := s.queue.Len(ctx); err == nil {
		s.metrics.QueueLength(n)
	}

	log.Printf("[Jobs] Job %s created (language=%s, textLen=%d, webhook=%t)", job.ID, language, len(req.Text), job.CallbackURL != "")
	return job, nil
}

// rollback removes a job whose id never reached the queue. The caller only
// sees the admission error, so nothing is recorded or notified for it.
func (s *Service) rollback(ctx context.Context, id uuid.UUID) {
	if err := s.store.DeleteJob(context.WithoutCancel(ctx), id); err != nil {
		log.Printf("[Jobs] Failed to roll back unqueued job %s: %v", id, err)
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.store.GetJob(ctx, id)
}

// List returns one page in creation order, with the clamped page parameters.
func (s *Service) List(ctx context.Context, page, pageSize int) (models.ListJobsResponse, error) {
	page, pageSize = db.ClampPage(page, pageSize)
	jobs, total, err := s.store.ListJobs(ctx, page, pageSize)
	if err != nil {
		return models.ListJobsResponse{}, err
	}

	resp := models.ListJobsResponse{
		Jobs:     make([]models.JobResponse, 0, len(jobs)),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, s.Response(j))
	}
	return resp, nil
}

// Cancel moves a pending job to cancelled. Any other status is a conflict.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := s.store.TransitionJob(ctx, id, models.Transition{
		To: models.JobStatusCancelled,
		At: s.now(),
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[Jobs] Job %s cancelled", id)
	s.finish(ctx, *job)
	return job, nil
}

// Download returns the artifact of a completed job. A completed job whose
// artifact is no longer stored is reported as gone.
func (s *Service) Download(ctx context.Context, id uuid.UUID) ([]byte, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusCompleted {
		return nil, fmt.Errorf("%w: job is %s", models.ErrConflict, job.Status)
	}

	data, err := s.artifacts.Get(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: audio for job %s has expired", models.ErrGone, id)
	}
	return data, err
}

// Stats is the job-side part of the health report.
type Stats struct {
	QueueLength int
	PendingJobs int
	TotalJobs   int
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var err error
	if st.QueueLength, err = s.queue.Len(ctx); err != nil {
		return st, fmt.Errorf("failed to read queue length: %w", err)
	}
	if st.PendingJobs, err = s.store.CountJobs(ctx, models.JobStatusPending); err != nil {
		return st, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	if st.TotalJobs, err = s.store.CountJobs(ctx, ""); err != nil {
		return st, fmt.Errorf("failed to count jobs: %w", err)
	}
	return st, nil
}

// Response is the public view of a job.
func (s *Service) Response(job models.Job) models.JobResponse {
	resp := models.JobResponse{
		JobID:        job.ID,
		Status:       job.Status,
		Language:     job.Language,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		ArtifactRef:  job.ArtifactRef,
		ErrorMessage: job.ErrorMessage,
		Webhook:      job.Webhook,
	}
	if job.Status == models.JobStatusCompleted {
		url := models.AudioURL(s.opts.PublicBaseURL, job.ID)
		resp.AudioURL = &url
	}
	return resp
}

// finish runs once the job is terminal. The transition has committed, so the
// notification must not depend on the caller still waiting for a response.
func (s *Service) finish(ctx context.Context, job models.Job) {
	s.metrics.JobFinished(job.Status, job.Language, job.ProcessingDuration())
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(context.WithoutCancel(ctx), job); err != nil {
		log.Printf("[Jobs] Failed to schedule webhook for job %s: %v", job.ID, err)
	}
}
