package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bobarin/ttsjobs/internal/models"
	"github.com/google/uuid"
)

// MemoryStore is a process-local job table guarded by a single RWMutex.
// Jobs are never evicted during the process lifetime.
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[uuid.UUID]*models.Job
	order []uuid.UUID
	now   func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[uuid.UUID]*models.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the timestamp source; used by tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	if job.Status != models.JobStatusPending {
		return &models.ValidationError{Field: "status", Message: "new jobs must be pending, got " + string(job.Status)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: job %s already exists", models.ErrConflict, job.ID)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}

	stored := *job
	s.jobs[job.ID] = &stored
	s.order = append(s.order, job.ID)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	snapshot := *job
	return &snapshot, nil
}

func (s *MemoryStore) ListJobs(_ context.Context, page, pageSize int) ([]models.Job, int, error) {
	page, pageSize = ClampPage(page, pageSize)

	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.order)
	start := (page - 1) * pageSize
	if start >= total {
		return []models.Job{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	jobs := make([]models.Job, 0, end-start)
	for _, id := range s.order[start:end] {
		jobs = append(jobs, *s.jobs[id])
	}
	return jobs, total, nil
}

func (s *MemoryStore) TransitionJob(_ context.Context, id uuid.UUID, t models.Transition) (*models.Job, error) {
	if t.At.IsZero() {
		t.At = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}

	next := *job
	if err := next.Apply(t); err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	s.jobs[id] = &next

	snapshot := next
	return &snapshot, nil
}

func (s *MemoryStore) RecordWebhook(_ context.Context, id uuid.UUID, status models.WebhookStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}

	next := *job
	next.Webhook = status
	s.jobs[id] = &next
	return nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("%w: job %s is %s", models.ErrConflict, id, job.Status)
	}

	delete(s.jobs, id)
	for i, queued := range s.order {
		if queued == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) CountJobs(_ context.Context, status models.JobStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if status == "" {
		return len(s.jobs), nil
	}

	count := 0
	for _, job := range s.jobs {
		if job.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) StaleProcessingJobs(_ context.Context, cutoff time.Time) ([]models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []models.Job
	for _, id := range s.order {
		job := s.jobs[id]
		if job.Status == models.JobStatusProcessing && job.StartedAt != nil && job.StartedAt.Before(cutoff) {
			stale = append(stale, *job)
		}
	}
	return stale, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
