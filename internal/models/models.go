package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Enums
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed out of s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition enforces the job state machine edges:
//
//	pending -> processing -> {completed, failed}
//	pending -> cancelled
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing || to == JobStatusCancelled
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusFailed
	default:
		return false
	}
}

// Models

type Job struct {
	ID           uuid.UUID     `json:"job_id"`
	Text         string        `json:"text"`
	Language     string        `json:"language"`
	CallbackURL  string        `json:"webhook_url,omitempty"`
	Status       JobStatus     `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	ArtifactRef  *string       `json:"artifact_ref,omitempty"` // Set only when completed; equals the job ID
	ErrorMessage *string       `json:"error_message,omitempty"`
	Webhook      WebhookStatus `json:"webhook"`
}

// WebhookStatus is delivery bookkeeping. It never influences Job.Status.
type WebhookStatus struct {
	Delivered bool    `json:"delivered"`
	Attempts  int     `json:"attempts"`
	LastError *string `json:"last_error,omitempty"`
}

// Transition describes a requested status change and the fields it carries.
type Transition struct {
	To          JobStatus
	ArtifactRef string // required when To is completed
	Error       string // required when To is failed
	At          time.Time
}

// Apply validates t against the state machine and mutates j in place.
// Pointer fields are always replaced, never written through, so shallow
// copies of a Job taken before Apply stay unchanged.
func (j *Job) Apply(t Transition) error {
	if !CanTransition(j.Status, t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, t.To)
	}

	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch t.To {
	case JobStatusProcessing:
		j.StartedAt = &at
	case JobStatusCompleted:
		if t.ArtifactRef == "" {
			return &ValidationError{Field: "artifact_ref", Message: "completed jobs require an artifact reference"}
		}
		ref := t.ArtifactRef
		j.ArtifactRef = &ref
		j.CompletedAt = &at
	case JobStatusFailed:
		if t.Error == "" {
			return &ValidationError{Field: "error_message", Message: "failed jobs require an error detail"}
		}
		msg := t.Error
		j.ErrorMessage = &msg
		j.CompletedAt = &at
	case JobStatusCancelled:
		j.CompletedAt = &at
	}

	j.Status = t.To
	return nil
}

// ProcessingDuration returns how long the job spent between pickup and completion.
func (j *Job) ProcessingDuration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// AudioURL is the download location for a completed job's artifact.
func AudioURL(baseURL string, id uuid.UUID) string {
	return strings.TrimRight(baseURL, "/") + "/v1/download/" + id.String()
}

// WebhookPayload is the body POSTed to the job's callback URL.
// Fields are declared in json key order so the encoded body has sorted keys.
type WebhookPayload struct {
	ArtifactRef  *string    `json:"artifact_ref"`
	AudioURL     *string    `json:"audio_url"`
	CompletedAt  *time.Time `json:"completed_at"`
	CreatedAt    time.Time  `json:"created_at"`
	ErrorMessage *string    `json:"error_message"`
	JobID        uuid.UUID  `json:"job_id"`
	Language     string     `json:"language"`
	StartedAt    *time.Time `json:"started_at"`
	Status       JobStatus  `json:"status"`
	TextLength   int        `json:"text_length"`
}

// NewWebhookPayload snapshots a terminal job. audioURL is only attached to completed jobs.
func NewWebhookPayload(job Job, audioURL string) WebhookPayload {
	p := WebhookPayload{
		JobID:        job.ID,
		Status:       job.Status,
		Language:     job.Language,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		ArtifactRef:  job.ArtifactRef,
		ErrorMessage: job.ErrorMessage,
		TextLength:   len([]rune(job.Text)),
	}
	if job.Status == JobStatusCompleted && audioURL != "" {
		p.AudioURL = &audioURL
	}
	return p
}

// DTOs for API requests and responses

type CreateJobRequest struct {
	Text       string `json:"text"`
	Language   string `json:"language,omitempty"`    // Default: DEFAULT_LANGUAGE
	WebhookURL string `json:"webhook_url,omitempty"` // Empty means no webhook
}

type CreateJobResponse struct {
	JobID     uuid.UUID `json:"job_id"`
	Status    JobStatus `json:"status"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// JobResponse is the public view of a job. The input text is omitted.
type JobResponse struct {
	JobID        uuid.UUID     `json:"job_id"`
	Status       JobStatus     `json:"status"`
	Language     string        `json:"language"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	ArtifactRef  *string       `json:"artifact_ref,omitempty"`
	AudioURL     *string       `json:"audio_url,omitempty"`
	ErrorMessage *string       `json:"error_message,omitempty"`
	Webhook      WebhookStatus `json:"webhook"`
}

type ListJobsResponse struct {
	Jobs     []JobResponse `json:"jobs"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

type CancelJobResponse struct {
	JobID       uuid.UUID `json:"job_id"`
	Status      JobStatus `json:"status"`
	Message     string    `json:"message"`
	CancelledAt time.Time `json:"cancelled_at"`
}

type HealthResponse struct {
	Status         string `json:"status"`
	WorkerRunning  bool   `json:"worker_running"`
	WorkerRestarts int    `json:"worker_restarts"`
	QueueLength    int    `json:"queue_length"`
	PendingJobs    int    `json:"pending_jobs"`
	TotalJobs      int    `json:"total_jobs"`
}
