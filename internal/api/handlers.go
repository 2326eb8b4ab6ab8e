package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/bobarin/ttsjobs/internal/jobs"
	"github.com/bobarin/ttsjobs/internal/models"
	"github.com/bobarin/ttsjobs/internal/worker"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxRequestBody = 1 << 20

// queueFullRetryAfter is the Retry-After hint sent when admission is saturated.
const queueFullRetryAfter = 30 * time.Second

// WorkerStatus reports background worker liveness for /health.
type WorkerStatus interface {
	Status() worker.Status
}

type Handler struct {
	jobs   *jobs.Service
	worker WorkerStatus // nil when the worker runs in another process
}

func NewHandler(svc *jobs.Service, w WorkerStatus) *Handler {
	return &Handler{
		jobs:   svc,
		worker: w,
	}
}

// CreateJob handles POST /v1/tts/async
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.CreateJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	job, err := h.jobs.Create(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	w.Header().Set("Location", "/v1/jobs/"+job.ID.String())
	respondJSON(w, http.StatusAccepted, models.CreateJobResponse{
		JobID:     job.ID,
		Status:    job.Status,
		Message:   "Job accepted for processing",
		CreatedAt: job.CreatedAt,
	})
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, h.jobs.Response(*job))
}

// ListJobs handles GET /v1/jobs
// Query params:
//   - page:      1-based page number (default 1)
//   - page_size: results per page (default 20, max 100)
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "page must be an integer")
		return
	}
	pageSize, err := queryInt(r, "page_size")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "page_size must be an integer")
		return
	}

	resp, err := h.jobs.List(r.Context(), page, pageSize)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// CancelJob handles DELETE /v1/jobs/{id}
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	job, err := h.jobs.Cancel(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	cancelledAt := time.Now().UTC()
	if job.CompletedAt != nil {
		cancelledAt = *job.CompletedAt
	}
	respondJSON(w, http.StatusOK, models.CancelJobResponse{
		JobID:       job.ID,
		Status:      job.Status,
		Message:     "Job cancelled",
		CancelledAt: cancelledAt,
	})
}

// Download handles GET /v1/download/{id}
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	audio, err := h.jobs.Download(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.wav"`, id))
	w.WriteHeader(http.StatusOK)
	w.Write(audio)
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.jobs.Stats(r.Context())
	if err != nil {
		log.Printf("[API] Health check failed: %v", err)
		respondError(w, http.StatusServiceUnavailable, "unhealthy", err.Error())
		return
	}

	resp := models.HealthResponse{
		Status:      "healthy",
		QueueLength: stats.QueueLength,
		PendingJobs: stats.PendingJobs,
		TotalJobs:   stats.TotalJobs,
	}
	if h.worker != nil {
		st := h.worker.Status()
		resp.WorkerRunning = st.Running
		resp.WorkerRestarts = st.Restarts
		if !st.Running {
			resp.Status = "degraded"
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

func parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid job ID")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: code, Message: message})
}

// respondServiceError maps the job error taxonomy onto HTTP statuses.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, models.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", "Job not found")
	case errors.Is(err, models.ErrGone):
		respondError(w, http.StatusGone, "gone", "Audio has expired and is no longer available")
	case errors.Is(err, models.ErrConflict):
		respondError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, models.ErrQueueFull):
		w.Header().Set("Retry-After", strconv.Itoa(int(queueFullRetryAfter.Seconds())))
		respondError(w, http.StatusTooManyRequests, "queue_full", "Too many pending jobs, retry later")
	default:
		log.Printf("[API] Internal error: %v", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}
