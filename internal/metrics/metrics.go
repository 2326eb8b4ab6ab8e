// Package metrics records job, webhook and HTTP counters for the /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bobarin/ttsjobs/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Webhook attempt outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Recorder is the sink every component reports to.
type Recorder interface {
	JobCreated(language string)
	// JobFinished is called once per terminal transition. processing is zero
	// for jobs that never started.
	JobFinished(status models.JobStatus, language string, processing time.Duration)
	QueueLength(n int)
	PendingJobs(n int)
	WebhookAttempt(outcome string, latency time.Duration)
	WebhookDelivery(delivered bool)
	WebhookRetry()
	ArtifactsReclaimed(n int)
	HTTPRequest(method, endpoint string, status int, latency time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) JobCreated(string) {}
func (Nop) JobFinished(models.JobStatus, string, time.Duration) {}
func (Nop) QueueLength(int) {}
func (Nop) PendingJobs(int) {}
func (Nop) WebhookAttempt(string, time.Duration) {}
func (Nop) WebhookDelivery(bool) {}
func (Nop) WebhookRetry() {}
func (Nop) ArtifactsReclaimed(int) {}
func (Nop) HTTPRequest(string, string, int, time.Duration) {}

// Prometheus registers its collectors on a private registry so tests can
// create as many as they like.
type Prometheus struct {
	registry *prometheus.Registry

	jobCreated         *prometheus.CounterVec
	jobStatus          *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	queueLength        prometheus.Gauge
	pendingJobs        prometheus.Gauge
	webhookAttempts    *prometheus.CounterVec
	webhookLatency     *prometheus.HistogramVec
	webhookDeliveries  *prometheus.CounterVec
	webhookRetries     prometheus.Counter
	artifactsReclaimed prometheus.Counter
	requests           *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
}

var _ Recorder = (*Prometheus)(nil)

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		jobCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tts_job_created_total",
			Help: "Total number of async jobs created",
		}, []string{"language"}),
		jobStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tts_job_status_total",
			Help: "Total number of jobs by final status",
		}, []string{"status", "language"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tts_job_processing_duration_seconds",
			Help:    "Job processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"language", "status"}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tts_job_queue_length",
			Help: "Current number of jobs in the queue",
		}),
		pendingJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tts_job_pending_total",
			Help: "Current number of pending jobs",
		}),
		webhookAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tts_webhook_attempts_total",
			Help: "Total number of individual webhook attempts",
		}, []string{"outcome"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tts_webhook_attempt_duration_seconds",
			Help:    "Webhook attempt duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
		webhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tts_webhook_delivery_total",
			Help: "Total number of webhook delivery sequences by final result",
		}, []string{"status"}),
		webhookRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tts_webhook_retry_total",
			Help: "Total number of webhook retry attempts",
		}),
		artifactsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tts_artifacts_reclaimed_total",
			Help: "Total number of expired artifacts deleted",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tts_api_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tts_api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method", "endpoint"}),
	}

	p.registry.MustRegister(
		p.jobCreated, p.jobStatus, p.jobDuration,
		p.queueLength, p.pendingJobs,
		p.webhookAttempts, p.webhookLatency, p.webhookDeliveries, p.webhookRetries,
		p.artifactsReclaimed,
		p.requests, p.requestDuration,
	)
	return p
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) JobCreated(language string) {
	p.jobCreated.WithLabelValues(language).Inc()
}

func (p *Prometheus) JobFinished(status models.JobStatus, language string, processing time.Duration) {
	p.jobStatus.WithLabelValues(string(status), language).Inc()
	if processing > 0 {
		p.jobDuration.WithLabelValues(language, string(status)).Observe(processing.Seconds())
	}
}

func (p *Prometheus) QueueLength(n int) { p.queueLength.Set(float64(n)) }
func (p *Prometheus) PendingJobs(n int) { p.pendingJobs.Set(float64(n)) }

func (p *Prometheus) WebhookAttempt(outcome string, latency time.Duration) {
	p.webhookAttempts.WithLabelValues(outcome).Inc()
	p.webhookLatency.WithLabelValues(outcome).Observe(latency.Seconds())
}

func (p *Prometheus) WebhookDelivery(delivered bool) {
	status := OutcomeFailure
	if delivered {
		status = OutcomeSuccess
	}
	p.webhookDeliveries.WithLabelValues(status).Inc()
}

func (p *Prometheus) WebhookRetry() { p.webhookRetries.Inc() }

func (p *Prometheus) ArtifactsReclaimed(n int) {
	p.artifactsReclaimed.Add(float64(n))
}

func (p *Prometheus) HTTPRequest(method, endpoint string, status int, latency time.Duration) {
	p.requests.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	p.requestDuration.WithLabelValues(method, endpoint).Observe(latency.Seconds())
}
