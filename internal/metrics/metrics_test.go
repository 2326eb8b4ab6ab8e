package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bobarin/ttsjobs/internal/metrics"
	"github.com/bobarin/ttsjobs/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertSeries(t *testing.T, p *metrics.Prometheus, name string, want int) {
	t.Helper()
	got, err := testutil.GatherAndCount(p.Registry(), name)
	require.NoError(t, err)
	assert.Equal(t, want, got, name)
}

func TestPrometheusJobMetrics(t *testing.T) {
	t.Parallel()

	p := metrics.NewPrometheus()
	p.JobCreated("oromo")
	p.JobCreated("oromo")
	p.JobCreated("amharic")
	p.JobFinished(models.JobStatusCompleted, "oromo", 3*time.Second)
	p.JobFinished(models.JobStatusCancelled, "oromo", 0)
	p.QueueLength(4)
	p.PendingJobs(7)

	// series are counted per label set, not per increment
	assertSeries(t, p, "tts_job_created_total", 2)
	assertSeries(t, p, "tts_job_status_total", 2)
	// cancelled jobs never started, so only one duration series exists
	assertSeries(t, p, "tts_job_processing_duration_seconds", 1)
	assertSeries(t, p, "tts_job_queue_length", 1)
}

func TestPrometheusWebhookMetrics(t *testing.T) {
	t.Parallel()

	p := metrics.NewPrometheus()
	p.WebhookAttempt(metrics.OutcomeFailure, 100*time.Millisecond)
	p.WebhookRetry()
	p.WebhookAttempt(metrics.OutcomeSuccess, 50*time.Millisecond)
	p.WebhookDelivery(true)
	p.ArtifactsReclaimed(2)
	p.ArtifactsReclaimed(3)

	assertSeries(t, p, "tts_webhook_attempts_total", 2)
	assertSeries(t, p, "tts_webhook_retry_total", 1)
	assertSeries(t, p, "tts_webhook_delivery_total", 1)
}

func TestPrometheusHandler(t *testing.T) {
	t.Parallel()

	p := metrics.NewPrometheus()
	p.HTTPRequest("POST", "/v1/tts/async", 202, 10*time.Millisecond)
	p.ArtifactsReclaimed(5)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `tts_api_requests_total{endpoint="/v1/tts/async",method="POST",status_code="202"} 1`)
	assert.Contains(t, string(body), "tts_artifacts_reclaimed_total 5")
}

func TestNopSatisfiesRecorder(t *testing.T) {
	var r metrics.Recorder = metrics.Nop{}
	r.JobCreated("oromo")
	r.WebhookDelivery(false)
}
