package webhook_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/ttsjobs/internal/models"
	"github.com/bobarin/ttsjobs/internal/webhook"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeliverer struct {
	mu       sync.Mutex
	payloads []models.WebhookPayload
	urls     []string
	fail     bool
}

func (f *fakeDeliverer) Deliver(_ context.Context, url string, p models.WebhookPayload) (models.WebhookStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
	f.urls = append(f.urls, url)
	if f.fail {
		reason := "status 500"
		return models.WebhookStatus{Attempts: 3, LastError: &reason}, &models.DeliveryError{URL: url, Attempts: 3, Err: errors.New(reason)}
	}
	return models.WebhookStatus{Delivered: true, Attempts: 1}, nil
}

func (f *fakeDeliverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

type fakeRecords struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]models.WebhookStatus
}

func (f *fakeRecords) RecordWebhook(_ context.Context, id uuid.UUID, s models.WebhookStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = map[uuid.UUID]models.WebhookStatus{}
	}
	f.statuses[id] = s
	return nil
}

func (f *fakeRecords) get(id uuid.UUID) (models.WebhookStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.statuses[id]
	return s, ok
}

func terminalJob(status models.JobStatus, callback string) models.Job {
	now := time.Now().UTC()
	job := models.Job{
		ID:          uuid.New(),
		Text:        "Akkam jirta?",
		Language:    "oromo",
		CallbackURL: callback,
		Status:      status,
		CreatedAt:   now,
		CompletedAt: &now,
	}
	if status == models.JobStatusCompleted {
		ref := job.ID.String()
		job.ArtifactRef = &ref
		job.StartedAt = &now
	}
	return job
}

func runDispatcher(t *testing.T, d *webhook.Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestDispatcherDeliversAndRecords(t *testing.T) {
	t.Parallel()

	sender := &fakeDeliverer{}
	records := &fakeRecords{}
	d := webhook.NewDispatcher(sender, records, "https://tts.example.com/", 2, 8)
	runDispatcher(t, d)

	job := terminalJob(models.JobStatusCompleted, "https://client.example.com/hook")
	require.NoError(t, d.Notify(context.Background(), job))

	require.Eventually(t, func() bool {
		_, ok := records.get(job.ID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	status, _ := records.get(job.ID)
	assert.True(t, status.Delivered)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.payloads, 1)
	assert.Equal(t, "https://client.example.com/hook", sender.urls[0])
	require.NotNil(t, sender.payloads[0].AudioURL)
	assert.Equal(t, "https://tts.example.com/v1/download/"+job.ID.String(), *sender.payloads[0].AudioURL)
}

func TestDispatcherRecordsFailureWithoutTouchingJob(t *testing.T) {
	t.Parallel()

	sender := &fakeDeliverer{fail: true}
	records := &fakeRecords{}
	d := webhook.NewDispatcher(sender, records, "", 1, 1)
	runDispatcher(t, d)

	job := terminalJob(models.JobStatusFailed, "https://client.example.com/hook")
	msg := "synthesis failed"
	job.ErrorMessage = &msg
	require.NoError(t, d.Notify(context.Background(), job))

	require.Eventually(t, func() bool {
		_, ok := records.get(job.ID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	status, _ := records.get(job.ID)
	assert.False(t, status.Delivered)
	assert.Equal(t, 3, status.Attempts)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Nil(t, sender.payloads[0].AudioURL, "failed jobs carry no audio URL")
	assert.Equal(t, models.JobStatusFailed, sender.payloads[0].Status)
}

func TestDispatcherSkipsJobsWithoutCallback(t *testing.T) {
	t.Parallel()

	sender := &fakeDeliverer{}
	d := webhook.NewDispatcher(sender, &fakeRecords{}, "", 1, 1)
	runDispatcher(t, d)

	require.NoError(t, d.Notify(context.Background(), terminalJob(models.JobStatusCompleted, "")))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sender.count())
	assert.Zero(t, d.Pending())
}

func TestDispatcherRejectsNonTerminalJobs(t *testing.T) {
	t.Parallel()

	d := webhook.NewDispatcher(&fakeDeliverer{}, &fakeRecords{}, "", 1, 1)
	job := terminalJob(models.JobStatusCompleted, "https://client.example.com/hook")
	job.Status = models.JobStatusProcessing

	assert.Error(t, d.Notify(context.Background(), job))
}

func TestDispatcherNotifyAfterStop(t *testing.T) {
	t.Parallel()

	d := webhook.NewDispatcher(&fakeDeliverer{}, &fakeRecords{}, "", 1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))

	err := d.Notify(context.Background(), terminalJob(models.JobStatusCancelled, "https://client.example.com/hook"))
	assert.ErrorIs(t, err, webhook.ErrDispatcherStopped)
}

func TestDispatcherNotifyQueuesDespiteCancelledContext(t *testing.T) {
	t.Parallel()

	d := webhook.NewDispatcher(&fakeDeliverer{}, &fakeRecords{}, "", 1, 200)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// With buffer space free the send must win every time.
	for i := 0; i < 200; i++ {
		require.NoError(t, d.Notify(ctx, terminalJob(models.JobStatusCancelled, "https://client.example.com/hook")))
	}
	assert.Equal(t, 200, d.Pending())
}

func TestDispatcherNotifyGivesUpWhenBufferStaysFull(t *testing.T) {
	t.Parallel()

	d := webhook.NewDispatcher(&fakeDeliverer{}, &fakeRecords{}, "", 1, 1)
	require.NoError(t, d.Notify(context.Background(), terminalJob(models.JobStatusFailed, "https://client.example.com/hook")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Notify(ctx, terminalJob(models.JobStatusFailed, "https://client.example.com/hook"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, d.Pending())
}
