package jobs_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/ttsjobs/internal/db"
	"github.com/bobarin/ttsjobs/internal/jobs"
	"github.com/bobarin/ttsjobs/internal/models"
	"github.com/bobarin/ttsjobs/internal/queue"
	"github.com/bobarin/ttsjobs/internal/storage"
	"github.com/bobarin/ttsjobs/internal/webhook"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []models.Job
}

func (n *recordingNotifier) Notify(_ context.Context, job models.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job)
	return nil
}

func (n *recordingNotifier) notified() []models.Job {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Job(nil), n.jobs...)
}

type fixture struct {
	svc       *jobs.Service
	store     *db.MemoryStore
	queue     *queue.MemoryQueue
	artifacts *storage.DiskStore
	notifier  *recordingNotifier
}

func newFixture(t *testing.T, opts jobs.Options, capacity int) *fixture {
	t.Helper()

	artifacts, err := storage.NewDiskStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		store:     db.NewMemoryStore(),
		queue:     queue.NewMemoryQueue(capacity),
		artifacts: artifacts,
		notifier:  &recordingNotifier{},
	}
	t.Cleanup(func() { f.queue.Close() })

	if opts.PublicBaseURL == "" {
		opts.PublicBaseURL = "https://tts.example.com"
	}
	f.svc = jobs.NewService(f.store, f.queue, f.artifacts, f.notifier, nil, opts)
	return f
}

func TestCreateAdmitsPendingJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, jobs.Options{}, 10)
	ctx := context.Background()

	job, err := f.svc.Create(ctx, models.CreateJobRequest{Text: "Akkam jirta?", Language: " Oromo "})
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, "oromo", job.Language)
	assert.NotEqual(t, uuid.Nil, job.ID)

	queued, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, queued)
}

func TestCreateDefaultsLanguage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, jobs.Options{DefaultLanguage: "amharic"}, 10)

	job, err := f.svc.Create(context.Background(), models.CreateJobRequest{Text: "ሰላም"})
	require.NoError(t, err)
	assert.Equal(t, "amharic", job.Language)
}

func TestCreateIdentifiersAreUnique(t *testing.T) {
	t.Parallel()
	f := newFixture(t, jobs.Options{}, 100)

	seen := map[uuid.UUID]bool{}
	for i := 0; i < 50; i++ {
		job, err := f.svc.Create(context.Background(), models.CreateJobRequest{Text: "x"})
		require.NoError(t, err)
		require.False(t, seen[job.ID])
		seen[job.ID] = true
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, jobs.Options{MaxTextLength: 10}, 10)

	cases := map[string]models.CreateJobRequest{
		"empty text":       {Text: "   "},
		"text too long":    {Text: strings.Repeat("a", 11)},
		"unknown language": {Text: "hello", Language: "klingon"},
		"bad webhook":      {Text: "hello", WebhookURL: "ftp://example.com/hook"},
		"relative webhook": {Text: "hello", WebhookURL: "/hook"},
	}
	for name, req := range cases {
		_, err := f.svc.Create(context.Background(), req)
		assert.ErrorIs(t, err, models.ErrValidation, name)
	}

	total, err := f.store.CountJobs(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, total, "rejected requests must not create jobs")
}

func TestCreateRejectsBeyondMaxPending(t *testing.T) {
	t.Parallel()
	f := newFixture(t, jobs.Options{MaxPending: 100}, 1000)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, err := f.svc.Create(ctx, models.CreateJobRequest{Text: "x"})
		require.NoError(t, err)
	}

	_, err := f.svc.Create(ctx, models.CreateJobRequest{Text: "one too many"})
	assert.ErrorIs(t, err, models.ErrQueueFull)

	pending, err := f.store.CountJobs(ctx, models.JobStatusPending)
	require.NoError(t, err)
	assert.Equal(t, 100, pending)
}

func TestCreateConcurrentAdmissionNeverOvershoots(t *testing.T) {
	t.Parallel()
	f := newFixture(t, jobs.Options{MaxPending: 20}, 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Create(context.Background(), models.CreateJobRequest{Text: "x"}); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, admitted)
}

func TestCreateRollsBackJobWhenQueueIsFull(t *testing.T) {
	t.Parallel()
	f := newFixture(t, jobs.Options{MaxPending: 100}, 1)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, models.CreateJobRequest{Text: "first"})
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, models.CreateJobRequest{Text: "second", WebhookURL: "https://hooks.example.com/tts"})
	assert.ErrorIs(t, err, models.ErrQueueFull)

	total, err := f.store.CountJobs(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, total, "a rejected job leaves no row behind")

	resp, err := f.svc.List(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, first.ID, resp.Jobs[0].JobID)

	assert.Empty(t, f.notifier.notified())
}

func TestGetUnknownJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, jobs.Options{}, 10)

	_, err := f.svc.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestListClampsAndOrders(t *testing.T) {
	t.Parallel()
	f := newFixture(t, jobs.Options{}, 10)
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		job, err := f.svc.Create(ctx, models.CreateJobRequest{Text: "x"})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	resp, err := f.svc.List(ctx, 0, 500)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Page)
	assert.Equal(t, db.MaxPageSize, resp.PageSize)
	assert.Equal(t, 3, resp.Total)
	require.Len(t, resp.Jobs, 3)
	for i, j := range resp.Jobs {
		assert.Equal(t, ids[i], j.JobID)
	}

	resp, err = f.svc.List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, ids[2], resp.Jobs[0].JobID)
}

func TestCancelPendingJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, jobs.Options{}, 10)
	ctx := context.Background()

	job, err := f.svc.Create(ctx, models.CreateJobRequest{Text: "x", WebhookURL: "https://hooks.example.com/tts"})
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)
	assert.Nil(t, cancelled.ArtifactRef)

	notified := f.notifier.notified()
	require.Len(t, notified, 1)
	assert.Equal(t, models.JobStatusCancelled, notified[0].Status)

	// a second cancel is a conflict and sends nothing
	_, err = f.svc.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, models.ErrConflict)
	assert.Len(t, f.notifier.notified(), 1)
}

type countingDeliverer struct {
	mu       sync.Mutex
	payloads map[uuid.UUID][]models.WebhookPayload
}

func (d *countingDeliverer) Deliver(_ context.Context, _ string, p models.WebhookPayload) (models.WebhookStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.payloads == nil {
		d.payloads = map[uuid.UUID][]models.WebhookPayload{}
	}
	d.payloads[p.JobID] = append(d.payloads[p.JobID], p)
	return models.WebhookStatus{Delivered: true, Attempts: 1}, nil
}

func (d *countingDeliverer) deliveries(id uuid.UUID) []models.WebhookPayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.WebhookPayload(nil), d.payloads[id]...)
}

func (d *countingDeliverer) total() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, p := range d.payloads {
		n += len(p)
	}
	return n
}

func TestCancelDeliversOneWebhookEvenAfterClientLeaves(t *testing.T) {
	t.Parallel()

	artifacts, err := storage.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	store := db.NewMemoryStore()
	q := queue.NewMemoryQueue(500)
	t.Cleanup(func() { q.Close() })

	sender := &countingDeliverer{}
	dispatcher := webhook.NewDispatcher(sender, store, "https://tts.example.com", 4, 500)
	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = dispatcher.Run(runCtx)
	}()
	t.Cleanup(func() {
		stop()
		<-done
	})

	svc := jobs.NewService(store, q, artifacts, dispatcher, nil, jobs.Options{MaxPending: 500})

	// The request context is gone by the time the transition commits.
	gone, cancel := context.WithCancel(context.Background())
	cancel()

	const n = 200
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		job, err := svc.Create(context.Background(), models.CreateJobRequest{Text: "x", WebhookURL: "https://hooks.example.com/tts"})
		require.NoError(t, err)
		_, err = svc.Cancel(gone, job.ID)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	// A repeated cancel is a conflict and must not start a second sequence.
	_, err = svc.Cancel(context.Background(), ids[0])
	require.ErrorIs(t, err, models.ErrConflict)

	require.Eventually(t, func() bool { return sender.total() == n }, 5*time.Second, 10*time.Millisecond)
	for _, id := range ids {
		got := sender.deliveries(id)
		require.Len(t, got, 1)
		assert.Equal(t, models.JobStatusCancelled, got[0].Status)
	}

	require.Eventually(t, func() bool {
		job, err := store.GetJob(context.Background(), ids[n-1])
		return err == nil && job.Webhook.Delivered
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelProcessingJobConflicts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, jobs.Options{}, 10)
	ctx := context.Background()

	job, err := f.svc.Create(ctx, models.CreateJobRequest{Text: "x"})
	require.NoError(t, err)
	_, err = f.store.TransitionJob(ctx, job.ID, models.Transition{To: models.JobStatusProcessing})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, models.ErrConflict)

	got, err := f.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
}

func TestDownload(t *testing.T) {
	t.Parallel()
	f := newFixture(t, jobs.Options{}, 10)
	ctx := context.Background()

	job, err := f.svc.Create(ctx, models.CreateJobRequest{Text: "x"})
	require.NoError(t, err)

	_, err = f.svc.Download(ctx, job.ID)
	assert.ErrorIs(t, err, models.ErrConflict, "pending jobs have nothing to download")

	audio := []byte("RIFF....WAVE")
	_, err = f.store.TransitionJob(ctx, job.ID, models.Transition{To: models.JobStatusProcessing})
	require.NoError(t, err)
	require.NoError(t, f.artifacts.Put(ctx, job.ID, audio))
	_, err = f.store.TransitionJob(ctx, job.ID, models.Transition{To: models.JobStatusCompleted, ArtifactRef: job.ID.String()})
	require.NoError(t, err)

	got, err := f.svc.Download(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, audio, got)

	_, err = f.svc.Download(ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDownloadAfterReclaimIsGone(t *testing.T) {
	t.Parallel()
	f := newFixture(t, jobs.Options{}, 10)
	ctx := context.Background()

	job, err := f.svc.Create(ctx, models.CreateJobRequest{Text: "x"})
	require.NoError(t, err)
	_, err = f.store.TransitionJob(ctx, job.ID, models.Transition{To: models.JobStatusProcessing})
	require.NoError(t, err)
	require.NoError(t, f.artifacts.Put(ctx, job.ID, []byte("audio")))
	_, err = f.store.TransitionJob(ctx, job.ID, models.Transition{To: models.JobStatusCompleted, ArtifactRef: job.ID.String()})
	require.NoError(t, err)

	f.artifacts.WithClock(func() time.Time { return time.Now().Add(25 * time.Hour) })
	n, err := f.artifacts.Reclaim(ctx, storage.DefaultRetention)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = f.svc.Download(ctx, job.ID)
	assert.ErrorIs(t, err, models.ErrGone)
}

func TestResponseAudioURLOnlyWhenCompleted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, jobs.Options{PublicBaseURL: "https://tts.example.com/"}, 10)

	ref := "ref"
	job := models.Job{ID: uuid.New(), Status: models.JobStatusCompleted, ArtifactRef: &ref}
	resp := f.svc.Response(job)
	require.NotNil(t, resp.AudioURL)
	assert.Equal(t, "https://tts.example.com/v1/download/"+job.ID.String(), *resp.AudioURL)

	job.Status = models.JobStatusPending
	assert.Nil(t, f.svc.Response(job).AudioURL)
}

func TestStats(t *testing.T) {
	t.Parallel()
	f := newFixture(t, jobs.Options{}, 10)
	ctx := context.Background()

	a, err := f.svc.Create(ctx, models.CreateJobRequest{Text: "x"})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, models.CreateJobRequest{Text: "y"})
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, a.ID)
	require.NoError(t, err)

	st, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.Stats{QueueLength: 2, PendingJobs: 1, TotalJobs: 2}, st)
}
