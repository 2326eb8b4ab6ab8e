package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/bobarin/ttsjobs/internal/db"
	"github.com/bobarin/ttsjobs/internal/metrics"
	"github.com/bobarin/ttsjobs/internal/models"
	"github.com/bobarin/ttsjobs/internal/queue"
	"github.com/bobarin/ttsjobs/internal/services"
	"github.com/bobarin/ttsjobs/internal/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Notifier receives every job the worker moves into a terminal state.
type Notifier interface {
	Notify(ctx context.Context, job models.Job) error
}

type Options struct {
	Concurrency      int
	SynthesisTimeout time.Duration
	StuckTimeout     time.Duration
	SweepInterval    time.Duration
	Retention        time.Duration
	ReclaimInterval  time.Duration
	GaugeInterval    time.Duration
	RestartDelay     time.Duration
}

func (o *Options) setDefaults() {
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.SynthesisTimeout <= 0 {
		o.SynthesisTimeout = 5 * time.Minute
	}
	if o.StuckTimeout <= 0 {
		o.StuckTimeout = 10 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Minute
	}
	if o.Retention <= 0 {
		o.Retention = storage.DefaultRetention
	}
	if o.ReclaimInterval <= 0 {
		o.ReclaimInterval = time.Hour
	}
	if o.GaugeInterval <= 0 {
		o.GaugeInterval = 15 * time.Second
	}
	if o.RestartDelay <= 0 {
		o.RestartDelay = time.Second
	}
}

type Worker struct {
	store     db.Store
	queue     queue.Queue
	artifacts storage.ArtifactStore
	tts       services.TTSService
	notifier  Notifier
	metrics   metrics.Recorder
	opts      Options
	now       func() time.Time

	running  atomic.Bool
	restarts atomic.Int64
}

func New(
	store db.Store,
	q queue.Queue,
	artifacts storage.ArtifactStore,
	tts services.TTSService,
	notifier Notifier,
	rec metrics.Recorder,
	opts Options,
) *Worker {
	opts.setDefaults()
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Worker{
		store:     store,
		queue:     q,
		artifacts: artifacts,
		tts:       tts,
		notifier:  notifier,
		metrics:   rec,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source used for transitions and the stuck-job cutoff.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

// Status is the worker part of the health report.
type Status struct {
	Running  bool
	Restarts int
}

func (w *Worker) Status() Status {
	return Status{Running: w.running.Load(), Restarts: int(w.restarts.Load())}
}

// Start runs the processing loops, the stuck-job sweep and the artifact reclaim
// pass until ctx is cancelled or the queue is closed. Each loop is supervised:
// a crash is logged and the loop restarted.
func (w *Worker) Start(ctx context.Context) error {
	log.Printf("[Worker] Started with concurrency %d (engine=%s)", w.opts.Concurrency, w.tts.Name())
	w.running.Store(true)
	defer w.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Concurrency; i++ {
		name := fmt.Sprintf("processor-%d", i)
		g.Go(func() error { return w.supervise(gctx, name, w.processLoop) })
	}
	g.Go(func() error {
		return w.supervise(gctx, "sweep", w.every(w.opts.SweepInterval, func(ctx context.Context) {
			if _, err := w.SweepStuck(ctx); err != nil {
				log.Printf("[Sweep] %v", err)
			}
		}))
	})
	g.Go(func() error {
		return w.supervise(gctx, "reclaim", w.every(w.opts.ReclaimInterval, func(ctx context.Context) {
			if _, err := w.ReclaimArtifacts(ctx); err != nil {
				log.Printf("[Storage] Reclaim failed: %v", err)
			}
		}))
	})
	g.Go(func() error {
		return w.supervise(gctx, "gauges", w.every(w.opts.GaugeInterval, w.updateGauges))
	})

	err := g.Wait()
	log.Println("[Worker] Shutting down...")
	return err
}

// supervise reruns fn until the context ends or the queue is closed.
func (w *Worker) supervise(ctx context.Context, name string, fn func(context.Context) error) error {
	for {
		err := runSafely(ctx, fn)
		if ctx.Err() != nil || errors.Is(err, models.ErrQueueClosed) {
			return nil
		}

		w.restarts.Add(1)
		log.Printf("[Worker] Loop %s stopped: %v; restarting in %s", name, err, w.opts.RestartDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.opts.RestartDelay):
		}
	}
}

func runSafely(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

func (w *Worker) every(interval time.Duration, fn func(context.Context)) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				fn(ctx)
			}
		}
	}
}

func (w *Worker) processLoop(ctx context.Context) error {
	for {
		id, err := w.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		if err := w.Process(ctx, id); err != nil {
			log.Printf("[Worker] Job %s: %v", id, err)
		}
	}
}

// Process runs one dequeued job to a terminal state. Jobs that are no longer
// pending, such as those cancelled while queued, are skipped.
func (w *Worker) Process(ctx context.Context, id uuid.UUID) error {
	// An in-flight job is finished even while shutting down.
	ctx = context.WithoutCancel(ctx)

	job, err := w.store.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	if job.Status != models.JobStatusPending {
		log.Printf("[Worker] Skipping job %s: status is %s", id, job.Status)
		return nil
	}

	job, err = w.store.TransitionJob(ctx, id, models.Transition{To: models.JobStatusProcessing, At: w.now()})
	if errors.Is(err, models.ErrConflict) {
		log.Printf("[Worker] Skipping job %s: cancelled before pickup", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark job processing: %w", err)
	}

	log.Printf("[Worker] Processing job %s (language=%s, textLen=%d)", id, job.Language, len(job.Text))

	synthCtx, cancel := context.WithTimeout(ctx, w.opts.SynthesisTimeout)
	audio, err := w.tts.Synthesize(synthCtx, job.Text, job.Language)
	cancel()
	if err != nil {
		return w.fail(ctx, id, err.Error())
	}
	if len(audio.AudioData) == 0 {
		return w.fail(ctx, id, "synthesis produced no audio")
	}

	if err := w.artifacts.Put(ctx, id, audio.AudioData); err != nil {
		return w.fail(ctx, id, fmt.Sprintf("failed to store audio: %v", err))
	}

	done, err := w.store.TransitionJob(ctx, id, models.Transition{
		To:          models.JobStatusCompleted,
		ArtifactRef: id.String(),
		At:          w.now(),
	})
	if err != nil {
		// The sweep may have failed the job while synthesis was running; the
		// stored artifact expires with the normal retention.
		return fmt.Errorf("failed to mark job completed: %w", err)
	}

	log.Printf("[Worker] Job %s completed (%d bytes, %dms audio)", id, len(audio.AudioData), audio.DurationMs)
	w.finish(ctx, *done)
	return nil
}

func (w *Worker) fail(ctx context.Context, id uuid.UUID, reason string) error {
	failed, err := w.store.TransitionJob(ctx, id, models.Transition{
		To:    models.JobStatusFailed,
		Error: reason,
		At:    w.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to mark job failed (%s): %w", reason, err)
	}

	log.Printf("[Worker] Job %s failed: %s", id, reason)
	w.finish(ctx, *failed)
	return nil
}

func (w *Worker) finish(ctx context.Context, job models.Job) {
	w.metrics.JobFinished(job.Status, job.Language, job.ProcessingDuration())
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Notify(context.WithoutCancel(ctx), job); err != nil {
		log.Printf("[Worker] Failed to schedule webhook for job %s: %v", job.ID, err)
	}
}

// SweepStuck fails every job that has been processing longer than the stuck
// timeout. It returns how many jobs it failed.
func (w *Worker) SweepStuck(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.opts.StuckTimeout)
	stale, err := w.store.StaleProcessingJobs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stuck jobs: %w", err)
	}

	failed := 0
	for _, job := range stale {
		reason := fmt.Sprintf("processing timed out after %s", w.opts.StuckTimeout)
		done, err := w.store.TransitionJob(ctx, job.ID, models.Transition{
			To:    models.JobStatusFailed,
			Error: reason,
			At:    w.now(),
		})
		if errors.Is(err, models.ErrConflict) {
			continue // finished between the scan and the transition
		}
		if err != nil {
			log.Printf("[Sweep] Failed to fail stuck job %s: %v", job.ID, err)
			continue
		}

		log.Printf("[Sweep] Job %s stuck since %s, marked failed", job.ID, job.StartedAt.Format(time.RFC3339))
		w.finish(ctx, *done)
		failed++
	}

	if failed > 0 {
		log.Printf("[Sweep] Failed %d stuck jobs", failed)
	}
	return failed, nil
}

// ReclaimArtifacts deletes artifacts past the retention window.
func (w *Worker) ReclaimArtifacts(ctx context.Context) (int, error) {
	n, err := w.artifacts.Reclaim(ctx, w.opts.Retention)
	if n > 0 {
		w.metrics.ArtifactsReclaimed(n)
		log.Printf("[Storage] Reclaimed %d expired artifacts", n)
	}
	return n, err
}

func (w *Worker) updateGauges(ctx context.Context) {
	if n, err := w.queue.Len(ctx); err == nil {
		w.metrics.QueueLength(n)
	}
	if n, err := w.store.CountJobs(ctx, models.JobStatusPending); err == nil {
		w.metrics.PendingJobs(n)
	}
}
