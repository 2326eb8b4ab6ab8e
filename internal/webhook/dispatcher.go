package webhook

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/bobarin/ttsjobs/internal/models"
	"github.com/google/uuid"
)

// Deliverer runs a full delivery sequence for one payload.
type Deliverer interface {
	Deliver(ctx context.Context, url string, payload models.WebhookPayload) (models.WebhookStatus, error)
}

// StatusRecorder persists the outcome of a delivery sequence on the job.
type StatusRecorder interface {
	RecordWebhook(ctx context.Context, id uuid.UUID, status models.WebhookStatus) error
}

var ErrDispatcherStopped = errors.New("webhook dispatcher stopped")

// Dispatcher decouples delivery from the worker: terminal jobs are buffered
// and drained by a fixed pool, so a slow callback endpoint never holds up synthesis.
type Dispatcher struct {
	sender  Deliverer
	records StatusRecorder
	baseURL string
	workers int

	jobs    chan models.Job
	stopped chan struct{}
	once    sync.Once
}

func NewDispatcher(sender Deliverer, records StatusRecorder, publicBaseURL string, workers, buffer int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	return &Dispatcher{
		sender:  sender,
		records: records,
		baseURL: publicBaseURL,
		workers: workers,
		jobs:    make(chan models.Job, buffer),
		stopped: make(chan struct{}),
	}
}

// Notify hands a terminal job over for delivery. Jobs without a callback URL
// are skipped. It blocks only while the buffer is full; ctx bounds that wait
// and nothing else.
func (d *Dispatcher) Notify(ctx context.Context, job models.Job) error {
	if job.CallbackURL == "" {
		return nil
	}
	if !job.Status.IsTerminal() {
		return fmt.Errorf("job %s is %s, not terminal", job.ID, job.Status)
	}

	select {
	case <-d.stopped:
		return ErrDispatcherStopped
	default:
	}

	select {
	case d.jobs <- job:
		return nil
	default:
	}

	select {
	case d.jobs <- job:
		return nil
	case <-d.stopped:
		return ErrDispatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the delivery pool and blocks until ctx is cancelled and every
// in-flight delivery has returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Printf("[Webhook] Dispatcher started with %d workers", d.workers)
	defer d.once.Do(func() { close(d.stopped) })

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-d.jobs:
					d.deliver(ctx, job)
				}
			}
		}()
	}
	wg.Wait()

	if n := len(d.jobs); n > 0 {
		log.Printf("[Webhook] Dispatcher stopped with %d undelivered notifications", n)
	}
	return nil
}

// Pending reports how many notifications are waiting for a free worker.
func (d *Dispatcher) Pending() int {
	return len(d.jobs)
}

func (d *Dispatcher) deliver(ctx context.Context, job models.Job) {
	audioURL := ""
	if job.Status == models.JobStatusCompleted {
		audioURL = models.AudioURL(d.baseURL, job.ID)
	}

	status, err := d.sender.Deliver(ctx, job.CallbackURL, models.NewWebhookPayload(job, audioURL))
	if err != nil {
		log.Printf("[Webhook] Job %s (%s): %v", job.ID, job.Status, err)
	}

	// Bookkeeping must outlive shutdown of the delivery context.
	if err := d.records.RecordWebhook(context.WithoutCancel(ctx), job.ID, status); err != nil {
		log.Printf("[Webhook] Failed to record delivery for job %s: %v", job.ID, err)
	}
}
