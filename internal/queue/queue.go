// Package queue hands admitted job IDs from the admission path to the worker in FIFO order.
package queue

import (
	"context"
	"sync"

	"github.com/bobarin/ttsjobs/internal/models"
	"github.com/google/uuid"
)

// Queue is the job hand-off. Enqueue never blocks: past capacity it fails
// with models.ErrQueueFull. Dequeue blocks until an ID is available and
// returns models.ErrQueueClosed once the queue is shut down.
type Queue interface {
	Enqueue(ctx context.Context, id uuid.UUID) error
	Dequeue(ctx context.Context) (uuid.UUID, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// message is the wire form used by the broker-backed queues.
type message struct {
	JobID uuid.UUID `json:"job_id"`
}

type MemoryQueue struct {
	items     chan uuid.UUID
	done      chan struct{}
	closeOnce sync.Once
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryQueue{
		items: make(chan uuid.UUID, capacity),
		done:  make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, id uuid.UUID) error {
	select {
	case <-q.done:
		return models.ErrQueueClosed
	default:
	}

	select {
	case q.items <- id:
		return nil
	default:
		return models.ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (uuid.UUID, error) {
	select {
	case <-q.done:
		return uuid.Nil, models.ErrQueueClosed
	default:
	}

	select {
	case id := <-q.items:
		return id, nil
	case <-q.done:
		return uuid.Nil, models.ErrQueueClosed
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	return len(q.items), nil
}

// Close wakes every blocked Dequeue. Items still buffered are dropped.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
