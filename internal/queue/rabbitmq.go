package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bobarin/ttsjobs/internal/models"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const DefaultRabbitQueue = "tts_jobs"

// RabbitQueue publishes job IDs to a durable queue on the default exchange and
// consumes them with prefetch 1. Deliveries are acked as soon as they are handed
// to a worker; a job lost after that point is reclaimed by the stuck-job sweep.
// The consumer is registered on the first Dequeue so producer-only processes
// never hold messages.
type RabbitQueue struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	queue    string
	capacity int

	consumeMu  sync.Mutex
	deliveries <-chan amqp.Delivery

	pubMu     sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

var _ Queue = (*RabbitQueue)(nil)

func NewRabbitQueue(url, queue string, capacity int) (*RabbitQueue, error) {
	if queue == "" {
		queue = DefaultRabbitQueue
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbit dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("queue declare: %w", err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("qos: %w", err)
	}

	return &RabbitQueue{
		conn:     conn,
		ch:       ch,
		queue:    queue,
		capacity: capacity,
		done:     make(chan struct{}),
	}, nil
}

func (q *RabbitQueue) consume() (<-chan amqp.Delivery, error) {
	q.consumeMu.Lock()
	defer q.consumeMu.Unlock()

	if q.deliveries != nil {
		return q.deliveries, nil
	}
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	q.deliveries = deliveries
	return deliveries, nil
}

// Enqueue serializes publishers so the depth check and publish are not interleaved
// within this process.
func (q *RabbitQueue) Enqueue(ctx context.Context, id uuid.UUID) error {
	if q.closed() {
		return models.ErrQueueClosed
	}

	body, err := json.Marshal(message{JobID: id})
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	if q.capacity > 0 {
		depth, err := q.depth()
		if err != nil {
			return err
		}
		if depth >= q.capacity {
			return models.ErrQueueFull
		}
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = q.ch.PublishWithContext(cctx,
		"",      // default exchange
		q.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

func (q *RabbitQueue) Dequeue(ctx context.Context) (uuid.UUID, error) {
	if q.closed() {
		return uuid.Nil, models.ErrQueueClosed
	}
	deliveries, err := q.consume()
	if err != nil {
		return uuid.Nil, err
	}

	for {
		select {
		case <-q.done:
			return uuid.Nil, models.ErrQueueClosed
		case <-ctx.Done():
			return uuid.Nil, ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				if q.closed() {
					return uuid.Nil, models.ErrQueueClosed
				}
				return uuid.Nil, errors.New("rabbit delivery channel closed")
			}

			var msg message
			if err := json.Unmarshal(d.Body, &msg); err != nil || msg.JobID == uuid.Nil {
				log.Printf("[Queue] bad message: %v", err)
				_ = d.Nack(false, false)
				continue
			}
			if err := d.Ack(false); err != nil {
				log.Printf("[Queue] ack failed job=%s err=%v", msg.JobID, err)
			}
			return msg.JobID, nil
		}
	}
}

func (q *RabbitQueue) Len(_ context.Context) (int, error) {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	return q.depth()
}

// depth reports ready messages; the caller holds pubMu.
func (q *RabbitQueue) depth() (int, error) {
	info, err := q.ch.QueueDeclarePassive(q.queue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}
	return info.Messages, nil
}

func (q *RabbitQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.done)
		_ = q.ch.Close()
		err = q.conn.Close()
	})
	return err
}

func (q *RabbitQueue) closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}
