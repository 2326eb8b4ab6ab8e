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
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const DefaultRedisKey = "queue:tts_jobs"

// pushIfRoom appends ARGV[1] to KEYS[1] unless the list already holds ARGV[2] items.
var pushIfRoom = redis.NewScript(`
if tonumber(ARGV[2]) > 0 and redis.call('LLEN', KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
return 1
`)

// RedisQueue is a Redis list used as a FIFO: RPUSH on enqueue, BLPOP on dequeue.
type RedisQueue struct {
	client    *redis.Client
	key       string
	capacity  int
	poll      time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

var _ Queue = (*RedisQueue)(nil)

func NewRedisQueue(redisURL, key string, capacity int) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if key == "" {
		key = DefaultRedisKey
	}

	return &RedisQueue{
		client:   client,
		key:      key,
		capacity: capacity,
		poll:     5 * time.Second,
		done:     make(chan struct{}),
	}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, id uuid.UUID) error {
	if q.closed() {
		return models.ErrQueueClosed
	}

	data, err := json.Marshal(message{JobID: id})
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pushed, err := pushIfRoom.Run(ctx, q.client, []string{q.key}, data, q.capacity).Int()
	if err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	if pushed == 0 {
		return models.ErrQueueFull
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (uuid.UUID, error) {
	for {
		if q.closed() {
			return uuid.Nil, models.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return uuid.Nil, err
		}

		result, err := q.client.BLPop(ctx, q.poll, q.key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if q.closed() {
				return uuid.Nil, models.ErrQueueClosed
			}
			if ctx.Err() != nil {
				return uuid.Nil, ctx.Err()
			}
			return uuid.Nil, fmt.Errorf("failed to dequeue: %w", err)
		}

		if len(result) != 2 {
			return uuid.Nil, errors.New("unexpected redis response")
		}

		var msg message
		if err := json.Unmarshal([]byte(result[1]), &msg); err != nil || msg.JobID == uuid.Nil {
			log.Printf("[Queue] dropping malformed entry %q: %v", result[1], err)
			continue
		}
		return msg.JobID, nil
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return int(n), nil
}

func (q *RedisQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.done)
		err = q.client.Close()
	})
	return err
}

func (q *RedisQueue) closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}
