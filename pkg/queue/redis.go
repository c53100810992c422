package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/heritago/heritago/pkg/models"
)

const connectTimeout = 5 * time.Second

// Options configures the redis-backed queue.
type Options struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces the queue keys, defaulting to "heritago".
	KeyPrefix string
}

// RedisQueue is a Queue backed by one redis list per priority class. Enqueue
// pushes left, Dequeue pops right with the keys ordered from highest priority
// to lowest, which yields strict priority with FIFO order inside a class.
type RedisQueue struct {
	client redis.UniversalClient
	keys   []string
	prefix string
	logger *slog.Logger
}

func NewRedisQueue(ctx context.Context, opts Options, logger *slog.Logger) (*RedisQueue, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}

	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "heritago"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	queue := &RedisQueue{
		client: client,
		prefix: opts.KeyPrefix,
		logger: logger.With("module", "queue", "addr", opts.Addr),
	}

	for _, priority := range priorityClasses() {
		queue.keys = append(queue.keys, queue.key(priority))
	}

	return queue, nil
}

func (q *RedisQueue) key(priority int) string {
	return fmt.Sprintf("%s:queue:p%d", q.prefix, priority)
}

func (q *RedisQueue) Enqueue(ctx context.Context, message Message) error {
	message.Priority = models.ClampPriority(message.Priority)
	if message.EnqueuedAt.IsZero() {
		message.EnqueuedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode queue message: %w", err)
	}

	err = q.client.LPush(ctx, q.key(message.Priority), payload).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue execution %s: %w", message.ExecutionID, err)
	}

	q.logger.DebugContext(ctx, "Enqueued execution",
		"execution_id", message.ExecutionID, "priority", message.Priority)

	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Message, error) {
	result, err := q.client.BRPop(ctx, timeout, q.keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to pop from queue: %w", err)
	}

	if len(result) < 2 {
		return nil, nil
	}

	var message Message
	if err := json.Unmarshal([]byte(result[1]), &message); err != nil {
		return nil, fmt.Errorf("failed to decode queue message: %w", err)
	}

	return &message, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	var total int64

	for _, key := range q.keys {
		length, err := q.client.LLen(ctx, key).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to read queue length: %w", err)
		}

		total += length
	}

	return total, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
