package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/heritago/heritago/pkg/lock"
	"github.com/heritago/heritago/pkg/queue"
)

// NewQueue creates the execution queue. An empty redis address falls back to
// an in-process queue, for development only.
func NewQueue(ctx context.Context, redisAddr, password string, logger *slog.Logger) queue.Queue {
	if redisAddr == "" {
		return queue.NewMemoryQueue()
	}

	q, err := queue.NewRedisQueue(ctx, queue.Options{Addr: redisAddr, Password: password}, logger)
	if err != nil {
		panic(fmt.Errorf("failed to connect queue to redis: %w", err))
	}

	return q
}

// NewLocker creates the distributed locker. An empty redis address falls
// back to in-process locks, for development only.
func NewLocker(ctx context.Context, redisAddr, password string, expiry time.Duration,
	logger *slog.Logger) lock.Locker {

	if redisAddr == "" {
		return lock.NewMemoryLocker()
	}

	locker, err := lock.NewRedisLocker(ctx, lock.Options{
		Addr:     redisAddr,
		Password: password,
		Expiry:   expiry,
	}, logger)
	if err != nil {
		panic(fmt.Errorf("failed to connect locker to redis: %w", err))
	}

	return locker
}
