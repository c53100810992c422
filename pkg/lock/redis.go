package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	redis "github.com/redis/go-redis/v9"
)

const (
	defaultExpiry = 30 * time.Second
	retryInterval = 100 * time.Millisecond
	pingTimeout   = 5 * time.Second
)

// Options configures the redis-backed locker.
type Options struct {
	Addr     string
	Password string
	DB       int

	// Expiry is the lock lifetime. A watchdog extends held locks well before
	// it elapses, so it only matters when the holder dies.
	Expiry time.Duration

	// KeyPrefix namespaces the lock keys, defaulting to "heritago".
	KeyPrefix string
}

// RedisLocker implements Locker on redsync mutexes. Each held lock runs a
// watchdog goroutine that keeps extending the expiry until release, so locks
// survive long critical sections but die with their holder.
type RedisLocker struct {
	client redis.UniversalClient
	rs     *redsync.Redsync
	expiry time.Duration
	prefix string
	logger *slog.Logger
}

func NewRedisLocker(ctx context.Context, opts Options, logger *slog.Logger) (*RedisLocker, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}

	if opts.Expiry <= 0 {
		opts.Expiry = defaultExpiry
	}

	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "heritago"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisLocker{
		client: client,
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: opts.Expiry,
		prefix: opts.KeyPrefix,
		logger: logger.With("module", "lock", "addr", opts.Addr),
	}, nil
}

func (l *RedisLocker) newMutex(name string) *redsync.Mutex {
	return l.rs.NewMutex(
		fmt.Sprintf("%s:lock:%s", l.prefix, name),
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1),
	)
}

func (l *RedisLocker) Acquire(ctx context.Context, name string) (Lock, error) {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		lock, err := l.TryAcquire(ctx, name)
		if err == nil {
			return lock, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, name string) (Lock, error) {
	mutex := l.newMutex(name)

	if err := mutex.TryLockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
	}

	lock := &redisLock{
		name:   name,
		mutex:  mutex,
		stop:   make(chan struct{}),
		logger: l.logger,
	}

	go lock.watchdog(l.expiry)

	return lock, nil
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}

type redisLock struct {
	name   string
	mutex  *redsync.Mutex
	stop   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// watchdog extends the lock at a third of its expiry, keeping it alive for
// the duration of the critical section.
func (l *redisLock) watchdog(expiry time.Duration) {
	ticker := time.NewTicker(expiry / 3)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ok, err := l.mutex.Extend()
			if err != nil || !ok {
				l.logger.Error("Failed to extend lock", "name", l.name, "error", err)

				return
			}
		}
	}
}

func (l *redisLock) Release(ctx context.Context) error {
	var err error

	l.once.Do(func() {
		close(l.stop)

		_, unlockErr := l.mutex.UnlockContext(ctx)
		err = unlockErr
	})

	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.name, err)
	}

	return nil
}
