package lock

import (
	"context"
	"fmt"
	"sync"
)

// MemoryLocker is an in-process Locker used by tests and local development.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]chan struct{})}
}

func (l *MemoryLocker) slot(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot, ok := l.locks[name]
	if !ok {
		slot = make(chan struct{}, 1)
		l.locks[name] = slot
	}

	return slot
}

func (l *MemoryLocker) Acquire(ctx context.Context, name string) (Lock, error) {
	slot := l.slot(name)

	select {
	case slot <- struct{}{}:
		return &memoryLock{slot: slot}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemoryLocker) TryAcquire(_ context.Context, name string) (Lock, error) {
	slot := l.slot(name)

	select {
	case slot <- struct{}{}:
		return &memoryLock{slot: slot}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
	}
}

func (l *MemoryLocker) Close() error { return nil }

type memoryLock struct {
	slot chan struct{}
	once sync.Once
}

func (l *memoryLock) Release(context.Context) error {
	l.once.Do(func() { <-l.slot })

	return nil
}
