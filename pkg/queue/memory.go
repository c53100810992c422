package queue

import (
	"context"
	"sync"
	"time"

	"github.com/heritago/heritago/pkg/models"
)

// MemoryQueue is an in-process Queue used by tests and local development.
type MemoryQueue struct {
	mu      sync.Mutex
	classes map[int][]Message
	notify  chan struct{}
	closed  bool
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		classes: make(map[int][]Message),
		notify:  make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, message Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	message.Priority = models.ClampPriority(message.Priority)
	if message.EnqueuedAt.IsZero() {
		message.EnqueuedAt = time.Now().UTC()
	}

	q.classes[message.Priority] = append(q.classes[message.Priority], message)

	select {
	case q.notify <- struct{}{}:
	default:
	}

	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if message, err := q.tryDequeue(); message != nil || err != nil {
			return message, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) tryDequeue() (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	for _, priority := range priorityClasses() {
		pending := q.classes[priority]
		if len(pending) == 0 {
			continue
		}

		message := pending[0]
		q.classes[priority] = pending[1:]

		// Wake the next waiter if messages remain.
		if q.total() > 0 {
			select {
			case q.notify <- struct{}{}:
			default:
			}
		}

		return &message, nil
	}

	return nil, nil
}

func (q *MemoryQueue) total() int64 {
	var total int64
	for _, pending := range q.classes {
		total += int64(len(pending))
	}

	return total
}

func (q *MemoryQueue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.total(), nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.notify)
	}

	return nil
}
