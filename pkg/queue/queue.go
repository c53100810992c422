// Package queue provides the priority queue that carries admitted workflow
// executions to the workers. The queue transports execution references only;
// execution state lives in persistence.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/heritago/heritago/pkg/models"
)

// ErrQueueClosed is returned by operations on a closed queue.
var ErrQueueClosed = errors.New("queue is closed")

// Message references one admitted execution. Priority is repeated in the
// payload so consumers can log it without a store round trip.
type Message struct {
	ExecutionID string    `json:"execution_id"`
	DatasetID   string    `json:"dataset_id"`
	Priority    int       `json:"priority"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Queue is a strict-priority FIFO queue. Dequeue always returns a message of
// the highest non-empty priority class; within a class, order is
// first-in-first-out. Delivery is at-most-once; the fail-safe re-enqueues
// executions whose message was lost.
type Queue interface {
	// Enqueue adds the message to its priority class. Out-of-range priorities
	// are clamped.
	Enqueue(ctx context.Context, message Message) error

	// Dequeue blocks until a message is available, the timeout elapses or the
	// context is cancelled. A nil message with a nil error means the timeout
	// elapsed with the queue empty.
	Dequeue(ctx context.Context, timeout time.Duration) (*Message, error)

	// Len returns the total number of queued messages across all priorities.
	Len(ctx context.Context) (int64, error)

	Close() error
}

// priorityClasses lists the priorities from highest to lowest, the order in
// which Dequeue drains them.
func priorityClasses() []int {
	classes := make([]int, 0, models.MaxPriority-models.MinPriority+1)
	for p := models.MaxPriority; p >= models.MinPriority; p-- {
		classes = append(classes, p)
	}

	return classes
}
