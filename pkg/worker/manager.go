package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/heritago/heritago/pkg/eventbus"
	"github.com/heritago/heritago/pkg/events"
	"github.com/heritago/heritago/pkg/models"
	"github.com/heritago/heritago/pkg/persistence"
	"github.com/heritago/heritago/pkg/queue"
)

const (
	defaultDequeueTimeout = 5 * time.Second

	// defaultClaimStaleness guards re-claims of RUNNING executions: only one
	// whose record went quiet for this long is considered abandoned by its
	// previous worker.
	defaultClaimStaleness = 10 * time.Minute
)

// Manager consumes the execution queue and supervises picked executions up
// to a configured concurrency limit. Pickup is idempotent: redelivered
// messages for terminal or missing executions are dropped.
type Manager struct {
	id         string
	executions persistence.ExecutionStore
	queue      queue.Queue
	executor   *Executor
	publisher  eventbus.EventPublisher
	logger     *slog.Logger

	maxConcurrent  int
	dequeueTimeout time.Duration
	claimStaleness time.Duration

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

// NewManager builds a manager running at most maxConcurrent executions at
// once.
func NewManager(id string, executions persistence.ExecutionStore, q queue.Queue,
	executor *Executor, publisher eventbus.EventPublisher, maxConcurrent int,
	logger *slog.Logger) *Manager {

	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	return &Manager{
		id:             id,
		executions:     executions,
		queue:          q,
		executor:       executor,
		publisher:      publisher,
		logger:         logger.With("module", "worker-manager", "worker_id", id),
		maxConcurrent:  maxConcurrent,
		dequeueTimeout: defaultDequeueTimeout,
		claimStaleness: defaultClaimStaleness,
		active:         make(map[string]struct{}),
	}
}

// WithClaimStaleness overrides the window after which a RUNNING execution is
// considered abandoned and may be claimed again. It should match the
// fail-safe staleness.
func (m *Manager) WithClaimStaleness(staleness time.Duration) *Manager {
	m.claimStaleness = staleness

	return m
}

// ActiveExecutionIDs returns the executions this manager currently
// supervises. The fail-safe excludes them from rescue.
func (m *Manager) ActiveExecutionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}

	return ids
}

// Start consumes the queue until the context is cancelled or the queue is
// closed, then waits for in-flight executions to settle.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.InfoContext(ctx, "Starting worker manager", "max_concurrent", m.maxConcurrent)

	slots := make(chan struct{}, m.maxConcurrent)

	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()

			return ctx.Err()
		case slots <- struct{}{}:
		}

		message, err := m.queue.Dequeue(ctx, m.dequeueTimeout)
		if err != nil {
			<-slots

			if errors.Is(err, queue.ErrQueueClosed) || ctx.Err() != nil {
				m.wg.Wait()

				return nil
			}

			m.logger.ErrorContext(ctx, "Failed to dequeue", "error", err)

			continue
		}

		if message == nil {
			<-slots

			continue
		}

		execution, ok := m.pickUp(ctx, message)
		if !ok {
			<-slots

			continue
		}

		m.markActive(execution.ID)
		m.wg.Add(1)

		go func() {
			defer m.wg.Done()
			defer m.markInactive(execution.ID)
			defer func() { <-slots }()

			if err := m.executor.Execute(ctx, execution); err != nil {
				m.logger.ErrorContext(ctx, "Execution supervision ended with error",
					"execution_id", execution.ID, "error", err)
			}
		}()
	}
}

// pickUp re-reads the referenced execution and claims it through the store's
// compare-and-swap, so a redelivered message for an execution another worker
// already runs is dropped. Terminal and missing executions are dropped too;
// executions already flagged for cancellation are settled without running a
// single plugin.
func (m *Manager) pickUp(ctx context.Context, message *queue.Message) (*models.WorkflowExecution, bool) {
	logger := m.logger.With("execution_id", message.ExecutionID, "dataset_id", message.DatasetID)

	execution, err := m.executions.ExecutionByID(ctx, message.ExecutionID)
	if err != nil {
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			logger.WarnContext(ctx, "Dropping message for unknown execution")

			return nil, false
		}

		logger.ErrorContext(ctx, "Failed to read execution on pickup", "error", err)

		return nil, false
	}

	if execution.Status.Terminal() {
		logger.InfoContext(ctx, "Dropping message for settled execution", "status", execution.Status)

		return nil, false
	}

	if execution.Cancelling {
		if err := m.executor.cancelRemaining(ctx, logger, execution, 0); err != nil {
			logger.ErrorContext(ctx, "Failed to cancel execution on pickup", "error", err)
		}

		return nil, false
	}

	claimed, err := m.executions.ClaimExecution(ctx, execution.ID,
		time.Now().UTC().Add(-m.claimStaleness))
	if err != nil {
		if errors.Is(err, persistence.ErrExecutionNotClaimable) {
			logger.InfoContext(ctx, "Dropping message for execution claimed elsewhere")
		} else {
			logger.ErrorContext(ctx, "Failed to claim execution", "error", err)
		}

		return nil, false
	}

	execution = claimed

	logger.InfoContext(ctx, "Picked up execution", "priority", message.Priority)

	m.publish(ctx, execution.DatasetID, events.ExecutionStarted{
		BaseEvent: events.NewBaseEvent(events.ExecutionStartedEvent, execution.DatasetID, execution.ID),
		WorkerID:  m.id,
	})

	return execution, true
}

func (m *Manager) markActive(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.active[executionID] = struct{}{}
}

func (m *Manager) markInactive(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.active, executionID)
}

func (m *Manager) publish(ctx context.Context, key string, event events.Event) {
	if m.publisher == nil {
		return
	}

	if err := m.publisher.Publish(ctx, key, event); err != nil {
		m.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(), "error", err)
	}
}
