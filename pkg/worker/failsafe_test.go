package worker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heritago/heritago/pkg/lock"
	"github.com/heritago/heritago/pkg/models"
	"github.com/heritago/heritago/pkg/persistence/memory"
	"github.com/heritago/heritago/pkg/queue"
)

type staticActiveSet []string

func (s staticActiveSet) ActiveExecutionIDs() []string { return s }

func newTestFailsafe(t *testing.T, active ActiveSet) (*Failsafe, *memory.Persistence, *queue.MemoryQueue, lock.Locker) {
	t.Helper()

	store := memory.NewPersistence()
	q := queue.NewMemoryQueue()
	locker := lock.NewMemoryLocker()

	failsafe := NewFailsafe(store.Executions(), q, locker, active,
		time.Minute, time.Millisecond, slog.Default())

	return failsafe, store, q, locker
}

func TestFailsafeReEnqueuesStrandedExecution(t *testing.T) {
	failsafe, store, q, _ := newTestFailsafe(t, nil)
	ctx := context.Background()

	seedQueuedExecution(t, store, "ex-f1", "d1")

	// Let the execution's updated date fall behind the staleness threshold.
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, failsafe.Tick(ctx))

	message, err := q.Dequeue(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, message)
	assert.Equal(t, "ex-f1", message.ExecutionID)
	assert.Equal(t, "d1", message.DatasetID)
	assert.Equal(t, 5, message.Priority)

	// No second copy was enqueued.
	remaining, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestFailsafeSkipsActivelySupervisedExecutions(t *testing.T) {
	failsafe, store, q, _ := newTestFailsafe(t, staticActiveSet{"ex-f2"})
	ctx := context.Background()

	seedQueuedExecution(t, store, "ex-f2", "d2")
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, failsafe.Tick(ctx))

	length, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestFailsafeSkipsTerminalExecutions(t *testing.T) {
	failsafe, store, q, _ := newTestFailsafe(t, nil)
	ctx := context.Background()

	execution := seedQueuedExecution(t, store, "ex-f3", "d3")
	time.Sleep(5 * time.Millisecond)

	// Settle it before the tick; terminal executions need no rescue.
	finished := time.Now().UTC()
	execution.Status = models.WorkflowStatusCancelled
	execution.FinishedDate = &finished
	execution.Plugins[0].Status = models.PluginStatusCancelled
	require.NoError(t, store.Executions().UpdateExecution(ctx, execution))

	require.NoError(t, failsafe.Tick(ctx))

	length, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestFailsafeSkipsTickWhenLockHeld(t *testing.T) {
	failsafe, store, q, locker := newTestFailsafe(t, nil)
	ctx := context.Background()

	seedQueuedExecution(t, store, "ex-f4", "d4")
	time.Sleep(5 * time.Millisecond)

	held, err := locker.Acquire(ctx, lock.FailsafeLockName)
	require.NoError(t, err)
	defer func() { _ = held.Release(ctx) }()

	require.NoError(t, failsafe.Tick(ctx))

	length, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, length)
}
