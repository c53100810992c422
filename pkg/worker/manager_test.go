package worker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heritago/heritago/pkg/dps"
	"github.com/heritago/heritago/pkg/models"
	"github.com/heritago/heritago/pkg/orchestrator"
	"github.com/heritago/heritago/pkg/persistence/memory"
	"github.com/heritago/heritago/pkg/queue"
)

func newTestManager(t *testing.T) (*Manager, *memory.Persistence, *queue.MemoryQueue, *dps.Fake) {
	t.Helper()

	store := memory.NewPersistence()
	q := queue.NewMemoryQueue()
	tasks := dps.NewFake()
	registry := orchestrator.NewDepublishRegistry(store.DepublishRecords(), 100)

	executor := NewExecutor(store.Executions(), tasks, registry, nil,
		2*time.Millisecond, slog.Default())
	manager := NewManager("worker-test", store.Executions(), q, executor, nil, 2, slog.Default())
	manager.dequeueTimeout = 10 * time.Millisecond

	return manager, store, q, tasks
}

// seedQueuedExecution stores a freshly admitted execution, as the
// orchestrator leaves it before enqueueing.
func seedQueuedExecution(t *testing.T, store *memory.Persistence, id, datasetID string) *models.WorkflowExecution {
	t.Helper()

	execution := &models.WorkflowExecution{
		ID:          id,
		DatasetID:   datasetID,
		Priority:    5,
		Status:      models.WorkflowStatusInQueue,
		StartedBy:   "operator",
		CreatedDate: time.Now().UTC(),
		Plugins: []*models.Plugin{
			{
				ID:       id + "-harvest",
				Kind:     models.PluginOAIPMHHarvest,
				Status:   models.PluginStatusInQueue,
				Progress: models.ExecutionProgress{TotalDatabaseRecords: -1},
			},
		},
	}

	_, err := store.Executions().CreateExecution(context.Background(), execution)
	require.NoError(t, err)

	return execution
}

func TestManagerRunsQueuedExecutionToCompletion(t *testing.T) {
	manager, store, q, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seedQueuedExecution(t, store, "ex-m1", "d1")

	require.NoError(t, q.Enqueue(ctx, queue.Message{
		ExecutionID: "ex-m1", DatasetID: "d1", Priority: 5,
	}))

	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = manager.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		stored, err := store.Executions().ExecutionByID(ctx, "ex-m1")

		return err == nil && stored.Status == models.WorkflowStatusFinished
	}, time.Second, time.Millisecond)

	cancel()
	<-done

	stored, err := store.Executions().ExecutionByID(context.Background(), "ex-m1")
	require.NoError(t, err)
	require.NotNil(t, stored.StartedDate)
	require.NotNil(t, stored.FinishedDate)
	assert.Equal(t, models.PluginStatusFinished, stored.Plugins[0].Status)
}

func TestManagerPickupClaimsExecution(t *testing.T) {
	manager, store, _, _ := newTestManager(t)
	ctx := context.Background()

	seedQueuedExecution(t, store, "ex-m2", "d2")

	execution, ok := manager.pickUp(ctx, &queue.Message{ExecutionID: "ex-m2", DatasetID: "d2"})
	require.True(t, ok)
	assert.Equal(t, models.WorkflowStatusRunning, execution.Status)
	require.NotNil(t, execution.StartedDate)

	stored, err := store.Executions().ExecutionByID(ctx, "ex-m2")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusRunning, stored.Status)
}

func TestManagerPickupRefusesDuplicateDelivery(t *testing.T) {
	manager, store, _, _ := newTestManager(t)
	ctx := context.Background()

	seedQueuedExecution(t, store, "ex-m7", "d7")
	message := &queue.Message{ExecutionID: "ex-m7", DatasetID: "d7"}

	_, ok := manager.pickUp(ctx, message)
	require.True(t, ok)

	// The same message delivered again, while the execution is freshly
	// claimed, must not start a second supervisor.
	_, ok = manager.pickUp(ctx, message)
	assert.False(t, ok)
}

func TestManagerPickupReclaimsStaleRunningExecution(t *testing.T) {
	manager, store, _, _ := newTestManager(t)
	manager.WithClaimStaleness(time.Millisecond)
	ctx := context.Background()

	seedQueuedExecution(t, store, "ex-m8", "d8")
	message := &queue.Message{ExecutionID: "ex-m8", DatasetID: "d8"}

	first, ok := manager.pickUp(ctx, message)
	require.True(t, ok)

	// The previous worker went silent long enough for the fail-safe to
	// re-enqueue; the claim goes through and keeps the original start date.
	time.Sleep(5 * time.Millisecond)

	second, ok := manager.pickUp(ctx, message)
	require.True(t, ok)
	assert.Equal(t, models.WorkflowStatusRunning, second.Status)
	assert.Equal(t, first.StartedDate.UTC(), second.StartedDate.UTC())
}

func TestManagerPickupDropsRedeliveredTerminalExecution(t *testing.T) {
	manager, store, _, _ := newTestManager(t)
	ctx := context.Background()

	execution := seedQueuedExecution(t, store, "ex-m3", "d3")
	finished := time.Now().UTC()
	execution.Status = models.WorkflowStatusFinished
	execution.FinishedDate = &finished
	execution.Plugins[0].Status = models.PluginStatusFinished
	require.NoError(t, store.Executions().UpdateExecution(ctx, execution))

	_, ok := manager.pickUp(ctx, &queue.Message{ExecutionID: "ex-m3", DatasetID: "d3"})
	assert.False(t, ok)
}

func TestManagerPickupDropsUnknownExecution(t *testing.T) {
	manager, _, _, _ := newTestManager(t)

	_, ok := manager.pickUp(context.Background(), &queue.Message{ExecutionID: "missing"})
	assert.False(t, ok)
}

func TestManagerPickupSettlesCancelledBeforeStart(t *testing.T) {
	manager, store, _, tasks := newTestManager(t)
	ctx := context.Background()

	seedQueuedExecution(t, store, "ex-m4", "d4")
	require.NoError(t, store.Executions().SetCancellingState(ctx, "ex-m4", "operator"))

	_, ok := manager.pickUp(ctx, &queue.Message{ExecutionID: "ex-m4", DatasetID: "d4"})
	assert.False(t, ok)

	stored, err := store.Executions().ExecutionByID(ctx, "ex-m4")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCancelled, stored.Status)
	assert.Equal(t, models.PluginStatusCancelled, stored.Plugins[0].Status)
	require.NotNil(t, stored.FinishedDate)
	assert.Empty(t, tasks.Submitted)
}

func TestManagerTracksActiveExecutions(t *testing.T) {
	manager, _, _, _ := newTestManager(t)

	manager.markActive("ex-a")
	manager.markActive("ex-b")
	assert.ElementsMatch(t, []string{"ex-a", "ex-b"}, manager.ActiveExecutionIDs())

	manager.markInactive("ex-a")
	assert.Equal(t, []string{"ex-b"}, manager.ActiveExecutionIDs())
}
