package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heritago/heritago/pkg/lock"
	"github.com/heritago/heritago/pkg/models"
	"github.com/heritago/heritago/pkg/persistence"
	"github.com/heritago/heritago/pkg/persistence/memory"
	"github.com/heritago/heritago/pkg/queue"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *memory.Persistence, *queue.MemoryQueue) {
	t.Helper()

	store := memory.NewPersistence()
	q := queue.NewMemoryQueue()

	o := New(store, q, lock.NewMemoryLocker(), nil, Config{
		DepublishMaxRecordsPerDataset: 100,
		SolrCommitPeriod:              2 * time.Minute,
	}, slog.Default())

	return o, store, q
}

func harvestWorkflow(datasetID string) *models.Workflow {
	return &models.Workflow{
		DatasetID: datasetID,
		Plugins: []models.PluginConfig{
			{
				Kind:    models.PluginOAIPMHHarvest,
				Enabled: true,
				Parameters: map[string]any{
					models.ParamURL:            "https://example.org/oai",
					models.ParamMetadataFormat: "edm",
				},
			},
		},
	}
}

// seedFinishedHarvest stores a finished execution holding one valid harvest
// plugin and returns it.
func seedFinishedHarvest(t *testing.T, store *memory.Persistence, datasetID string,
	finished time.Time) *models.WorkflowExecution {

	t.Helper()

	execution := &models.WorkflowExecution{
		ID:          "seed-" + datasetID,
		DatasetID:   datasetID,
		Status:      models.WorkflowStatusFinished,
		StartedBy:   models.StartedBySystem,
		CreatedDate: finished.Add(-time.Hour),
		Plugins: []*models.Plugin{{
			ID:           "seed-harvest-" + datasetID,
			Kind:         models.PluginOAIPMHHarvest,
			Status:       models.PluginStatusFinished,
			FinishedDate: &finished,
			Progress:     models.ExecutionProgress{Processed: 100, TotalDatabaseRecords: 100},
		}},
	}

	_, err := store.Executions().CreateExecution(context.Background(), execution)
	require.NoError(t, err)

	return execution
}

func TestAddWorkflowExecutionFirstHarvest(t *testing.T) {
	ctx := context.Background()
	o, _, q := newTestOrchestrator(t)

	execution, err := o.AddWorkflowExecution(ctx, AdmissionRequest{
		DatasetID: "d1",
		Workflow:  harvestWorkflow("d1"),
		Priority:  5,
		StartedBy: "operator",
	})
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowStatusInQueue, execution.Status)
	assert.Equal(t, 5, execution.Priority)
	assert.Equal(t, "operator", execution.StartedBy)
	require.Len(t, execution.Plugins, 1)
	assert.Equal(t, models.PluginStatusInQueue, execution.Plugins[0].Status)
	assert.Empty(t, execution.Plugins[0].PredecessorExecutionID)

	message, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, message)
	assert.Equal(t, execution.ID, message.ExecutionID)
	assert.Equal(t, 5, message.Priority)
}

func TestAddWorkflowExecutionWithoutPredecessor(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t)

	_, err := o.AddWorkflowExecution(ctx, AdmissionRequest{
		DatasetID: "d2",
		Workflow: &models.Workflow{
			DatasetID: "d2",
			Plugins:   []models.PluginConfig{{Kind: models.PluginTransformation, Enabled: true}},
		},
	})
	assert.ErrorIs(t, err, ErrPluginExecutionNotAllowed)
}

func TestAddWorkflowExecutionDoubleAdmission(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOrchestrator(t)

	first, err := o.AddWorkflowExecution(ctx, AdmissionRequest{
		DatasetID: "d3",
		Workflow:  harvestWorkflow("d3"),
	})
	require.NoError(t, err)

	_, err = o.AddWorkflowExecution(ctx, AdmissionRequest{
		DatasetID: "d3",
		Workflow:  harvestWorkflow("d3"),
	})
	assert.ErrorIs(t, err, ErrExecutionAlreadyExists)

	// Exactly the first execution persists.
	active, err := store.Executions().ExistsAndNotCompleted(ctx, "d3")
	require.NoError(t, err)
	assert.Equal(t, first.ID, active)
}

func TestAddWorkflowExecutionConcurrentAdmission(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOrchestrator(t)

	results := make(chan error, 2)

	for range 2 {
		go func() {
			_, err := o.AddWorkflowExecution(ctx, AdmissionRequest{
				DatasetID: "d3",
				Workflow:  harvestWorkflow("d3"),
			})
			results <- err
		}()
	}

	var admitted, refused int

	for range 2 {
		err := <-results
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, ErrExecutionAlreadyExists):
			refused++
		default:
			t.Fatalf("unexpected admission error: %v", err)
		}
	}

	assert.Equal(t, 1, admitted)
	assert.Equal(t, 1, refused)

	active, err := store.Executions().ExistsAndNotCompleted(ctx, "d3")
	require.NoError(t, err)
	assert.NotEmpty(t, active)
}

func TestAddWorkflowExecutionUsesStoredWorkflow(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t)

	require.NoError(t, o.CreateWorkflow(ctx, harvestWorkflow("d8"), ""))

	execution, err := o.AddWorkflowExecution(ctx, AdmissionRequest{DatasetID: "d8"})
	require.NoError(t, err)
	assert.Equal(t, models.StartedBySystem, execution.StartedBy)
}

func TestAddWorkflowExecutionNoWorkflow(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t)

	_, err := o.AddWorkflowExecution(ctx, AdmissionRequest{DatasetID: "missing"})
	assert.ErrorIs(t, err, ErrNoWorkflowFound)
}

type fakeVerifier struct {
	exists bool
	err    error
}

func (f fakeVerifier) DatasetExists(context.Context, string) (bool, error) {
	return f.exists, f.err
}

func TestAddWorkflowExecutionUnknownDataset(t *testing.T) {
	ctx := context.Background()
	o, store, q := newTestOrchestrator(t)
	o.WithDatasetVerifier(fakeVerifier{exists: false})

	_, err := o.AddWorkflowExecution(ctx, AdmissionRequest{
		DatasetID: "d1",
		Workflow:  harvestWorkflow("d1"),
	})
	assert.ErrorIs(t, err, ErrNoDatasetFound)

	pending, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	_, err = store.Executions().RunningOrInQueueExecution(ctx, "d1")
	assert.ErrorIs(t, err, persistence.ErrExecutionNotFound)
}

func TestAddWorkflowExecutionVerifierFailure(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t)
	o.WithDatasetVerifier(fakeVerifier{err: errors.New("connection refused")})

	_, err := o.AddWorkflowExecution(ctx, AdmissionRequest{
		DatasetID: "d1",
		Workflow:  harvestWorkflow("d1"),
	})
	assert.ErrorIs(t, err, ErrExternalTask)
}

func TestAddWorkflowExecutionWithPredecessor(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOrchestrator(t)

	seeded := seedFinishedHarvest(t, store, "d9", time.Now().Add(-time.Hour))

	execution, err := o.AddWorkflowExecution(ctx, AdmissionRequest{
		DatasetID: "d9",
		Workflow: &models.Workflow{
			DatasetID: "d9",
			Plugins:   []models.PluginConfig{{Kind: models.PluginValidationExternal, Enabled: true}},
		},
	})
	require.NoError(t, err)

	require.Len(t, execution.Plugins, 1)
	assert.Equal(t, seeded.ID, execution.Plugins[0].PredecessorExecutionID)
	assert.Equal(t, seeded.Plugins[0].ID, execution.Plugins[0].PredecessorPluginID)
}

func TestCreateWorkflowAlreadyExists(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t)

	require.NoError(t, o.CreateWorkflow(ctx, harvestWorkflow("d10"), ""))

	err := o.CreateWorkflow(ctx, harvestWorkflow("d10"), "")
	assert.ErrorIs(t, err, ErrWorkflowAlreadyExists)
}

func TestUpdateWorkflowNotFound(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t)

	err := o.UpdateWorkflow(ctx, harvestWorkflow("nope"), "")
	assert.ErrorIs(t, err, ErrNoWorkflowFound)
}

func TestUpdateWorkflowPreservesIdentity(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t)

	original := harvestWorkflow("d11")
	original.ID = "wf-11"
	require.NoError(t, o.CreateWorkflow(ctx, original, ""))

	updated := harvestWorkflow("d11")
	updated.Plugins = append(updated.Plugins, models.PluginConfig{
		Kind:    models.PluginValidationExternal,
		Enabled: true,
	})
	require.NoError(t, o.UpdateWorkflow(ctx, updated, ""))

	stored, err := o.WorkflowByDataset(ctx, "d11")
	require.NoError(t, err)
	assert.Equal(t, "wf-11", stored.ID)
	assert.Len(t, stored.Plugins, 2)
}

func TestCancelWorkflowExecution(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOrchestrator(t)

	execution, err := o.AddWorkflowExecution(ctx, AdmissionRequest{
		DatasetID: "d12",
		Workflow:  harvestWorkflow("d12"),
	})
	require.NoError(t, err)

	require.NoError(t, o.CancelWorkflowExecution(ctx, execution.ID, "operator"))

	cancelling, err := store.Executions().ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.True(t, cancelling.Cancelling)
	assert.Equal(t, "operator", cancelling.CancelledBy)
}

func TestCancelTerminalExecution(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOrchestrator(t)

	seeded := seedFinishedHarvest(t, store, "d13", time.Now())

	err := o.CancelWorkflowExecution(ctx, seeded.ID, "operator")
	assert.ErrorIs(t, err, ErrNoWorkflowExecutionFound)
}

func TestDatasetExecutionHistoryFiltersDisplayable(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOrchestrator(t)

	seedFinishedHarvest(t, store, "d14", time.Now().Add(-time.Hour))

	// A depublish-only execution carries no displayable XML.
	finished := time.Now().Add(-30 * time.Minute)
	_, err := store.Executions().CreateExecution(ctx, &models.WorkflowExecution{
		ID:        "dep-d14",
		DatasetID: "d14",
		Status:    models.WorkflowStatusFinished,
		Plugins: []*models.Plugin{{
			ID:           "dep-plugin",
			Kind:         models.PluginDepublish,
			Status:       models.PluginStatusFinished,
			FinishedDate: &finished,
			Progress:     models.ExecutionProgress{Processed: 10},
		}},
	})
	require.NoError(t, err)

	history, err := o.DatasetExecutionHistory(ctx, "d14")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "seed-d14", history[0].ID)
}

func TestSolrCommitPeriodHotReload(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	assert.Equal(t, 2*time.Minute, o.SolrCommitPeriod())

	o.SetSolrCommitPeriod(10 * time.Minute)
	assert.Equal(t, 10*time.Minute, o.SolrCommitPeriod())
}
