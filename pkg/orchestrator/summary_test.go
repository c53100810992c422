package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heritago/heritago/pkg/models"
	"github.com/heritago/heritago/pkg/persistence/memory"
)

func storeExecution(t *testing.T, store *memory.Persistence, execution *models.WorkflowExecution) {
	t.Helper()

	_, err := store.Executions().CreateExecution(context.Background(), execution)
	require.NoError(t, err)
}

func finishedAt(t time.Time) *time.Time { return &t }

func TestDatasetExecutionInformationHarvestOnly(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOrchestrator(t)

	harvestDate := time.Now().Add(-3 * time.Hour).UTC()
	storeExecution(t, store, &models.WorkflowExecution{
		ID:        "ex-1",
		DatasetID: "d1",
		Status:    models.WorkflowStatusFinished,
		Plugins: []*models.Plugin{{
			ID:           "harvest",
			Kind:         models.PluginOAIPMHHarvest,
			Status:       models.PluginStatusFinished,
			FinishedDate: finishedAt(harvestDate),
			Progress:     models.ExecutionProgress{Processed: 120, Errors: 20},
		}},
	})

	info, err := o.DatasetExecutionInformation(ctx, "d1")
	require.NoError(t, err)

	assert.Equal(t, 100, info.LastHarvestedRecords)
	require.NotNil(t, info.LastHarvestedDate)
	assert.Empty(t, info.PublicationStatus)
	assert.Nil(t, info.FirstPublishedDate)
}

func TestDatasetExecutionInformationPublished(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOrchestrator(t)

	publishDate := time.Now().Add(-time.Hour).UTC()
	storeExecution(t, store, &models.WorkflowExecution{
		ID:        "ex-1",
		DatasetID: "d1",
		Status:    models.WorkflowStatusFinished,
		Plugins: []*models.Plugin{{
			ID:           "publish",
			Kind:         models.PluginPublish,
			Status:       models.PluginStatusFinished,
			FinishedDate: finishedAt(publishDate),
			Progress:     models.ExecutionProgress{Processed: 50, TotalDatabaseRecords: 50},
		}},
	})

	info, err := o.DatasetExecutionInformation(ctx, "d1")
	require.NoError(t, err)

	assert.Equal(t, models.PublicationStatusPublished, info.PublicationStatus)
	assert.Equal(t, 50, info.LastPublishedRecords)
	assert.Equal(t, 50, info.TotalPublishedRecords)
	require.NotNil(t, info.FirstPublishedDate)
	assert.True(t, info.LastPublishedRecordsReadyForViewing)
}

func TestDatasetExecutionInformationDepublished(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOrchestrator(t)

	publishDate := time.Now().Add(-2 * time.Hour).UTC()
	depublishDate := time.Now().Add(-time.Hour).UTC()

	storeExecution(t, store, &models.WorkflowExecution{
		ID:        "ex-1",
		DatasetID: "d1",
		Status:    models.WorkflowStatusFinished,
		Plugins: []*models.Plugin{{
			ID:           "publish",
			Kind:         models.PluginPublish,
			Status:       models.PluginStatusFinished,
			FinishedDate: finishedAt(publishDate),
			Progress:     models.ExecutionProgress{Processed: 50, TotalDatabaseRecords: 50},
		}},
	})
	storeExecution(t, store, &models.WorkflowExecution{
		ID:        "ex-2",
		DatasetID: "d1",
		Status:    models.WorkflowStatusFinished,
		Plugins: []*models.Plugin{{
			ID:           "depublish",
			Kind:         models.PluginDepublish,
			Status:       models.PluginStatusFinished,
			FinishedDate: finishedAt(depublishDate),
			Progress:     models.ExecutionProgress{Processed: 50},
			Parameters:   map[string]any{models.ParamDatasetDepublish: true},
		}},
	})

	info, err := o.DatasetExecutionInformation(ctx, "d1")
	require.NoError(t, err)

	assert.Equal(t, models.PublicationStatusDepublished, info.PublicationStatus)
	// A whole-dataset depublish takes down everything published.
	assert.Equal(t, 50, info.LastDepublishedRecords)
}

func TestDatasetExecutionInformationRecordDepublish(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOrchestrator(t)

	publishDate := time.Now().Add(-2 * time.Hour).UTC()
	depublishDate := time.Now().Add(-time.Hour).UTC()

	storeExecution(t, store, &models.WorkflowExecution{
		ID:        "ex-1",
		DatasetID: "d1",
		Status:    models.WorkflowStatusFinished,
		Plugins: []*models.Plugin{{
			ID:           "publish",
			Kind:         models.PluginPublish,
			Status:       models.PluginStatusFinished,
			FinishedDate: finishedAt(publishDate),
			Progress:     models.ExecutionProgress{Processed: 50, TotalDatabaseRecords: 50},
		}},
	})
	storeExecution(t, store, &models.WorkflowExecution{
		ID:        "ex-2",
		DatasetID: "d1",
		Status:    models.WorkflowStatusFinished,
		Plugins: []*models.Plugin{{
			ID:           "depublish",
			Kind:         models.PluginDepublish,
			Status:       models.PluginStatusFinished,
			FinishedDate: finishedAt(depublishDate),
			Progress:     models.ExecutionProgress{Processed: 2},
		}},
	})

	now := time.Now().UTC()
	require.NoError(t, o.DepublishRegistry().MarkStatus(ctx, "d1", []string{"r1", "r2"},
		models.DepublicationDepublished, &now))

	info, err := o.DatasetExecutionInformation(ctx, "d1")
	require.NoError(t, err)

	// A record-level depublish does not flip the dataset status.
	assert.Equal(t, models.PublicationStatusPublished, info.PublicationStatus)
	assert.Equal(t, 2, info.LastDepublishedRecords)
}

func TestDatasetExecutionInformationEmptyIndexNotViewable(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOrchestrator(t)

	// The index reported a definitive total of zero: processed records or
	// not, nothing is available for viewing.
	storeExecution(t, store, &models.WorkflowExecution{
		ID:        "ex-1",
		DatasetID: "d1",
		Status:    models.WorkflowStatusFinished,
		Plugins: []*models.Plugin{{
			ID:           "publish",
			Kind:         models.PluginPublish,
			Status:       models.PluginStatusFinished,
			FinishedDate: finishedAt(time.Now().Add(-time.Hour).UTC()),
			Progress:     models.ExecutionProgress{Processed: 50, TotalDatabaseRecords: 0},
		}},
	})

	info, err := o.DatasetExecutionInformation(ctx, "d1")
	require.NoError(t, err)

	assert.False(t, info.LastPublishedRecordsReadyForViewing)
	assert.Equal(t, 0, info.TotalPublishedRecords)
	assert.Equal(t, 50, info.LastPublishedRecords)
}

func TestDatasetExecutionInformationUnknownTotalFallsBack(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOrchestrator(t)

	// No total reported (-1): fall back to the net record count.
	storeExecution(t, store, &models.WorkflowExecution{
		ID:        "ex-1",
		DatasetID: "d1",
		Status:    models.WorkflowStatusFinished,
		Plugins: []*models.Plugin{{
			ID:           "publish",
			Kind:         models.PluginPublish,
			Status:       models.PluginStatusFinished,
			FinishedDate: finishedAt(time.Now().Add(-time.Hour).UTC()),
			Progress:     models.ExecutionProgress{Processed: 50, TotalDatabaseRecords: -1},
		}},
	})

	info, err := o.DatasetExecutionInformation(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, info.LastPublishedRecordsReadyForViewing)
}

func TestDatasetExecutionInformationDepublishWithoutPublish(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOrchestrator(t)

	// A dataset-wide depublish with no publish on record leaves the
	// publication status unset.
	storeExecution(t, store, &models.WorkflowExecution{
		ID:        "ex-1",
		DatasetID: "d1",
		Status:    models.WorkflowStatusFinished,
		Plugins: []*models.Plugin{{
			ID:           "depublish",
			Kind:         models.PluginDepublish,
			Status:       models.PluginStatusFinished,
			FinishedDate: finishedAt(time.Now().Add(-time.Hour).UTC()),
			Parameters:   map[string]any{models.ParamDatasetDepublish: true},
		}},
	})

	info, err := o.DatasetExecutionInformation(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, info.PublicationStatus)
}

func TestDatasetExecutionInformationCountsFromExecutablePublish(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOrchestrator(t)

	publishDate := time.Now().Add(-3 * time.Hour).UTC()
	reindexDate := time.Now().Add(-time.Hour).UTC()

	storeExecution(t, store, &models.WorkflowExecution{
		ID:        "ex-1",
		DatasetID: "d1",
		Status:    models.WorkflowStatusFinished,
		Plugins: []*models.Plugin{{
			ID:           "publish",
			Kind:         models.PluginPublish,
			Status:       models.PluginStatusFinished,
			FinishedDate: finishedAt(publishDate),
			Progress:     models.ExecutionProgress{Processed: 40, TotalDatabaseRecords: 40},
		}},
	})

	// A later reindex carries no record counts of its own.
	storeExecution(t, store, &models.WorkflowExecution{
		ID:        "ex-2",
		DatasetID: "d1",
		Status:    models.WorkflowStatusFinished,
		Plugins: []*models.Plugin{{
			ID:           "reindex",
			Kind:         models.PluginReindexToPublish,
			Status:       models.PluginStatusFinished,
			FinishedDate: finishedAt(reindexDate),
		}},
	})

	info, err := o.DatasetExecutionInformation(ctx, "d1")
	require.NoError(t, err)

	assert.Equal(t, 40, info.LastPublishedRecords)
	assert.Equal(t, 40, info.TotalPublishedRecords)
	require.NotNil(t, info.LastPublishedDate)
	assert.Equal(t, reindexDate, info.LastPublishedDate.UTC())
	assert.True(t, info.LastPublishedRecordsReadyForViewing)
}

func TestReadyForViewingWaitsForCommitWindow(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOrchestrator(t)

	// Finished 30s ago, commit window 2m: not ready yet.
	storeExecution(t, store, &models.WorkflowExecution{
		ID:        "ex-1",
		DatasetID: "d1",
		Status:    models.WorkflowStatusFinished,
		Plugins: []*models.Plugin{{
			ID:           "preview",
			Kind:         models.PluginPreview,
			Status:       models.PluginStatusFinished,
			FinishedDate: finishedAt(time.Now().Add(-30 * time.Second).UTC()),
			Progress:     models.ExecutionProgress{Processed: 10, TotalDatabaseRecords: 10},
		}},
	})

	info, err := o.DatasetExecutionInformation(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, info.LastPreviewRecordsReadyForViewing)

	o.SetSolrCommitPeriod(10 * time.Second)

	info, err = o.DatasetExecutionInformation(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, info.LastPreviewRecordsReadyForViewing)
}

func TestReadyForViewingBlockedByRunningIndexing(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOrchestrator(t)

	storeExecution(t, store, &models.WorkflowExecution{
		ID:        "ex-1",
		DatasetID: "d1",
		Status:    models.WorkflowStatusFinished,
		Plugins: []*models.Plugin{{
			ID:           "preview",
			Kind:         models.PluginPreview,
			Status:       models.PluginStatusFinished,
			FinishedDate: finishedAt(time.Now().Add(-time.Hour).UTC()),
			Progress:     models.ExecutionProgress{Processed: 10, TotalDatabaseRecords: 10},
		}},
	})

	// A new preview is currently running for the dataset.
	storeExecution(t, store, &models.WorkflowExecution{
		ID:        "ex-2",
		DatasetID: "d1",
		Status:    models.WorkflowStatusRunning,
		Plugins: []*models.Plugin{{
			ID:     "preview-2",
			Kind:   models.PluginPreview,
			Status: models.PluginStatusRunning,
		}},
	})

	info, err := o.DatasetExecutionInformation(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, info.LastPreviewRecordsReadyForViewing)
}

func TestReadyForViewingRespectsDataStatus(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOrchestrator(t)

	storeExecution(t, store, &models.WorkflowExecution{
		ID:        "ex-1",
		DatasetID: "d1",
		Status:    models.WorkflowStatusFinished,
		Plugins: []*models.Plugin{{
			ID:           "preview",
			Kind:         models.PluginPreview,
			Status:       models.PluginStatusFinished,
			DataStatus:   models.DataStatusDeprecated,
			FinishedDate: finishedAt(time.Now().Add(-time.Hour).UTC()),
			Progress:     models.ExecutionProgress{Processed: 10, TotalDatabaseRecords: 10},
		}},
	})

	info, err := o.DatasetExecutionInformation(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, info.LastPreviewRecordsReadyForViewing)
}
