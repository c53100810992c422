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

func newTestValidator(t *testing.T) (*Validator, *memory.Persistence) {
	t.Helper()

	store := memory.NewPersistence()

	return NewValidator(models.Topology{}, store.Executions(), store.DepublishRecords()), store
}

func enabledWorkflow(datasetID string, kinds ...models.PluginKind) *models.Workflow {
	workflow := &models.Workflow{DatasetID: datasetID}
	for _, kind := range kinds {
		config := models.PluginConfig{Kind: kind, Enabled: true}
		if kind == models.PluginOAIPMHHarvest {
			config.Parameters = map[string]any{
				models.ParamURL:            "https://example.org/oai",
				models.ParamMetadataFormat: "edm",
			}
		}

		workflow.Plugins = append(workflow.Plugins, config)
	}

	return workflow
}

func TestValidateRejectsEmptyWorkflow(t *testing.T) {
	v, _ := newTestValidator(t)

	_, err := v.Validate(context.Background(), &models.Workflow{DatasetID: "d1"}, "")
	assert.ErrorIs(t, err, ErrBadContent)
}

func TestValidateRejectsAllDisabled(t *testing.T) {
	v, _ := newTestValidator(t)

	workflow := &models.Workflow{
		DatasetID: "d1",
		Plugins:   []models.PluginConfig{{Kind: models.PluginTransformation, Enabled: false}},
	}

	_, err := v.Validate(context.Background(), workflow, "")
	assert.ErrorIs(t, err, ErrBadContent)
}

func TestValidateRejectsDuplicateKinds(t *testing.T) {
	v, _ := newTestValidator(t)

	workflow := enabledWorkflow("d1", models.PluginOAIPMHHarvest, models.PluginOAIPMHHarvest)

	_, err := v.Validate(context.Background(), workflow, "")
	assert.ErrorIs(t, err, ErrBadContent)
}

func TestValidateRejectsIllegalOrder(t *testing.T) {
	v, _ := newTestValidator(t)

	// TRANSFORMATION may only follow VALIDATION_EXTERNAL.
	workflow := enabledWorkflow("d1", models.PluginOAIPMHHarvest, models.PluginTransformation)

	_, err := v.Validate(context.Background(), workflow, "")
	assert.ErrorIs(t, err, ErrBadContent)
}

func TestValidateAcceptsFullChain(t *testing.T) {
	v, _ := newTestValidator(t)

	workflow := enabledWorkflow("d1",
		models.PluginOAIPMHHarvest,
		models.PluginValidationExternal,
		models.PluginTransformation,
		models.PluginValidationInternal,
		models.PluginNormalization,
		models.PluginEnrichment,
		models.PluginMediaProcess,
		models.PluginPreview,
		models.PluginPublish,
	)

	predecessor, err := v.Validate(context.Background(), workflow, "")
	require.NoError(t, err)
	assert.Nil(t, predecessor.Plugin)
}

func TestValidateSkipsDisabledWhenOrdering(t *testing.T) {
	v, _ := newTestValidator(t)

	// The disabled TRANSFORMATION between them must not satisfy the chain.
	workflow := &models.Workflow{
		DatasetID: "d1",
		Plugins: []models.PluginConfig{
			{Kind: models.PluginValidationExternal, Enabled: true},
			{Kind: models.PluginTransformation, Enabled: false},
			{Kind: models.PluginValidationInternal, Enabled: true},
		},
	}

	_, err := v.Validate(context.Background(), workflow, "")
	assert.ErrorIs(t, err, ErrBadContent)
}

func TestValidateRejectsUnknownParameters(t *testing.T) {
	v, _ := newTestValidator(t)

	workflow := &models.Workflow{
		DatasetID: "d1",
		Plugins: []models.PluginConfig{{
			Kind:       models.PluginTransformation,
			Enabled:    true,
			Parameters: map[string]any{"xslt_url": "https://example.org/x.xslt"},
		}},
	}

	_, err := v.Validate(context.Background(), workflow, "")
	assert.ErrorIs(t, err, ErrBadContent)
}

func TestValidateOAIHarvestRequiresMetadataFormat(t *testing.T) {
	v, _ := newTestValidator(t)

	workflow := &models.Workflow{
		DatasetID: "d1",
		Plugins: []models.PluginConfig{{
			Kind:       models.PluginOAIPMHHarvest,
			Enabled:    true,
			Parameters: map[string]any{models.ParamURL: "https://example.org/oai"},
		}},
	}

	_, err := v.Validate(context.Background(), workflow, "")
	assert.ErrorIs(t, err, ErrBadContent)
}

func TestValidateIncrementalHarvestRequiresPriorHarvest(t *testing.T) {
	ctx := context.Background()
	v, store := newTestValidator(t)

	workflow := &models.Workflow{
		DatasetID: "d1",
		Plugins: []models.PluginConfig{{
			Kind:    models.PluginOAIPMHHarvest,
			Enabled: true,
			Parameters: map[string]any{
				models.ParamURL:                "https://example.org/oai",
				models.ParamMetadataFormat:     "edm",
				models.ParamIncrementalHarvest: true,
			},
		}},
	}

	_, err := v.Validate(ctx, workflow, "")
	assert.ErrorIs(t, err, ErrBadContent)

	finished := time.Now().Add(-time.Hour)
	_, err = store.Executions().CreateExecution(ctx, &models.WorkflowExecution{
		ID:        "prior",
		DatasetID: "d1",
		Status:    models.WorkflowStatusFinished,
		Plugins: []*models.Plugin{{
			ID:           "prior-harvest",
			Kind:         models.PluginOAIPMHHarvest,
			Status:       models.PluginStatusFinished,
			FinishedDate: &finished,
			Progress:     models.ExecutionProgress{Processed: 10},
		}},
	})
	require.NoError(t, err)

	_, err = v.Validate(ctx, workflow, "")
	assert.NoError(t, err)
}

func TestValidateRecordDepublishRequiresPendingRecords(t *testing.T) {
	ctx := context.Background()
	v, store := newTestValidator(t)

	workflow := enabledWorkflow("d1", models.PluginDepublish)

	_, err := v.Validate(ctx, workflow, "")
	assert.ErrorIs(t, err, ErrBadContent)

	require.NoError(t, store.DepublishRecords().InsertRecordIDs(ctx, "d1", []string{"r1"},
		models.DepublicationPending, nil))

	_, err = v.Validate(ctx, workflow, "")
	assert.NoError(t, err)
}

func TestValidateDatasetDepublishNeedsNoRecords(t *testing.T) {
	v, _ := newTestValidator(t)

	workflow := &models.Workflow{
		DatasetID: "d1",
		Plugins: []models.PluginConfig{{
			Kind:       models.PluginDepublish,
			Enabled:    true,
			Parameters: map[string]any{models.ParamDatasetDepublish: true},
		}},
	}

	_, err := v.Validate(context.Background(), workflow, "")
	assert.NoError(t, err)
}

func TestValidateEnforcedPredecessor(t *testing.T) {
	ctx := context.Background()
	v, store := newTestValidator(t)

	finished := time.Now().Add(-time.Hour)
	_, err := store.Executions().CreateExecution(ctx, &models.WorkflowExecution{
		ID:        "prior",
		DatasetID: "d1",
		Status:    models.WorkflowStatusFinished,
		Plugins: []*models.Plugin{{
			ID:           "prior-enrichment",
			Kind:         models.PluginEnrichment,
			Status:       models.PluginStatusFinished,
			FinishedDate: &finished,
			Progress:     models.ExecutionProgress{Processed: 10},
		}},
	})
	require.NoError(t, err)

	workflow := enabledWorkflow("d1", models.PluginMediaProcess)

	// The topology rule alone finds the enrichment.
	predecessor, err := v.Validate(ctx, workflow, "")
	require.NoError(t, err)
	assert.Equal(t, "prior-enrichment", predecessor.Plugin.ID)

	// An enforced kind with no valid plugin rejects the admission.
	_, err = v.Validate(ctx, workflow, models.PluginNormalization)
	assert.ErrorIs(t, err, ErrPluginExecutionNotAllowed)
}
