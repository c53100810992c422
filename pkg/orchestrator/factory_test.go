package orchestrator

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heritago/heritago/pkg/models"
)

func TestNewExecutionChainsPredecessors(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	workflow := &models.Workflow{
		DatasetID: "d1",
		Plugins: []models.PluginConfig{
			{Kind: models.PluginValidationExternal, Enabled: true},
			{Kind: models.PluginTransformation, Enabled: true},
			{Kind: models.PluginValidationInternal, Enabled: false},
		},
	}

	predecessor := &Predecessor{
		Plugin:      &models.Plugin{ID: "prior-harvest", Kind: models.PluginOAIPMHHarvest},
		ExecutionID: "prior-execution",
	}

	execution := NewExecution(workflow, predecessor, 7, "operator", now)

	assert.Equal(t, "d1", execution.DatasetID)
	assert.Equal(t, models.WorkflowStatusInQueue, execution.Status)
	assert.Equal(t, 7, execution.Priority)
	assert.Equal(t, "operator", execution.StartedBy)
	assert.Equal(t, now, execution.CreatedDate)
	assert.False(t, execution.Cancelling)
	assert.True(t, strings.HasPrefix(execution.ID, "exec-"))

	// Disabled plugins are not materialised.
	require.Len(t, execution.Plugins, 2)

	first, second := execution.Plugins[0], execution.Plugins[1]

	assert.Equal(t, models.PluginStatusInQueue, first.Status)
	assert.Equal(t, -1, first.Progress.TotalDatabaseRecords)
	assert.Equal(t, "prior-execution", first.PredecessorExecutionID)
	assert.Equal(t, "prior-harvest", first.PredecessorPluginID)

	assert.True(t, strings.HasPrefix(first.ID, "plugin-"))
	assert.Equal(t, execution.ID, second.PredecessorExecutionID)
	assert.Equal(t, first.ID, second.PredecessorPluginID)
}

func TestNewExecutionRootHasNoPredecessor(t *testing.T) {
	workflow := &models.Workflow{
		DatasetID: "d1",
		Plugins:   []models.PluginConfig{{Kind: models.PluginOAIPMHHarvest, Enabled: true}},
	}

	execution := NewExecution(workflow, &Predecessor{}, 0, "", time.Now())

	assert.Equal(t, models.StartedBySystem, execution.StartedBy)
	require.Len(t, execution.Plugins, 1)
	assert.Empty(t, execution.Plugins[0].PredecessorExecutionID)
	assert.Empty(t, execution.Plugins[0].PredecessorPluginID)
}

func TestNewExecutionClampsPriority(t *testing.T) {
	workflow := &models.Workflow{
		DatasetID: "d1",
		Plugins:   []models.PluginConfig{{Kind: models.PluginOAIPMHHarvest, Enabled: true}},
	}

	assert.Equal(t, models.MaxPriority, NewExecution(workflow, nil, 99, "", time.Now()).Priority)
	assert.Equal(t, models.MinPriority, NewExecution(workflow, nil, -3, "", time.Now()).Priority)
}

func TestNewExecutionCopiesParameters(t *testing.T) {
	parameters := map[string]any{models.ParamURL: "https://example.org/oai"}
	workflow := &models.Workflow{
		DatasetID: "d1",
		Plugins: []models.PluginConfig{{
			Kind:       models.PluginOAIPMHHarvest,
			Enabled:    true,
			Parameters: parameters,
		}},
	}

	execution := NewExecution(workflow, nil, 0, "", time.Now())

	require.Len(t, execution.Plugins, 1)
	assert.Equal(t, "https://example.org/oai", execution.Plugins[0].Parameters[models.ParamURL])

	// Mutating the config afterwards must not leak into the execution.
	parameters[models.ParamURL] = "changed"
	assert.Equal(t, "https://example.org/oai", execution.Plugins[0].Parameters[models.ParamURL])
}
