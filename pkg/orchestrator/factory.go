package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"github.com/heritago/heritago/pkg/models"
)

// NewExecution materialises a WorkflowExecution from a workflow and its
// resolved predecessor. Pure: no I/O, no clock beyond the given instant.
func NewExecution(workflow *models.Workflow, predecessor *Predecessor,
	priority int, startedBy string, now time.Time) *models.WorkflowExecution {

	if startedBy == "" {
		startedBy = models.StartedBySystem
	}

	execution := &models.WorkflowExecution{
		ID:          "exec-" + uuid.NewString(),
		DatasetID:   workflow.DatasetID,
		Priority:    models.ClampPriority(priority),
		Status:      models.WorkflowStatusInQueue,
		StartedBy:   startedBy,
		CreatedDate: now,
		UpdatedDate: now,
	}

	enabled := workflow.EnabledPlugins()
	execution.Plugins = make([]*models.Plugin, 0, len(enabled))

	var previous *models.Plugin

	for _, config := range enabled {
		plugin := &models.Plugin{
			ID:       "plugin-" + uuid.NewString(),
			Kind:     config.Kind,
			Status:   models.PluginStatusInQueue,
			Progress: models.ExecutionProgress{TotalDatabaseRecords: -1},
		}

		if len(config.Parameters) > 0 {
			plugin.Parameters = make(map[string]any, len(config.Parameters))
			for k, v := range config.Parameters {
				plugin.Parameters[k] = v
			}
		}

		if previous == nil {
			if predecessor != nil && predecessor.Plugin != nil {
				plugin.PredecessorExecutionID = predecessor.ExecutionID
				plugin.PredecessorPluginID = predecessor.Plugin.ID
			}
		} else {
			plugin.PredecessorExecutionID = execution.ID
			plugin.PredecessorPluginID = previous.ID
		}

		execution.Plugins = append(execution.Plugins, plugin)
		previous = plugin
	}

	return execution
}
