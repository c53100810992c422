package orchestrator

import (
	"context"
	"fmt"

	"github.com/heritago/heritago/pkg/models"
	"github.com/heritago/heritago/pkg/persistence"
)

// Evolution walks predecessor references across executions to reconstruct
// record lineage. References are (executionId, pluginId) values, never object
// graphs, so every hop is a store lookup.
type Evolution struct {
	executions persistence.ExecutionStore
}

func NewEvolution(executions persistence.ExecutionStore) *Evolution {
	return &Evolution{executions: executions}
}

// VersionStep is one lineage entry: a plugin and the execution it ran in.
type VersionStep struct {
	Plugin      *models.Plugin            `json:"plugin"`
	ExecutionID string                    `json:"execution_id"`
	Execution   *models.WorkflowExecution `json:"-"`
}

// RootAncestor follows predecessor references from the given plugin until a
// plugin with no predecessor is reached: always a harvest or a depublish.
// A visited set guards against reference cycles, which would indicate
// corrupted data.
func (e *Evolution) RootAncestor(ctx context.Context, executionID string,
	plugin *models.Plugin) (*persistence.PluginWithExecutionID, error) {

	chain, err := e.ancestry(ctx, executionID, plugin)
	if err != nil {
		return nil, err
	}

	if len(chain) == 0 {
		return &persistence.PluginWithExecutionID{ExecutionID: executionID, Plugin: plugin}, nil
	}

	root := chain[0]

	return &persistence.PluginWithExecutionID{ExecutionID: root.ExecutionID, Plugin: root.Plugin}, nil
}

// CompileVersionEvolution returns the lineage from the root ancestor up to
// but excluding the target plugin, oldest first.
func (e *Evolution) CompileVersionEvolution(ctx context.Context, executionID string,
	target *models.Plugin) ([]VersionStep, error) {

	return e.ancestry(ctx, executionID, target)
}

// ancestry collects the predecessors of the given plugin, oldest first, the
// plugin itself excluded.
func (e *Evolution) ancestry(ctx context.Context, executionID string,
	plugin *models.Plugin) ([]VersionStep, error) {

	type ref struct {
		executionID string
		pluginID    string
	}

	visited := map[ref]bool{{executionID: executionID, pluginID: plugin.ID}: true}

	steps := make([]VersionStep, 0)
	current := plugin

	for current.PredecessorExecutionID != "" {
		predecessorRef := ref{
			executionID: current.PredecessorExecutionID,
			pluginID:    current.PredecessorPluginID,
		}

		if visited[predecessorRef] {
			return nil, fmt.Errorf("predecessor cycle detected at execution %s plugin %s",
				predecessorRef.executionID, predecessorRef.pluginID)
		}
		visited[predecessorRef] = true

		execution, err := e.executions.ExecutionByID(ctx, predecessorRef.executionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load predecessor execution %s: %w",
				predecessorRef.executionID, err)
		}

		predecessor := execution.PluginByID(predecessorRef.pluginID)
		if predecessor == nil {
			return nil, fmt.Errorf("predecessor plugin %s missing from execution %s",
				predecessorRef.pluginID, predecessorRef.executionID)
		}

		steps = append(steps, VersionStep{
			Plugin:      predecessor,
			ExecutionID: execution.ID,
			Execution:   execution,
		})
		current = predecessor
	}

	// Collected newest first; lineage reads oldest first.
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}

	return steps, nil
}

// IsIncremental reports whether the execution's first plugin descends from a
// harvest configured to run incrementally. A depublish root is never
// incremental.
func (e *Evolution) IsIncremental(ctx context.Context, execution *models.WorkflowExecution) (bool, error) {
	if len(execution.Plugins) == 0 {
		return false, nil
	}

	root, err := e.RootAncestor(ctx, execution.ID, execution.Plugins[0])
	if err != nil {
		return false, err
	}

	if !models.KindsContain(models.HarvestKinds, root.Plugin.Kind) {
		return false, nil
	}

	return root.Plugin.BoolParameter(models.ParamIncrementalHarvest), nil
}
