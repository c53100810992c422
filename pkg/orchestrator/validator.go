package orchestrator

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/heritago/heritago/pkg/models"
	"github.com/heritago/heritago/pkg/persistence"
)

// Predecessor is the resolved seed for a workflow's first plugin. A nil
// Plugin means the workflow starts a fresh lineage.
type Predecessor struct {
	Plugin      *models.Plugin
	ExecutionID string
}

// Validator checks workflow shape against the topology and resolves the
// predecessor plugin that seeds the first stage.
type Validator struct {
	topology   models.Topology
	validate   *validator.Validate
	executions persistence.ExecutionStore
	depublish  persistence.DepublishStore
}

func NewValidator(topology models.Topology, executions persistence.ExecutionStore,
	depublish persistence.DepublishStore) *Validator {

	return &Validator{
		topology:   topology,
		validate:   validator.New(),
		executions: executions,
		depublish:  depublish,
	}
}

// Validate runs the structural and semantic checks and resolves the
// predecessor for the first enabled plugin. enforcedPredecessor, when
// non-empty, overrides the topology's candidate set.
func (v *Validator) Validate(ctx context.Context, workflow *models.Workflow,
	enforcedPredecessor models.PluginKind) (*Predecessor, error) {

	if err := v.structural(workflow); err != nil {
		return nil, err
	}

	enabled := workflow.EnabledPlugins()

	if err := v.semantic(ctx, workflow.DatasetID, enabled); err != nil {
		return nil, err
	}

	return v.resolvePredecessor(ctx, workflow.DatasetID, enabled[0].Kind, enforcedPredecessor)
}

func (v *Validator) structural(workflow *models.Workflow) error {
	if err := v.validate.Struct(workflow); err != nil {
		return fmt.Errorf("%w: %v", ErrBadContent, err)
	}

	enabled := workflow.EnabledPlugins()
	if len(enabled) == 0 {
		return fmt.Errorf("%w: workflow has no enabled plugins", ErrBadContent)
	}

	seen := make(map[models.PluginKind]bool, len(workflow.Plugins))
	for _, config := range workflow.Plugins {
		if seen[config.Kind] {
			return fmt.Errorf("%w: duplicate plugin kind %s", ErrBadContent, config.Kind)
		}
		seen[config.Kind] = true

		if err := validateParameters(config); err != nil {
			return err
		}
	}

	// Each enabled plugin must be seedable by the one directly before it,
	// unless it starts a lineage of its own.
	for i := 1; i < len(enabled); i++ {
		kind := enabled[i].Kind
		if v.topology.Root(kind) {
			continue
		}

		candidates := v.topology.PredecessorCandidates(kind)
		if !models.KindsContain(candidates, enabled[i-1].Kind) {
			return fmt.Errorf("%w: %s may not follow %s", ErrBadContent, kind, enabled[i-1].Kind)
		}
	}

	return nil
}

func (v *Validator) semantic(ctx context.Context, datasetID string, enabled []models.PluginConfig) error {
	for _, config := range enabled {
		switch config.Kind {
		case models.PluginHTTPHarvest, models.PluginOAIPMHHarvest:
			if !config.IncrementalHarvest() {
				continue
			}

			allowed, err := v.IsIncrementalHarvestingAllowed(ctx, datasetID)
			if err != nil {
				return err
			}

			if !allowed {
				return fmt.Errorf("%w: incremental harvest requires a prior valid harvest for dataset %s",
					ErrBadContent, datasetID)
			}
		case models.PluginDepublish:
			if config.DatasetDepublish() {
				continue
			}

			pending, err := v.depublish.CountRecordIDsByStatus(ctx, datasetID, models.DepublicationPending)
			if err != nil {
				return fmt.Errorf("failed to count pending depublish records: %w", err)
			}

			if pending == 0 {
				return fmt.Errorf("%w: record depublication requires pending record ids for dataset %s",
					ErrBadContent, datasetID)
			}
		}
	}

	return nil
}

// IsIncrementalHarvestingAllowed reports whether a prior harvest with valid
// output exists, the precondition for harvesting incrementally.
func (v *Validator) IsIncrementalHarvestingAllowed(ctx context.Context, datasetID string) (bool, error) {
	harvest, err := v.executions.LatestSuccessfulExecutablePlugin(ctx, datasetID, models.HarvestKinds, true)
	if err != nil {
		return false, fmt.Errorf("failed to look up prior harvest: %w", err)
	}

	return harvest != nil, nil
}

func (v *Validator) resolvePredecessor(ctx context.Context, datasetID string,
	firstKind, enforcedPredecessor models.PluginKind) (*Predecessor, error) {

	if v.topology.Root(firstKind) {
		return &Predecessor{}, nil
	}

	candidates := v.topology.PredecessorCandidates(firstKind)
	if enforcedPredecessor != "" {
		candidates = []models.PluginKind{enforcedPredecessor}
	}

	found, err := v.executions.LatestSuccessfulExecutablePlugin(ctx, datasetID, candidates, true)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve predecessor: %w", err)
	}

	if found == nil {
		return nil, fmt.Errorf("%w: no valid predecessor of %v for %s on dataset %s",
			ErrPluginExecutionNotAllowed, candidates, firstKind, datasetID)
	}

	return &Predecessor{Plugin: found.Plugin, ExecutionID: found.ExecutionID}, nil
}
