// Package orchestrator is the public façade of the workflow orchestration
// core: workflow CRUD, execution admission, cancellation and the query
// surface over execution history.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/heritago/heritago/pkg/eventbus"
	"github.com/heritago/heritago/pkg/events"
	"github.com/heritago/heritago/pkg/lock"
	"github.com/heritago/heritago/pkg/models"
	"github.com/heritago/heritago/pkg/otelhelper"
	"github.com/heritago/heritago/pkg/persistence"
	"github.com/heritago/heritago/pkg/queue"
)

// Config carries the orchestrator's tunables.
type Config struct {
	Topology models.Topology

	// DepublishMaxRecordsPerDataset caps the depublish registry per dataset.
	DepublishMaxRecordsPerDataset int

	// SolrCommitPeriod is the index commit window after which preview/publish
	// artefacts count as ready for viewing. Hot-reloadable via
	// SetSolrCommitPeriod.
	SolrCommitPeriod time.Duration
}

// DatasetVerifier checks that a dataset is registered in the downstream
// content store before work is admitted for it.
type DatasetVerifier interface {
	DatasetExists(ctx context.Context, datasetID string) (bool, error)
}

// Orchestrator coordinates stores, queue, locks and the event bus behind one
// API. It is safe for concurrent use.
type Orchestrator struct {
	store     persistence.Persistence
	queue     queue.Queue
	locker    lock.Locker
	publisher eventbus.EventPublisher
	datasets  DatasetVerifier

	topology  models.Topology
	validator *Validator
	evolution *Evolution
	registry  *DepublishRegistry

	// solrCommitPeriod holds nanoseconds, read by workers without locking.
	solrCommitPeriod atomic.Int64

	logger *slog.Logger
	tracer trace.Tracer
}

func New(store persistence.Persistence, q queue.Queue, locker lock.Locker,
	publisher eventbus.EventPublisher, cfg Config, logger *slog.Logger) *Orchestrator {

	o := &Orchestrator{
		store:     store,
		queue:     q,
		locker:    locker,
		publisher: publisher,
		topology:  cfg.Topology,
		validator: NewValidator(cfg.Topology, store.Executions(), store.DepublishRecords()),
		evolution: NewEvolution(store.Executions()),
		registry:  NewDepublishRegistry(store.DepublishRecords(), cfg.DepublishMaxRecordsPerDataset),
		logger:    logger.With("module", "orchestrator"),
		tracer:    noop.NewTracerProvider().Tracer("orchestrator"),
	}
	o.solrCommitPeriod.Store(int64(cfg.SolrCommitPeriod))

	return o
}

// WithTracer replaces the no-op tracer.
func (o *Orchestrator) WithTracer(tracer trace.Tracer) *Orchestrator {
	o.tracer = tracer

	return o
}

// WithDatasetVerifier enables the downstream dataset existence check on
// admission. Without it, any dataset id is accepted.
func (o *Orchestrator) WithDatasetVerifier(datasets DatasetVerifier) *Orchestrator {
	o.datasets = datasets

	return o
}

// Evolution exposes the lineage walker.
func (o *Orchestrator) Evolution() *Evolution { return o.evolution }

// DepublishRegistry exposes the record depublication registry.
func (o *Orchestrator) DepublishRegistry() *DepublishRegistry { return o.registry }

// SolrCommitPeriod returns the current index commit window.
func (o *Orchestrator) SolrCommitPeriod() time.Duration {
	return time.Duration(o.solrCommitPeriod.Load())
}

// SetSolrCommitPeriod updates the index commit window. Workers observe the
// new value on their next read.
func (o *Orchestrator) SetSolrCommitPeriod(period time.Duration) {
	o.solrCommitPeriod.Store(int64(period))
}

// --- workflow CRUD ---

func (o *Orchestrator) CreateWorkflow(ctx context.Context, workflow *models.Workflow,
	enforcedPredecessor models.PluginKind) error {

	exists, err := o.store.Workflows().WorkflowExists(ctx, workflow.DatasetID)
	if err != nil {
		return fmt.Errorf("failed to check workflow existence: %w", err)
	}

	if exists {
		return fmt.Errorf("%w: dataset %s", ErrWorkflowAlreadyExists, workflow.DatasetID)
	}

	if _, err := o.validator.Validate(ctx, workflow, enforcedPredecessor); err != nil {
		// Admission-time predecessor resolution does not apply to storage.
		if !errors.Is(err, ErrPluginExecutionNotAllowed) {
			return err
		}
	}

	err = o.store.Workflows().CreateWorkflow(ctx, workflow)
	if err != nil {
		if errors.Is(err, persistence.ErrWorkflowAlreadyExists) {
			return fmt.Errorf("%w: dataset %s", ErrWorkflowAlreadyExists, workflow.DatasetID)
		}

		return fmt.Errorf("failed to store workflow: %w", err)
	}

	o.logger.InfoContext(ctx, "Created workflow", "dataset_id", workflow.DatasetID)

	return nil
}

func (o *Orchestrator) UpdateWorkflow(ctx context.Context, workflow *models.Workflow,
	enforcedPredecessor models.PluginKind) error {

	stored, err := o.store.Workflows().WorkflowByDataset(ctx, workflow.DatasetID)
	if err != nil {
		if errors.Is(err, persistence.ErrWorkflowNotFound) {
			return fmt.Errorf("%w: dataset %s", ErrNoWorkflowFound, workflow.DatasetID)
		}

		return fmt.Errorf("failed to load workflow: %w", err)
	}

	if _, err := o.validator.Validate(ctx, workflow, enforcedPredecessor); err != nil {
		if !errors.Is(err, ErrPluginExecutionNotAllowed) {
			return err
		}
	}

	workflow.ID = stored.ID
	workflow.CreatedAt = stored.CreatedAt

	err = o.store.Workflows().UpdateWorkflow(ctx, workflow)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}

	o.logger.InfoContext(ctx, "Updated workflow", "dataset_id", workflow.DatasetID)

	return nil
}

func (o *Orchestrator) DeleteWorkflow(ctx context.Context, datasetID string) error {
	err := o.store.Workflows().DeleteWorkflow(ctx, datasetID)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	return nil
}

func (o *Orchestrator) WorkflowByDataset(ctx context.Context, datasetID string) (*models.Workflow, error) {
	workflow, err := o.store.Workflows().WorkflowByDataset(ctx, datasetID)
	if err != nil {
		if errors.Is(err, persistence.ErrWorkflowNotFound) {
			return nil, fmt.Errorf("%w: dataset %s", ErrNoWorkflowFound, datasetID)
		}

		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}

	return workflow, nil
}

// --- admission ---

// AdmissionRequest describes one execution admission. Workflow overrides the
// stored workflow when set; StartedBy defaults to the system actor.
type AdmissionRequest struct {
	DatasetID           string
	Workflow            *models.Workflow
	EnforcedPredecessor models.PluginKind
	Priority            int
	StartedBy           string
}

// AddWorkflowExecution admits one execution for the dataset: validate,
// materialise, persist under the per-dataset admission lock, enqueue. At most
// one non-terminal execution exists per dataset at any time.
func (o *Orchestrator) AddWorkflowExecution(ctx context.Context,
	request AdmissionRequest) (*models.WorkflowExecution, error) {

	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "orchestrator.add_workflow_execution",
		attribute.String(otelhelper.DatasetIDKey, request.DatasetID))
	defer span.End()

	if err := o.verifyDataset(ctx, request.DatasetID); err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	workflow := request.Workflow
	if workflow == nil {
		stored, err := o.store.Workflows().WorkflowByDataset(ctx, request.DatasetID)
		if err != nil {
			if errors.Is(err, persistence.ErrWorkflowNotFound) {
				return nil, fmt.Errorf("%w: dataset %s", ErrNoWorkflowFound, request.DatasetID)
			}

			return nil, fmt.Errorf("failed to load workflow: %w", err)
		}

		workflow = stored
	}

	predecessor, err := o.validator.Validate(ctx, workflow, request.EnforcedPredecessor)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if err := o.checkDepublishAdmissible(ctx, workflow); err != nil {
		return nil, err
	}

	execution := NewExecution(workflow, predecessor, request.Priority, request.StartedBy, time.Now().UTC())
	span.SetAttributes(attribute.String(otelhelper.ExecutionIDKey, execution.ID))

	executionID, err := o.persistUnderAdmissionLock(ctx, execution)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	err = o.queue.Enqueue(ctx, queue.Message{
		ExecutionID: executionID,
		DatasetID:   execution.DatasetID,
		Priority:    execution.Priority,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to enqueue execution %s: %v", ErrExternalTask, executionID, err)
	}

	o.publish(ctx, execution.DatasetID, events.ExecutionAdmitted{
		BaseEvent: events.NewBaseEvent(events.ExecutionAdmittedEvent, execution.DatasetID, executionID),
		Priority:  execution.Priority,
		StartedBy: execution.StartedBy,
	})

	o.logger.InfoContext(ctx, "Admitted workflow execution",
		"dataset_id", execution.DatasetID, "execution_id", executionID, "priority", execution.Priority)

	return o.ExecutionByID(ctx, executionID)
}

func (o *Orchestrator) verifyDataset(ctx context.Context, datasetID string) error {
	if o.datasets == nil {
		return nil
	}

	exists, err := o.datasets.DatasetExists(ctx, datasetID)
	if err != nil {
		return fmt.Errorf("%w: failed to verify dataset %s: %v", ErrExternalTask, datasetID, err)
	}

	if !exists {
		return fmt.Errorf("%w: dataset %s", ErrNoDatasetFound, datasetID)
	}

	return nil
}

// persistUnderAdmissionLock holds the per-dataset lock only around the
// exists-check and insert, the section that enforces single admission.
func (o *Orchestrator) persistUnderAdmissionLock(ctx context.Context,
	execution *models.WorkflowExecution) (string, error) {

	admissionLock, err := o.locker.Acquire(ctx, lock.AdmissionLockName(execution.DatasetID))
	if err != nil {
		return "", fmt.Errorf("failed to acquire admission lock: %w", err)
	}
	defer func() { _ = admissionLock.Release(ctx) }()

	activeID, err := o.store.Executions().ExistsAndNotCompleted(ctx, execution.DatasetID)
	if err != nil {
		return "", fmt.Errorf("failed to check active executions: %w", err)
	}

	if activeID != "" {
		return "", fmt.Errorf("%w: execution %s is active for dataset %s",
			ErrExecutionAlreadyExists, activeID, execution.DatasetID)
	}

	executionID, err := o.store.Executions().CreateExecution(ctx, execution)
	if err != nil {
		return "", fmt.Errorf("failed to persist execution: %w", err)
	}

	return executionID, nil
}

// checkDepublishAdmissible rejects a record-id depublish while the dataset is
// depublished as a whole; the publication status derivation relies on record
// depublishes never following a dataset-wide one.
func (o *Orchestrator) checkDepublishAdmissible(ctx context.Context, workflow *models.Workflow) error {
	var recordDepublish bool

	for _, config := range workflow.EnabledPlugins() {
		if config.Kind == models.PluginDepublish && !config.DatasetDepublish() {
			recordDepublish = true
		}
	}

	if !recordDepublish {
		return nil
	}

	info, err := o.DatasetExecutionInformation(ctx, workflow.DatasetID)
	if err != nil {
		return err
	}

	if info.PublicationStatus == models.PublicationStatusDepublished {
		return fmt.Errorf("%w: dataset %s is depublished as a whole",
			ErrPluginExecutionNotAllowed, workflow.DatasetID)
	}

	return nil
}

// --- cancellation ---

// CancelWorkflowExecution requests cooperative cancellation of a queued or
// running execution. The supervising worker observes the flag on its next
// poll.
func (o *Orchestrator) CancelWorkflowExecution(ctx context.Context, executionID, cancelledBy string) error {
	execution, err := o.ExecutionByID(ctx, executionID)
	if err != nil {
		return err
	}

	if execution.Status.Terminal() {
		return fmt.Errorf("%w: execution %s already %s", ErrNoWorkflowExecutionFound,
			executionID, execution.Status)
	}

	err = o.store.Executions().SetCancellingState(ctx, executionID, cancelledBy)
	if err != nil {
		return fmt.Errorf("failed to set cancelling state: %w", err)
	}

	o.logger.InfoContext(ctx, "Requested execution cancellation",
		"execution_id", executionID, "cancelled_by", cancelledBy)

	return nil
}

// --- queries ---

func (o *Orchestrator) ExecutionByID(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	execution, err := o.store.Executions().ExecutionByID(ctx, executionID)
	if err != nil {
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoWorkflowExecutionFound, executionID)
		}

		return nil, fmt.Errorf("failed to load execution: %w", err)
	}

	return execution, nil
}

func (o *Orchestrator) AllExecutions(ctx context.Context,
	filter persistence.ExecutionFilter) ([]*models.WorkflowExecution, error) {

	return o.store.Executions().AllExecutions(ctx, filter)
}

func (o *Orchestrator) ExecutionsOverview(ctx context.Context,
	filter persistence.OverviewFilter) ([]*models.WorkflowExecution, error) {

	return o.store.Executions().ExecutionsOverview(ctx, filter)
}

// canDisplayRawXML reports whether a plugin produced record XML a reader can
// fetch: valid output with net records, and a kind that writes records at
// all.
func canDisplayRawXML(plugin *models.Plugin) bool {
	return plugin.DataValid() && !models.KindsContain(models.NoXMLKinds, plugin.Kind)
}

// DatasetExecutionHistory lists the dataset's executions that hold at least
// one plugin with displayable record XML, newest first.
func (o *Orchestrator) DatasetExecutionHistory(ctx context.Context,
	datasetID string) ([]*models.WorkflowExecution, error) {

	executions, err := o.store.Executions().AllExecutions(ctx, persistence.ExecutionFilter{
		DatasetIDs: []string{datasetID},
		OrderField: persistence.OrderByCreatedDate,
		PageSize:   1000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load execution history: %w", err)
	}

	history := make([]*models.WorkflowExecution, 0, len(executions))

	for _, execution := range executions {
		for _, plugin := range execution.Plugins {
			if canDisplayRawXML(plugin) {
				history = append(history, execution)

				break
			}
		}
	}

	return history, nil
}

// PluginsWithDataAvailability returns the plugins of an execution whose
// record XML can be displayed.
func (o *Orchestrator) PluginsWithDataAvailability(ctx context.Context,
	executionID string) ([]*models.Plugin, error) {

	execution, err := o.ExecutionByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	available := make([]*models.Plugin, 0, len(execution.Plugins))
	for _, plugin := range execution.Plugins {
		if canDisplayRawXML(plugin) {
			available = append(available, plugin)
		}
	}

	return available, nil
}

// RecordEvolutionForVersion returns the lineage leading up to the plugin of
// the given kind within the given execution.
func (o *Orchestrator) RecordEvolutionForVersion(ctx context.Context, executionID string,
	kind models.PluginKind) ([]VersionStep, error) {

	execution, err := o.ExecutionByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	plugin := execution.PluginWithKind(kind)
	if plugin == nil {
		return nil, fmt.Errorf("%w: no %s plugin in execution %s",
			ErrNoWorkflowExecutionFound, kind, executionID)
	}

	return o.evolution.CompileVersionEvolution(ctx, executionID, plugin)
}

// IsIncrementalHarvestingAllowed reports whether the dataset has a prior
// valid harvest to increment on.
func (o *Orchestrator) IsIncrementalHarvestingAllowed(ctx context.Context, datasetID string) (bool, error) {
	return o.validator.IsIncrementalHarvestingAllowed(ctx, datasetID)
}

func (o *Orchestrator) publish(ctx context.Context, key string, event events.Event) {
	if o.publisher == nil {
		return
	}

	if err := o.publisher.Publish(ctx, key, event); err != nil {
		o.logger.WarnContext(ctx, "Failed to publish event", "type", event.GetType(), "error", err)
	}
}
