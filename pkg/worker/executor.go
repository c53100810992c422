package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/heritago/heritago/pkg/dps"
	"github.com/heritago/heritago/pkg/eventbus"
	"github.com/heritago/heritago/pkg/events"
	"github.com/heritago/heritago/pkg/models"
	"github.com/heritago/heritago/pkg/orchestrator"
	"github.com/heritago/heritago/pkg/otelhelper"
	"github.com/heritago/heritago/pkg/persistence"
)

// Executor supervises one workflow execution: it dispatches each plugin to
// the task service in order, polls its progress into the store, and settles
// the execution in a terminal status. Plugins within one execution run
// strictly sequentially.
type Executor struct {
	executions persistence.ExecutionStore
	tasks      dps.TaskService
	registry   *orchestrator.DepublishRegistry
	publisher  eventbus.EventPublisher
	interval   time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewExecutor builds an executor polling task progress at the given interval.
func NewExecutor(executions persistence.ExecutionStore, tasks dps.TaskService,
	registry *orchestrator.DepublishRegistry, publisher eventbus.EventPublisher,
	interval time.Duration, logger *slog.Logger) *Executor {

	return &Executor{
		executions: executions,
		tasks:      tasks,
		registry:   registry,
		publisher:  publisher,
		interval:   interval,
		logger:     logger.With("module", "worker-executor"),
		tracer:     noop.NewTracerProvider().Tracer("worker"),
	}
}

// WithTracer replaces the no-op tracer.
func (e *Executor) WithTracer(tracer trace.Tracer) *Executor {
	e.tracer = tracer

	return e
}

// Execute drives the execution's plugins to completion. Failed and cancelled
// executions are normal outcomes and return nil; an error means the executor
// could not settle the execution at all.
func (e *Executor) Execute(ctx context.Context, execution *models.WorkflowExecution) error {
	logger := e.logger.With("dataset_id", execution.DatasetID, "execution_id", execution.ID)

	for index, plugin := range execution.Plugins {
		// Redelivered executions may carry already settled plugins.
		if plugin.Status.Terminal() {
			continue
		}

		e.refreshCancelling(ctx, execution)

		if execution.Cancelling {
			return e.cancelRemaining(ctx, logger, execution, index)
		}

		if err := e.runPlugin(ctx, logger, execution, plugin); err != nil {
			logger.ErrorContext(ctx, "Plugin supervision failed",
				"plugin_id", plugin.ID, "kind", plugin.Kind, "error", err)

			return e.failExecution(ctx, logger, execution, plugin, err)
		}

		switch plugin.Status {
		case models.PluginStatusCancelled:
			return e.cancelRemaining(ctx, logger, execution, index+1)
		case models.PluginStatusFailed:
			return e.failExecution(ctx, logger, execution, plugin, nil)
		case models.PluginStatusFinished:
			if !pluginDataUsable(plugin) {
				return e.failExecution(ctx, logger, execution, plugin, nil)
			}
		}
	}

	return e.finishExecution(ctx, logger, execution)
}

// pluginDataUsable decides whether a finished plugin allows the execution to
// advance: it must have produced net records, or at least have deleted some.
func pluginDataUsable(plugin *models.Plugin) bool {
	return plugin.Progress.NetRecords() > 0 || plugin.Progress.Deleted > 0
}

func (e *Executor) runPlugin(ctx context.Context, logger *slog.Logger,
	execution *models.WorkflowExecution, plugin *models.Plugin) error {

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "worker.run_plugin",
		attribute.String(otelhelper.DatasetIDKey, execution.DatasetID),
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.PluginIDKey, plugin.ID),
		attribute.String(otelhelper.PluginKindKey, string(plugin.Kind)))
	defer span.End()

	pendingRecordIDs, parameters, err := e.buildParameters(ctx, execution, plugin)
	if err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	taskID, err := e.tasks.SubmitTask(ctx, dps.SubmitRequest{
		Kind:        plugin.Kind,
		DatasetID:   execution.DatasetID,
		ExecutionID: execution.ID,
		PluginID:    plugin.ID,
		Parameters:  parameters,
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return fmt.Errorf("%w: failed to submit %s task: %v", orchestrator.ErrExternalTask, plugin.Kind, err)
	}

	span.SetAttributes(attribute.String(otelhelper.TaskIDKey, taskID))

	now := time.Now().UTC()
	plugin.Status = models.PluginStatusRunning
	plugin.StartedDate = &now
	plugin.ExternalTaskID = taskID

	if err := e.executions.UpdateExecution(ctx, execution); err != nil {
		return fmt.Errorf("failed to record plugin start: %w", err)
	}

	logger.InfoContext(ctx, "Plugin dispatched",
		"plugin_id", plugin.ID, "kind", plugin.Kind, "task_id", taskID)

	e.publish(ctx, execution.DatasetID, events.PluginStarted{
		BaseEvent: events.NewBaseEvent(events.PluginStartedEvent, execution.DatasetID, execution.ID),
		PluginID:  plugin.ID,
		Kind:      plugin.Kind,
	})

	if err := e.superviseTask(ctx, logger, execution, plugin); err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	if plugin.Status == models.PluginStatusFinished && plugin.Kind == models.PluginDepublish {
		e.settleDepublication(ctx, logger, execution, plugin, pendingRecordIDs)
	}

	e.publish(ctx, execution.DatasetID, events.PluginFinished{
		BaseEvent: events.NewBaseEvent(events.PluginFinishedEvent, execution.DatasetID, execution.ID),
		PluginID:  plugin.ID,
		Kind:      plugin.Kind,
		Status:    plugin.Status,
		Progress:  plugin.Progress,
	})

	return nil
}

// maxPollFailures bounds consecutive progress poll errors tolerated before
// the plugin is failed.
const maxPollFailures = 3

// superviseTask polls the task service until the remote task settles,
// mirroring its progress into the plugin record. A cancellation observed
// mid-flight requests a remote kill and waits for the DROPPED acknowledgement.
func (e *Executor) superviseTask(ctx context.Context, logger *slog.Logger,
	execution *models.WorkflowExecution, plugin *models.Plugin) error {

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	cancelRequested := false
	pollFailures := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		e.refreshCancelling(ctx, execution)

		if execution.Cancelling && !cancelRequested {
			if err := e.tasks.CancelTask(ctx, plugin.Kind, plugin.ExternalTaskID); err != nil {
				logger.ErrorContext(ctx, "Failed to request task cancellation",
					"task_id", plugin.ExternalTaskID, "error", err)
			} else {
				cancelRequested = true
			}
		}

		progress, err := e.tasks.Progress(ctx, plugin.Kind, plugin.ExternalTaskID)
		if err != nil {
			pollFailures++
			if pollFailures >= maxPollFailures {
				return fmt.Errorf("%w: failed to poll task %s: %v",
					orchestrator.ErrExternalTask, plugin.ExternalTaskID, err)
			}

			logger.WarnContext(ctx, "Task progress poll failed",
				"task_id", plugin.ExternalTaskID, "attempt", pollFailures, "error", err)

			continue
		}

		pollFailures = 0

		plugin.Progress = models.ExecutionProgress{
			Processed:            progress.Processed,
			Errors:               progress.Errors,
			Deleted:              progress.Deleted,
			TotalDatabaseRecords: progress.ExpectedRecords,
		}

		if progress.Status.Terminal() {
			finished := time.Now().UTC()
			plugin.FinishedDate = &finished

			switch {
			case progress.Status == dps.TaskDropped && cancelRequested:
				plugin.Status = models.PluginStatusCancelled
			case progress.Status == dps.TaskDropped:
				plugin.Status = models.PluginStatusFailed
			default:
				plugin.Status = models.PluginStatusFinished
				if plugin.Progress.NetRecords() > 0 {
					plugin.DataStatus = models.DataStatusValid
				}
			}
		}

		if err := e.executions.UpdateExecution(ctx, execution); err != nil {
			return fmt.Errorf("failed to record plugin progress: %w", err)
		}

		if plugin.Status.Terminal() {
			return nil
		}
	}
}

// buildParameters assembles the wire parameters for one plugin task. For a
// record-mode depublish it also returns the pending record ids captured at
// submit time, so a successful run marks exactly those as depublished.
func (e *Executor) buildParameters(ctx context.Context,
	execution *models.WorkflowExecution, plugin *models.Plugin) ([]string, map[string]string, error) {

	parameters := map[string]string{dps.ParamDatasetID: execution.DatasetID}

	setString := func(wire, key string) {
		if value, ok := plugin.Parameters[key].(string); ok && value != "" {
			parameters[wire] = value
		}
	}
	setFlag := func(wire, key string) {
		if plugin.BoolParameter(key) {
			parameters[wire] = "true"
		}
	}

	switch plugin.Kind {
	case models.PluginHTTPHarvest:
		setString(dps.ParamHarvestURL, models.ParamURL)
		setFlag(dps.ParamIncremental, models.ParamIncrementalHarvest)
	case models.PluginOAIPMHHarvest:
		setString(dps.ParamHarvestURL, models.ParamURL)
		setString(dps.ParamMetadataFormat, models.ParamMetadataFormat)
		setString(dps.ParamSetSpec, models.ParamSetSpec)
		setFlag(dps.ParamIncremental, models.ParamIncrementalHarvest)
	case models.PluginPreview, models.PluginPublish:
		setFlag(dps.ParamUseAltIndexing, models.ParamUseAltIndexingEnv)
	case models.PluginLinkChecking:
		setFlag(dps.ParamPerformSampling, models.ParamPerformSampling)
	case models.PluginDepublish:
		setFlag(dps.ParamUseAltIndexing, models.ParamUseAltIndexingEnv)

		if !plugin.BoolParameter(models.ParamDatasetDepublish) {
			pending, err := e.registry.AllByStatus(ctx, execution.DatasetID,
				models.DepublicationPending, nil)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to list pending depublish records: %w", err)
			}

			parameters[dps.ParamRecordsToRemove] = dps.DepublishRecordList(execution.DatasetID, pending)

			return pending, parameters, nil
		}
	}

	return nil, parameters, nil
}

// settleDepublication flips registry entries to DEPUBLISHED after a
// successful depublish plugin: the captured pending ids for record mode, or
// every entry of the dataset for a whole-dataset depublish.
func (e *Executor) settleDepublication(ctx context.Context, logger *slog.Logger,
	execution *models.WorkflowExecution, plugin *models.Plugin, pendingRecordIDs []string) {

	if !plugin.BoolParameter(models.ParamDatasetDepublish) && len(pendingRecordIDs) == 0 {
		return
	}

	now := time.Now().UTC()

	err := e.registry.MarkStatus(ctx, execution.DatasetID, pendingRecordIDs,
		models.DepublicationDepublished, &now)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to mark records depublished", "error", err)
	}
}

// refreshCancelling re-reads the stored cancelling flag, which is set
// out-of-band by the orchestrator's cancel endpoint.
func (e *Executor) refreshCancelling(ctx context.Context, execution *models.WorkflowExecution) {
	stored, err := e.executions.ExecutionByID(ctx, execution.ID)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to refresh execution state",
			"execution_id", execution.ID, "error", err)

		return
	}

	execution.Cancelling = stored.Cancelling
	execution.CancelledBy = stored.CancelledBy
}

// cancelRemaining settles the execution as CANCELLED: every not yet terminal
// plugin from the given index on is cancelled without dispatch.
func (e *Executor) cancelRemaining(ctx context.Context, logger *slog.Logger,
	execution *models.WorkflowExecution, from int) error {

	now := time.Now().UTC()

	for _, plugin := range execution.Plugins[from:] {
		if plugin.Status.Terminal() {
			continue
		}

		plugin.Status = models.PluginStatusCancelled
		plugin.FinishedDate = &now
	}

	execution.Status = models.WorkflowStatusCancelled
	execution.FinishedDate = &now

	if err := e.executions.UpdateExecution(ctx, execution); err != nil {
		return fmt.Errorf("failed to record execution cancellation: %w", err)
	}

	logger.InfoContext(ctx, "Execution cancelled", "cancelled_by", execution.CancelledBy)

	e.publish(ctx, execution.DatasetID, events.ExecutionCancelled{
		BaseEvent:   events.NewBaseEvent(events.ExecutionCancelledEvent, execution.DatasetID, execution.ID),
		CancelledBy: execution.CancelledBy,
	})

	return nil
}

// failExecution settles the execution as FAILED after the given plugin could
// not produce usable data: the offending plugin is failed if still in
// flight, every later plugin is cancelled without dispatch. The cause, when
// present, is propagated to the caller for logging only.
func (e *Executor) failExecution(ctx context.Context, logger *slog.Logger,
	execution *models.WorkflowExecution, plugin *models.Plugin, cause error) error {

	now := time.Now().UTC()

	for _, remaining := range execution.Plugins {
		if remaining.Status.Terminal() {
			continue
		}

		if remaining == plugin {
			remaining.Status = models.PluginStatusFailed
		} else {
			remaining.Status = models.PluginStatusCancelled
		}

		remaining.FinishedDate = &now
	}

	execution.Status = models.WorkflowStatusFailed
	execution.FinishedDate = &now

	if err := e.executions.UpdateExecution(ctx, execution); err != nil {
		return fmt.Errorf("failed to record execution failure: %w", err)
	}

	message := "plugin produced no usable data"
	if cause != nil {
		message = cause.Error()
	}

	logger.InfoContext(ctx, "Execution failed",
		"failed_plugin_kind", plugin.Kind, "reason", message)

	e.publish(ctx, execution.DatasetID, events.ExecutionFailed{
		BaseEvent:        events.NewBaseEvent(events.ExecutionFailedEvent, execution.DatasetID, execution.ID),
		FailedPluginKind: plugin.Kind,
		Error:            message,
	})

	return cause
}

func (e *Executor) finishExecution(ctx context.Context, logger *slog.Logger,
	execution *models.WorkflowExecution) error {

	now := time.Now().UTC()
	execution.Status = models.WorkflowStatusFinished
	execution.FinishedDate = &now

	if err := e.executions.UpdateExecution(ctx, execution); err != nil {
		return fmt.Errorf("failed to record execution completion: %w", err)
	}

	duration := time.Duration(0)
	if execution.StartedDate != nil {
		duration = now.Sub(*execution.StartedDate)
	}

	logger.InfoContext(ctx, "Execution finished", "duration", duration)

	e.publish(ctx, execution.DatasetID, events.ExecutionFinished{
		BaseEvent: events.NewBaseEvent(events.ExecutionFinishedEvent, execution.DatasetID, execution.ID),
		Duration:  duration,
	})

	return nil
}

func (e *Executor) publish(ctx context.Context, key string, event events.Event) {
	if e.publisher == nil {
		return
	}

	if err := e.publisher.Publish(ctx, key, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(), "error", err)
	}
}
