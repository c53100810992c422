// Package persistence provides the data storage abstraction for workflows,
// executions, schedules and the depublish registry.
package persistence

import (
	"context"
	"time"

	"github.com/heritago/heritago/pkg/models"
)

// PluginWithExecutionID pairs a plugin with the id of its enclosing
// execution. Plugins never carry a back-reference to their execution, so
// queries that cross execution boundaries return this pair.
type PluginWithExecutionID struct {
	ExecutionID string
	Plugin      *models.Plugin
}

// OrderField selects the sort key for execution listings.
type OrderField string

const (
	OrderByCreatedDate  OrderField = "createdDate"
	OrderByStartedDate  OrderField = "startedDate"
	OrderByFinishedDate OrderField = "finishedDate"
)

// ExecutionFilter restricts and orders a paged execution listing. A nil
// DatasetIDs means all datasets.
type ExecutionFilter struct {
	DatasetIDs []string
	Statuses   []models.WorkflowStatus
	OrderField OrderField
	Ascending  bool
	Page       int
	PageSize   int
}

// OverviewFilter restricts the execution overview listing. The overview has a
// fixed ordering: non-terminal executions first (INQUEUE, then RUNNING), then
// terminal ones, each bucket by created date descending.
type OverviewFilter struct {
	DatasetIDs     []string
	PluginStatuses []models.PluginStatus
	PluginKinds    []models.PluginKind
	FromDate       *time.Time
	ToDate         *time.Time
	Page           int
	PageCount      int
	PageSize       int
}

type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, workflow *models.Workflow) error
	UpdateWorkflow(ctx context.Context, workflow *models.Workflow) error
	DeleteWorkflow(ctx context.Context, datasetID string) error
	WorkflowByDataset(ctx context.Context, datasetID string) (*models.Workflow, error)
	WorkflowExists(ctx context.Context, datasetID string) (bool, error)
}

type ExecutionStore interface {
	// CreateExecution persists a new execution and returns its id. The
	// execution id is assigned by the caller; creation is idempotent by id so
	// retries cannot double-insert.
	CreateExecution(ctx context.Context, execution *models.WorkflowExecution) (string, error)
	ExecutionByID(ctx context.Context, executionID string) (*models.WorkflowExecution, error)

	// UpdateExecution overwrites an execution. It fails with
	// ErrInvalidStatusTransition when the stored execution status or any
	// stored plugin status would regress, and refreshes the updated date.
	UpdateExecution(ctx context.Context, execution *models.WorkflowExecution) error

	// ClaimExecution atomically claims the execution for one worker: an
	// INQUEUE execution transitions to RUNNING, a RUNNING one is re-claimed
	// only when its updated date is older than runningCutoff. Claims on any
	// other state fail with ErrExecutionNotClaimable, so a redelivered queue
	// message cannot start a second supervisor.
	ClaimExecution(ctx context.Context, executionID string, runningCutoff time.Time) (*models.WorkflowExecution, error)

	// SetCancellingState flags the execution for cooperative cancellation and
	// records who requested it.
	SetCancellingState(ctx context.Context, executionID, cancelledBy string) error

	// ExistsAndNotCompleted returns the id of the non-terminal execution for
	// the dataset, or the empty string. Must be read under the per-dataset
	// admission lock to detect double admission.
	ExistsAndNotCompleted(ctx context.Context, datasetID string) (string, error)

	RunningOrInQueueExecution(ctx context.Context, datasetID string) (*models.WorkflowExecution, error)

	// LatestSuccessfulExecutablePlugin returns the newest FINISHED executable
	// plugin of one of the given kinds, optionally restricted to valid data.
	LatestSuccessfulExecutablePlugin(ctx context.Context, datasetID string, kinds []models.PluginKind, limitToValid bool) (*PluginWithExecutionID, error)

	// FirstSuccessfulPlugin and LatestSuccessfulPlugin operate over all plugin
	// kinds, including the non-executable reindex variants.
	FirstSuccessfulPlugin(ctx context.Context, datasetID string, kinds []models.PluginKind) (*PluginWithExecutionID, error)
	LatestSuccessfulPlugin(ctx context.Context, datasetID string, kinds []models.PluginKind) (*PluginWithExecutionID, error)

	AllExecutions(ctx context.Context, filter ExecutionFilter) ([]*models.WorkflowExecution, error)
	ExecutionsOverview(ctx context.Context, filter OverviewFilter) ([]*models.WorkflowExecution, error)

	// StaleActiveExecutions returns INQUEUE or RUNNING executions whose
	// updated date is older than the given cutoff. Used by the fail-safe.
	StaleActiveExecutions(ctx context.Context, cutoff time.Time) ([]*models.WorkflowExecution, error)
}

type ScheduleStore interface {
	CreateScheduledWorkflow(ctx context.Context, schedule *models.ScheduledWorkflow) error
	UpdateScheduledWorkflow(ctx context.Context, schedule *models.ScheduledWorkflow) error
	DeleteScheduledWorkflow(ctx context.Context, datasetID string) error
	ScheduledWorkflowByDataset(ctx context.Context, datasetID string) (*models.ScheduledWorkflow, error)
	AllScheduledWorkflows(ctx context.Context) ([]*models.ScheduledWorkflow, error)
}

type DepublishStore interface {
	// ExistingRecordIDs returns which of the given record ids already exist
	// for the dataset.
	ExistingRecordIDs(ctx context.Context, datasetID string, recordIDs []string) ([]string, error)
	InsertRecordIDs(ctx context.Context, datasetID string, recordIDs []string, status models.DepublicationStatus, date *time.Time) error
	DeletePendingRecordIDs(ctx context.Context, datasetID string, recordIDs []string) (int, error)
	CountRecordIDs(ctx context.Context, datasetID string) (int64, error)
	CountRecordIDsByStatus(ctx context.Context, datasetID string, status models.DepublicationStatus) (int64, error)
	ListRecordIDs(ctx context.Context, datasetID string, page int, sortField models.DepublishSortField, direction models.SortDirection, search string) ([]*models.DepublishRecordID, error)
	// RecordIDsByStatus returns record ids filtered by status (empty status
	// means all) and optionally restricted to a subset of record ids.
	RecordIDsByStatus(ctx context.Context, datasetID string, status models.DepublicationStatus, subset []string) ([]string, error)
	// UpdateStatus sets the depublication status on the given record ids, or
	// on all of the dataset's records when recordIDs is empty. PENDING clears
	// the depublication date.
	UpdateStatus(ctx context.Context, datasetID string, recordIDs []string, status models.DepublicationStatus, date *time.Time) error
}

// Persistence aggregates the stores behind one connection lifecycle.
type Persistence interface {
	Workflows() WorkflowStore
	Executions() ExecutionStore
	Schedules() ScheduleStore
	DepublishRecords() DepublishStore

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
