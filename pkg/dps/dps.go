// Package dps clients the data processing service, the external system that
// runs the record-level work of a plugin. The orchestrator submits tasks,
// polls their progress and requests kills; it never touches records itself.
package dps

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/heritago/heritago/pkg/models"
)

// ErrTaskNotFound is returned when the task service does not know a task id.
var ErrTaskNotFound = errors.New("task not found")

// TaskStatus is the remote lifecycle state of a submitted task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskProcessing TaskStatus = "CURRENTLY_PROCESSING"
	TaskProcessed  TaskStatus = "PROCESSED"
	TaskDropped    TaskStatus = "DROPPED"
)

// Terminal reports whether the task service will report no further change.
func (s TaskStatus) Terminal() bool {
	return s == TaskProcessed || s == TaskDropped
}

// TaskProgress is a point-in-time progress report for a task.
// ExpectedRecords is -1 while the task service has not yet counted the input.
type TaskProgress struct {
	Status          TaskStatus `json:"status"`
	Processed       int        `json:"processed_records_count"`
	Errors          int        `json:"processed_errors_count"`
	Deleted         int        `json:"deleted_records_count"`
	ExpectedRecords int        `json:"expected_records_number"`
	Info            string     `json:"info,omitempty"`
}

// SubmitRequest describes one plugin task to run remotely. Parameters carry
// the kind-specific wire parameters, built by the caller.
type SubmitRequest struct {
	Kind        models.PluginKind `json:"-"`
	DatasetID   string            `json:"dataset_id"`
	ExecutionID string            `json:"execution_id"`
	PluginID    string            `json:"plugin_id"`
	Parameters  map[string]string `json:"parameters"`
}

// TaskService is the orchestrator's view of the data processing service.
type TaskService interface {
	// SubmitTask starts a remote task and returns its external id.
	SubmitTask(ctx context.Context, request SubmitRequest) (string, error)

	// Progress reports the current progress of a task.
	Progress(ctx context.Context, kind models.PluginKind, taskID string) (*TaskProgress, error)

	// CancelTask requests a kill. The task transitions to DROPPED
	// asynchronously; callers keep polling Progress until it does.
	CancelTask(ctx context.Context, kind models.PluginKind, taskID string) error
}

// Wire parameter names shared by all topologies.
const (
	ParamDatasetID       = "METIS_DATASET_ID"
	ParamUseAltIndexing  = "USE_ALT_INDEXING_ENV"
	ParamRecordsToRemove = "RECORD_IDS_TO_DEPUBLISH"
	ParamPerformSampling = "PERFORM_SAMPLING"
	ParamHarvestURL      = "HARVEST_URL"
	ParamMetadataFormat  = "METADATA_FORMAT"
	ParamSetSpec         = "SET_SPEC"
	ParamIncremental     = "INCREMENTAL"
)

// TopologyName maps a plugin kind to the topology that executes it.
func TopologyName(kind models.PluginKind) string {
	return strings.ToLower(string(kind))
}

// DepublishRecordList renders record ids in the wire format the depublish
// topology expects: a comma-separated list of /{datasetId}/{recordId} pairs.
func DepublishRecordList(datasetID string, recordIDs []string) string {
	entries := make([]string, 0, len(recordIDs))
	for _, recordID := range recordIDs {
		entries = append(entries, fmt.Sprintf("/%s/%s", datasetID, recordID))
	}

	return strings.Join(entries, ",")
}
