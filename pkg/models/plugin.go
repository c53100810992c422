// Package models defines the core domain models for dataset workflow orchestration.
package models

import "time"

// PluginKind identifies one stage type of a dataset workflow. The enumeration
// is closed: dispatch on it is by exhaustive case analysis.
type PluginKind string

const (
	PluginHTTPHarvest        PluginKind = "HTTP_HARVEST"
	PluginOAIPMHHarvest      PluginKind = "OAIPMH_HARVEST"
	PluginValidationExternal PluginKind = "VALIDATION_EXTERNAL"
	PluginTransformation     PluginKind = "TRANSFORMATION"
	PluginValidationInternal PluginKind = "VALIDATION_INTERNAL"
	PluginNormalization      PluginKind = "NORMALIZATION"
	PluginEnrichment         PluginKind = "ENRICHMENT"
	PluginMediaProcess       PluginKind = "MEDIA_PROCESS"
	PluginPreview            PluginKind = "PREVIEW"
	PluginPublish            PluginKind = "PUBLISH"
	PluginLinkChecking       PluginKind = "LINK_CHECKING"
	PluginDepublish          PluginKind = "DEPUBLISH"

	// Reindex kinds are recorded in execution history by external migrations
	// but are never dispatched by the orchestrator.
	PluginReindexToPreview PluginKind = "REINDEX_TO_PREVIEW"
	PluginReindexToPublish PluginKind = "REINDEX_TO_PUBLISH"
)

// ExecutableKinds lists every kind the worker can dispatch, in pipeline order.
var ExecutableKinds = []PluginKind{
	PluginHTTPHarvest,
	PluginOAIPMHHarvest,
	PluginValidationExternal,
	PluginTransformation,
	PluginValidationInternal,
	PluginNormalization,
	PluginEnrichment,
	PluginMediaProcess,
	PluginPreview,
	PluginPublish,
	PluginLinkChecking,
	PluginDepublish,
}

// Executable reports whether the kind can be dispatched to the task service.
func (k PluginKind) Executable() bool {
	return k != PluginReindexToPreview && k != PluginReindexToPublish
}

// PluginStatus is the lifecycle state of a single plugin within an execution.
type PluginStatus string

const (
	PluginStatusInQueue             PluginStatus = "INQUEUE"
	PluginStatusIdentifierMigration PluginStatus = "IDENTIFIER_MIGRATION"
	PluginStatusRunning             PluginStatus = "RUNNING"
	PluginStatusCleaning            PluginStatus = "CLEANING"
	PluginStatusFinished            PluginStatus = "FINISHED"
	PluginStatusFailed              PluginStatus = "FAILED"
	PluginStatusCancelled           PluginStatus = "CANCELLED"
)

var pluginStatusRank = map[PluginStatus]int{
	PluginStatusInQueue:             0,
	PluginStatusIdentifierMigration: 1,
	PluginStatusRunning:             2,
	PluginStatusCleaning:            3,
	PluginStatusFinished:            4,
	PluginStatusFailed:              4,
	PluginStatusCancelled:           4,
}

// Terminal reports whether the status admits no further transitions.
func (s PluginStatus) Terminal() bool {
	return s == PluginStatusFinished || s == PluginStatusFailed || s == PluginStatusCancelled
}

// CanTransitionTo enforces monotonic, non-regressing status sequences.
func (s PluginStatus) CanTransitionTo(next PluginStatus) bool {
	if s.Terminal() {
		return false
	}

	return pluginStatusRank[next] >= pluginStatusRank[s]
}

// DataStatus describes the usability of a finished plugin's output.
type DataStatus string

const (
	DataStatusValid      DataStatus = "VALID"
	DataStatusDeprecated DataStatus = "DEPRECATED"
	DataStatusDeleted    DataStatus = "DELETED"
)

// ExecutionProgress mirrors the progress counters reported by the external
// task service. TotalDatabaseRecords is -1 when the task service did not
// report a total.
type ExecutionProgress struct {
	Processed            int `json:"processed"              bson:"processed"`
	Errors               int `json:"errors"                 bson:"errors"`
	Deleted              int `json:"deleted"                bson:"deleted"`
	TotalDatabaseRecords int `json:"total_database_records" bson:"totalDatabaseRecords"`
}

// NetRecords is the number of usable records the plugin produced.
func (p ExecutionProgress) NetRecords() int {
	return p.Processed - p.Errors
}

// Plugin is one stage instance within a WorkflowExecution. Predecessor
// references point across executions by (executionID, pluginID) value, never
// by object graph.
type Plugin struct {
	ID             string            `json:"id"                        bson:"id"`
	Kind           PluginKind        `json:"kind"                      bson:"kind"`
	Status         PluginStatus      `json:"status"                    bson:"status"`
	DataStatus     DataStatus        `json:"data_status,omitempty"     bson:"dataStatus,omitempty"`
	StartedDate    *time.Time        `json:"started_date,omitempty"    bson:"startedDate,omitempty"`
	FinishedDate   *time.Time        `json:"finished_date,omitempty"   bson:"finishedDate,omitempty"`
	Progress       ExecutionProgress `json:"progress"                  bson:"progress"`
	ExternalTaskID string            `json:"external_task_id,omitempty" bson:"externalTaskId,omitempty"`
	Parameters     map[string]any    `json:"parameters,omitempty"      bson:"parameters,omitempty"`

	PredecessorExecutionID string `json:"predecessor_execution_id,omitempty" bson:"predecessorExecutionId,omitempty"`
	PredecessorPluginID    string `json:"predecessor_plugin_id,omitempty"    bson:"predecessorPluginId,omitempty"`
}

// DataValid reports whether the plugin's output may seed a successor: the
// plugin finished, produced net records and its data was not deprecated or
// deleted afterwards. An unset DataStatus counts as VALID, matching records
// written before the field existed.
func (p *Plugin) DataValid() bool {
	if p.Status != PluginStatusFinished {
		return false
	}

	if p.DataStatus != "" && p.DataStatus != DataStatusValid {
		return false
	}

	return p.Progress.NetRecords() > 0
}

// EffectiveDataStatus resolves an unset DataStatus to VALID.
func (p *Plugin) EffectiveDataStatus() DataStatus {
	if p.DataStatus == "" {
		return DataStatusValid
	}

	return p.DataStatus
}

// BoolParameter reads a boolean plugin parameter, absent meaning false.
func (p *Plugin) BoolParameter(key string) bool {
	v, ok := p.Parameters[key].(bool)

	return ok && v
}
