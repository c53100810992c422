package models

import "time"

// WorkflowStatus is the lifecycle state of a workflow execution.
type WorkflowStatus string

const (
	WorkflowStatusInQueue   WorkflowStatus = "INQUEUE"
	WorkflowStatusRunning   WorkflowStatus = "RUNNING"
	WorkflowStatusFinished  WorkflowStatus = "FINISHED"
	WorkflowStatusFailed    WorkflowStatus = "FAILED"
	WorkflowStatusCancelled WorkflowStatus = "CANCELLED"
)

var workflowStatusRank = map[WorkflowStatus]int{
	WorkflowStatusInQueue:   0,
	WorkflowStatusRunning:   1,
	WorkflowStatusFinished:  2,
	WorkflowStatusFailed:    2,
	WorkflowStatusCancelled: 2,
}

// Terminal reports whether the status admits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusFinished || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// CanTransitionTo enforces monotonic, non-regressing status sequences.
func (s WorkflowStatus) CanTransitionTo(next WorkflowStatus) bool {
	if s.Terminal() {
		return false
	}

	return workflowStatusRank[next] >= workflowStatusRank[s]
}

// The priority range admitted by the queue.
const (
	MinPriority = 0
	MaxPriority = 10
)

// ClampPriority forces a priority into the admissible range.
func ClampPriority(priority int) int {
	if priority < MinPriority {
		return MinPriority
	}

	if priority > MaxPriority {
		return MaxPriority
	}

	return priority
}

// StartedBySystem marks executions admitted by the scheduler rather than an
// operator.
const StartedBySystem = "SYSTEM"

// WorkflowExecution is one run of a Workflow: an ordered list of plugin
// instances plus execution-level state. It exclusively owns its Plugins.
type WorkflowExecution struct {
	ID          string         `json:"id"                   bson:"_id,omitempty"`
	DatasetID   string         `json:"dataset_id"           bson:"datasetId"`
	Priority    int            `json:"priority"             bson:"priority"`
	Status      WorkflowStatus `json:"status"               bson:"status"`
	Cancelling  bool           `json:"cancelling"           bson:"cancelling"`
	StartedBy   string         `json:"started_by,omitempty" bson:"startedBy,omitempty"`
	CancelledBy string         `json:"cancelled_by,omitempty" bson:"cancelledBy,omitempty"`

	CreatedDate  time.Time  `json:"created_date"            bson:"createdDate"`
	StartedDate  *time.Time `json:"started_date,omitempty"  bson:"startedDate,omitempty"`
	UpdatedDate  time.Time  `json:"updated_date"            bson:"updatedDate"`
	FinishedDate *time.Time `json:"finished_date,omitempty" bson:"finishedDate,omitempty"`

	Plugins []*Plugin `json:"plugins" bson:"plugins"`
}

// PluginByID returns the plugin with the given id, or nil.
func (e *WorkflowExecution) PluginByID(pluginID string) *Plugin {
	for _, p := range e.Plugins {
		if p.ID == pluginID {
			return p
		}
	}

	return nil
}

// PluginWithKind returns the first plugin of the given kind, or nil.
func (e *WorkflowExecution) PluginWithKind(kind PluginKind) *Plugin {
	for _, p := range e.Plugins {
		if p.Kind == kind {
			return p
		}
	}

	return nil
}

// HasPluginInKindsWithStatuses reports whether any plugin of one of the given
// kinds currently has one of the given statuses.
func (e *WorkflowExecution) HasPluginInKindsWithStatuses(kinds []PluginKind, statuses ...PluginStatus) bool {
	for _, p := range e.Plugins {
		if !KindsContain(kinds, p.Kind) {
			continue
		}

		for _, s := range statuses {
			if p.Status == s {
				return true
			}
		}
	}

	return false
}
