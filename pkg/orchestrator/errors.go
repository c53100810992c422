package orchestrator

import "errors"

// Error kinds surfaced by the orchestration façade. Callers branch on them
// with errors.Is; the wrapped message carries the detail.
var (
	ErrNoDatasetFound            = errors.New("no dataset found")
	ErrNoWorkflowFound           = errors.New("no workflow found")
	ErrWorkflowAlreadyExists     = errors.New("workflow already exists")
	ErrNoWorkflowExecutionFound  = errors.New("no workflow execution found")
	ErrExecutionAlreadyExists    = errors.New("workflow execution already exists")
	ErrPluginExecutionNotAllowed = errors.New("plugin execution not allowed")
	ErrBadContent                = errors.New("bad content")
	ErrExternalTask              = errors.New("external task error")
)
