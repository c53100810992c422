// Package persistence provides standardized error types for storage operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates no workflow is stored for the dataset.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowAlreadyExists indicates a workflow already exists for the dataset.
	ErrWorkflowAlreadyExists = errors.New("workflow already exists")

	// ErrExecutionNotFound indicates no execution exists with the given id.
	ErrExecutionNotFound = errors.New("workflow execution not found")

	// ErrScheduleNotFound indicates no scheduled workflow exists for the dataset.
	ErrScheduleNotFound = errors.New("scheduled workflow not found")

	// ErrScheduleAlreadyExists indicates a scheduled workflow already exists for the dataset.
	ErrScheduleAlreadyExists = errors.New("scheduled workflow already exists")

	// ErrExecutionNotClaimable indicates another worker already holds the
	// execution, or it is no longer in a claimable state.
	ErrExecutionNotClaimable = errors.New("workflow execution not claimable")

	// ErrInvalidStatusTransition indicates an update would regress a recorded
	// execution or plugin status.
	ErrInvalidStatusTransition = errors.New("invalid status transition")
)

// StoreError wraps storage errors with operation context.
type StoreError struct {
	Op  string // Operation being performed (e.g. "CreateExecution")
	Key string // Entity key if applicable (dataset or execution id)
	Err error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Key, e.Err)
	}

	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a storage error with context.
func NewStoreError(op, key string, err error) *StoreError {
	return &StoreError{Op: op, Key: key, Err: err}
}
