// Package events defines the notification events emitted over the execution
// lifecycle. Consumers are external: dashboards, audit trails, downstream
// pipelines. The orchestrator never waits on anyone consuming them.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/heritago/heritago/pkg/models"
)

type EventType string

// Topic carries every execution lifecycle event.
const Topic = "heritago.execution.events"

const (
	EventMetadataKey     = "key"
	EventTypeMetadataKey = "event_type"
)

const (
	ExecutionAdmittedEvent  EventType = "execution.admitted"
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionFinishedEvent  EventType = "execution.finished"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionCancelledEvent EventType = "execution.cancelled"

	PluginStartedEvent  EventType = "plugin.started"
	PluginFinishedEvent EventType = "plugin.finished"
)

type Event interface {
	GetType() EventType
}

type BaseEvent struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	DatasetID   string    `json:"dataset_id"`
	ExecutionID string    `json:"execution_id"`
}

func NewBaseEvent(eventType EventType, datasetID, executionID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.NewString(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		DatasetID:   datasetID,
		ExecutionID: executionID,
	}
}

type ExecutionAdmitted struct {
	BaseEvent

	Priority  int    `json:"priority"`
	StartedBy string `json:"started_by"`
}

func (e ExecutionAdmitted) GetType() EventType { return ExecutionAdmittedEvent }

type ExecutionStarted struct {
	BaseEvent

	WorkerID string `json:"worker_id,omitempty"`
}

func (e ExecutionStarted) GetType() EventType { return ExecutionStartedEvent }

type ExecutionFinished struct {
	BaseEvent

	Duration time.Duration `json:"duration"`
}

func (e ExecutionFinished) GetType() EventType { return ExecutionFinishedEvent }

type ExecutionFailed struct {
	BaseEvent

	FailedPluginKind models.PluginKind `json:"failed_plugin_kind,omitempty"`
	Error            string            `json:"error"`
}

func (e ExecutionFailed) GetType() EventType { return ExecutionFailedEvent }

type ExecutionCancelled struct {
	BaseEvent

	CancelledBy string `json:"cancelled_by,omitempty"`
}

func (e ExecutionCancelled) GetType() EventType { return ExecutionCancelledEvent }

type PluginStarted struct {
	BaseEvent

	PluginID string            `json:"plugin_id"`
	Kind     models.PluginKind `json:"kind"`
}

func (e PluginStarted) GetType() EventType { return PluginStartedEvent }

type PluginFinished struct {
	BaseEvent

	PluginID string                   `json:"plugin_id"`
	Kind     models.PluginKind        `json:"kind"`
	Status   models.PluginStatus      `json:"status"`
	Progress models.ExecutionProgress `json:"progress"`
}

func (e PluginFinished) GetType() EventType { return PluginFinishedEvent }

// Deserialize decodes a payload into the concrete event for its type.
func Deserialize(eventType EventType, payload []byte) (Event, error) {
	var event Event

	switch eventType {
	case ExecutionAdmittedEvent:
		event = &ExecutionAdmitted{}
	case ExecutionStartedEvent:
		event = &ExecutionStarted{}
	case ExecutionFinishedEvent:
		event = &ExecutionFinished{}
	case ExecutionFailedEvent:
		event = &ExecutionFailed{}
	case ExecutionCancelledEvent:
		event = &ExecutionCancelled{}
	case PluginStartedEvent:
		event = &PluginStarted{}
	case PluginFinishedEvent:
		event = &PluginFinished{}
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}

	if err := json.Unmarshal(payload, event); err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", eventType, err)
	}

	return event, nil
}
