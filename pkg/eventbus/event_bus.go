// Package eventbus publishes and consumes execution lifecycle events.
package eventbus

import (
	"context"

	"github.com/heritago/heritago/pkg/events"
)

type EventHandler func(ctx context.Context, event events.Event) error

type EventPublisher interface {
	// Publish emits the event, keyed by dataset id so partitioned transports
	// keep per-dataset ordering.
	Publish(ctx context.Context, key string, event events.Event) error
}

type EventSubscriber interface {
	// Handle registers a handler for an event type. Must be called before
	// Subscribe.
	Handle(eventType events.EventType, handler EventHandler) error

	// Subscribe starts consuming in the background until the context ends.
	Subscribe(ctx context.Context) error
}

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
}
