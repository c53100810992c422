package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/heritago/heritago/pkg/channels/gochannel"
	"github.com/heritago/heritago/pkg/channels/kafka"
	"github.com/heritago/heritago/pkg/eventbus"
)

// NewEventBus creates an event bus for the given provider. "kafka" needs at
// least one broker; "gochannel" is in-process and "none" discards every
// event.
func NewEventBus(provider, brokers string, logger *slog.Logger) eventbus.EventBus {
	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger),
			strings.Split(brokers, ","), "heritago")
		if err != nil {
			panic(fmt.Errorf("failed to create kafka pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub, logger)
	case "gochannel":
		pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
		if err != nil {
			panic(fmt.Errorf("failed to create gochannel pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub, logger)
	case "none", "":
		return eventbus.NoopBus{}
	default:
		panic("unsupported event bus provider: " + provider)
	}
}
