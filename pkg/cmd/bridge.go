package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/memyselfmike/agiled/pkg/channels/gochannel"
	"github.com/memyselfmike/agiled/pkg/channels/kafka"
	"github.com/memyselfmike/agiled/pkg/eventbus"
)

// NewBridge creates the external mirror of the activity stream. Provider
// "kafka" publishes to the cluster named by KAFKA_BROKERS; anything else uses
// an in-process gochannel, good for development and tests. An empty provider
// means no bridge.
func NewBridge(provider string, logger *slog.Logger, serviceName string) (*eventbus.Bridge, error) {
	if provider == "" {
		return nil, nil
	}

	wmLogger := watermill.NewSlogLogger(logger)

	var (
		publisher message.Publisher
		err       error
	)

	switch provider {
	case "kafka":
		publisher, _, err = kafka.CreateChannel(wmLogger, serviceName)
	case "gochannel":
		publisher, _, err = gochannel.CreateChannel(wmLogger)
	default:
		return nil, fmt.Errorf("unsupported event bridge provider: %s", provider)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s bridge channel: %w", provider, err)
	}

	return eventbus.NewBridge(publisher), nil
}
