package eventbus

import (
	"encoding/json"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/memyselfmike/agiled/pkg/events"
)

// Bridge mirrors the in-process activity stream onto a watermill channel so
// external consumers (dashboards, other services) can follow it over
// gochannel in development or Kafka in deployments.
type Bridge struct {
	publisher message.Publisher
}

func NewBridge(publisher message.Publisher) *Bridge {
	return &Bridge{publisher: publisher}
}

// Forward publishes one envelope to the external channel. The envelope's
// type and sequence ride in the message metadata so consumers can route
// without unmarshaling.
func (b *Bridge) Forward(envelope *Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+watermill.NewULID(), payload)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(envelope.Type))
	msg.Metadata.Set(events.SequenceMetadataKey, strconv.FormatUint(envelope.Sequence, 10))

	return b.publisher.Publish(events.Topic, msg)
}

func (b *Bridge) Close() error {
	return b.publisher.Close()
}
