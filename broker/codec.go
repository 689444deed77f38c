package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/message"
	"github.com/get-eventually/eventpipe/serde"
	"github.com/get-eventually/eventpipe/version"
)

type wireEvent struct {
	ID             uuid.UUID        `json:"id"`
	AggregateID    string           `json:"aggregateId"`
	AggregateType  string           `json:"aggregateType"`
	EventType      string           `json:"eventType"`
	EventVersion   uint32           `json:"eventVersion"`
	SequenceNumber uint64           `json:"sequenceNumber"`
	EventData      json.RawMessage  `json:"eventData"`
	Metadata       message.Metadata `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// Codec translates persisted Domain Events to and from broker Messages.
type Codec struct {
	// Topic is the topic Domain Events are published to.
	Topic string

	// Registry knows every Domain Event type that can be decoded.
	Registry *serde.Registry[event.Event]
}

// Encode returns the Message publishing the Domain Event,
// partitioned by its aggregate id.
func (c Codec) Encode(evt event.Persisted) (Message, error) {
	data, err := c.Registry.Serialize(evt.Message)
	if err != nil {
		return Message{}, fmt.Errorf("broker.Codec: failed to encode event data, %w", err)
	}

	payload, err := json.Marshal(wireEvent{
		ID:             evt.ID,
		AggregateID:    string(evt.StreamID),
		AggregateType:  evt.AggregateType,
		EventType:      evt.Type(),
		EventVersion:   uint32(evt.Version),
		SequenceNumber: uint64(evt.SequenceNumber),
		EventData:      data,
		Metadata:       evt.Metadata,
		CreatedAt:      evt.RecordedAt,
	})
	if err != nil {
		return Message{}, fmt.Errorf("broker.Codec: failed to encode event, %w", err)
	}

	return Message{
		Topic: c.Topic,
		Key:   string(evt.StreamID),
		Data:  payload,
		Headers: Headers{
			HeaderEventID:       evt.ID.String(),
			HeaderEventType:     evt.Type(),
			HeaderAggregateType: evt.AggregateType,
			HeaderAggregateID:   string(evt.StreamID),
		},
	}, nil
}

// Decode rebuilds the persisted Domain Event carried by the Message.
func (c Codec) Decode(msg Message) (event.Persisted, error) {
	var wire wireEvent
	if err := json.Unmarshal(msg.Data, &wire); err != nil {
		return event.Persisted{}, fmt.Errorf("broker.Codec: failed to decode message, %w", err)
	}

	if wire.AggregateID == "" || wire.EventVersion == 0 {
		return event.Persisted{}, fmt.Errorf("broker.Codec: message is not a domain event")
	}

	evt, err := c.Registry.Deserialize(wire.EventType, wire.EventData)
	if err != nil {
		return event.Persisted{}, fmt.Errorf("broker.Codec: failed to decode event data, %w", err)
	}

	return event.Persisted{
		ID:             wire.ID,
		StreamID:       event.StreamID(wire.AggregateID),
		AggregateType:  wire.AggregateType,
		Version:        version.Version(wire.EventVersion),
		SequenceNumber: version.SequenceNumber(wire.SequenceNumber),
		RecordedAt:     wire.CreatedAt,
		Envelope: event.Envelope{
			Message:  evt,
			Metadata: wire.Metadata,
		},
	}, nil
}
