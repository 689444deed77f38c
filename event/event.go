// Package event contains the Event Log: the append-only, per-aggregate
// ordered storage of Domain Events, and the interfaces used to read it back.
package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/get-eventually/eventpipe/message"
	"github.com/get-eventually/eventpipe/version"
)

// Event is a Message describing something that happened to an Aggregate.
//
// The Message name is the event type, and should be phrased in the past tense.
type Event message.Message

// Envelope contains a Domain Event and its Metadata.
type Envelope message.Envelope[Event]

// ToEnvelope wraps a Domain Event into an Envelope with no Metadata.
func ToEnvelope(evt Event) Envelope {
	return Envelope{Message: evt, Metadata: nil}
}

// StreamID identifies an Event Stream, which is the aggregate id.
type StreamID string

// Uncommitted is a Domain Event about to be appended to the Event Log.
//
// Version is the position the writer claims for the Domain Event; the Event Log
// accepts it only if it follows the current Version of the Event Stream.
type Uncommitted struct {
	StreamID      StreamID
	AggregateType string
	Version       version.Version
	Envelope
}

// Persisted is a Domain Event that has been committed to the Event Log.
type Persisted struct {
	ID             uuid.UUID
	StreamID       StreamID
	AggregateType  string
	Version        version.Version
	SequenceNumber version.SequenceNumber
	RecordedAt     time.Time
	Envelope
}

// Type returns the event type, the name of the wrapped Domain Event.
func (p Persisted) Type() string {
	if p.Message == nil {
		return ""
	}

	return p.Message.Name()
}
