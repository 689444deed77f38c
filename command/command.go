package command

import (
	"github.com/get-eventually/eventpipe/message"
)

// Command is a Message asking an Aggregate to do something.
//
// Command names should be phrased in the imperative form.
type Command interface {
	message.Message

	// AggregateID is the id of the Aggregate the Command is addressed to.
	AggregateID() string
}

// Envelope carries a Command and its Metadata.
type Envelope[T Command] message.Envelope[T]

// GenericEnvelope is an Envelope whose concrete Command type is not known.
type GenericEnvelope = Envelope[Command]

// ToEnvelope wraps a Command into an Envelope with no Metadata.
func ToEnvelope[T Command](cmd T) Envelope[T] {
	return Envelope[T]{Message: cmd, Metadata: nil}
}

// ToGenericEnvelope erases the concrete Command type of the Envelope.
func (e Envelope[T]) ToGenericEnvelope() GenericEnvelope {
	return GenericEnvelope{Message: e.Message, Metadata: e.Metadata}
}
