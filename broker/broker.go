// Package broker contains the contract with the partitioned message broker
// carrying published Domain Events, the wire codec for them, an in-memory
// broker for tests and a Publisher that retries failed publications in
// the background.
package broker

import (
	"context"
)

// Well-known Message headers.
const (
	HeaderEventID       = "Event-Id"
	HeaderEventType     = "Event-Type"
	HeaderAggregateType = "Aggregate-Type"
	HeaderAggregateID   = "Aggregate-Id"
)

// Headers are the key-value annotations of a Message.
type Headers map[string]string

// With sets the header, allocating the map if needed.
func (h Headers) With(key, value string) Headers {
	if h == nil {
		h = make(Headers)
	}

	h[key] = value

	return h
}

// Clone returns a copy of the Headers, safe to modify.
func (h Headers) Clone() Headers {
	clone := make(Headers, len(h))
	for k, v := range h {
		clone[k] = v
	}

	return clone
}

// Message is a raw broker message.
//
// Key is the partition key: Messages with the same Key are delivered
// in publication order. Domain Events use the aggregate id.
type Message struct {
	Topic   string
	Key     string
	Data    []byte
	Headers Headers
}

// Delivery is a Message received from a Consumer, to be settled exactly
// once with either Ack or Nak.
type Delivery interface {
	Message() Message

	// Ack marks the Message as processed; it will not be redelivered.
	Ack(ctx context.Context) error

	// Nak asks the broker to redeliver the Message later.
	Nak(ctx context.Context) error
}

// Publisher publishes Messages to the broker.
type Publisher interface {
	Publish(ctx context.Context, msgs ...Message) error
}

// Consumer receives Messages from a topic with at-least-once semantics.
type Consumer interface {
	// Consume sends the received Deliveries on the channel until the
	// context is done, then closes the channel. Deliveries already sent
	// stay valid after Consume returns, so that they can be drained.
	Consume(ctx context.Context, deliveries chan<- Delivery) error
}

// Pinger checks the broker is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}
