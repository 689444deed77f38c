package broker

import (
	"context"
	"fmt"
	"sync"
)

// DefaultInMemoryCapacity is the number of undelivered Messages
// an InMemory topic can hold before Publish blocks.
const DefaultInMemoryCapacity = 1024

var (
	_ Publisher = new(InMemory)
	_ Pinger    = new(InMemory)
)

// InMemory is a single-process broker, useful for tests and local runs.
// Every topic is a queue shared by all its Consumers.
type InMemory struct {
	mx        sync.Mutex
	queues    map[string]chan Message
	published map[string][]Message
	acked     map[string]int
	capacity  int
}

// NewInMemory returns an empty InMemory broker.
func NewInMemory() *InMemory {
	return &InMemory{
		queues:    make(map[string]chan Message),
		published: make(map[string][]Message),
		acked:     make(map[string]int),
		capacity:  DefaultInMemoryCapacity,
	}
}

func (b *InMemory) queue(topic string) chan Message {
	b.mx.Lock()
	defer b.mx.Unlock()

	q, ok := b.queues[topic]
	if !ok {
		q = make(chan Message, b.capacity)
		b.queues[topic] = q
	}

	return q
}

// Publish implements the broker.Publisher interface.
func (b *InMemory) Publish(ctx context.Context, msgs ...Message) error {
	for _, msg := range msgs {
		msg.Headers = msg.Headers.Clone()

		select {
		case b.queue(msg.Topic) <- msg:
		case <-ctx.Done():
			return fmt.Errorf("broker.InMemory: failed to publish, %w", ctx.Err())
		}

		b.mx.Lock()
		b.published[msg.Topic] = append(b.published[msg.Topic], msg)
		b.mx.Unlock()
	}

	return nil
}

// Published returns all the Messages ever published on the topic.
func (b *InMemory) Published(topic string) []Message {
	b.mx.Lock()
	defer b.mx.Unlock()

	return append([]Message(nil), b.published[topic]...)
}

// Acked returns the number of acknowledged Deliveries on the topic.
func (b *InMemory) Acked(topic string) int {
	b.mx.Lock()
	defer b.mx.Unlock()

	return b.acked[topic]
}

// Ping implements the broker.Pinger interface.
func (b *InMemory) Ping(context.Context) error { return nil }

// Consumer returns a Consumer of the topic.
func (b *InMemory) Consumer(topic string) Consumer {
	return inMemoryConsumer{broker: b, topic: topic}
}

type inMemoryConsumer struct {
	broker *InMemory
	topic  string
}

func (c inMemoryConsumer) Consume(ctx context.Context, deliveries chan<- Delivery) error {
	defer close(deliveries)

	queue := c.broker.queue(c.topic)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-queue:
			d := &inMemoryDelivery{broker: c.broker, queue: queue, msg: msg}

			select {
			case deliveries <- d:
			case <-ctx.Done():
				d.requeue()
				return nil
			}
		}
	}
}

type inMemoryDelivery struct {
	broker  *InMemory
	queue   chan Message
	msg     Message
	settled sync.Once
}

func (d *inMemoryDelivery) Message() Message { return d.msg }

func (d *inMemoryDelivery) Ack(context.Context) error {
	d.settled.Do(func() {
		d.broker.mx.Lock()
		d.broker.acked[d.msg.Topic]++
		d.broker.mx.Unlock()
	})

	return nil
}

func (d *inMemoryDelivery) Nak(context.Context) error {
	d.settled.Do(d.requeue)
	return nil
}

func (d *inMemoryDelivery) requeue() {
	go func() { d.queue <- d.msg }()
}
