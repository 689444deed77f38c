// Package natsbroker implements the broker contract on NATS JetStream.
//
// Every topic is backed by a JetStream stream capturing `<topic>.>`, and
// Messages are published on `<topic>.<aggregateType>.<key>`. JetStream
// delivers the Messages of a subject in order, so partitioning by key
// keeps per-aggregate ordering.
package natsbroker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/get-eventually/eventpipe/broker"
	"github.com/get-eventually/eventpipe/logger"
)

// Default settings of a Broker.
const (
	DefaultAckWait       = 30 * time.Second
	DefaultMaxAckPending = 256
	DefaultDuplicates    = 2 * time.Minute
)

var (
	_ broker.Publisher = new(Broker)
	_ broker.Pinger    = new(Broker)
)

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the Broker logger.
func WithLogger(l logger.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithAckWait sets how long JetStream waits for a Delivery to be settled
// before redelivering it.
func WithAckWait(d time.Duration) Option {
	return func(b *Broker) { b.ackWait = d }
}

// WithMaxAckPending bounds the unsettled Deliveries per consumer.
func WithMaxAckPending(n int) Option {
	return func(b *Broker) { b.maxAckPending = n }
}

// Broker is a broker.Publisher and a factory of broker.Consumers on NATS JetStream.
type Broker struct {
	conn *nats.Conn
	js   jetstream.JetStream

	ackWait       time.Duration
	maxAckPending int
	logger        logger.Logger
}

// Connect connects to the NATS server at url and ensures a JetStream
// stream exists for every topic.
func Connect(ctx context.Context, url string, topics []string, options ...Option) (*Broker, error) {
	conn, err := nats.Connect(url, nats.Name("eventpipe"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("natsbroker.Connect: failed to connect, %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("natsbroker.Connect: failed to open jetstream, %w", err)
	}

	b := &Broker{
		conn:          conn,
		js:            js,
		ackWait:       DefaultAckWait,
		maxAckPending: DefaultMaxAckPending,
	}

	for _, opt := range options {
		opt(b)
	}

	for _, topic := range topics {
		if err := b.ensureStream(ctx, topic); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return b, nil
}

func (b *Broker) ensureStream(ctx context.Context, topic string) error {
	stream, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName(topic),
		Subjects:   []string{topic + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		Duplicates: DefaultDuplicates,
	})
	if err != nil {
		return fmt.Errorf("natsbroker.Broker: failed to ensure stream for %q, %w", topic, err)
	}

	logger.Debug(b.logger, "JetStream stream ensured",
		logger.With("topic", topic),
		logger.With("stream", stream.CachedInfo().Config.Name),
	)

	return nil
}

func streamName(topic string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(topic))
}

var subjectToken = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

func subject(msg broker.Message) string {
	aggregateType := msg.Headers[broker.HeaderAggregateType]
	if aggregateType == "" {
		aggregateType = "_"
	}

	key := msg.Key
	if key == "" {
		key = "_"
	}

	return msg.Topic + "." + subjectToken.Replace(aggregateType) + "." + subjectToken.Replace(key)
}

// Publish implements the broker.Publisher interface.
//
// Messages carrying an event id are deduplicated by JetStream within
// the stream duplicates window.
func (b *Broker) Publish(ctx context.Context, msgs ...broker.Message) error {
	for _, msg := range msgs {
		natsMsg := nats.NewMsg(subject(msg))
		natsMsg.Data = msg.Data

		for k, v := range msg.Headers {
			natsMsg.Header.Set(k, v)
		}

		var opts []jetstream.PublishOpt
		if id := msg.Headers[broker.HeaderEventID]; id != "" {
			opts = append(opts, jetstream.WithMsgID(id))
		}

		if _, err := b.js.PublishMsg(ctx, natsMsg, opts...); err != nil {
			return fmt.Errorf("natsbroker.Broker: failed to publish on %q, %w", natsMsg.Subject, err)
		}
	}

	return nil
}

// Ping implements the broker.Pinger interface.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("natsbroker.Broker: ping failed, %w", err)
	}

	return nil
}

// Close drains the connection.
func (b *Broker) Close() error {
	b.js.CleanupPublisher()

	if err := b.conn.Drain(); err != nil {
		return fmt.Errorf("natsbroker.Broker: failed to drain connection, %w", err)
	}

	return nil
}

// Consumer returns a durable Consumer of the topic. Consumers sharing
// the durable name share the Deliveries, which is how process instances
// scale out.
func (b *Broker) Consumer(topic, durable string) broker.Consumer {
	return &consumer{broker: b, topic: topic, durable: durable}
}

type consumer struct {
	broker  *Broker
	topic   string
	durable string
}

func (c *consumer) Consume(ctx context.Context, deliveries chan<- broker.Delivery) error {
	defer close(deliveries)

	cons, err := c.broker.js.CreateOrUpdateConsumer(ctx, streamName(c.topic), jetstream.ConsumerConfig{
		Durable:        c.durable,
		AckPolicy:      jetstream.AckExplicitPolicy,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{c.topic + ".>"},
		AckWait:        c.broker.ackWait,
		MaxAckPending:  c.broker.maxAckPending,
	})
	if err != nil {
		return fmt.Errorf("natsbroker.Consumer: failed to create consumer %q, %w", c.durable, err)
	}

	var (
		mx       sync.Mutex
		stopped  bool
		inflight sync.WaitGroup
	)

	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		mx.Lock()
		if stopped {
			mx.Unlock()
			_ = msg.Nak()

			return
		}

		inflight.Add(1)
		mx.Unlock()

		defer inflight.Done()

		select {
		case deliveries <- &delivery{msg: msg, topic: c.topic}:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("natsbroker.Consumer: failed to start consuming, %w", err)
	}

	<-ctx.Done()

	mx.Lock()
	stopped = true
	mx.Unlock()

	consumeCtx.Stop()
	inflight.Wait()

	return nil
}

type delivery struct {
	msg   jetstream.Msg
	topic string
}

func (d *delivery) Message() broker.Message {
	headers := make(broker.Headers, len(d.msg.Headers()))
	for k := range d.msg.Headers() {
		headers[k] = d.msg.Headers().Get(k)
	}

	key := headers[broker.HeaderAggregateID]
	if key == "" {
		tokens := strings.Split(d.msg.Subject(), ".")
		key = tokens[len(tokens)-1]
	}

	return broker.Message{
		Topic:   d.topic,
		Key:     key,
		Data:    d.msg.Data(),
		Headers: headers,
	}
}

func (d *delivery) Ack(ctx context.Context) error {
	if err := d.msg.DoubleAck(ctx); err != nil {
		return fmt.Errorf("natsbroker.Delivery: failed to ack, %w", err)
	}

	return nil
}

func (d *delivery) Nak(context.Context) error {
	if err := d.msg.Nak(); err != nil {
		return fmt.Errorf("natsbroker.Delivery: failed to nak, %w", err)
	}

	return nil
}
