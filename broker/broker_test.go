package broker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/eventpipe/broker"
	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/internal"
	"github.com/get-eventually/eventpipe/message"
	"github.com/get-eventually/eventpipe/serde"
	"github.com/get-eventually/eventpipe/version"
)

const topic = "eventpipe.events"

var codec = broker.Codec{
	Topic: topic,
	Registry: serde.MustNewRegistry(
		func() event.Event { return new(internal.Created) },
		func() event.Event { return new(internal.Updated) },
	),
}

func persisted(id string, v uint32, msg event.Event) event.Persisted {
	return event.Persisted{
		ID:             uuid.New(),
		StreamID:       event.StreamID(id),
		AggregateType:  "Test",
		Version:        version.Version(v),
		SequenceNumber: 42,
		RecordedAt:     time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Envelope: event.Envelope{
			Message:  msg,
			Metadata: message.Metadata{"Correlation-Id": "corr-1"},
		},
	}
}

func TestCodec(t *testing.T) {
	evt := persisted("agg-1", 2, &internal.Updated{Value: 7})

	msg, err := codec.Encode(evt)
	require.NoError(t, err)

	assert.Equal(t, topic, msg.Topic)
	assert.Equal(t, "agg-1", msg.Key)
	assert.Equal(t, "Updated", msg.Headers[broker.HeaderEventType])
	assert.Equal(t, evt.ID.String(), msg.Headers[broker.HeaderEventID])

	decoded, err := codec.Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, evt, decoded)

	t.Run("unknown event types are rejected", func(t *testing.T) {
		msg := broker.Message{Data: []byte(`{"aggregateId":"a","eventVersion":1,"eventType":"Deleted"}`)}

		_, err := codec.Decode(msg)
		assert.ErrorIs(t, err, serde.ErrUnknownType)
	})

	t.Run("garbage is rejected", func(t *testing.T) {
		_, err := codec.Decode(broker.Message{Data: []byte("not json")})
		assert.Error(t, err)

		_, err = codec.Decode(broker.Message{Data: []byte(`{}`)})
		assert.Error(t, err)
	})
}

func TestInMemory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := broker.NewInMemory()
	require.NoError(t, b.Publish(ctx, broker.Message{Topic: topic, Key: "a", Data: []byte("1")}))

	consumeCtx, stop := context.WithCancel(ctx)
	deliveries := make(chan broker.Delivery)

	done := make(chan error, 1)
	go func() { done <- b.Consumer(topic).Consume(consumeCtx, deliveries) }()

	first := <-deliveries
	assert.Equal(t, []byte("1"), first.Message().Data)
	require.NoError(t, first.Nak(ctx))

	redelivered := <-deliveries
	assert.Equal(t, []byte("1"), redelivered.Message().Data)
	require.NoError(t, redelivered.Ack(ctx))
	require.NoError(t, redelivered.Ack(ctx))

	stop()

	for range deliveries {
	}

	assert.NoError(t, <-done)
	assert.Equal(t, 1, b.Acked(topic))
	assert.Len(t, b.Published(topic), 1)
}

// flakyPublisher fails the first n calls.
type flakyPublisher struct {
	mx        sync.Mutex
	failures  int
	published []broker.Message
}

func (p *flakyPublisher) Publish(_ context.Context, msgs ...broker.Message) error {
	p.mx.Lock()
	defer p.mx.Unlock()

	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}

	p.published = append(p.published, msgs...)

	return nil
}

func (p *flakyPublisher) count() int {
	p.mx.Lock()
	defer p.mx.Unlock()

	return len(p.published)
}

func (p *flakyPublisher) eventIDs() []string {
	p.mx.Lock()
	defer p.mx.Unlock()

	ids := make([]string, 0, len(p.published))
	for _, msg := range p.published {
		ids = append(ids, msg.Headers[broker.HeaderEventID])
	}

	return ids
}

func TestRetryingPublisher(t *testing.T) {
	noDelay := func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	t.Run("failed batches are retried in the background", func(t *testing.T) {
		target := &flakyPublisher{failures: 3}
		publisher := broker.NewRetryingPublisher(target, codec, broker.WithRetryBackoff(noDelay))

		err := publisher.Publish(context.Background(),
			persisted("agg-1", 1, &internal.Created{Value: 1}),
			persisted("agg-1", 2, &internal.Updated{Value: 2}),
		)
		require.NoError(t, err)
		assert.Equal(t, 1, publisher.Pending())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)

		go func() { done <- publisher.Run(ctx) }()

		assert.Eventually(t, func() bool { return target.count() == 2 }, 5*time.Second, 10*time.Millisecond)

		cancel()
		assert.NoError(t, <-done)
		assert.Zero(t, publisher.Pending())
	})

	t.Run("a full queue surfaces the failure", func(t *testing.T) {
		target := &flakyPublisher{failures: 10}
		publisher := broker.NewRetryingPublisher(target, codec, broker.WithRetryQueueSize(1))

		evt := persisted("agg-1", 1, &internal.Created{Value: 1})

		require.NoError(t, publisher.Publish(context.Background(), evt))
		assert.ErrorIs(t, publisher.Publish(context.Background(), evt), broker.ErrRetryQueueFull)
	})

	t.Run("shutdown flushes the queue", func(t *testing.T) {
		target := &flakyPublisher{failures: 1}
		publisher := broker.NewRetryingPublisher(target, codec)

		require.NoError(t, publisher.Publish(context.Background(), persisted("agg-1", 1, &internal.Created{Value: 1})))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.NoError(t, publisher.Run(ctx))
		assert.Equal(t, 1, target.count())
	})

	t.Run("later batches of a key wait behind queued ones", func(t *testing.T) {
		ctx := context.Background()
		target := &flakyPublisher{failures: 1}
		publisher := broker.NewRetryingPublisher(target, codec, broker.WithRetryBackoff(noDelay))

		first := persisted("agg-1", 1, &internal.Created{Value: 1})
		second := persisted("agg-1", 2, &internal.Updated{Value: 2})
		other := persisted("agg-2", 1, &internal.Created{Value: 10})

		require.NoError(t, publisher.Publish(ctx, first))
		require.NoError(t, publisher.Publish(ctx, second))
		require.NoError(t, publisher.Publish(ctx, other))

		assert.Equal(t, 2, publisher.Pending())
		assert.Equal(t, []string{other.ID.String()}, target.eventIDs())

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)

		go func() { done <- publisher.Run(runCtx) }()

		assert.Eventually(t, func() bool { return target.count() == 3 }, 5*time.Second, 10*time.Millisecond)

		cancel()
		assert.NoError(t, <-done)

		assert.Equal(t, []string{other.ID.String(), first.ID.String(), second.ID.String()}, target.eventIDs())
		assert.Zero(t, publisher.Pending())

		// The key is no longer blocked.
		third := persisted("agg-1", 3, &internal.Updated{Value: 3})
		require.NoError(t, publisher.Publish(ctx, third))
		assert.Equal(t, third.ID.String(), target.eventIDs()[3])
	})

	t.Run("shutdown does not publish past an unpublished batch of the key", func(t *testing.T) {
		target := &flakyPublisher{failures: 3}
		publisher := broker.NewRetryingPublisher(target, codec, broker.WithRetryBackoff(noDelay))

		require.NoError(t, publisher.Publish(context.Background(), persisted("agg-1", 1, &internal.Created{Value: 1})))
		require.NoError(t, publisher.Publish(context.Background(), persisted("agg-1", 2, &internal.Updated{Value: 2})))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.NoError(t, publisher.Run(ctx))
		assert.Zero(t, target.count())
		assert.Zero(t, publisher.Pending())
	})
}
