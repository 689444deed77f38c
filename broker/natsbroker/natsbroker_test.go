package natsbroker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/get-eventually/eventpipe/broker"
	"github.com/get-eventually/eventpipe/broker/natsbroker"
	"github.com/get-eventually/eventpipe/logger"
)

const (
	eventsTopic     = "eventpipe.events"
	deadLetterTopic = "eventpipe.deadletter"
)

func startNATS(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			Cmd:          []string{"-js"},
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, container.Terminate(context.Background()))
	})

	endpoint, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)

	return endpoint
}

func TestBroker(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	b, err := natsbroker.Connect(ctx, startNATS(t),
		[]string{eventsTopic, deadLetterTopic},
		natsbroker.WithLogger(logger.NewTest(t)),
		natsbroker.WithAckWait(time.Second),
	)
	require.NoError(t, err)

	defer func() { assert.NoError(t, b.Close()) }()

	require.NoError(t, b.Ping(ctx))

	msg := func(key, id, data string) broker.Message {
		return broker.Message{
			Topic: eventsTopic,
			Key:   key,
			Data:  []byte(data),
			Headers: broker.Headers{
				broker.HeaderEventID:       id,
				broker.HeaderAggregateType: "Order",
				broker.HeaderAggregateID:   key,
			},
		}
	}

	require.NoError(t, b.Publish(ctx,
		msg("order-1", "e-1", "first"),
		msg("order-1", "e-2", "second"),
		msg("order-1", "e-1", "first"), // Deduplicated by event id.
	))

	consumeCtx, stop := context.WithCancel(ctx)
	deliveries := make(chan broker.Delivery)
	done := make(chan error, 1)

	go func() { done <- b.Consumer(eventsTopic, "test").Consume(consumeCtx, deliveries) }()

	first := <-deliveries
	assert.Equal(t, "first", string(first.Message().Data))
	assert.Equal(t, "order-1", first.Message().Key)
	assert.Equal(t, eventsTopic, first.Message().Topic)
	assert.Equal(t, "Order", first.Message().Headers[broker.HeaderAggregateType])
	require.NoError(t, first.Ack(ctx))

	second := <-deliveries
	assert.Equal(t, "second", string(second.Message().Data))
	require.NoError(t, second.Nak(ctx))

	redelivered := <-deliveries
	assert.Equal(t, "second", string(redelivered.Message().Data))
	require.NoError(t, redelivered.Ack(ctx))

	stop()

	for range deliveries {
	}

	assert.NoError(t, <-done)
}
