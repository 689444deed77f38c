package command_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/eventpipe/aggregate"
	"github.com/get-eventually/eventpipe/command"
	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/version"
)

type incremented struct {
	By int `json:"by"`
}

func (*incremented) Name() string { return "Incremented" }

type counter struct {
	aggregate.BaseRoot

	id    string
	value int
}

func (c *counter) AggregateID() string { return c.id }

func (c *counter) Apply(evt event.Event) error {
	switch evt := evt.(type) {
	case *incremented:
		c.value += evt.By
	default:
		return errors.New("counter: unexpected event")
	}

	return nil
}

var counterType = aggregate.Type[*counter]{
	Name:    "Counter",
	Factory: func() *counter { return new(counter) },
}

type increment struct {
	ID string `json:"-"`
	By int    `json:"by"`
}

func (*increment) Name() string          { return "Increment" }
func (cmd *increment) AggregateID() string { return cmd.ID }

var errNonPositive = errors.New("counter: increment must be positive")

func decideIncrement(c *counter, cmd command.Envelope[*increment]) error {
	if cmd.Message.By <= 0 {
		return errNonPositive
	}

	c.id = cmd.Message.ID

	return aggregate.RecordThat(c, event.ToEnvelope(&incremented{By: cmd.Message.By}))
}

func noDelay() backoff.BackOff { return &backoff.ZeroBackOff{} }

func newHandler(store event.Store, options ...command.HandlerOption) *command.Handler[*counter, *increment] {
	options = append([]command.HandlerOption{command.WithBackoff(noDelay)}, options...)

	return command.NewHandler(
		aggregate.NewEventSourcedRepository(store, counterType),
		decideIncrement,
		options...,
	)
}

type recordingPublisher struct {
	mx        sync.Mutex
	published []event.Persisted
}

func (p *recordingPublisher) Publish(_ context.Context, events ...event.Persisted) error {
	p.mx.Lock()
	defer p.mx.Unlock()

	p.published = append(p.published, events...)

	return nil
}

// racingAppender makes the first n appends lose against a concurrent writer.
type racingAppender struct {
	*event.InMemoryStore

	races atomic.Int32
}

func (a *racingAppender) Append(ctx context.Context, events ...event.Uncommitted) ([]event.Persisted, error) {
	if a.races.Add(-1) >= 0 {
		if _, err := a.InMemoryStore.Append(ctx, events...); err != nil {
			return nil, err
		}
	}

	return a.InMemoryStore.Append(ctx, events...)
}

func TestHandler(t *testing.T) {
	t.Run("records and publishes the new events", func(t *testing.T) {
		store := event.NewInMemoryStore()
		publisher := new(recordingPublisher)
		handler := newHandler(store, command.WithPublisher(publisher))

		result, err := handler.Handle(context.Background(), command.ToEnvelope(&increment{ID: "c-1", By: 2}))
		require.NoError(t, err)

		assert.Equal(t, "c-1", result.AggregateID)
		assert.Equal(t, version.Version(1), result.Version)
		assert.Equal(t, result.Events, publisher.published)
	})

	t.Run("rule violations are not retried", func(t *testing.T) {
		handler := newHandler(event.NewInMemoryStore())

		_, err := handler.Handle(context.Background(), command.ToEnvelope(&increment{ID: "c-1", By: 0}))

		assert.ErrorIs(t, err, errNonPositive)
		assert.True(t, command.IsDomainRuleViolation(err))
	})

	t.Run("conflicts are retried against the new version", func(t *testing.T) {
		store := &racingAppender{InMemoryStore: event.NewInMemoryStore()}
		store.races.Store(2)

		handler := newHandler(store)

		result, err := handler.Handle(context.Background(), command.ToEnvelope(&increment{ID: "c-1", By: 1}))
		require.NoError(t, err)
		assert.Equal(t, version.Version(3), result.Version)
	})

	t.Run("conflicts are returned once attempts are exhausted", func(t *testing.T) {
		store := &racingAppender{InMemoryStore: event.NewInMemoryStore()}
		store.races.Store(10)

		handler := newHandler(store, command.WithMaxAttempts(3))

		_, err := handler.Handle(context.Background(), command.ToEnvelope(&increment{ID: "c-1", By: 1}))
		assert.ErrorAs(t, err, new(version.ConflictError))
	})
}

func TestHandler_ConcurrentCommands(t *testing.T) {
	const writers = 8

	store := event.NewInMemoryStore()
	handler := newHandler(store, command.WithMaxAttempts(writers))

	var wg sync.WaitGroup

	for i := 0; i < writers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := handler.Handle(context.Background(), command.ToEnvelope(&increment{ID: "shared", By: 1}))
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	events, err := event.StreamToSlice(context.Background(), func(ctx context.Context, stream event.StreamWrite) error {
		return store.Stream(ctx, stream, "shared", version.SelectFromBeginning)
	})
	require.NoError(t, err)
	require.Len(t, events, writers)

	for i, evt := range events {
		assert.Equal(t, version.Version(i+1), evt.Version)
	}
}

func TestScenario(t *testing.T) {
	factory := func(store event.Store) *command.Handler[*counter, *increment] {
		return newHandler(store)
	}

	command.Scenario[*counter, *increment]().
		Given(event.Persisted{
			StreamID:      "c-1",
			AggregateType: "Counter",
			Version:       1,
			Envelope:      event.ToEnvelope(&incremented{By: 1}),
		}).
		When(command.ToEnvelope(&increment{ID: "c-1", By: 4})).
		Then(event.Uncommitted{
			StreamID:      "c-1",
			AggregateType: "Counter",
			Version:       2,
			Envelope:      event.ToEnvelope(&incremented{By: 4}),
		}).
		AssertOn(t, factory)

	command.Scenario[*counter, *increment]().
		When(command.ToEnvelope(&increment{ID: "c-1", By: -1})).
		ThenError(errNonPositive).
		AssertOn(t, factory)
}

func TestBusAndRegistry(t *testing.T) {
	bus := command.NewBus()
	command.Register(bus, newHandler(event.NewInMemoryStore()))

	registry := command.NewRegistry(func(id string) command.Command { return &increment{ID: id} })

	cmd, err := registry.Decode("Increment", "c-9", json.RawMessage(`{"by":3}`))
	require.NoError(t, err)
	assert.Equal(t, &increment{ID: "c-9", By: 3}, cmd)

	result, err := bus.Dispatch(context.Background(), command.GenericEnvelope{Message: cmd})
	require.NoError(t, err)
	assert.Equal(t, version.Version(1), result.Version)

	_, err = registry.Decode("Decrement", "c-9", nil)
	assert.ErrorIs(t, err, command.ErrUnknownCommand)

	_, err = bus.Dispatch(context.Background(), command.GenericEnvelope{Message: &unknownCommand{}})
	assert.ErrorIs(t, err, command.ErrNoHandler)
}

type unknownCommand struct{}

func (*unknownCommand) Name() string        { return "Unknown" }
func (*unknownCommand) AggregateID() string { return "x" }
