package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/get-eventually/eventpipe/aggregate"
	"github.com/get-eventually/eventpipe/event"
)

// ScenarioInit is the entrypoint of the Command Handler scenario API.
//
// Given sets the Domain Events already in the Event Log, When the Command
// to handle, and Then the Domain Events the Handler is expected to append.
type ScenarioInit[T aggregate.Root, Cmd Command] struct{}

// Scenario starts a Command Handler test scenario.
func Scenario[T aggregate.Root, Cmd Command]() ScenarioInit[T, Cmd] {
	return ScenarioInit[T, Cmd]{}
}

// Given sets the Domain Events in the Event Log before the Command is handled.
func (ScenarioInit[T, Cmd]) Given(events ...event.Persisted) ScenarioGiven[T, Cmd] {
	return ScenarioGiven[T, Cmd]{given: events}
}

// When sets the Command to handle on an empty Event Log.
func (sc ScenarioInit[T, Cmd]) When(cmd Envelope[Cmd]) ScenarioWhen[T, Cmd] {
	return sc.Given().When(cmd)
}

// ScenarioGiven is a scenario with its preconditions set.
type ScenarioGiven[T aggregate.Root, Cmd Command] struct {
	given []event.Persisted
}

// When sets the Command to handle.
func (sc ScenarioGiven[T, Cmd]) When(cmd Envelope[Cmd]) ScenarioWhen[T, Cmd] {
	return ScenarioWhen[T, Cmd]{given: sc.given, when: cmd}
}

// ScenarioWhen is a scenario waiting for its expectations.
type ScenarioWhen[T aggregate.Root, Cmd Command] struct {
	given []event.Persisted
	when  Envelope[Cmd]
}

// Then expects the Handler to append exactly these Domain Events.
func (sc ScenarioWhen[T, Cmd]) Then(events ...event.Uncommitted) ScenarioThen[T, Cmd] {
	return ScenarioThen[T, Cmd]{ScenarioWhen: sc, then: events}
}

// ThenError expects the Handler to fail with an error matching err
// through errors.Is.
func (sc ScenarioWhen[T, Cmd]) ThenError(err error) ScenarioThen[T, Cmd] {
	return ScenarioThen[T, Cmd]{ScenarioWhen: sc, wantErr: true, thenError: err}
}

// ThenFails expects the Handler to fail with any error.
func (sc ScenarioWhen[T, Cmd]) ThenFails() ScenarioThen[T, Cmd] {
	return ScenarioThen[T, Cmd]{ScenarioWhen: sc, wantErr: true}
}

// ScenarioThen is a fully specified scenario.
type ScenarioThen[T aggregate.Root, Cmd Command] struct {
	ScenarioWhen[T, Cmd]

	then      []event.Uncommitted
	thenError error
	wantErr   bool
}

// AssertOn runs the scenario on the Handler built by the factory,
// which receives the Event Store prepared with the Given Domain Events.
func (sc ScenarioThen[T, Cmd]) AssertOn(
	t *testing.T,
	handlerFactory func(event.Store) *Handler[T, Cmd],
) {
	t.Helper()

	ctx := context.Background()
	store := event.NewInMemoryStore()

	for _, evt := range sc.given {
		if _, err := store.Append(ctx, event.Uncommitted{
			StreamID:      evt.StreamID,
			AggregateType: evt.AggregateType,
			Version:       evt.Version,
			Envelope:      evt.Envelope,
		}); !assert.NoError(t, err) {
			return
		}
	}

	tracking := event.NewTrackingStore(store)
	handler := handlerFactory(event.FusedStore{
		Appender:      tracking,
		Streamer:      store,
		VersionReader: store,
	})

	_, err := handler.Handle(ctx, sc.when)

	if sc.wantErr {
		if assert.Error(t, err) && sc.thenError != nil {
			assert.ErrorIs(t, err, sc.thenError)
		}

		return
	}

	if !assert.NoError(t, err) {
		return
	}

	recorded := make([]event.Uncommitted, 0, len(tracking.Recorded()))
	for _, evt := range tracking.Recorded() {
		recorded = append(recorded, event.Uncommitted{
			StreamID:      evt.StreamID,
			AggregateType: evt.AggregateType,
			Version:       evt.Version,
			Envelope:      evt.Envelope,
		})
	}

	if len(sc.then) == 0 {
		assert.Empty(t, recorded)
		return
	}

	assert.Equal(t, sc.then, recorded)
}
