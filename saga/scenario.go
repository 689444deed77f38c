package saga

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/get-eventually/eventpipe/command"
	"github.com/get-eventually/eventpipe/event"
)

// ScenarioInit is the entrypoint of the saga scenario API.
type ScenarioInit struct{}

// Scenario is a scenario type to test the Commands emitted by a saga
// when handling a persisted Domain Event, and the state it ends up in.
func Scenario() ScenarioInit { return ScenarioInit{} }

// Given sets the Domain Events already processed by the Manager.
func (ScenarioInit) Given(events ...event.Persisted) ScenarioGiven {
	return ScenarioGiven{given: events}
}

// When provides the Domain Event to process, with no history.
func (sc ScenarioInit) When(evt event.Persisted) ScenarioWhen {
	return sc.Given().When(evt)
}

// ScenarioGiven is a scenario with its history set.
type ScenarioGiven struct {
	given []event.Persisted
}

// When provides the Domain Event to process.
func (sc ScenarioGiven) When(evt event.Persisted) ScenarioWhen {
	return ScenarioWhen{ScenarioGiven: sc, when: evt}
}

// ScenarioWhen is a scenario waiting for its expectations.
type ScenarioWhen struct {
	ScenarioGiven

	when event.Persisted
}

// Then expects the Commands to be dispatched, in order, and the saga
// correlated by the Domain Event to end up in the state.
func (sc ScenarioWhen) Then(state State, commands ...command.Command) ScenarioThen {
	return ScenarioThen{ScenarioWhen: sc, state: state, then: commands}
}

// ThenError expects the processing to fail with an error matching err.
func (sc ScenarioWhen) ThenError(err error) ScenarioThen {
	return ScenarioThen{ScenarioWhen: sc, wantError: true, thenError: err}
}

// ThenFails expects the processing to fail.
func (sc ScenarioWhen) ThenFails() ScenarioThen {
	return ScenarioThen{ScenarioWhen: sc, wantError: true}
}

// ScenarioThen is a fully specified scenario.
type ScenarioThen struct {
	ScenarioWhen

	state     State
	then      []command.Command
	thenError error
	wantError bool
}

// AssertOn runs the scenario on a Manager of the saga Definition.
func (sc ScenarioThen) AssertOn(t *testing.T, def Definition) {
	t.Helper()

	ctx := context.Background()
	store := NewInMemoryStore()
	dispatcher := command.NewTrackingDispatcher()

	manager, err := NewManager(store, dispatcher, []Definition{def})
	if !assert.NoError(t, err) {
		return
	}

	for _, evt := range sc.given {
		if err := manager.Process(ctx, evt); !assert.NoError(t, err) {
			return
		}
	}

	dispatcher.FlushCommands()

	err = manager.Process(ctx, sc.when)

	if sc.wantError {
		if assert.Error(t, err) && sc.thenError != nil {
			assert.ErrorIs(t, err, sc.thenError)
		}

		return
	}

	if !assert.NoError(t, err) {
		return
	}

	if len(sc.then) == 0 {
		assert.Empty(t, dispatcher.RecordedCommands())
	} else {
		assert.Equal(t, sc.then, dispatcher.RecordedCommands())
	}

	correlation, ok := def.Correlate(sc.when)
	if !assert.True(t, ok, "event does not correlate with the saga") {
		return
	}

	instance, err := store.Find(ctx, def.Type, correlation)
	if sc.state == "" {
		assert.ErrorIs(t, err, ErrNotFound)
		return
	}

	if assert.NoError(t, err) {
		assert.Equal(t, sc.state, instance.State)
	}
}
