package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/version"
)

// ScenarioInit is the entrypoint of the Aggregate Root scenario API,
// used to test the Domain Events recorded by Aggregate methods.
type ScenarioInit[T Root] struct {
	typ Type[T]
}

// Scenario starts a test scenario for the Aggregate type.
func Scenario[T Root](typ Type[T]) ScenarioInit[T] {
	return ScenarioInit[T]{typ: typ}
}

// Given sets the Domain Events the Aggregate Root is rehydrated from
// before calling the method under test.
func (sc ScenarioInit[T]) Given(events ...event.Persisted) ScenarioGiven[T] {
	return ScenarioGiven[T]{typ: sc.typ, given: events}
}

// When calls the method under test on an Aggregate Root with no history.
func (sc ScenarioInit[T]) When(fn func(T) error) ScenarioWhen[T] {
	return sc.Given().When(fn)
}

// ScenarioGiven is a scenario with its preconditions set.
type ScenarioGiven[T Root] struct {
	typ   Type[T]
	given []event.Persisted
}

// When calls the method under test on the rehydrated Aggregate Root.
func (sc ScenarioGiven[T]) When(fn func(T) error) ScenarioWhen[T] {
	return ScenarioWhen[T]{
		run: func() (T, error) {
			root := sc.typ.Factory()

			if err := RehydrateFromEvents(root, event.SliceToStream(sc.given)); err != nil {
				return root, err
			}

			return root, fn(root)
		},
	}
}

// ScenarioWhen is a scenario waiting for its expectations.
type ScenarioWhen[T Root] struct {
	run func() (T, error)
}

// Then expects the method to succeed, recording the Domain Events
// and leaving the Aggregate Root at the Version specified.
func (sc ScenarioWhen[T]) Then(v version.Version, events ...event.Envelope) ScenarioThen[T] {
	return ScenarioThen[T]{run: sc.run, version: v, expected: events}
}

// ThenError expects the method to fail with an error matching err
// through errors.Is.
func (sc ScenarioWhen[T]) ThenError(err error) ScenarioThen[T] {
	return ScenarioThen[T]{run: sc.run, wantErr: true, err: err}
}

// ThenFails expects the method to fail, with any error.
func (sc ScenarioWhen[T]) ThenFails() ScenarioThen[T] {
	return ScenarioThen[T]{run: sc.run, wantErr: true}
}

// ScenarioThen is a fully specified scenario.
type ScenarioThen[T Root] struct {
	run      func() (T, error)
	version  version.Version
	expected []event.Envelope
	wantErr  bool
	err      error
}

// AssertOn runs the scenario.
func (sc ScenarioThen[T]) AssertOn(t *testing.T) {
	t.Helper()

	root, err := sc.run()

	if sc.wantErr {
		if assert.Error(t, err) && sc.err != nil {
			assert.ErrorIs(t, err, sc.err)
		}

		return
	}

	if !assert.NoError(t, err) {
		return
	}

	assert.Equal(t, sc.expected, root.FlushRecordedEvents())
	assert.Equal(t, sc.version, root.Version())
}
