// Package saga contains the Saga Manager, which coordinates business
// processes spanning multiple aggregates.
//
// Every saga type is an explicit finite state machine: a transition
// table from (state, event type) to the next state and the Commands to
// emit. Events with no transition from the current state are ignored.
package saga

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/get-eventually/eventpipe/command"
	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/version"
)

// ErrUnroutableEvent is logged for Domain Events a saga has no transition for.
var ErrUnroutableEvent = errors.New("saga: no transition for event")

// State is a state of a saga type.
type State string

// Key indexes the transition table.
type Key struct {
	State     State
	EventType string
}

// EmitFunc returns the Commands to dispatch when taking a transition.
// It may record data on the Instance for later transitions.
type EmitFunc func(instance *Instance, evt event.Persisted) ([]command.GenericEnvelope, error)

// Transition moves a saga Instance to the To state, emitting Commands.
type Transition struct {
	To   State
	Emit EmitFunc
}

// Definition describes a saga type.
type Definition struct {
	Type string

	// Start lists the Domain Events that create a new Instance, and the
	// transition into its initial state.
	Start map[string]Transition

	Transitions map[Key]Transition
	Terminal    []State

	// Correlate returns the correlation key of the Domain Event, used to
	// find the Instance it belongs to.
	Correlate func(evt event.Persisted) (string, bool)
}

// IsTerminal reports whether the state ends the saga.
func (d Definition) IsTerminal(s State) bool {
	for _, terminal := range d.Terminal {
		if terminal == s {
			return true
		}
	}

	return false
}

// EventTypes returns the Domain Event types the saga reacts to.
func (d Definition) EventTypes() []string {
	seen := make(map[string]bool)

	for eventType := range d.Start {
		seen[eventType] = true
	}

	for key := range d.Transitions {
		seen[key.EventType] = true
	}

	types := make([]string, 0, len(seen))
	for eventType := range seen {
		types = append(types, eventType)
	}

	sort.Strings(types)

	return types
}

// Subscribes reports whether the saga reacts to the Domain Event type.
func (d Definition) Subscribes(eventType string) bool {
	if _, ok := d.Start[eventType]; ok {
		return true
	}

	for key := range d.Transitions {
		if key.EventType == eventType {
			return true
		}
	}

	return false
}

// Check validates the transition table: every target state must either
// be terminal or have outgoing transitions, and terminal states must
// have none.
func (d Definition) Check() error {
	if d.Type == "" || d.Correlate == nil {
		return errors.New("saga.Definition: type and correlate function are required")
	}

	if len(d.Start) == 0 {
		return fmt.Errorf("saga.Definition: %s has no start events", d.Type)
	}

	outgoing := make(map[State]bool)

	for key := range d.Transitions {
		if d.IsTerminal(key.State) {
			return fmt.Errorf("saga.Definition: %s has a transition out of terminal state %s", d.Type, key.State)
		}

		outgoing[key.State] = true
	}

	targets := make([]Transition, 0, len(d.Start)+len(d.Transitions))
	for _, t := range d.Start {
		targets = append(targets, t)
	}

	for _, t := range d.Transitions {
		targets = append(targets, t)
	}

	for _, t := range targets {
		if t.To == "" {
			return fmt.Errorf("saga.Definition: %s has a transition to an empty state", d.Type)
		}

		if !outgoing[t.To] && !d.IsTerminal(t.To) {
			return fmt.Errorf("saga.Definition: %s state %s is a dead end", d.Type, t.To)
		}
	}

	return nil
}

// Instance is a running, or terminated, saga.
type Instance struct {
	ID          string
	Type        string
	State       State
	Correlation string
	Data        map[string]string

	// Seen holds the last Version processed per aggregate id.
	Seen map[string]version.Version

	// Pending holds the Commands emitted by saved transitions that have
	// not been dispatched yet.
	Pending []PendingCommand

	// Revision is the optimistic concurrency token of the stored Instance.
	Revision  int64
	Completed bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PendingCommand is a Command recorded on an Instance together with the
// transition that emitted it, and dispatched once the Instance is saved.
type PendingCommand struct {
	ID string

	// CausationID is the id of the Domain Event that triggered the transition.
	CausationID string
	Envelope    command.GenericEnvelope
}

func (i Instance) pendingFor(causationID string) []PendingCommand {
	var pending []PendingCommand

	for _, cmd := range i.Pending {
		if cmd.CausationID == causationID {
			pending = append(pending, cmd)
		}
	}

	return pending
}

func (i *Instance) removePending(dispatched []PendingCommand) {
	ids := make(map[string]bool, len(dispatched))
	for _, cmd := range dispatched {
		ids[cmd.ID] = true
	}

	kept := i.Pending[:0:0]

	for _, cmd := range i.Pending {
		if !ids[cmd.ID] {
			kept = append(kept, cmd)
		}
	}

	i.Pending = kept
}

func (i Instance) clone() Instance {
	data := make(map[string]string, len(i.Data))
	for k, v := range i.Data {
		data[k] = v
	}

	seen := make(map[string]version.Version, len(i.Seen))
	for k, v := range i.Seen {
		seen[k] = v
	}

	i.Data = data
	i.Seen = seen
	i.Pending = append([]PendingCommand(nil), i.Pending...)

	return i
}
