package command

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownCommand is returned by a Registry asked for an unknown Command type.
var ErrUnknownCommand = errors.New("command: unknown command type")

// Factory returns a new Command addressed to the Aggregate id, ready to
// receive the rest of its payload.
type Factory func(aggregateID string) Command

// Registry builds Commands out of their type name, target Aggregate id and
// JSON payload, e.g. as received by an HTTP endpoint.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a Registry for the Command factories.
func NewRegistry(factories ...Factory) *Registry {
	r := &Registry{factories: make(map[string]Factory, len(factories))}

	for _, factory := range factories {
		r.factories[factory("").Name()] = factory
	}

	return r
}

// Decode returns the Command of the specified type.
func (r *Registry) Decode(commandType, aggregateID string, payload json.RawMessage) (Command, error) {
	factory, ok := r.factories[commandType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, commandType)
	}

	cmd := factory(aggregateID)

	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, cmd); err != nil {
			return nil, fmt.Errorf("command.Registry: failed to decode %q payload, %w", commandType, err)
		}
	}

	if cmd.AggregateID() != aggregateID {
		return nil, fmt.Errorf("command.Registry: payload of %q overrides the aggregate id", commandType)
	}

	return cmd, nil
}
