package serde

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/get-eventually/eventpipe/message"
)

// ErrUnknownType is returned by a Registry asked to decode
// a payload name it has no factory for.
var ErrUnknownType = errors.New("serde.Registry: unknown message type")

// Registry encodes Messages of type T as JSON, and decodes them back
// using the Message name to pick the concrete type.
type Registry[T message.Message] struct {
	factories map[string]func() T
}

// NewRegistry builds a Registry out of the factories of all the
// concrete Message types it should know about.
//
// Factories must return pointers, and the name must not depend on
// field values: a zero value is asked for its Name at registration.
func NewRegistry[T message.Message](factories ...func() T) (*Registry[T], error) {
	r := &Registry[T]{factories: make(map[string]func() T, len(factories))}

	for _, factory := range factories {
		name := factory().Name()
		if _, ok := r.factories[name]; ok {
			return nil, fmt.Errorf("serde.NewRegistry: type %q registered twice", name)
		}

		r.factories[name] = factory
	}

	return r, nil
}

// MustNewRegistry is like NewRegistry, but panics on error.
// Use it for package-level registries.
func MustNewRegistry[T message.Message](factories ...func() T) *Registry[T] {
	r, err := NewRegistry(factories...)
	if err != nil {
		panic(err)
	}

	return r
}

// Names returns the names of all the registered types.
func (r *Registry[T]) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}

	return names
}

// Serialize encodes the Message as JSON.
func (r *Registry[T]) Serialize(msg T) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("serde.Registry: failed to serialize %q, %w", msg.Name(), err)
	}

	return data, nil
}

// Deserialize decodes a JSON payload into a new instance of the named type.
func (r *Registry[T]) Deserialize(name string, data []byte) (T, error) {
	var zeroValue T

	factory, ok := r.factories[name]
	if !ok {
		return zeroValue, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}

	msg := factory()
	if len(data) == 0 {
		return msg, nil
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return zeroValue, fmt.Errorf("serde.Registry: failed to deserialize %q, %w", name, err)
	}

	return msg, nil
}

// Merge returns a new Registry with the types of all the provided ones.
func Merge[T message.Message](registries ...*Registry[T]) (*Registry[T], error) {
	merged := &Registry[T]{factories: make(map[string]func() T)}

	for _, r := range registries {
		for name, factory := range r.factories {
			if _, ok := merged.factories[name]; ok {
				return nil, fmt.Errorf("serde.Merge: type %q registered twice", name)
			}

			merged.factories[name] = factory
		}
	}

	return merged, nil
}
