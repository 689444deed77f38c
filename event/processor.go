package event

import "context"

// Processor handles persisted Domain Events coming from the Event Log
// or from the broker.
//
// Implementations must be idempotent on (StreamID, Version) or on the
// event ID, since delivery is at-least-once.
type Processor interface {
	Process(ctx context.Context, event Persisted) error
}

// ProcessorFunc is a functional event.Processor implementation.
type ProcessorFunc func(ctx context.Context, event Persisted) error

// Process calls the function.
func (pf ProcessorFunc) Process(ctx context.Context, event Persisted) error {
	return pf(ctx, event)
}
