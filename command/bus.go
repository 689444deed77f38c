package command

import (
	"context"
	"fmt"
	"sync"

	"github.com/get-eventually/eventpipe/aggregate"
)

// Dispatcher routes Commands to their Handlers.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd GenericEnvelope) (Result, error)
}

type handleFunc func(ctx context.Context, cmd GenericEnvelope) (Result, error)

var _ Dispatcher = new(Bus)

// Bus is a synchronous, in-process Dispatcher routing Commands by name.
type Bus struct {
	mx       sync.RWMutex
	handlers map[string]handleFunc
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string]handleFunc)}
}

// Register adds the Handler to the Bus routing table, keyed by the name of Cmd.
// A later registration for the same Command name replaces the previous one.
//
// The name is read from the zero value of Cmd, so it must not depend on fields.
func Register[T aggregate.Root, Cmd Command](bus *Bus, handler *Handler[T, Cmd]) {
	var zeroValue Cmd

	bus.mx.Lock()
	defer bus.mx.Unlock()

	bus.handlers[zeroValue.Name()] = func(ctx context.Context, env GenericEnvelope) (Result, error) {
		cmd, ok := env.Message.(Cmd)
		if !ok {
			return Result{}, fmt.Errorf("command.Bus: unexpected command type for %q, %T", env.Message.Name(), env.Message)
		}

		return handler.Handle(ctx, Envelope[Cmd]{Message: cmd, Metadata: env.Metadata})
	}
}

// Dispatch implements the command.Dispatcher interface.
func (b *Bus) Dispatch(ctx context.Context, cmd GenericEnvelope) (Result, error) {
	b.mx.RLock()
	handle, ok := b.handlers[cmd.Message.Name()]
	b.mx.RUnlock()

	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNoHandler, cmd.Message.Name())
	}

	return handle(ctx, cmd)
}
