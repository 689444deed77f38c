package command

import (
	"context"
	"sync"
)

var _ Dispatcher = new(TrackingDispatcher)

// TrackingDispatcher is a Dispatcher that records the Commands it receives
// instead of handling them, for tests.
type TrackingDispatcher struct {
	mx       sync.Mutex
	commands []GenericEnvelope
}

// NewTrackingDispatcher returns an empty TrackingDispatcher.
func NewTrackingDispatcher() *TrackingDispatcher {
	return new(TrackingDispatcher)
}

// Dispatch records the Command.
func (d *TrackingDispatcher) Dispatch(_ context.Context, cmd GenericEnvelope) (Result, error) {
	d.mx.Lock()
	defer d.mx.Unlock()

	d.commands = append(d.commands, cmd)

	return Result{AggregateID: cmd.Message.AggregateID()}, nil
}

// RecordedCommands returns the Commands dispatched so far.
func (d *TrackingDispatcher) RecordedCommands() []Command {
	d.mx.Lock()
	defer d.mx.Unlock()

	commands := make([]Command, 0, len(d.commands))
	for _, cmd := range d.commands {
		commands = append(commands, cmd.Message)
	}

	return commands
}

// RecordedEnvelopes returns the Commands dispatched so far, with their Metadata.
func (d *TrackingDispatcher) RecordedEnvelopes() []GenericEnvelope {
	d.mx.Lock()
	defer d.mx.Unlock()

	return append([]GenericEnvelope(nil), d.commands...)
}

// FlushCommands clears the recorded Commands.
func (d *TrackingDispatcher) FlushCommands() {
	d.mx.Lock()
	defer d.mx.Unlock()

	d.commands = nil
}
