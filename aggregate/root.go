// Package aggregate contains the Aggregate Root abstraction and the
// Aggregate Loader, which rehydrates Aggregates from the latest Snapshot
// plus the Domain Events recorded after it.
package aggregate

import (
	"fmt"

	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/version"
)

// Aggregate folds Domain Events into its own state.
type Aggregate interface {
	// Apply applies the Domain Event to the Aggregate state.
	//
	// Apply is the reducer of the Aggregate: it must be deterministic and
	// free of side effects other than the state change, so that replaying
	// from any Snapshot yields the same state.
	Apply(event.Event) error
}

// Root is an Aggregate Root: an Aggregate with an identity and a Version,
// which records the Domain Events produced by its methods.
//
// Implementations embed aggregate.BaseRoot to complete the interface.
type Root interface {
	Aggregate

	AggregateID() string
	Version() version.Version

	// FlushRecordedEvents returns the recorded, uncommitted Domain Events,
	// and clears them from the Root.
	FlushRecordedEvents() []event.Envelope

	setVersion(version.Version)
	recordThat(Aggregate, ...event.Envelope) error
}

// RecordThat applies the Domain Events to the Root and records them,
// to be committed by a Repository.
func RecordThat(root Root, events ...event.Envelope) error {
	return root.recordThat(root, events...)
}

// BaseRoot tracks the Version and the recorded Domain Events of an
// Aggregate Root; embed it in Aggregate Root types.
type BaseRoot struct {
	version        version.Version
	recordedEvents []event.Envelope
}

// Version returns the Version of the last Domain Event applied to the Root.
func (br BaseRoot) Version() version.Version { return br.version }

// FlushRecordedEvents implements the aggregate.Root interface.
func (br *BaseRoot) FlushRecordedEvents() []event.Envelope {
	flushed := br.recordedEvents
	br.recordedEvents = nil

	return flushed
}

func (br *BaseRoot) setVersion(v version.Version) { br.version = v }

func (br *BaseRoot) recordThat(aggregate Aggregate, events ...event.Envelope) error {
	for _, evt := range events {
		if err := aggregate.Apply(evt.Message); err != nil {
			return fmt.Errorf("aggregate.RecordThat: failed to apply event, %w", err)
		}

		br.recordedEvents = append(br.recordedEvents, evt)
		br.version++
	}

	return nil
}

// RehydrateFromEvents folds the Domain Events of the stream into the Root.
func RehydrateFromEvents(root Root, stream event.StreamRead) error {
	for evt := range stream {
		if evt.Version != root.Version()+1 {
			return fmt.Errorf(
				"aggregate.RehydrateFromEvents: unexpected event version %d after %d",
				evt.Version, root.Version(),
			)
		}

		if err := root.Apply(evt.Message); err != nil {
			return fmt.Errorf("aggregate.RehydrateFromEvents: failed to apply event, %w", err)
		}

		root.setVersion(evt.Version)
	}

	return nil
}

// RestoreVersion sets the Version of a Root rebuilt from a Snapshot.
func RestoreVersion(root Root, v version.Version) {
	root.setVersion(v)
}
