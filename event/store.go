package event

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/get-eventually/eventpipe/version"
)

// Stream is a stream of persisted Domain Events.
type Stream = chan Persisted

// StreamWrite is the write-only side of a Stream. Producers close it when done.
type StreamWrite chan<- Persisted

// StreamRead is the read-only side of a Stream.
type StreamRead <-chan Persisted

// StreamToSlice synchronously exhausts a Stream into a slice, returning
// the error of the producing function f, if any.
func StreamToSlice(ctx context.Context, f func(ctx context.Context, stream StreamWrite) error) ([]Persisted, error) {
	ch := make(Stream, 1)
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return f(ctx, ch) })

	var events []Persisted
	for evt := range ch {
		events = append(events, evt)
	}

	return events, group.Wait()
}

// Appender appends Domain Events to the Event Log.
type Appender interface {
	// Append commits the batch in a single atomic operation, possibly
	// spanning multiple Event Streams.
	//
	// Every Event Stream in the batch must continue exactly from its current
	// Version, otherwise a version.ConflictError is returned and nothing
	// is written.
	Append(ctx context.Context, events ...Uncommitted) ([]Persisted, error)
}

// Streamer reads a single Event Stream, ordered by Version.
type Streamer interface {
	// Stream sends the selected Domain Events on the stream channel,
	// closing it when done. Unknown Event Streams produce no events.
	Stream(ctx context.Context, stream StreamWrite, id StreamID, selector version.Selector) error
}

// VersionReader returns the current Version of an Event Stream.
type VersionReader interface {
	// LastVersion returns 0 for unknown Event Streams.
	LastVersion(ctx context.Context, id StreamID) (version.Version, error)
}

// TypeReader reads the Event Log across Event Streams by event type.
type TypeReader interface {
	// ReadByType returns at most limit Domain Events of the specified type,
	// newest first, recorded after the specified time (if not zero).
	ReadByType(ctx context.Context, eventType string, limit int, after time.Time) ([]Persisted, error)
}

// GlobalStreamer reads the whole Event Log in global order.
type GlobalStreamer interface {
	// StreamAll sends every Domain Event with a SequenceNumber greater than
	// or equal to from, in SequenceNumber order, closing the channel when done.
	StreamAll(ctx context.Context, stream StreamWrite, from version.SequenceNumber) error
}

// Store is the Event Store interface needed to load and save Aggregates.
type Store interface {
	Appender
	Streamer
	VersionReader
}

// Log is the full Event Log contract.
type Log interface {
	Store
	TypeReader
	GlobalStreamer
}

// FusedStore fuses separate implementations of the Store interfaces,
// useful to decorate only part of an Event Store (e.g. the Appender).
type FusedStore struct {
	Appender
	Streamer
	VersionReader
}

// AppendStream appends the Domain Events to a single Event Stream, numbering
// them after the expected Version.
//
// With version.Any the current Version is read first; the Appender still
// rejects the batch if another writer got there in between.
func AppendStream(
	ctx context.Context,
	store interface {
		Appender
		VersionReader
	},
	id StreamID,
	aggregateType string,
	expected version.Check,
	events ...Envelope,
) ([]Persisted, error) {
	var current version.Version

	switch v := expected.(type) {
	case version.CheckExact:
		current = version.Version(v)
	case version.CheckAny:
		last, err := store.LastVersion(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("event.AppendStream: failed to read stream version, %w", err)
		}

		current = last
	default:
		return nil, fmt.Errorf("event.AppendStream: unexpected version check type, %T", v)
	}

	batch := make([]Uncommitted, 0, len(events))
	for i, evt := range events {
		batch = append(batch, Uncommitted{
			StreamID:      id,
			AggregateType: aggregateType,
			Version:       current + version.Version(i) + 1,
			Envelope:      evt,
		})
	}

	return store.Append(ctx, batch...)
}

// CheckBatch validates the Versions claimed by a batch against the current
// Versions of the Event Streams involved, returned by current.
//
// It returns the last Version of each Event Stream after the batch.
func CheckBatch(
	events []Uncommitted,
	current func(id StreamID) (version.Version, error),
) (map[StreamID]version.Version, error) {
	tails := make(map[StreamID]version.Version)

	for _, evt := range events {
		tail, ok := tails[evt.StreamID]
		if !ok {
			v, err := current(evt.StreamID)
			if err != nil {
				return nil, err
			}

			tail = v
		}

		if evt.Version != tail+1 {
			var expected version.Version
			if evt.Version > 0 {
				expected = evt.Version - 1
			}

			return nil, version.ConflictError{
				StreamID: string(evt.StreamID),
				Expected: expected,
				Actual:   tail,
			}
		}

		tails[evt.StreamID] = evt.Version
	}

	return tails, nil
}

// SliceToStream returns a closed StreamRead yielding the provided events.
func SliceToStream(events []Persisted) StreamRead {
	ch := make(Stream, len(events))
	defer close(ch)

	for _, evt := range events {
		ch <- evt
	}

	return ch
}
