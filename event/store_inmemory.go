package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/get-eventually/eventpipe/version"
)

var _ Log = new(InMemoryStore)

// InMemoryStore is a thread-safe, in-memory Event Log implementation.
type InMemoryStore struct {
	mx      sync.RWMutex
	streams map[StreamID][]Persisted
	all     []Persisted
	now     func() time.Time
}

// NewInMemoryStore creates a new, empty event.InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		streams: make(map[StreamID][]Persisted),
		now:     time.Now,
	}
}

func contextErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("event.InMemoryStore: context error, %w", err)
	}

	return nil
}

// Stream implements the event.Streamer interface.
//
// The read lock is released before sending on the channel, so slow
// consumers do not block writers.
func (es *InMemoryStore) Stream(
	ctx context.Context,
	stream StreamWrite,
	id StreamID,
	selector version.Selector,
) error {
	defer close(stream)

	es.mx.RLock()
	events := es.streams[id]
	es.mx.RUnlock()

	for _, evt := range events {
		if !selector.Contains(evt.Version) {
			continue
		}

		select {
		case stream <- evt:
		case <-ctx.Done():
			return contextErr(ctx)
		}
	}

	return nil
}

// LastVersion implements the event.VersionReader interface.
func (es *InMemoryStore) LastVersion(_ context.Context, id StreamID) (version.Version, error) {
	es.mx.RLock()
	defer es.mx.RUnlock()

	return version.Version(len(es.streams[id])), nil
}

// ReadByType implements the event.TypeReader interface.
func (es *InMemoryStore) ReadByType(
	_ context.Context,
	eventType string,
	limit int,
	after time.Time,
) ([]Persisted, error) {
	es.mx.RLock()
	defer es.mx.RUnlock()

	var result []Persisted

	for i := len(es.all) - 1; i >= 0 && len(result) < limit; i-- {
		evt := es.all[i]

		if evt.Type() != eventType {
			continue
		}

		if !after.IsZero() && !evt.RecordedAt.After(after) {
			continue
		}

		result = append(result, evt)
	}

	return result, nil
}

// StreamAll implements the event.GlobalStreamer interface.
func (es *InMemoryStore) StreamAll(ctx context.Context, stream StreamWrite, from version.SequenceNumber) error {
	defer close(stream)

	es.mx.RLock()
	events := es.all
	es.mx.RUnlock()

	for _, evt := range events {
		if evt.SequenceNumber < from {
			continue
		}

		select {
		case stream <- evt:
		case <-ctx.Done():
			return contextErr(ctx)
		}
	}

	return nil
}

// Append implements the event.Appender interface.
//
// A version.ConflictError is returned if any Event Stream in the batch
// does not continue from its current Version; in that case the store
// is left untouched.
func (es *InMemoryStore) Append(ctx context.Context, events ...Uncommitted) ([]Persisted, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}

	es.mx.Lock()
	defer es.mx.Unlock()

	if _, err := CheckBatch(events, func(id StreamID) (version.Version, error) {
		return version.Version(len(es.streams[id])), nil
	}); err != nil {
		return nil, fmt.Errorf("event.InMemoryStore: failed to append events, %w", err)
	}

	persisted := make([]Persisted, 0, len(events))
	recordedAt := es.now()

	for _, evt := range events {
		p := Persisted{
			ID:             uuid.New(),
			StreamID:       evt.StreamID,
			AggregateType:  evt.AggregateType,
			Version:        evt.Version,
			SequenceNumber: version.SequenceNumber(len(es.all) + 1),
			RecordedAt:     recordedAt,
			Envelope:       evt.Envelope,
		}

		es.streams[evt.StreamID] = append(es.streams[evt.StreamID], p)
		es.all = append(es.all, p)
		persisted = append(persisted, p)
	}

	return persisted, nil
}
