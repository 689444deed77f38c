// Package projection contains the Projection Manager, which keeps
// denormalized read models up to date with the Event Log and can rebuild
// them from scratch by replaying it.
package projection

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/version"
)

// Projection is a read model derived from Domain Events.
type Projection interface {
	// Name identifies the Projection, e.g. in verification reports.
	Name() string

	// Project applies the Domain Event to the read model.
	//
	// Project must be idempotent: applying a Domain Event whose Version is
	// not above the watermark recorded for its aggregate is a no-op.
	// Unknown event types are ignored.
	Project(ctx context.Context, evt event.Persisted) error

	// Reset drops the whole read model.
	Reset(ctx context.Context) error

	// State returns a canonical dump of the read model, comparable
	// across instances fed with the same Domain Events.
	State(ctx context.Context) (any, error)
}

// Row is a read model row, with the watermark of the last Domain Event
// of its aggregate folded into it.
type Row[T any] struct {
	Value       T
	Watermark   version.Version
	LastEventID uuid.UUID
}

// Table is a thread-safe, in-memory table of read model rows keyed by
// aggregate id, guarded by watermarks.
type Table[T any] struct {
	mx   sync.RWMutex
	rows map[string]Row[T]
}

// NewTable returns an empty Table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{rows: make(map[string]Row[T])}
}

// Upsert folds the Domain Event into the row of its aggregate through
// apply, unless the row watermark is already at or above the event Version.
//
// It reports whether the row was changed.
func (t *Table[T]) Upsert(evt event.Persisted, apply func(current T, exists bool) (T, error)) (bool, error) {
	key := string(evt.StreamID)

	t.mx.Lock()
	defer t.mx.Unlock()

	row, exists := t.rows[key]
	if exists && row.Watermark >= evt.Version {
		return false, nil
	}

	value, err := apply(row.Value, exists)
	if err != nil {
		return false, err
	}

	t.rows[key] = Row[T]{Value: value, Watermark: evt.Version, LastEventID: evt.ID}

	return true, nil
}

// Get returns the row of the aggregate.
func (t *Table[T]) Get(aggregateID string) (Row[T], bool) {
	t.mx.RLock()
	defer t.mx.RUnlock()

	row, ok := t.rows[aggregateID]

	return row, ok
}

// Reset drops all the rows.
func (t *Table[T]) Reset() {
	t.mx.Lock()
	defer t.mx.Unlock()

	t.rows = make(map[string]Row[T])
}

// Rows returns a copy of all the rows.
func (t *Table[T]) Rows() map[string]Row[T] {
	t.mx.RLock()
	defer t.mx.RUnlock()

	rows := make(map[string]Row[T], len(t.rows))
	for k, v := range t.rows {
		rows[k] = v
	}

	return rows
}
