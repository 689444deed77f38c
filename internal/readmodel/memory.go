package readmodel

import (
	"context"

	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/projection"
)

var _ Store[AccountBalance] = new(Memory[AccountBalance])

// Memory is an in-memory Store, used in tests and as the shadow copy
// when verifying the live read models.
type Memory[T any] struct {
	model Model[T]
	table *projection.Table[T]
}

// NewMemory returns an empty Memory store for the Model.
func NewMemory[T any](model Model[T]) *Memory[T] {
	return &Memory[T]{model: model, table: projection.NewTable[T]()}
}

// Name implements the projection.Projection interface.
func (m *Memory[T]) Name() string { return m.model.Name }

// Project implements the projection.Projection interface.
func (m *Memory[T]) Project(_ context.Context, evt event.Persisted) error {
	if evt.AggregateType != m.model.AggregateType {
		return nil
	}

	_, err := m.table.Upsert(evt, func(current T, _ bool) (T, error) {
		return m.model.Apply(current, evt), nil
	})

	return err
}

// Reset implements the projection.Projection interface.
func (m *Memory[T]) Reset(context.Context) error {
	m.table.Reset()
	return nil
}

// State implements the projection.Projection interface.
func (m *Memory[T]) State(context.Context) (any, error) {
	rows := m.table.Rows()

	state := make(map[string]T, len(rows))
	for id, row := range rows {
		state[id] = row.Value
	}

	return state, nil
}

// Get implements the readmodel.Reader interface.
func (m *Memory[T]) Get(_ context.Context, id string) (T, error) {
	row, ok := m.table.Get(id)
	if !ok {
		var zeroValue T
		return zeroValue, ErrNotFound
	}

	return row.Value, nil
}
