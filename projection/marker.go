package projection

import (
	"context"
	"sync"
	"time"
)

// Marker records whether the Projections must be rebuilt, and the
// progress of a rebuild.
type Marker struct {
	// Requested is set by an operator to force a rebuild.
	Requested bool
	Reason    string

	// SchemaVersion is the read model schema the Projections were built
	// with; a Manager with a different one rebuilds them.
	SchemaVersion int

	// InProgress is set while a rebuild runs, so that an interrupted
	// rebuild is resumed instead of started over.
	InProgress bool

	UpdatedAt time.Time
}

// MarkerStore persists the rebuild Marker.
type MarkerStore interface {
	// Load returns false if no Marker was ever saved.
	Load(ctx context.Context) (Marker, bool, error)
	Save(ctx context.Context, marker Marker) error
}

var _ MarkerStore = new(InMemoryMarkerStore)

// InMemoryMarkerStore is a thread-safe, in-memory MarkerStore.
type InMemoryMarkerStore struct {
	mx     sync.RWMutex
	marker *Marker
}

// Load implements the projection.MarkerStore interface.
func (s *InMemoryMarkerStore) Load(context.Context) (Marker, bool, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	if s.marker == nil {
		return Marker{}, false, nil
	}

	return *s.marker, true, nil
}

// Save implements the projection.MarkerStore interface.
func (s *InMemoryMarkerStore) Save(_ context.Context, marker Marker) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	s.marker = &marker

	return nil
}
