package snapshot

import (
	"context"
	"sort"
	"sync"

	"github.com/get-eventually/eventpipe/version"
)

var _ Store = new(InMemoryStore)

// InMemoryStore is a thread-safe, map-based Snapshot Store.
// There is no eviction, so it is meant for tests.
type InMemoryStore struct {
	mx        sync.RWMutex
	snapshots map[string][]Snapshot
}

// NewInMemoryStore returns a new, empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{snapshots: make(map[string][]Snapshot)}
}

// Save implements the snapshot.Saver interface.
func (s *InMemoryStore) Save(_ context.Context, snapshot Snapshot) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	existing := s.snapshots[snapshot.AggregateID]

	i := sort.Search(len(existing), func(i int) bool { return existing[i].Version >= snapshot.Version })
	if i < len(existing) && existing[i].Version == snapshot.Version {
		return nil
	}

	existing = append(existing, Snapshot{})
	copy(existing[i+1:], existing[i:])
	existing[i] = snapshot

	s.snapshots[snapshot.AggregateID] = existing

	return nil
}

// Latest implements the snapshot.Getter interface.
func (s *InMemoryStore) Latest(_ context.Context, aggregateID string) (Snapshot, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	existing := s.snapshots[aggregateID]
	if len(existing) == 0 {
		return Snapshot{}, ErrNotFound
	}

	return existing[len(existing)-1], nil
}

// Versions returns the Versions recorded for the Aggregate, ascending.
func (s *InMemoryStore) Versions(aggregateID string) []version.Version {
	s.mx.RLock()
	defer s.mx.RUnlock()

	versions := make([]version.Version, 0, len(s.snapshots[aggregateID]))
	for _, snap := range s.snapshots[aggregateID] {
		versions = append(versions, snap.Version)
	}

	return versions
}
