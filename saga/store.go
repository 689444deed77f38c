package saga

import (
	"context"
	"errors"
	"sync"
)

// Store errors.
var (
	ErrNotFound         = errors.New("saga: instance not found")
	ErrRevisionConflict = errors.New("saga: instance revision conflict")
)

// Store persists saga Instances.
type Store interface {
	// Find returns the Instance of the saga type with the correlation key,
	// or ErrNotFound.
	Find(ctx context.Context, sagaType, correlation string) (Instance, error)

	// Save stores the Instance if the stored revision is still
	// instance.Revision (0 for new Instances), and bumps it.
	// Otherwise it returns ErrRevisionConflict.
	Save(ctx context.Context, instance Instance) error
}

type instanceKey struct {
	sagaType    string
	correlation string
}

var _ Store = new(InMemoryStore)

// InMemoryStore is a thread-safe, in-memory Store.
type InMemoryStore struct {
	mx        sync.RWMutex
	instances map[instanceKey]Instance
}

// NewInMemoryStore returns an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{instances: make(map[instanceKey]Instance)}
}

// Find implements the saga.Store interface.
func (s *InMemoryStore) Find(_ context.Context, sagaType, correlation string) (Instance, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	instance, ok := s.instances[instanceKey{sagaType, correlation}]
	if !ok {
		return Instance{}, ErrNotFound
	}

	return instance.clone(), nil
}

// Save implements the saga.Store interface.
func (s *InMemoryStore) Save(_ context.Context, instance Instance) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	key := instanceKey{instance.Type, instance.Correlation}

	if stored := s.instances[key]; stored.Revision != instance.Revision {
		return ErrRevisionConflict
	}

	instance = instance.clone()
	instance.Revision++
	s.instances[key] = instance

	return nil
}
