package event

import (
	"context"
	"sync"
)

// TrackingStore is an Appender wrapper that records the Domain Events
// committed through it. Useful for test assertions.
type TrackingStore struct {
	Appender

	mx       sync.RWMutex
	recorded []Persisted
}

// NewTrackingStore wraps an Appender to capture the Domain Events
// appended through it.
func NewTrackingStore(appender Appender) *TrackingStore {
	return &TrackingStore{Appender: appender}
}

// Recorded returns the Domain Events appended so far, in append order.
func (es *TrackingStore) Recorded() []Persisted {
	es.mx.RLock()
	defer es.mx.RUnlock()

	return append([]Persisted(nil), es.recorded...)
}

// Append forwards the call to the wrapped Appender and records
// the Domain Events if the append succeeded.
func (es *TrackingStore) Append(ctx context.Context, events ...Uncommitted) ([]Persisted, error) {
	es.mx.Lock()
	defer es.mx.Unlock()

	persisted, err := es.Appender.Append(ctx, events...)
	if err != nil {
		return nil, err
	}

	es.recorded = append(es.recorded, persisted...)

	return persisted, nil
}
