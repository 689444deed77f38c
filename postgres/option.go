package postgres

// Option changes the configuration of a PostgreSQL component.
type Option[T any] interface {
	apply(T)
}

type option[T any] func(T)

func newOption[T any](f func(T)) option[T] { return option[T](f) }

func (apply option[T]) apply(val T) { apply(val) }

// DefaultAppendLockKey is the advisory lock key taken by EventStore appends.
const DefaultAppendLockKey int64 = 0x6576656e74 // "event"

// WithAppendLockKey sets the advisory lock key serializing the appends of
// an EventStore. Event Logs sharing a database must use different keys.
func WithAppendLockKey(key int64) Option[*EventStore] {
	return newOption(func(es *EventStore) {
		es.lockKey = key
	})
}

// DefaultMarkerName is the name of the Marker row used by a MarkerStore.
const DefaultMarkerName = "default"

// WithMarkerName sets the name of the Marker row a MarkerStore uses,
// to keep separate groups of Projections in the same database.
func WithMarkerName(name string) Option[*MarkerStore] {
	return newOption(func(s *MarkerStore) {
		s.name = name
	})
}
