// Package snapshot contains the Snapshot Store: point-in-time serialized
// Aggregate state, used by the Aggregate Loader to avoid replaying
// whole Event Streams.
//
// Snapshots are a cache: they are insert-only, may be dropped at any time,
// and their absence (or the store being unavailable) only makes loading slower.
package snapshot
