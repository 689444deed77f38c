// Package version holds the types used to order Domain Events:
// the per-aggregate Version, the global SequenceNumber and the
// optimistic concurrency error raised on stale appends.
package version

import "fmt"

// Version is the position of a Domain Event in its Event Stream.
//
// Versions start from 1 and grow without gaps: the Version of the last
// Domain Event is also the length of the Event Stream.
type Version uint32

// SequenceNumber is the global, store-assigned position of a Domain Event
// across all Event Streams.
type SequenceNumber uint64

// SelectFromBeginning selects a whole Event Stream.
var SelectFromBeginning = Selector{From: 0}

// Selector specifies the slice of an Event Stream to read.
//
// Both bounds are inclusive. A zero To means no upper bound.
type Selector struct {
	From Version
	To   Version
}

// Contains reports whether the Version is inside the selected range.
func (s Selector) Contains(v Version) bool {
	if v < s.From {
		return false
	}

	return s.To == 0 || v <= s.To
}

// ConflictError is returned when an append claims a Version that does not
// follow the current Version of the Event Stream.
type ConflictError struct {
	StreamID string
	Expected Version
	Actual   Version
}

func (err ConflictError) Error() string {
	return fmt.Sprintf(
		"version: conflict detected on stream %q; expected stream version: %d, actual: %d",
		err.StreamID,
		err.Expected,
		err.Actual,
	)
}
