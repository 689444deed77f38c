package snapshot

import (
	"github.com/get-eventually/eventpipe/version"
)

// Policy decides when the Aggregate Repository should take a Snapshot,
// after a save moved an Aggregate from the previous to the new Version.
type Policy interface {
	ShouldRecord(previous, current version.Version) bool
}

// NeverPolicy never takes Snapshots.
type NeverPolicy struct{}

// ShouldRecord always returns false.
func (NeverPolicy) ShouldRecord(_, _ version.Version) bool { return false }

// AlwaysPolicy takes a Snapshot on every save.
type AlwaysPolicy struct{}

// ShouldRecord always returns true.
func (AlwaysPolicy) ShouldRecord(_, _ version.Version) bool { return true }

// EveryVersionIncrementPolicy takes a Snapshot every time a save
// crosses a multiple of the value, e.g. EveryVersionIncrementPolicy(10)
// snapshots at or right after Version 10, 20, 30 and so on.
type EveryVersionIncrementPolicy version.Version

// ShouldRecord returns true when a multiple of the increment lies
// in (previous, current].
func (p EveryVersionIncrementPolicy) ShouldRecord(previous, current version.Version) bool {
	if p == 0 {
		return false
	}

	return current/version.Version(p) > previous/version.Version(p)
}
