package version

// Any is the CheckAny value, used when the caller appends at the tail
// of the Event Stream, whatever its current Version is.
var Any = CheckAny{}

// Check is the expectation on the Event Stream Version a caller holds
// before appending new Domain Events.
type Check interface {
	isVersionCheck()
}

// CheckAny appends after the current tail of the Event Stream.
//
// The store still validates the resulting Versions atomically, so a
// concurrent writer turns into a ConflictError instead of a gap.
type CheckAny struct{}

func (CheckAny) isVersionCheck() {}

// CheckExact expects the Event Stream to be exactly at this Version.
type CheckExact Version

func (CheckExact) isVersionCheck() {}
