package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/get-eventually/eventpipe/version"
)

// ErrNotFound is returned by Store.Latest when the Aggregate has no snapshot.
var ErrNotFound = errors.New("snapshot: not found")

// Snapshot is the serialized state of an Aggregate at a given Version.
//
// Version is the Version of the last Domain Event folded into Data.
type Snapshot struct {
	AggregateID   string
	AggregateType string
	Version       version.Version
	Data          []byte
	CreatedAt     time.Time
}

// Saver records new Snapshots.
type Saver interface {
	// Save inserts the Snapshot. A Snapshot already recorded for the same
	// Aggregate and Version is left untouched.
	Save(ctx context.Context, snapshot Snapshot) error
}

// Getter returns the most recent Snapshot of an Aggregate.
type Getter interface {
	// Latest returns the Snapshot with the highest Version, or ErrNotFound.
	Latest(ctx context.Context, aggregateID string) (Snapshot, error)
}

// Store is the Snapshot Store contract.
type Store interface {
	Saver
	Getter
}
