// Package eventpipefirestore contains the Snapshot Store implementation
// for Google Cloud Firestore.
package eventpipefirestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/get-eventually/eventpipe/snapshot"
	"github.com/get-eventually/eventpipe/version"
)

// DefaultCollection is the root collection of the Snapshot documents.
const DefaultCollection = "Snapshots"

var _ snapshot.Store = SnapshotStore{}

// SnapshotStore is the snapshot.Store implementation for Firestore.
//
// Snapshots of an Aggregate are documents of the "Versions" subcollection
// of the Aggregate document, keyed by zero-padded Version so that they
// sort by Version.
type SnapshotStore struct {
	Client     *firestore.Client
	Collection string
}

func (s SnapshotStore) versions(aggregateID string) *firestore.CollectionRef {
	collection := s.Collection
	if collection == "" {
		collection = DefaultCollection
	}

	return s.Client.Collection(collection).Doc(aggregateID).Collection("Versions")
}

// Save implements the snapshot.Saver interface.
func (s SnapshotStore) Save(ctx context.Context, snap snapshot.Snapshot) error {
	doc := s.versions(snap.AggregateID).Doc(fmt.Sprintf("%010d", snap.Version))

	_, err := doc.Create(ctx, map[string]any{
		"aggregate_type": snap.AggregateType,
		"version":        int64(snap.Version),
		"data":           snap.Data,
		"created_at":     snap.CreatedAt,
	})

	if status.Code(err) == codes.AlreadyExists {
		return nil
	}

	if err != nil {
		return fmt.Errorf("eventpipefirestore.SnapshotStore: failed to save snapshot, %w", err)
	}

	return nil
}

// Latest implements the snapshot.Getter interface.
func (s SnapshotStore) Latest(ctx context.Context, aggregateID string) (snapshot.Snapshot, error) {
	iter := s.versions(aggregateID).
		OrderBy("version", firestore.Desc).
		Limit(1).
		Documents(ctx)

	defer iter.Stop()

	doc, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return snapshot.Snapshot{}, snapshot.ErrNotFound
	}

	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("eventpipefirestore.SnapshotStore: failed to read latest snapshot, %w", err)
	}

	var stored struct {
		AggregateType string    `firestore:"aggregate_type"`
		Version       int64     `firestore:"version"`
		Data          []byte    `firestore:"data"`
		CreatedAt     time.Time `firestore:"created_at"`
	}

	if err := doc.DataTo(&stored); err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("eventpipefirestore.SnapshotStore: failed to decode snapshot, %w", err)
	}

	snap := snapshot.Snapshot{
		AggregateID:   aggregateID,
		AggregateType: stored.AggregateType,
		Version:       version.Version(stored.Version),
		Data:          stored.Data,
		CreatedAt:     stored.CreatedAt.UTC(),
	}

	return snap, nil
}
