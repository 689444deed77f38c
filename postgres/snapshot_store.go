package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/get-eventually/eventpipe/snapshot"
	"github.com/get-eventually/eventpipe/version"
)

var _ snapshot.Store = SnapshotStore{}

// SnapshotStore is the snapshot.Store implementation for PostgreSQL,
// using the "snapshots" table.
type SnapshotStore struct {
	Pool *pgxpool.Pool
}

// Save implements the snapshot.Saver interface.
func (s SnapshotStore) Save(ctx context.Context, snap snapshot.Snapshot) error {
	if _, err := s.Pool.Exec(ctx,
		`INSERT INTO snapshots (aggregate_id, aggregate_type, version, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (aggregate_id, version) DO NOTHING`,
		snap.AggregateID, snap.AggregateType, int64(snap.Version), snap.Data, snap.CreatedAt,
	); err != nil {
		return fmt.Errorf("postgres.SnapshotStore: failed to save snapshot, %w", err)
	}

	return nil
}

// Latest implements the snapshot.Getter interface.
func (s SnapshotStore) Latest(ctx context.Context, aggregateID string) (snapshot.Snapshot, error) {
	snap := snapshot.Snapshot{AggregateID: aggregateID}

	var v int64

	err := s.Pool.QueryRow(ctx,
		`SELECT aggregate_type, version, data, created_at FROM snapshots
		WHERE aggregate_id = $1 ORDER BY version DESC LIMIT 1`,
		aggregateID,
	).Scan(&snap.AggregateType, &v, &snap.Data, &snap.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return snapshot.Snapshot{}, snapshot.ErrNotFound
	}

	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("postgres.SnapshotStore: failed to read latest snapshot, %w", err)
	}

	snap.Version = version.Version(v)

	return snap, nil
}
