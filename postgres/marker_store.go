package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/get-eventually/eventpipe/projection"
)

var _ projection.MarkerStore = new(MarkerStore)

// MarkerStore is the projection.MarkerStore implementation for PostgreSQL,
// using a row of the "projection_markers" table.
type MarkerStore struct {
	pool *pgxpool.Pool
	name string
}

// NewMarkerStore returns a MarkerStore on the pool.
func NewMarkerStore(pool *pgxpool.Pool, options ...Option[*MarkerStore]) *MarkerStore {
	s := &MarkerStore{pool: pool, name: DefaultMarkerName}

	for _, opt := range options {
		opt.apply(s)
	}

	return s
}

// Load implements the projection.MarkerStore interface.
func (s *MarkerStore) Load(ctx context.Context) (projection.Marker, bool, error) {
	var marker projection.Marker

	err := s.pool.QueryRow(ctx,
		`SELECT requested, reason, schema_version, in_progress, updated_at
		FROM projection_markers WHERE name = $1`,
		s.name,
	).Scan(&marker.Requested, &marker.Reason, &marker.SchemaVersion, &marker.InProgress, &marker.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return projection.Marker{}, false, nil
	}

	if err != nil {
		return projection.Marker{}, false, fmt.Errorf("postgres.MarkerStore: failed to load marker, %w", err)
	}

	return marker, true, nil
}

// Save implements the projection.MarkerStore interface.
func (s *MarkerStore) Save(ctx context.Context, marker projection.Marker) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO projection_markers (name, requested, reason, schema_version, in_progress, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			requested = EXCLUDED.requested,
			reason = EXCLUDED.reason,
			schema_version = EXCLUDED.schema_version,
			in_progress = EXCLUDED.in_progress,
			updated_at = EXCLUDED.updated_at`,
		s.name, marker.Requested, marker.Reason, marker.SchemaVersion, marker.InProgress, marker.UpdatedAt,
	); err != nil {
		return fmt.Errorf("postgres.MarkerStore: failed to save marker, %w", err)
	}

	return nil
}
