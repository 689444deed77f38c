package activity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = PostgresStore{}

// PostgresStore keeps the feed in the "activity_entries" table, keyed by
// Domain Event id so that redelivered Domain Events add nothing.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

// Add implements the activity.Store interface.
func (s PostgresStore) Add(ctx context.Context, entry Entry) (bool, error) {
	eventID, err := uuid.Parse(entry.EventID)
	if err != nil {
		return false, fmt.Errorf("activity.PostgresStore: invalid event id, %w", err)
	}

	result, err := s.Pool.Exec(ctx,
		`INSERT INTO activity_entries (event_id, account_id, kind, points, order_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, entry.AccountID, entry.Kind, entry.Points, entry.OrderID, entry.At,
	)
	if err != nil {
		return false, fmt.Errorf("activity.PostgresStore: failed to insert entry, %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// Latest implements the activity.Store interface.
func (s PostgresStore) Latest(ctx context.Context, accountID string, limit int64) ([]Entry, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT event_id::text, account_id, kind, points, order_id, recorded_at
		FROM activity_entries WHERE account_id = $1
		ORDER BY recorded_at DESC, event_id DESC
		LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("activity.PostgresStore: failed to query feed, %w", err)
	}

	defer rows.Close()

	entries := make([]Entry, 0)

	for rows.Next() {
		var entry Entry

		if err := rows.Scan(
			&entry.EventID, &entry.AccountID, &entry.Kind, &entry.Points, &entry.OrderID, &entry.At,
		); err != nil {
			return nil, fmt.Errorf("activity.PostgresStore: failed to scan entry, %w", err)
		}

		entry.At = entry.At.UTC()
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activity.PostgresStore: failed to read feed, %w", err)
	}

	return entries, nil
}
