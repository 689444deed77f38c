package readmodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/postgres"
)

var _ Store[AccountBalance] = new(Postgres[AccountBalance])

// Postgres is a Store keeping rows as JSON in the "read_models" table.
//
// Rows carry the watermark of their aggregate: upserts never move it
// backwards, so redelivered and replayed Domain Events are no-ops.
type Postgres[T any] struct {
	model Model[T]
	pool  *pgxpool.Pool
}

// NewPostgres returns a PostgreSQL Store for the Model.
func NewPostgres[T any](model Model[T], pool *pgxpool.Pool) *Postgres[T] {
	return &Postgres[T]{model: model, pool: pool}
}

// Name implements the projection.Projection interface.
func (p *Postgres[T]) Name() string { return p.model.Name }

// Project implements the projection.Projection interface.
func (p *Postgres[T]) Project(ctx context.Context, evt event.Persisted) error {
	if evt.AggregateType != p.model.AggregateType {
		return nil
	}

	id := string(evt.StreamID)

	err := postgres.RunTransaction(ctx, p.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx pgx.Tx) error {
		var (
			current   T
			watermark int64
			data      []byte
		)

		err := tx.QueryRow(ctx,
			`SELECT watermark, data FROM read_models WHERE projection = $1 AND id = $2 FOR UPDATE`,
			p.model.Name, id,
		).Scan(&watermark, &data)

		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to read row, %w", err)
		case watermark >= int64(evt.Version):
			return nil
		default:
			if err := json.Unmarshal(data, &current); err != nil {
				return fmt.Errorf("failed to decode row, %w", err)
			}
		}

		next, err := json.Marshal(p.model.Apply(current, evt))
		if err != nil {
			return fmt.Errorf("failed to encode row, %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO read_models (projection, id, watermark, last_event_id, data)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (projection, id) DO UPDATE SET
				watermark = EXCLUDED.watermark,
				last_event_id = EXCLUDED.last_event_id,
				data = EXCLUDED.data
			WHERE read_models.watermark < EXCLUDED.watermark`,
			p.model.Name, id, int64(evt.Version), evt.ID, next,
		); err != nil {
			return fmt.Errorf("failed to upsert row, %w", err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("readmodel.Postgres: failed to project %s into %s, %w", evt.Type(), p.model.Name, err)
	}

	return nil
}

// Reset implements the projection.Projection interface.
func (p *Postgres[T]) Reset(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM read_models WHERE projection = $1`, p.model.Name); err != nil {
		return fmt.Errorf("readmodel.Postgres: failed to reset %s, %w", p.model.Name, err)
	}

	return nil
}

// State implements the projection.Projection interface.
func (p *Postgres[T]) State(ctx context.Context) (any, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, data FROM read_models WHERE projection = $1`, p.model.Name)
	if err != nil {
		return nil, fmt.Errorf("readmodel.Postgres: failed to query %s, %w", p.model.Name, err)
	}

	defer rows.Close()

	state := make(map[string]T)

	for rows.Next() {
		var (
			id    string
			data  []byte
			value T
		)

		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("readmodel.Postgres: failed to scan %s row, %w", p.model.Name, err)
		}

		if err := json.Unmarshal(data, &value); err != nil {
			return nil, fmt.Errorf("readmodel.Postgres: failed to decode %s row, %w", p.model.Name, err)
		}

		state[id] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("readmodel.Postgres: failed to read %s, %w", p.model.Name, err)
	}

	return state, nil
}

// Get implements the readmodel.Reader interface.
func (p *Postgres[T]) Get(ctx context.Context, id string) (T, error) {
	var (
		value T
		data  []byte
	)

	err := p.pool.QueryRow(ctx,
		`SELECT data FROM read_models WHERE projection = $1 AND id = $2`,
		p.model.Name, id,
	).Scan(&data)

	if errors.Is(err, pgx.ErrNoRows) {
		return value, ErrNotFound
	}

	if err != nil {
		return value, fmt.Errorf("readmodel.Postgres: failed to get %s row, %w", p.model.Name, err)
	}

	if err := json.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("readmodel.Postgres: failed to decode %s row, %w", p.model.Name, err)
	}

	return value, nil
}
