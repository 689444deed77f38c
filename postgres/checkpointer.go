package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/get-eventually/eventpipe/checkpoint"
	"github.com/get-eventually/eventpipe/version"
)

var _ checkpoint.Checkpointer = Checkpointer{}

// Checkpointer is the checkpoint.Checkpointer implementation for
// PostgreSQL, using the "checkpoints" table.
type Checkpointer struct {
	Pool *pgxpool.Pool
}

// Read implements the checkpoint.Checkpointer interface.
func (c Checkpointer) Read(ctx context.Context, key string) (version.SequenceNumber, error) {
	var seq int64

	err := c.Pool.QueryRow(ctx, `SELECT sequence_number FROM checkpoints WHERE key = $1`, key).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("postgres.Checkpointer: failed to read checkpoint %s, %w", key, err)
	}

	return version.SequenceNumber(seq), nil
}

// Write implements the checkpoint.Checkpointer interface.
func (c Checkpointer) Write(ctx context.Context, key string, seq version.SequenceNumber) error {
	if _, err := c.Pool.Exec(ctx,
		`INSERT INTO checkpoints (key, sequence_number, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET sequence_number = EXCLUDED.sequence_number, updated_at = now()`,
		key, int64(seq),
	); err != nil {
		return fmt.Errorf("postgres.Checkpointer: failed to write checkpoint %s, %w", key, err)
	}

	return nil
}
