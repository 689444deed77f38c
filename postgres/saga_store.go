package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/get-eventually/eventpipe/command"
	"github.com/get-eventually/eventpipe/message"
	"github.com/get-eventually/eventpipe/saga"
	"github.com/get-eventually/eventpipe/version"
)

var _ saga.Store = SagaStore{}

// SagaStore is the saga.Store implementation for PostgreSQL, using the
// "saga_instances" table. Revisions are checked on update, so that
// concurrent Saga Managers do not overwrite each other.
//
// Pending Commands are stored as JSON, and decoded back through Commands.
type SagaStore struct {
	Pool     *pgxpool.Pool
	Commands *command.Registry
}

type pendingCommand struct {
	ID          string           `json:"id"`
	CausationID string           `json:"causationId"`
	CommandType string           `json:"commandType"`
	AggregateID string           `json:"aggregateId"`
	Payload     json.RawMessage  `json:"payload"`
	Metadata    message.Metadata `json:"metadata,omitempty"`
}

func encodePending(pending []saga.PendingCommand) ([]byte, error) {
	rows := make([]pendingCommand, 0, len(pending))

	for _, p := range pending {
		payload, err := json.Marshal(p.Envelope.Message)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s, %w", p.Envelope.Message.Name(), err)
		}

		rows = append(rows, pendingCommand{
			ID:          p.ID,
			CausationID: p.CausationID,
			CommandType: p.Envelope.Message.Name(),
			AggregateID: p.Envelope.Message.AggregateID(),
			Payload:     payload,
			Metadata:    p.Envelope.Metadata,
		})
	}

	return json.Marshal(rows)
}

func (s SagaStore) decodePending(data []byte) ([]saga.PendingCommand, error) {
	var rows []pendingCommand
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, nil
	}

	if s.Commands == nil {
		return nil, errors.New("no command registry to decode pending commands")
	}

	pending := make([]saga.PendingCommand, 0, len(rows))

	for _, row := range rows {
		cmd, err := s.Commands.Decode(row.CommandType, row.AggregateID, row.Payload)
		if err != nil {
			return nil, err
		}

		pending = append(pending, saga.PendingCommand{
			ID:          row.ID,
			CausationID: row.CausationID,
			Envelope:    command.GenericEnvelope{Message: cmd, Metadata: row.Metadata},
		})
	}

	return pending, nil
}

// Find implements the saga.Store interface.
func (s SagaStore) Find(ctx context.Context, sagaType, correlation string) (saga.Instance, error) {
	instance := saga.Instance{Type: sagaType, Correlation: correlation}

	var (
		state               string
		data, seen, pending []byte
	)

	err := s.Pool.QueryRow(ctx,
		`SELECT id, state, data, seen, pending, revision, completed, created_at, updated_at
		FROM saga_instances WHERE saga_type = $1 AND correlation = $2`,
		sagaType, correlation,
	).Scan(
		&instance.ID, &state, &data, &seen, &pending, &instance.Revision,
		&instance.Completed, &instance.CreatedAt, &instance.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return saga.Instance{}, saga.ErrNotFound
	}

	if err != nil {
		return saga.Instance{}, fmt.Errorf("postgres.SagaStore: failed to find instance, %w", err)
	}

	instance.State = saga.State(state)
	instance.Data = make(map[string]string)
	instance.Seen = make(map[string]version.Version)

	if err := json.Unmarshal(data, &instance.Data); err != nil {
		return saga.Instance{}, fmt.Errorf("postgres.SagaStore: failed to decode instance data, %w", err)
	}

	if err := json.Unmarshal(seen, &instance.Seen); err != nil {
		return saga.Instance{}, fmt.Errorf("postgres.SagaStore: failed to decode instance seen versions, %w", err)
	}

	if instance.Pending, err = s.decodePending(pending); err != nil {
		return saga.Instance{}, fmt.Errorf("postgres.SagaStore: failed to decode pending commands, %w", err)
	}

	return instance, nil
}

// Save implements the saga.Store interface.
func (s SagaStore) Save(ctx context.Context, instance saga.Instance) error {
	data, err := json.Marshal(instance.Data)
	if err != nil {
		return fmt.Errorf("postgres.SagaStore: failed to encode instance data, %w", err)
	}

	seen, err := json.Marshal(instance.Seen)
	if err != nil {
		return fmt.Errorf("postgres.SagaStore: failed to encode instance seen versions, %w", err)
	}

	pending, err := encodePending(instance.Pending)
	if err != nil {
		return fmt.Errorf("postgres.SagaStore: failed to encode pending commands, %w", err)
	}

	var result pgconn.CommandTag

	if instance.Revision == 0 {
		result, err = s.Pool.Exec(ctx,
			`INSERT INTO saga_instances
			(saga_type, correlation, id, state, data, seen, pending, revision, completed, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9, $10)
			ON CONFLICT (saga_type, correlation) DO NOTHING`,
			instance.Type, instance.Correlation, instance.ID, string(instance.State), data, seen, pending,
			instance.Completed, instance.CreatedAt, instance.UpdatedAt,
		)
	} else {
		result, err = s.Pool.Exec(ctx,
			`UPDATE saga_instances SET
				state = $3, data = $4, seen = $5, pending = $6, completed = $7, updated_at = $8,
				revision = revision + 1
			WHERE saga_type = $1 AND correlation = $2 AND revision = $9`,
			instance.Type, instance.Correlation, string(instance.State), data, seen, pending,
			instance.Completed, instance.UpdatedAt, instance.Revision,
		)
	}

	if err != nil {
		return fmt.Errorf("postgres.SagaStore: failed to save instance, %w", err)
	}

	if result.RowsAffected() == 0 {
		return saga.ErrRevisionConflict
	}

	return nil
}
