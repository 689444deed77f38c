package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/message"
	"github.com/get-eventually/eventpipe/serde"
	"github.com/get-eventually/eventpipe/version"
)

// uniqueViolation is the SQLSTATE of unique constraint violations.
const uniqueViolation = "23505"

const selectEvents = `SELECT sequence_number, event_id, stream_id, aggregate_type, version,
	event_type, payload, metadata, recorded_at FROM events`

var _ event.Log = new(EventStore)

// EventStore is the event.Log implementation for PostgreSQL.
//
// It uses the "event_streams" and "events" tables, see RunMigrations.
// Appends take a transaction-scoped advisory lock, so that sequence
// numbers become visible to readers in commit order.
type EventStore struct {
	pool     *pgxpool.Pool
	registry *serde.Registry[event.Event]
	lockKey  int64
}

// NewEventStore returns an EventStore on the pool, using the Registry to
// serialize the Domain Event payloads.
func NewEventStore(
	pool *pgxpool.Pool,
	registry *serde.Registry[event.Event],
	options ...Option[*EventStore],
) *EventStore {
	es := &EventStore{
		pool:     pool,
		registry: registry,
		lockKey:  DefaultAppendLockKey,
	}

	for _, opt := range options {
		opt.apply(es)
	}

	return es
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Append implements the event.Appender interface.
func (es *EventStore) Append(ctx context.Context, events ...event.Uncommitted) ([]event.Persisted, error) {
	if len(events) == 0 {
		return nil, nil
	}

	persisted := make([]event.Persisted, 0, len(events))

	err := RunTransaction(ctx, es.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, es.lockKey); err != nil {
			return event.NewStorageError("append", fmt.Errorf("failed to acquire append lock, %w", err))
		}

		tails, err := event.CheckBatch(events, func(id event.StreamID) (version.Version, error) {
			return es.lastVersion(ctx, tx, id)
		})
		if err != nil {
			return err
		}

		for id, tail := range tails {
			if _, err := tx.Exec(ctx,
				`INSERT INTO event_streams (stream_id, aggregate_type, version) VALUES ($1, $2, $3)
				ON CONFLICT (stream_id) DO UPDATE SET version = EXCLUDED.version`,
				string(id), aggregateTypeOf(events, id), int64(tail),
			); err != nil {
				return event.NewStorageError("append", fmt.Errorf("failed to update event stream %s, %w", id, err))
			}
		}

		for _, evt := range events {
			p, err := es.insert(ctx, tx, evt)
			if err != nil {
				return err
			}

			persisted = append(persisted, p)
		}

		return nil
	})
	if err != nil {
		var (
			conflict version.ConflictError
			storage  *event.StorageError
		)

		if !errors.As(err, &conflict) && !errors.As(err, &storage) {
			err = event.NewStorageError("append", err)
		}

		return nil, fmt.Errorf("postgres.EventStore: failed to append events, %w", err)
	}

	return persisted, nil
}

func aggregateTypeOf(events []event.Uncommitted, id event.StreamID) string {
	for _, evt := range events {
		if evt.StreamID == id {
			return evt.AggregateType
		}
	}

	return ""
}

func (es *EventStore) lastVersion(ctx context.Context, q pgx.Tx, id event.StreamID) (version.Version, error) {
	var v int64

	err := q.QueryRow(ctx, `SELECT version FROM event_streams WHERE stream_id = $1`, string(id)).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, event.NewStorageError("append", fmt.Errorf("failed to read event stream version, %w", err))
	}

	return version.Version(v), nil
}

func (es *EventStore) insert(ctx context.Context, tx pgx.Tx, evt event.Uncommitted) (event.Persisted, error) {
	payload, err := es.registry.Serialize(evt.Message)
	if err != nil {
		return event.Persisted{}, fmt.Errorf("failed to serialize %s, %w", evt.Message.Name(), err)
	}

	metadata, err := serializeMetadata(evt.Metadata)
	if err != nil {
		return event.Persisted{}, err
	}

	p := event.Persisted{
		ID:            uuid.New(),
		StreamID:      evt.StreamID,
		AggregateType: evt.AggregateType,
		Version:       evt.Version,
		Envelope:      evt.Envelope,
	}

	var seq int64

	err = tx.QueryRow(ctx,
		`INSERT INTO events (event_id, stream_id, aggregate_type, version, event_type, payload, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING sequence_number, recorded_at`,
		p.ID, string(p.StreamID), p.AggregateType, int64(p.Version), evt.Message.Name(), payload, metadata,
	).Scan(&seq, &p.RecordedAt)

	if isUniqueViolation(err) {
		// Only reachable by a writer not honoring the append lock.
		return event.Persisted{}, version.ConflictError{
			StreamID: string(evt.StreamID),
			Expected: evt.Version - 1,
			Actual:   evt.Version,
		}
	}

	if err != nil {
		return event.Persisted{}, event.NewStorageError("append", fmt.Errorf("failed to insert event, %w", err))
	}

	p.SequenceNumber = version.SequenceNumber(seq)

	return p, nil
}

func serializeMetadata(metadata message.Metadata) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil
	}

	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("postgres.serializeMetadata: failed to marshal to json, %w", err)
	}

	return data, nil
}

func (es *EventStore) scan(rows pgx.Rows) (event.Persisted, error) {
	var (
		evt       event.Persisted
		seq, v    int64
		streamID  string
		eventType string
		payload   []byte
		metadata  []byte
	)

	if err := rows.Scan(
		&seq, &evt.ID, &streamID, &evt.AggregateType, &v,
		&eventType, &payload, &metadata, &evt.RecordedAt,
	); err != nil {
		return event.Persisted{}, fmt.Errorf("failed to scan event row, %w", err)
	}

	msg, err := es.registry.Deserialize(eventType, payload)
	if err != nil {
		return event.Persisted{}, fmt.Errorf("failed to deserialize event %d, %w", seq, err)
	}

	evt.SequenceNumber = version.SequenceNumber(seq)
	evt.StreamID = event.StreamID(streamID)
	evt.Version = version.Version(v)
	evt.Message = msg

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &evt.Metadata); err != nil {
			return event.Persisted{}, fmt.Errorf("failed to deserialize metadata of event %d, %w", seq, err)
		}
	}

	return evt, nil
}

func (es *EventStore) stream(
	ctx context.Context,
	stream event.StreamWrite,
	op string,
	sql string,
	args ...any,
) error {
	defer close(stream)

	rows, err := es.pool.Query(ctx, sql, args...)
	if err != nil {
		return event.NewStorageError(op, fmt.Errorf("postgres.EventStore: failed to query events, %w", err))
	}

	defer rows.Close()

	for rows.Next() {
		evt, err := es.scan(rows)
		if err != nil {
			return fmt.Errorf("postgres.EventStore: %w", err)
		}

		select {
		case stream <- evt:
		case <-ctx.Done():
			return fmt.Errorf("postgres.EventStore: stream interrupted, %w", ctx.Err())
		}
	}

	if err := rows.Err(); err != nil {
		return event.NewStorageError(op, fmt.Errorf("postgres.EventStore: failed while reading events, %w", err))
	}

	return nil
}

// Stream implements the event.Streamer interface.
func (es *EventStore) Stream(
	ctx context.Context,
	stream event.StreamWrite,
	id event.StreamID,
	selector version.Selector,
) error {
	return es.stream(ctx, stream, "stream",
		selectEvents+` WHERE stream_id = $1 AND version >= $2 AND ($3 = 0 OR version <= $3)
		ORDER BY version`,
		string(id), int64(selector.From), int64(selector.To),
	)
}

// StreamAll implements the event.GlobalStreamer interface.
func (es *EventStore) StreamAll(ctx context.Context, stream event.StreamWrite, from version.SequenceNumber) error {
	return es.stream(ctx, stream, "stream all",
		selectEvents+` WHERE sequence_number >= $1 ORDER BY sequence_number`,
		int64(from),
	)
}

// LastVersion implements the event.VersionReader interface.
func (es *EventStore) LastVersion(ctx context.Context, id event.StreamID) (version.Version, error) {
	var v int64

	err := es.pool.QueryRow(ctx, `SELECT version FROM event_streams WHERE stream_id = $1`, string(id)).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, event.NewStorageError("last version", fmt.Errorf("postgres.EventStore: %w", err))
	}

	return version.Version(v), nil
}

// ReadByType implements the event.TypeReader interface.
func (es *EventStore) ReadByType(
	ctx context.Context,
	eventType string,
	limit int,
	after time.Time,
) ([]event.Persisted, error) {
	var since *time.Time
	if !after.IsZero() {
		since = &after
	}

	rows, err := es.pool.Query(ctx,
		selectEvents+` WHERE event_type = $1 AND ($3::TIMESTAMPTZ IS NULL OR recorded_at > $3)
		ORDER BY sequence_number DESC LIMIT $2`,
		eventType, limit, since,
	)
	if err != nil {
		return nil, event.NewStorageError("read by type", fmt.Errorf("postgres.EventStore: %w", err))
	}

	defer rows.Close()

	var events []event.Persisted

	for rows.Next() {
		evt, err := es.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres.EventStore: %w", err)
		}

		events = append(events, evt)
	}

	if err := rows.Err(); err != nil {
		return nil, event.NewStorageError("read by type", fmt.Errorf("postgres.EventStore: %w", err))
	}

	return events, nil
}

// Ping checks the database is reachable.
func (es *EventStore) Ping(ctx context.Context) error {
	if err := es.pool.Ping(ctx); err != nil {
		return event.NewStorageError("ping", fmt.Errorf("postgres.EventStore: %w", err))
	}

	return nil
}
