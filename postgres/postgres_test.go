package postgres_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/get-eventually/eventpipe/command"
	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/internal"
	"github.com/get-eventually/eventpipe/internal/pgtest"
	"github.com/get-eventually/eventpipe/message"
	"github.com/get-eventually/eventpipe/postgres"
	"github.com/get-eventually/eventpipe/projection"
	"github.com/get-eventually/eventpipe/saga"
	"github.com/get-eventually/eventpipe/serde"
	"github.com/get-eventually/eventpipe/snapshot"
	"github.com/get-eventually/eventpipe/version"
)

var registry = serde.MustNewRegistry(
	func() event.Event { return new(internal.Created) },
	func() event.Event { return new(internal.Updated) },
)

type bookCourier struct {
	OrderID string `json:"-"`
	Courier string `json:"courier"`
}

func (*bookCourier) Name() string          { return "BookCourier" }
func (c *bookCourier) AggregateID() string { return c.OrderID }

var commands = command.NewRegistry(func(id string) command.Command { return &bookCourier{OrderID: id} })

func TestPostgres(t *testing.T) {
	db := pgtest.Start(t)
	ctx := context.Background()

	t.Run("migrations are idempotent", func(t *testing.T) {
		require.NoError(t, postgres.RunMigrations(db.DSN))
	})

	t.Run("event store", func(t *testing.T) {
		suite.Run(t, event.NewStoreSuite(func() event.Log {
			return postgres.NewEventStore(db.Pool, registry)
		}))
	})

	t.Run("concurrent appends keep streams gapless", func(t *testing.T) {
		store := postgres.NewEventStore(db.Pool, registry)
		id := event.StreamID("concurrent-" + uuid.NewString())

		const writers = 8

		var (
			wg        sync.WaitGroup
			mx        sync.Mutex
			conflicts int
		)

		for i := 0; i < writers; i++ {
			i := i
			wg.Add(1)

			go func() {
				defer wg.Done()

				_, err := store.Append(ctx, event.Uncommitted{
					StreamID:      id,
					AggregateType: "Test",
					Version:       1,
					Envelope:      event.ToEnvelope(&internal.Created{Value: int64(i)}),
				})
				if err != nil {
					assert.ErrorAs(t, err, new(version.ConflictError))

					mx.Lock()
					conflicts++
					mx.Unlock()
				}
			}()
		}

		wg.Wait()

		assert.Equal(t, writers-1, conflicts)

		last, err := store.LastVersion(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, version.Version(1), last)
	})

	t.Run("snapshot store", func(t *testing.T) {
		store := postgres.SnapshotStore{Pool: db.Pool}
		id := "account-" + uuid.NewString()
		now := time.Now().UTC().Truncate(time.Millisecond)

		_, err := store.Latest(ctx, id)
		assert.ErrorIs(t, err, snapshot.ErrNotFound)

		require.NoError(t, store.Save(ctx, snapshot.Snapshot{AggregateID: id, AggregateType: "Account", Version: 10, Data: []byte("10"), CreatedAt: now}))
		require.NoError(t, store.Save(ctx, snapshot.Snapshot{AggregateID: id, AggregateType: "Account", Version: 5, Data: []byte("5"), CreatedAt: now}))
		require.NoError(t, store.Save(ctx, snapshot.Snapshot{AggregateID: id, AggregateType: "Account", Version: 10, Data: []byte("other"), CreatedAt: now}))

		latest, err := store.Latest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, version.Version(10), latest.Version)
		assert.Equal(t, []byte("10"), latest.Data)
		assert.Equal(t, "Account", latest.AggregateType)
	})

	t.Run("marker store", func(t *testing.T) {
		store := postgres.NewMarkerStore(db.Pool, postgres.WithMarkerName("test-"+uuid.NewString()))

		_, ok, err := store.Load(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		marker := projection.Marker{
			Requested:     true,
			Reason:        "operator",
			SchemaVersion: 3,
			InProgress:    true,
			UpdatedAt:     time.Now().UTC().Truncate(time.Millisecond),
		}
		require.NoError(t, store.Save(ctx, marker))

		loaded, ok, err := store.Load(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, marker.UpdatedAt.Equal(loaded.UpdatedAt))

		loaded.UpdatedAt = marker.UpdatedAt
		assert.Equal(t, marker, loaded)
	})

	t.Run("checkpointer", func(t *testing.T) {
		checkpointer := postgres.Checkpointer{Pool: db.Pool}
		key := "test-" + uuid.NewString()

		seq, err := checkpointer.Read(ctx, key)
		require.NoError(t, err)
		assert.Zero(t, seq)

		require.NoError(t, checkpointer.Write(ctx, key, 42))
		require.NoError(t, checkpointer.Write(ctx, key, 43))

		seq, err = checkpointer.Read(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, version.SequenceNumber(43), seq)
	})

	t.Run("saga store", func(t *testing.T) {
		store := postgres.SagaStore{Pool: db.Pool, Commands: commands}
		correlation := "order-" + uuid.NewString()
		now := time.Now().UTC().Truncate(time.Millisecond)

		_, err := store.Find(ctx, "OfferPurchase", correlation)
		assert.ErrorIs(t, err, saga.ErrNotFound)

		instance := saga.Instance{
			ID:          uuid.NewString(),
			Type:        "OfferPurchase",
			State:       "AwaitingDebit",
			Correlation: correlation,
			Data:        map[string]string{"accountId": "acc-1"},
			Seen:        map[string]version.Version{correlation: 1},
			Pending: []saga.PendingCommand{{
				ID:          uuid.NewString(),
				CausationID: uuid.NewString(),
				Envelope: command.GenericEnvelope{
					Message:  &bookCourier{OrderID: correlation, Courier: "bike"},
					Metadata: message.Metadata{}.With("Correlation-Id", "c-1"),
				},
			}},
			CreatedAt: now,
			UpdatedAt: now,
		}
		require.NoError(t, store.Save(ctx, instance))

		// A concurrent start loses.
		assert.ErrorIs(t, store.Save(ctx, instance), saga.ErrRevisionConflict)

		found, err := store.Find(ctx, "OfferPurchase", correlation)
		require.NoError(t, err)
		assert.Equal(t, int64(1), found.Revision)
		assert.Equal(t, instance.Data, found.Data)
		assert.Equal(t, instance.Seen, found.Seen)
		assert.Equal(t, instance.Pending, found.Pending)

		found.State = "AwaitingConfirmation"
		found.Pending = nil
		require.NoError(t, store.Save(ctx, found))

		// The stale copy is rejected.
		assert.ErrorIs(t, store.Save(ctx, found), saga.ErrRevisionConflict)

		found, err = store.Find(ctx, "OfferPurchase", correlation)
		require.NoError(t, err)
		assert.Equal(t, saga.State("AwaitingConfirmation"), found.State)
		assert.Equal(t, int64(2), found.Revision)
		assert.Empty(t, found.Pending)
	})
}
