package projection_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/eventpipe/checkpoint"
	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/internal"
	"github.com/get-eventually/eventpipe/projection"
	"github.com/get-eventually/eventpipe/version"
)

// totals sums the values of the Domain Events of every aggregate.
type totals struct {
	table  *projection.Table[int64]
	resets int
	failAt version.SequenceNumber
}

func newTotals() *totals {
	return &totals{table: projection.NewTable[int64]()}
}

func (*totals) Name() string { return "totals" }

func (p *totals) Project(_ context.Context, evt event.Persisted) error {
	if p.failAt != 0 && evt.SequenceNumber == p.failAt {
		return errors.New("storage unavailable")
	}

	var delta int64

	switch msg := evt.Message.(type) {
	case *internal.Created:
		delta = msg.Value
	case *internal.Updated:
		delta = msg.Value
	default:
		return nil
	}

	_, err := p.table.Upsert(evt, func(current int64, _ bool) (int64, error) {
		return current + delta, nil
	})

	return err
}

func (p *totals) Reset(context.Context) error {
	p.resets++
	p.table.Reset()

	return nil
}

func (p *totals) State(context.Context) (any, error) { return p.table.Rows(), nil }

func seed(t *testing.T, store *event.InMemoryStore, aggregates []string, versions int) {
	t.Helper()

	ctx := context.Background()

	for v := 1; v <= versions; v++ {
		for _, id := range aggregates {
			_, err := event.AppendStream(ctx, store, event.StreamID(id), "Test",
				version.CheckExact(v-1),
				event.ToEnvelope(&internal.Updated{Value: int64(v)}),
			)
			require.NoError(t, err)
		}
	}
}

func history(ids []int) []event.Persisted {
	versions := make(map[string]version.Version)
	events := make([]event.Persisted, 0, len(ids))

	for i, n := range ids {
		id := []string{"a", "b", "c"}[n]
		versions[id]++

		events = append(events, event.Persisted{
			ID:             uuid.New(),
			StreamID:       event.StreamID(id),
			Version:        versions[id],
			SequenceNumber: version.SequenceNumber(i + 1),
			Envelope:       event.ToEnvelope(&internal.Updated{Value: int64(i + 1)}),
		})
	}

	return events
}

func TestTable_RedeliveryIsIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("redelivered events leave the rows unchanged", prop.ForAll(
		func(ids []int, redeliveries []int) bool {
			ctx := context.Background()
			events := history(ids)

			once, twice := newTotals(), newTotals()

			for i, evt := range events {
				if once.Project(ctx, evt) != nil || twice.Project(ctx, evt) != nil {
					return false
				}

				// Redeliver the same or an older event.
				if i < len(redeliveries) {
					stale := events[redeliveries[i]%(i+1)]
					if twice.Project(ctx, stale) != nil {
						return false
					}
				}
			}

			a, _ := once.State(ctx)
			b, _ := twice.State(ctx)

			return assert.ObjectsAreEqual(a, b)
		},
		gen.SliceOf(gen.IntRange(0, 2)),
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}

func TestManager_Process(t *testing.T) {
	first, second := newTotals(), newTotals()
	second.failAt = 1

	manager := projection.NewManager(event.NewInMemoryStore(), new(projection.InMemoryMarkerStore),
		[]projection.Projection{second, first})

	evt := history([]int{0})[0]

	err := manager.Process(context.Background(), evt)
	assert.ErrorContains(t, err, "totals: storage unavailable")

	row, ok := first.table.Get("a")
	require.True(t, ok, "a failing projection must not block the others")
	assert.Equal(t, int64(1), row.Value)
}

func TestManager_RebuildIfNeeded(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()
	markers := new(projection.InMemoryMarkerStore)
	checkpointer := checkpoint.NewInMemoryCheckpointer()

	seed(t, store, []string{"a", "b"}, 3)

	live := newTotals()
	manager := projection.NewManager(store, markers, []projection.Projection{live},
		projection.WithCheckpointer(checkpointer),
		projection.WithCheckpointEvery(2),
	)

	rebuilt, err := manager.RebuildIfNeeded(ctx)
	require.NoError(t, err)
	assert.True(t, rebuilt, "a missing marker means the read models were never built")

	before, err := live.State(ctx)
	require.NoError(t, err)

	row, ok := live.table.Get("a")
	require.True(t, ok)
	assert.Equal(t, int64(6), row.Value)
	assert.Equal(t, version.Version(3), row.Watermark)

	seqNum, err := checkpointer.Read(ctx, projection.CheckpointKey)
	require.NoError(t, err)
	assert.Equal(t, version.SequenceNumber(6), seqNum)

	rebuilt, err = manager.RebuildIfNeeded(ctx)
	require.NoError(t, err)
	assert.False(t, rebuilt)

	require.NoError(t, manager.RequestRebuild(ctx, "operator request"))

	rebuilt, err = manager.RebuildIfNeeded(ctx)
	require.NoError(t, err)
	assert.True(t, rebuilt)
	assert.Equal(t, 2, live.resets)

	after, err := live.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "rebuilds are deterministic")

	marker, _, err := markers.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, projection.Marker{SchemaVersion: projection.DefaultSchemaVersion, UpdatedAt: marker.UpdatedAt}, marker)

	bumped := projection.NewManager(store, markers, []projection.Projection{live},
		projection.WithSchemaVersion(projection.DefaultSchemaVersion+1))

	rebuilt, err = bumped.RebuildIfNeeded(ctx)
	require.NoError(t, err)
	assert.True(t, rebuilt, "schema changes trigger a rebuild")
}

func TestManager_RebuildResumes(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()
	markers := new(projection.InMemoryMarkerStore)
	checkpointer := checkpoint.NewInMemoryCheckpointer()

	seed(t, store, []string{"a", "b", "c"}, 4)

	live := newTotals()
	live.failAt = 8

	manager := projection.NewManager(store, markers, []projection.Projection{live},
		projection.WithCheckpointer(checkpointer),
		projection.WithCheckpointEvery(3),
	)

	_, err := manager.RebuildIfNeeded(ctx)
	require.Error(t, err)

	marker, _, err := markers.Load(ctx)
	require.NoError(t, err)
	assert.True(t, marker.InProgress)

	seqNum, err := checkpointer.Read(ctx, projection.CheckpointKey)
	require.NoError(t, err)
	assert.Equal(t, version.SequenceNumber(6), seqNum)

	live.failAt = 0

	rebuilt, err := manager.RebuildIfNeeded(ctx)
	require.NoError(t, err)
	assert.True(t, rebuilt)
	assert.Equal(t, 1, live.resets, "a resumed rebuild does not start over")

	fresh := newTotals()
	reports, err := manager.Verify(ctx, []projection.Projection{fresh})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Equal, reports[0].Diff)
}

func TestManager_Verify(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()

	seed(t, store, []string{"a", "b"}, 2)

	live := newTotals()
	manager := projection.NewManager(store, new(projection.InMemoryMarkerStore), []projection.Projection{live})

	_, err := manager.RebuildIfNeeded(ctx)
	require.NoError(t, err)

	reports, err := manager.Verify(ctx, []projection.Projection{newTotals()})
	require.NoError(t, err)
	assert.Equal(t, []projection.Report{{Projection: "totals", Equal: true}}, reports)

	// A lost update on the live side shows up in the diff.
	live.table.Reset()

	reports, err = manager.Verify(ctx, []projection.Projection{newTotals()})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Equal)
	assert.NotEmpty(t, reports[0].Diff)

	_, err = manager.Verify(ctx, []projection.Projection{unknownProjection{newTotals()}})
	assert.Error(t, err)
}

type unknownProjection struct{ *totals }

func (unknownProjection) Name() string { return "unknown" }
