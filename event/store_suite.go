package event

import (
	"context"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/get-eventually/eventpipe/internal"
	"github.com/get-eventually/eventpipe/message"
	"github.com/get-eventually/eventpipe/version"
)

// StoreSuite is a testing suite checking the Event Log contract
// against a Log implementation.
type StoreSuite struct {
	suite.Suite

	storeFactory func() Log
	store        Log // NOTE: initialized in SetupTest.
}

// NewStoreSuite creates a new Event Log testing suite, using the factory
// to get a fresh Log for every test.
func NewStoreSuite(factory func() Log) *StoreSuite {
	return &StoreSuite{storeFactory: factory}
}

// SetupTest creates a new Log instance for each test in the suite.
func (ss *StoreSuite) SetupTest() {
	ss.store = ss.storeFactory()
}

func (ss *StoreSuite) uniqueID(prefix string) StreamID {
	// Stores backed by a shared database keep rows across tests.
	return StreamID(prefix + "-" + time.Now().Format("150405.000000000"))
}

func (ss *StoreSuite) stream(ctx context.Context, id StreamID, selector version.Selector) []Persisted {
	events, err := StreamToSlice(ctx, func(ctx context.Context, stream StreamWrite) error {
		return ss.store.Stream(ctx, stream, id, selector)
	})
	ss.Require().NoError(err)

	return events
}

func uncommitted(id StreamID, v version.Version, msg Event) Uncommitted {
	return Uncommitted{
		StreamID:      id,
		AggregateType: "Test",
		Version:       v,
		Envelope: Envelope{
			Message:  msg,
			Metadata: message.Metadata{}.With("Actor", "suite"),
		},
	}
}

func (ss *StoreSuite) assertStream(expected []Uncommitted, actual []Persisted) {
	ss.Require().Len(actual, len(expected))

	for i, evt := range actual {
		ss.Equal(expected[i].StreamID, evt.StreamID)
		ss.Equal(expected[i].AggregateType, evt.AggregateType)
		ss.Equal(expected[i].Version, evt.Version)
		ss.Equal(expected[i].Message, evt.Message)
		ss.Equal("suite", evt.Metadata["Actor"])
		ss.NotZero(evt.ID)
		ss.NotZero(evt.SequenceNumber)
		ss.False(evt.RecordedAt.IsZero())
	}
}

// TestAppendThenRead appends two Domain Events to the same Event Stream
// and reads them back.
func (ss *StoreSuite) TestAppendThenRead() {
	ctx := context.Background()
	id := ss.uniqueID("x")

	batch := []Uncommitted{
		uncommitted(id, 1, &internal.Created{Value: 1}),
		uncommitted(id, 2, &internal.Updated{Value: 2}),
	}

	persisted, err := ss.store.Append(ctx, batch...)
	ss.Require().NoError(err)
	ss.assertStream(batch, persisted)
	ss.Less(persisted[0].SequenceNumber, persisted[1].SequenceNumber)

	ss.assertStream(batch, ss.stream(ctx, id, version.SelectFromBeginning))
	ss.assertStream(batch[1:], ss.stream(ctx, id, version.Selector{From: 2}))
	ss.assertStream(batch[:1], ss.stream(ctx, id, version.Selector{From: 1, To: 1}))
	ss.Empty(ss.stream(ctx, id, version.Selector{From: 3}))

	// Reading is restartable.
	ss.assertStream(batch, ss.stream(ctx, id, version.SelectFromBeginning))

	last, err := ss.store.LastVersion(ctx, id)
	ss.Require().NoError(err)
	ss.Equal(version.Version(2), last)
}

// TestUnknownStream checks that unknown Event Streams are empty.
func (ss *StoreSuite) TestUnknownStream() {
	ctx := context.Background()
	id := ss.uniqueID("unknown")

	ss.Empty(ss.stream(ctx, id, version.SelectFromBeginning))

	last, err := ss.store.LastVersion(ctx, id)
	ss.Require().NoError(err)
	ss.Zero(last)
}

// TestStaleVersionRejected appends the same Version twice.
func (ss *StoreSuite) TestStaleVersionRejected() {
	ctx := context.Background()
	id := ss.uniqueID("y")

	first := uncommitted(id, 1, &internal.Created{Value: 1})

	_, err := ss.store.Append(ctx, first)
	ss.Require().NoError(err)

	_, err = ss.store.Append(ctx, uncommitted(id, 1, &internal.Created{Value: 42}))

	var conflict version.ConflictError

	ss.Require().ErrorAs(err, &conflict)
	ss.Equal(version.ConflictError{StreamID: string(id), Expected: 0, Actual: 1}, conflict)

	ss.assertStream([]Uncommitted{first}, ss.stream(ctx, id, version.SelectFromBeginning))
}

// TestVersionGapRejected appends a Version that leaves a gap.
func (ss *StoreSuite) TestVersionGapRejected() {
	ctx := context.Background()
	id := ss.uniqueID("gap")

	_, err := ss.store.Append(ctx, uncommitted(id, 2, &internal.Updated{Value: 2}))
	ss.Require().ErrorAs(err, new(version.ConflictError))

	last, err := ss.store.LastVersion(ctx, id)
	ss.Require().NoError(err)
	ss.Zero(last)
}

// TestBatchAcrossStreams appends interleaved Domain Events of two Event Streams.
func (ss *StoreSuite) TestBatchAcrossStreams() {
	ctx := context.Background()
	first, second := ss.uniqueID("first"), ss.uniqueID("second")

	batch := []Uncommitted{
		uncommitted(first, 1, &internal.Created{Value: 1}),
		uncommitted(second, 1, &internal.Created{Value: 10}),
		uncommitted(first, 2, &internal.Updated{Value: 2}),
	}

	_, err := ss.store.Append(ctx, batch...)
	ss.Require().NoError(err)

	ss.assertStream([]Uncommitted{batch[0], batch[2]}, ss.stream(ctx, first, version.SelectFromBeginning))
	ss.assertStream([]Uncommitted{batch[1]}, ss.stream(ctx, second, version.SelectFromBeginning))
}

// TestBatchIsAtomic checks that a conflict on one Event Stream
// prevents the whole batch from being written.
func (ss *StoreSuite) TestBatchIsAtomic() {
	ctx := context.Background()
	good, stale := ss.uniqueID("good"), ss.uniqueID("stale")

	_, err := ss.store.Append(ctx, uncommitted(stale, 1, &internal.Created{Value: 1}))
	ss.Require().NoError(err)

	_, err = ss.store.Append(ctx,
		uncommitted(good, 1, &internal.Created{Value: 1}),
		uncommitted(stale, 1, &internal.Created{Value: 2}),
	)
	ss.Require().ErrorAs(err, new(version.ConflictError))

	ss.Empty(ss.stream(ctx, good, version.SelectFromBeginning))

	last, err := ss.store.LastVersion(ctx, stale)
	ss.Require().NoError(err)
	ss.Equal(version.Version(1), last)
}

// TestAppendStream checks the single Event Stream append convenience.
func (ss *StoreSuite) TestAppendStream() {
	ctx := context.Background()
	id := ss.uniqueID("convenience")

	persisted, err := AppendStream(ctx, ss.store, id, "Test", version.CheckExact(0),
		ToEnvelope(&internal.Created{Value: 1}),
		ToEnvelope(&internal.Updated{Value: 2}),
	)
	ss.Require().NoError(err)
	ss.Require().Len(persisted, 2)
	ss.Equal(version.Version(2), persisted[1].Version)

	persisted, err = AppendStream(ctx, ss.store, id, "Test", version.Any, ToEnvelope(&internal.Updated{Value: 3}))
	ss.Require().NoError(err)
	ss.Equal(version.Version(3), persisted[0].Version)

	_, err = AppendStream(ctx, ss.store, id, "Test", version.CheckExact(1), ToEnvelope(&internal.Updated{Value: 4}))
	ss.Require().ErrorAs(err, new(version.ConflictError))
}

// TestReadByTypeAndStreamAll checks the cross-stream readers.
func (ss *StoreSuite) TestReadByTypeAndStreamAll() {
	ctx := context.Background()
	id := ss.uniqueID("feed")

	persisted, err := ss.store.Append(ctx,
		uncommitted(id, 1, &internal.Created{Value: 1}),
		uncommitted(id, 2, &internal.Updated{Value: 2}),
		uncommitted(id, 3, &internal.Updated{Value: 3}),
	)
	ss.Require().NoError(err)

	feed, err := ss.store.ReadByType(ctx, "Updated", 1, time.Time{})
	ss.Require().NoError(err)
	ss.Require().Len(feed, 1)
	ss.Equal(persisted[2].ID, feed[0].ID)

	feed, err = ss.store.ReadByType(ctx, "Updated", 100, persisted[0].RecordedAt.Add(time.Hour))
	ss.Require().NoError(err)
	ss.Empty(feed)

	all, err := StreamToSlice(ctx, func(ctx context.Context, stream StreamWrite) error {
		return ss.store.StreamAll(ctx, stream, persisted[1].SequenceNumber)
	})
	ss.Require().NoError(err)
	ss.Require().GreaterOrEqual(len(all), 2)

	for i := 1; i < len(all); i++ {
		ss.Less(all[i-1].SequenceNumber, all[i].SequenceNumber)
	}

	ss.Equal(persisted[1].ID, all[0].ID)
}
