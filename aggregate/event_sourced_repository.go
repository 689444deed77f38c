package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/logger"
	"github.com/get-eventually/eventpipe/serde"
	"github.com/get-eventually/eventpipe/snapshot"
	"github.com/get-eventually/eventpipe/version"
)

// Loader loads Aggregate Roots.
type Loader[T Root] interface {
	// Load returns the current state of the Aggregate Root.
	// Aggregates with no Domain Events are returned at Version 0.
	Load(ctx context.Context, id string) (T, error)
}

// Saver saves Aggregate Roots.
type Saver[T Root] interface {
	// Save commits the Domain Events recorded by the Root, returning them
	// as persisted by the Event Log.
	Save(ctx context.Context, root T) ([]event.Persisted, error)
}

// Repository loads and saves Aggregate Roots.
type Repository[T Root] interface {
	Loader[T]
	Saver[T]
}

// Option configures an EventSourcedRepository.
type Option[T Root] func(*EventSourcedRepository[T])

// WithSnapshots enables Snapshots, using the Snapshot Store, the serde for
// the Aggregate state and the Policy deciding when to take them.
func WithSnapshots[T Root](store snapshot.Store, state serde.Serde[T, []byte], policy snapshot.Policy) Option[T] {
	return func(repo *EventSourcedRepository[T]) {
		repo.snapshots = store
		repo.state = state
		repo.policy = policy
	}
}

// WithLogger sets the logger used to report Snapshot Store failures.
func WithLogger[T Root](l logger.Logger) Option[T] {
	return func(repo *EventSourcedRepository[T]) {
		repo.logger = l
	}
}

var _ Repository[Root] = EventSourcedRepository[Root]{}

// EventSourcedRepository is the Aggregate Loader: it loads Aggregate Roots
// from the latest Snapshot, if any, plus the Domain Events that follow it.
type EventSourcedRepository[T Root] struct {
	eventStore event.Store
	typ        Type[T]

	snapshots snapshot.Store
	state     serde.Serde[T, []byte]
	policy    snapshot.Policy
	logger    logger.Logger
}

// NewEventSourcedRepository returns a Repository for the Aggregate type,
// backed by the Event Store.
func NewEventSourcedRepository[T Root](
	eventStore event.Store,
	typ Type[T],
	options ...Option[T],
) EventSourcedRepository[T] {
	repo := EventSourcedRepository[T]{
		eventStore: eventStore,
		typ:        typ,
		policy:     snapshot.NeverPolicy{},
	}

	for _, opt := range options {
		opt(&repo)
	}

	return repo
}

func (repo EventSourcedRepository[T]) fromSnapshot(ctx context.Context, id string) (T, bool) {
	var zeroValue T

	if repo.snapshots == nil || repo.state == nil {
		return zeroValue, false
	}

	snap, err := repo.snapshots.Latest(ctx, id)
	if errors.Is(err, snapshot.ErrNotFound) {
		return zeroValue, false
	}

	if err != nil {
		logger.Error(repo.logger, "Snapshot store failed, falling back to full replay",
			logger.With("aggregate.type", repo.typ.Name),
			logger.With("aggregate.id", id),
			logger.With("error", err),
		)

		return zeroValue, false
	}

	root, err := repo.state.Deserialize(snap.Data)
	if err != nil {
		logger.Error(repo.logger, "Snapshot could not be decoded, falling back to full replay",
			logger.With("aggregate.type", repo.typ.Name),
			logger.With("aggregate.id", id),
			logger.With("snapshot.version", snap.Version),
			logger.With("error", err),
		)

		return zeroValue, false
	}

	RestoreVersion(root, snap.Version)

	return root, true
}

// Load implements the aggregate.Loader interface.
func (repo EventSourcedRepository[T]) Load(ctx context.Context, id string) (T, error) {
	var zeroValue T

	root, ok := repo.fromSnapshot(ctx, id)
	if !ok {
		root = repo.typ.Factory()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream := make(event.Stream, 1)
	selector := version.Selector{From: root.Version() + 1}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := repo.eventStore.Stream(ctx, stream, event.StreamID(id), selector); err != nil {
			return fmt.Errorf("aggregate.EventSourcedRepository: failed while reading event stream, %w", err)
		}

		return nil
	})

	if err := RehydrateFromEvents(root, stream); err != nil {
		cancel()
		_ = group.Wait()

		return zeroValue, fmt.Errorf("aggregate.EventSourcedRepository: failed to rehydrate aggregate root, %w", err)
	}

	if err := group.Wait(); err != nil {
		return zeroValue, err
	}

	return root, nil
}

// Save implements the aggregate.Saver interface.
//
// Snapshot failures are logged and do not fail the save, since the
// Domain Events are already committed.
func (repo EventSourcedRepository[T]) Save(ctx context.Context, root T) ([]event.Persisted, error) {
	events := root.FlushRecordedEvents()
	if len(events) == 0 {
		return nil, nil
	}

	previous := root.Version() - version.Version(len(events))
	batch := make([]event.Uncommitted, 0, len(events))

	for i, evt := range events {
		batch = append(batch, event.Uncommitted{
			StreamID:      event.StreamID(root.AggregateID()),
			AggregateType: repo.typ.Name,
			Version:       previous + version.Version(i) + 1,
			Envelope:      evt,
		})
	}

	persisted, err := repo.eventStore.Append(ctx, batch...)
	if err != nil {
		return nil, fmt.Errorf("aggregate.EventSourcedRepository: failed to commit recorded events, %w", err)
	}

	if repo.snapshots != nil && repo.state != nil && repo.policy.ShouldRecord(previous, root.Version()) {
		repo.recordSnapshot(ctx, root)
	}

	return persisted, nil
}

func (repo EventSourcedRepository[T]) recordSnapshot(ctx context.Context, root T) {
	data, err := repo.state.Serialize(root)
	if err == nil {
		err = repo.snapshots.Save(ctx, snapshot.Snapshot{
			AggregateID:   root.AggregateID(),
			AggregateType: repo.typ.Name,
			Version:       root.Version(),
			Data:          data,
			CreatedAt:     time.Now(),
		})
	}

	if err != nil {
		logger.Error(repo.logger, "Failed to record aggregate snapshot",
			logger.With("aggregate.type", repo.typ.Name),
			logger.With("aggregate.id", root.AggregateID()),
			logger.With("error", err),
		)
	}
}
