package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/get-eventually/eventpipe/checkpoint"
	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/logger"
	"github.com/get-eventually/eventpipe/version"
)

// CheckpointKey is the key under which rebuild progress is checkpointed.
const CheckpointKey = "projection.rebuild"

// Default settings of a Manager.
const (
	DefaultSchemaVersion   = 1
	DefaultCheckpointEvery = 100
)

// Option configures a Manager.
type Option func(*Manager)

// WithSchemaVersion sets the read model schema version. Bumping it makes
// the next RebuildIfNeeded rebuild the Projections.
func WithSchemaVersion(v int) Option {
	return func(m *Manager) { m.schemaVersion = v }
}

// WithCheckpointer sets where rebuild progress is recorded.
func WithCheckpointer(c checkpoint.Checkpointer) Option {
	return func(m *Manager) { m.checkpointer = c }
}

// WithCheckpointEvery sets how many replayed Domain Events go by
// between two checkpoints.
func WithCheckpointEvery(n int) Option {
	return func(m *Manager) { m.checkpointEvery = n }
}

// WithLogger sets the Manager logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

var _ event.Processor = new(Manager)

// Manager is the Projection Manager. It owns the Projections: nothing
// else writes to them.
type Manager struct {
	log         event.GlobalStreamer
	markers     MarkerStore
	projections []Projection

	checkpointer    checkpoint.Checkpointer
	schemaVersion   int
	checkpointEvery int
	logger          logger.Logger
	now             func() time.Time
}

// NewManager returns a Manager of the Projections, replaying them from
// the Event Log when a rebuild is needed.
func NewManager(log event.GlobalStreamer, markers MarkerStore, projections []Projection, options ...Option) *Manager {
	m := &Manager{
		log:             log,
		markers:         markers,
		projections:     projections,
		checkpointer:    checkpoint.NopCheckpointer,
		schemaVersion:   DefaultSchemaVersion,
		checkpointEvery: DefaultCheckpointEvery,
		now:             time.Now,
	}

	for _, opt := range options {
		opt(m)
	}

	if m.checkpointEvery < 1 {
		m.checkpointEvery = 1
	}

	return m
}

// Process projects the Domain Event on every Projection.
//
// All the Projections are tried even when one fails; the errors are joined.
func (m *Manager) Process(ctx context.Context, evt event.Persisted) error {
	var errs []error

	for _, p := range m.projections {
		if err := p.Project(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("projection.Manager: failed to project event, %w", err)
	}

	return nil
}

// RequestRebuild sets the rebuild Marker: the Projections are rebuilt
// by the next RebuildIfNeeded, usually at the next process start.
func (m *Manager) RequestRebuild(ctx context.Context, reason string) error {
	marker, _, err := m.markers.Load(ctx)
	if err != nil {
		return fmt.Errorf("projection.Manager: failed to load marker, %w", err)
	}

	marker.Requested = true
	marker.Reason = reason
	marker.UpdatedAt = m.now()

	if err := m.markers.Save(ctx, marker); err != nil {
		return fmt.Errorf("projection.Manager: failed to save marker, %w", err)
	}

	return nil
}

func (m *Manager) needsRebuild(marker Marker, found bool) bool {
	return !found || marker.Requested || marker.InProgress || marker.SchemaVersion != m.schemaVersion
}

// RebuildIfNeeded rebuilds the Projections by replaying the whole Event
// Log when the Marker asks for it, and reports whether it did.
//
// A rebuild first resets all the Projections; an interrupted rebuild is
// resumed from the last checkpoint instead, relying on the Projections
// watermarks to skip what was already applied.
func (m *Manager) RebuildIfNeeded(ctx context.Context) (bool, error) {
	marker, found, err := m.markers.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("projection.Manager: failed to load marker, %w", err)
	}

	if !m.needsRebuild(marker, found) {
		return false, nil
	}

	if !marker.InProgress {
		logger.Info(m.logger, "Rebuilding projections",
			logger.With("reason", marker.Reason),
			logger.With("schema.version.stored", marker.SchemaVersion),
			logger.With("schema.version", m.schemaVersion),
		)

		if err := m.reset(ctx); err != nil {
			return false, err
		}

		marker.InProgress = true
		marker.UpdatedAt = m.now()

		if err := m.markers.Save(ctx, marker); err != nil {
			return false, fmt.Errorf("projection.Manager: failed to save marker, %w", err)
		}
	}

	last, err := m.checkpointer.Read(ctx, CheckpointKey)
	if err != nil {
		return false, fmt.Errorf("projection.Manager: failed to read checkpoint, %w", err)
	}

	logger.Info(m.logger, "Replaying event log", logger.With("from.sequence", last+1))

	replayed, err := m.replay(ctx, m.projections, last+1, true)
	if err != nil {
		return false, err
	}

	if err := m.markers.Save(ctx, Marker{SchemaVersion: m.schemaVersion, UpdatedAt: m.now()}); err != nil {
		return false, fmt.Errorf("projection.Manager: failed to clear marker, %w", err)
	}

	logger.Info(m.logger, "Projections rebuilt", logger.With("events", replayed))

	return true, nil
}

func (m *Manager) reset(ctx context.Context) error {
	for _, p := range m.projections {
		if err := p.Reset(ctx); err != nil {
			return fmt.Errorf("projection.Manager: failed to reset %s, %w", p.Name(), err)
		}
	}

	if err := m.checkpointer.Write(ctx, CheckpointKey, 0); err != nil {
		return fmt.Errorf("projection.Manager: failed to reset checkpoint, %w", err)
	}

	return nil
}

// replay projects every Domain Event from the sequence number on, in
// global order, which keeps the per-aggregate Version order.
func (m *Manager) replay(
	ctx context.Context,
	projections []Projection,
	from version.SequenceNumber,
	checkpointed bool,
) (int, error) {
	stream := make(event.Stream, m.checkpointEvery)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := m.log.StreamAll(gctx, stream, from); err != nil {
			return fmt.Errorf("projection.Manager: failed to stream event log, %w", err)
		}

		return nil
	})

	var (
		replayed int
		last     version.SequenceNumber
	)

	project := func(evt event.Persisted) error {
		for _, p := range projections {
			if err := p.Project(gctx, evt); err != nil {
				return fmt.Errorf("projection.Manager: %s failed to project event %d, %w", p.Name(), evt.SequenceNumber, err)
			}
		}

		replayed++
		last = evt.SequenceNumber

		if checkpointed && replayed%m.checkpointEvery == 0 {
			if err := m.checkpointer.Write(gctx, CheckpointKey, last); err != nil {
				return fmt.Errorf("projection.Manager: failed to write checkpoint, %w", err)
			}
		}

		return nil
	}

	group.Go(func() error {
		for evt := range stream {
			if err := project(evt); err != nil {
				// Keep draining so the producer can return.
				for range stream {
				}

				return err
			}
		}

		return nil
	})

	if err := group.Wait(); err != nil {
		return replayed, err
	}

	if checkpointed && replayed > 0 {
		if err := m.checkpointer.Write(ctx, CheckpointKey, last); err != nil {
			return replayed, fmt.Errorf("projection.Manager: failed to write checkpoint, %w", err)
		}
	}

	return replayed, nil
}
