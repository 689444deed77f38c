package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/get-eventually/eventpipe/command"
	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/logger"
	"github.com/get-eventually/eventpipe/version"
)

// DefaultMaxAttempts is the number of times an Instance update is tried
// when a concurrent update to the same Instance wins.
const DefaultMaxAttempts = 3

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the Manager logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMaxAttempts sets how many times a conflicting Instance update is tried.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) { m.maxAttempts = n }
}

var _ event.Processor = new(Manager)

// Manager is the Saga Manager. It owns the saga Store: nothing else
// writes to it.
type Manager struct {
	definitions []Definition
	store       Store
	commands    command.Dispatcher

	maxAttempts int
	logger      logger.Logger
	now         func() time.Time
}

// NewManager returns a Manager running the saga Definitions, which are
// validated first.
func NewManager(store Store, commands command.Dispatcher, definitions []Definition, options ...Option) (*Manager, error) {
	for _, def := range definitions {
		if err := def.Check(); err != nil {
			return nil, fmt.Errorf("saga.NewManager: invalid definition, %w", err)
		}
	}

	m := &Manager{
		definitions: definitions,
		store:       store,
		commands:    commands,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}

	for _, opt := range options {
		opt(m)
	}

	if m.maxAttempts < 1 {
		m.maxAttempts = 1
	}

	return m, nil
}

// Process advances every saga subscribed to the Domain Event type.
//
// The new Instance state is saved together with the Commands of the
// transition, which are dispatched afterwards and then removed from the
// Instance. If the dispatch fails, the Domain Event is processed again
// and the Commands still pending for it are dispatched again, so they
// must be idempotent.
func (m *Manager) Process(ctx context.Context, evt event.Persisted) error {
	var errs []error

	for _, def := range m.definitions {
		def := def
		if !def.Subscribes(evt.Type()) {
			continue
		}

		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), uint64(m.maxAttempts-1)),
			ctx,
		)

		err := backoff.Retry(func() error {
			err := m.handle(ctx, def, evt)
			if err != nil && !errors.Is(err, ErrRevisionConflict) {
				return backoff.Permanent(err)
			}

			return err
		}, policy)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", def.Type, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("saga.Manager: failed to process event, %w", err)
	}

	return nil
}

func (m *Manager) unroutable(def Definition, evt event.Persisted, state State) {
	logger.Info(m.logger, "Ignoring event",
		logger.With("saga.type", def.Type),
		logger.With("saga.state", state),
		logger.With("event.type", evt.Type()),
		logger.With("event.id", evt.ID),
		logger.With("error", ErrUnroutableEvent),
	)
}

func (m *Manager) handle(ctx context.Context, def Definition, evt event.Persisted) error {
	correlation, ok := def.Correlate(evt)
	if !ok {
		m.unroutable(def, evt, "")
		return nil
	}

	instance, err := m.store.Find(ctx, def.Type, correlation)

	var transition Transition

	switch {
	case errors.Is(err, ErrNotFound):
		start, ok := def.Start[evt.Type()]
		if !ok {
			m.unroutable(def, evt, "")
			return nil
		}

		instance = Instance{
			ID:          uuid.NewString(),
			Type:        def.Type,
			Correlation: correlation,
			Data:        make(map[string]string),
			Seen:        make(map[string]version.Version),
			CreatedAt:   m.now(),
		}
		transition = start

	case err != nil:
		return fmt.Errorf("failed to find instance, %w", err)

	default:
		if instance.Seen[string(evt.StreamID)] >= evt.Version {
			logger.Debug(m.logger, "Skipping already processed event",
				logger.With("saga.id", instance.ID),
				logger.With("event.id", evt.ID),
			)

			return m.flush(ctx, instance, evt.ID.String())
		}

		t, ok := def.Transitions[Key{State: instance.State, EventType: evt.Type()}]
		if !ok || instance.Completed {
			m.unroutable(def, evt, instance.State)
			return nil
		}

		transition = t
	}

	causationID := evt.ID.String()

	if transition.Emit != nil {
		commands, err := transition.Emit(&instance, evt)
		if err != nil {
			return fmt.Errorf("failed to build commands, %w", err)
		}

		for _, cmd := range commands {
			instance.Pending = append(instance.Pending, PendingCommand{
				ID:          uuid.NewString(),
				CausationID: causationID,
				Envelope:    cmd,
			})
		}
	}

	logger.Info(m.logger, "Saga transition",
		logger.With("saga.type", def.Type),
		logger.With("saga.id", instance.ID),
		logger.With("saga.correlation", correlation),
		logger.With("from", instance.State),
		logger.With("to", transition.To),
		logger.With("event.type", evt.Type()),
	)

	instance.State = transition.To
	instance.Seen[string(evt.StreamID)] = evt.Version
	instance.Completed = def.IsTerminal(transition.To)
	instance.UpdatedAt = m.now()

	if err := m.store.Save(ctx, instance); err != nil {
		return fmt.Errorf("failed to save instance, %w", err)
	}

	instance.Revision++

	return m.flush(ctx, instance, causationID)
}

// flush dispatches the Commands pending for the Domain Event, then removes
// them from the stored Instance. A concurrent update of the Instance makes
// the removal fail with ErrRevisionConflict, and the Domain Event is
// processed again.
func (m *Manager) flush(ctx context.Context, instance Instance, causationID string) error {
	pending := instance.pendingFor(causationID)
	if len(pending) == 0 {
		return nil
	}

	if err := m.dispatch(ctx, instance, pending); err != nil {
		return err
	}

	instance.removePending(pending)
	instance.UpdatedAt = m.now()

	if err := m.store.Save(ctx, instance); err != nil {
		return fmt.Errorf("failed to clear dispatched commands, %w", err)
	}

	return nil
}

func (m *Manager) dispatch(ctx context.Context, instance Instance, pending []PendingCommand) error {
	for _, p := range pending {
		cmd := p.Envelope
		_, err := m.commands.Dispatch(ctx, cmd)

		if command.IsDomainRuleViolation(err) {
			// The outcome reaches the saga as Domain Events, if any.
			logger.Info(m.logger, "Saga command rejected",
				logger.With("saga.id", instance.ID),
				logger.With("command", cmd.Message.Name()),
				logger.With("error", err),
			)

			continue
		}

		if err != nil {
			return fmt.Errorf("failed to dispatch %s, %w", cmd.Message.Name(), err)
		}
	}

	return nil
}
