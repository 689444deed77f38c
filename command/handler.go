package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/get-eventually/eventpipe/aggregate"
	"github.com/get-eventually/eventpipe/correlation"
	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/logger"
	"github.com/get-eventually/eventpipe/version"
)

// DefaultMaxAttempts is the number of load-decide-append cycles a Handler
// runs before giving up on a concurrency conflict.
const DefaultMaxAttempts = 5

// Result is the outcome of a handled Command.
type Result struct {
	AggregateID string
	Version     version.Version
	Events      []event.Persisted
}

// Decider is the decision logic of a Command: it validates the Command
// against the Aggregate Root state and records new Domain Events on it.
//
// Any error returned is a business rule violation.
type Decider[T aggregate.Root, Cmd Command] func(root T, cmd Envelope[Cmd]) error

// Publisher publishes committed Domain Events to the broker.
type Publisher interface {
	Publish(ctx context.Context, events ...event.Persisted) error
}

// HandlerOption configures a Handler.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	maxAttempts int
	backoff     func() backoff.BackOff
	publisher   Publisher
	logger      logger.Logger
}

// WithMaxAttempts sets how many times a conflicting Command is tried.
func WithMaxAttempts(n int) HandlerOption {
	return func(c *handlerConfig) { c.maxAttempts = n }
}

// WithBackoff sets the delay policy between conflicting attempts.
func WithBackoff(factory func() backoff.BackOff) HandlerOption {
	return func(c *handlerConfig) { c.backoff = factory }
}

// WithPublisher sets the Publisher for committed Domain Events.
func WithPublisher(p Publisher) HandlerOption {
	return func(c *handlerConfig) { c.publisher = p }
}

// WithLogger sets the Handler logger.
func WithLogger(l logger.Logger) HandlerOption {
	return func(c *handlerConfig) { c.logger = l }
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 0

	return b
}

// Handler handles Commands of type Cmd addressed to Aggregates of type T.
type Handler[T aggregate.Root, Cmd Command] struct {
	repository aggregate.Repository[T]
	decide     Decider[T, Cmd]
	config     handlerConfig
}

// NewHandler returns a Handler running the decision logic on Aggregates
// loaded and saved through the Repository.
func NewHandler[T aggregate.Root, Cmd Command](
	repository aggregate.Repository[T],
	decide Decider[T, Cmd],
	options ...HandlerOption,
) *Handler[T, Cmd] {
	config := handlerConfig{
		maxAttempts: DefaultMaxAttempts,
		backoff:     defaultBackoff,
	}

	for _, opt := range options {
		opt(&config)
	}

	if config.maxAttempts < 1 {
		config.maxAttempts = 1
	}

	return &Handler[T, Cmd]{
		repository: repository,
		decide:     decide,
		config:     config,
	}
}

// Handle runs the Command: load, decide, append, publish.
//
// A version.ConflictError on append means another writer advanced the
// Aggregate meanwhile: the whole cycle is run again, up to the configured
// attempts, then the conflict is returned. Decision errors are returned as
// *DomainRuleViolation and never retried.
func (h *Handler[T, Cmd]) Handle(ctx context.Context, cmd Envelope[Cmd]) (Result, error) {
	ctx = correlation.FromMetadata(ctx, cmd.Metadata)

	result := Result{AggregateID: cmd.Message.AggregateID()}
	attempt := 0

	op := func() error {
		attempt++

		root, err := h.repository.Load(ctx, result.AggregateID)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("command.Handler: failed to load aggregate, %w", err))
		}

		if err := h.decide(root, cmd); err != nil {
			return backoff.Permanent(&DomainRuleViolation{Command: cmd.Message.Name(), Err: err})
		}

		persisted, err := h.repository.Save(ctx, root)

		var conflict version.ConflictError
		if errors.As(err, &conflict) {
			logger.Debug(h.config.logger, "Concurrency conflict, retrying command",
				logger.With("command", cmd.Message.Name()),
				logger.With("aggregate.id", result.AggregateID),
				logger.With("attempt", attempt),
				logger.With("error", err),
			)

			return err
		}

		if err != nil {
			return backoff.Permanent(fmt.Errorf("command.Handler: failed to save aggregate, %w", err))
		}

		result.Version = root.Version()
		result.Events = persisted

		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(h.config.backoff(), uint64(h.config.maxAttempts-1)),
		ctx,
	)

	if err := backoff.Retry(op, policy); err != nil {
		return Result{}, err
	}

	if len(result.Events) > 0 && h.config.publisher != nil {
		if err := h.config.publisher.Publish(ctx, result.Events...); err != nil {
			// The Domain Events are durable: the Publisher is responsible
			// for retrying, the Command itself succeeded.
			logger.Error(h.config.logger, "Failed to publish committed events",
				logger.With("command", cmd.Message.Name()),
				logger.With("aggregate.id", result.AggregateID),
				logger.With("error", err),
			)
		}
	}

	return result, nil
}
