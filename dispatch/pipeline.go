// Package dispatch contains the Dispatch Pipeline: it consumes published
// Domain Events and fans each of them out, concurrently, to independent
// Targets (the Event Handler, the Projection Manager and the Saga Manager).
//
// Every Target is retried on its own, with a timeout per call. A Message
// is acknowledged only after all Targets are done with it; if any of them
// failed, the original raw Message is republished on the dead-letter topic
// first.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/get-eventually/eventpipe/broker"
	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/logger"
)

// Default Target names.
const (
	EventHandler      = "eventHandler"
	ProjectionManager = "projectionManager"
	SagaManager       = "sagaManager"

	// DecodeFailure is the failing handler name for Messages that cannot be decoded.
	DecodeFailure = "decoder"
)

// Headers added to dead-lettered Messages.
const (
	HeaderDeadLetterHandlers    = "Dead-Letter-Handlers"
	HeaderDeadLetterError       = "Dead-Letter-Error"
	HeaderDeadLetterSourceTopic = "Dead-Letter-Source-Topic"
	HeaderDeadLetterFailedAt    = "Dead-Letter-Failed-At"
)

// Default retry settings of a Pipeline.
const (
	DefaultMaxRetries  = 3
	DefaultCallTimeout = 5 * time.Second
	DefaultWorkers     = 8
)

// Target is a named destination of every dispatched Domain Event.
type Target struct {
	Name      string
	Processor event.Processor
}

// Decoder decodes raw broker Messages into persisted Domain Events.
type Decoder interface {
	Decode(msg broker.Message) (event.Persisted, error)
}

// Outcome is the final state of a dispatched Message.
type Outcome int

// Outcomes of a dispatched Message.
const (
	Acknowledged Outcome = iota
	DeadLettered
)

func (o Outcome) String() string {
	if o == DeadLettered {
		return "dead-lettered"
	}

	return "acknowledged"
}

// Result is the result of dispatching a Message.
type Result struct {
	Outcome  Outcome
	Event    event.Persisted
	Failures []*HandlerFailure
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMaxRetries sets how many times a failed Target call is retried.
func WithMaxRetries(n int) Option {
	return func(p *Pipeline) { p.maxRetries = n }
}

// WithCallTimeout sets the timeout of every single Target call.
func WithCallTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.callTimeout = d }
}

// WithBackoff sets the delay policy between retries of a Target call.
func WithBackoff(factory func() backoff.BackOff) Option {
	return func(p *Pipeline) { p.backoff = factory }
}

// WithWorkers sets the size of the worker pool used by Run.
func WithWorkers(n int) Option {
	return func(p *Pipeline) { p.workers = n }
}

// WithMetrics enables the Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the Pipeline logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// Pipeline is the Dispatch Pipeline.
type Pipeline struct {
	decoder         Decoder
	targets         []Target
	deadLetter      broker.Publisher
	deadLetterTopic string

	maxRetries  int
	callTimeout time.Duration
	backoff     func() backoff.BackOff
	workers     int
	metrics     *Metrics
	logger      logger.Logger
	now         func() time.Time
}

// New returns a Pipeline dispatching to the Targets, and dead-lettering
// on deadLetterTopic through the Publisher.
func New(
	decoder Decoder,
	deadLetter broker.Publisher,
	deadLetterTopic string,
	targets []Target,
	options ...Option,
) (*Pipeline, error) {
	if len(targets) == 0 {
		return nil, errors.New("dispatch.New: no targets")
	}

	seen := make(map[string]bool, len(targets))
	for _, target := range targets {
		if target.Name == "" || target.Processor == nil {
			return nil, errors.New("dispatch.New: targets need a name and a processor")
		}

		if seen[target.Name] {
			return nil, fmt.Errorf("dispatch.New: duplicate target %q", target.Name)
		}

		seen[target.Name] = true
	}

	p := &Pipeline{
		decoder:         decoder,
		targets:         targets,
		deadLetter:      deadLetter,
		deadLetterTopic: deadLetterTopic,
		maxRetries:      DefaultMaxRetries,
		callTimeout:     DefaultCallTimeout,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			b.MaxElapsedTime = 0

			return b
		},
		workers: DefaultWorkers,
		now:     time.Now,
	}

	for _, opt := range options {
		opt(p)
	}

	if p.workers < 1 {
		p.workers = 1
	}

	return p, nil
}

// Dispatch runs a single Message through all the Targets, and
// dead-letters it if any of them fails.
//
// The returned error is not nil only when the dead-letter publication
// failed: the Message must then be redelivered.
func (p *Pipeline) Dispatch(ctx context.Context, msg broker.Message) (Result, error) {
	start := p.now()

	evt, err := p.decoder.Decode(msg)
	if err != nil {
		result := Result{
			Outcome:  DeadLettered,
			Failures: []*HandlerFailure{{Handler: DecodeFailure, Attempts: 1, Err: err}},
		}

		p.metrics.observe(msg.Topic, msg.Headers[broker.HeaderEventType], p.now().Sub(start), true)

		return result, p.sendToDeadLetter(ctx, msg, result.Failures)
	}

	failures := make([]*HandlerFailure, len(p.targets))

	// Goroutines never return errors: siblings must not be cancelled.
	var group errgroup.Group

	for i, target := range p.targets {
		i, target := i, target
		group.Go(func() error {
			failures[i] = p.call(ctx, target, evt)
			return nil
		})
	}

	_ = group.Wait()

	result := Result{Outcome: Acknowledged, Event: evt}

	for _, failure := range failures {
		if failure != nil {
			result.Failures = append(result.Failures, failure)
		}
	}

	p.metrics.observe(msg.Topic, evt.Type(), p.now().Sub(start), len(result.Failures) > 0)

	if len(result.Failures) == 0 {
		return result, nil
	}

	result.Outcome = DeadLettered

	logger.Error(p.logger, "Event processing failed, dead-lettering",
		logger.With("event.id", evt.ID),
		logger.With("event.type", evt.Type()),
		logger.With("aggregate.id", evt.StreamID),
		logger.With("event.version", evt.Version),
		logger.With("handlers", handlerNames(result.Failures)),
	)

	return result, p.sendToDeadLetter(ctx, msg, result.Failures)
}

func (p *Pipeline) call(ctx context.Context, target Target, evt event.Persisted) *HandlerFailure {
	attempts := 0

	op := func() error {
		attempts++
		return p.callOnce(ctx, target, evt)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(p.backoff(), uint64(p.maxRetries)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return &HandlerFailure{Handler: target.Name, Attempts: attempts, Err: err}
	}

	return nil
}

// callOnce calls the Target with a deadline. Processors must return once
// their context is done: a call is never abandoned, so that a retry does
// not run next to the call it replaces.
func (p *Pipeline) callOnce(ctx context.Context, target Target, evt event.Persisted) error {
	ctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	err := target.Processor.Process(ctx, evt)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("dispatch: %s call timed out, %w", target.Name, err)
	}

	return err
}

func (p *Pipeline) sendToDeadLetter(ctx context.Context, msg broker.Message, failures []*HandlerFailure) error {
	headers := msg.Headers.Clone().
		With(HeaderDeadLetterHandlers, handlerNames(failures)).
		With(HeaderDeadLetterError, errorMessages(failures)).
		With(HeaderDeadLetterSourceTopic, msg.Topic).
		With(HeaderDeadLetterFailedAt, p.now().UTC().Format(time.RFC3339Nano))

	err := p.deadLetter.Publish(ctx, broker.Message{
		Topic:   p.deadLetterTopic,
		Key:     msg.Key,
		Data:    msg.Data,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("dispatch.Pipeline: failed to publish dead letter, %w", err)
	}

	return nil
}
