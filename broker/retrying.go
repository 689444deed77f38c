package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/logger"
)

// DefaultRetryQueueSize is the number of failed batches a RetryingPublisher
// keeps in memory before rejecting new ones.
const DefaultRetryQueueSize = 256

// ErrRetryQueueFull is returned when a RetryingPublisher cannot take
// another failed batch.
var ErrRetryQueueFull = errors.New("broker.RetryingPublisher: retry queue is full")

// RetryingOption configures a RetryingPublisher.
type RetryingOption func(*RetryingPublisher)

// WithRetryBackoff sets the delay policy between publication attempts.
func WithRetryBackoff(factory func() backoff.BackOff) RetryingOption {
	return func(p *RetryingPublisher) { p.backoff = factory }
}

// WithRetryQueueSize sets the retry queue capacity.
func WithRetryQueueSize(size int) RetryingOption {
	return func(p *RetryingPublisher) { p.size = size }
}

// WithRetryLogger sets the logger.
func WithRetryLogger(l logger.Logger) RetryingOption {
	return func(p *RetryingPublisher) { p.logger = l }
}

// RetryingPublisher publishes committed Domain Events to the broker.
//
// When the broker refuses a batch, the batch is queued and retried in the
// background by Run, so the caller is not failed for an event that is
// already durable in the Event Log.
//
// Batches are retried in order, and while a batch is queued every later
// batch sharing a partition key with it is queued behind it, so that the
// broker sees the Messages of a key in publication order.
type RetryingPublisher struct {
	publisher Publisher
	codec     Codec
	backoff   func() backoff.BackOff
	size      int
	logger    logger.Logger

	mx     sync.Mutex
	queue  [][]Message
	queued map[string]int
	ready  chan struct{}
}

// NewRetryingPublisher returns a RetryingPublisher encoding Domain Events
// with the Codec and publishing them on the Publisher.
func NewRetryingPublisher(publisher Publisher, codec Codec, options ...RetryingOption) *RetryingPublisher {
	p := &RetryingPublisher{
		publisher: publisher,
		codec:     codec,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0

			return b
		},
		size:   DefaultRetryQueueSize,
		queued: make(map[string]int),
		ready:  make(chan struct{}, 1),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish implements the command.Publisher interface.
func (p *RetryingPublisher) Publish(ctx context.Context, events ...event.Persisted) error {
	msgs := make([]Message, 0, len(events))

	for _, evt := range events {
		msg, err := p.codec.Encode(evt)
		if err != nil {
			return fmt.Errorf("broker.RetryingPublisher: failed to encode event, %w", err)
		}

		msgs = append(msgs, msg)
	}

	if queued, err := p.enqueueIfBlocked(msgs); queued {
		return err
	}

	err := p.publisher.Publish(ctx, msgs...)
	if err == nil {
		return nil
	}

	logger.Error(p.logger, "Publish failed, queueing for retry",
		logger.With("messages", len(msgs)),
		logger.With("error", err),
	)

	p.mx.Lock()
	defer p.mx.Unlock()

	if !p.enqueue(msgs) {
		return fmt.Errorf("%w: %v", ErrRetryQueueFull, err)
	}

	return nil
}

// enqueueIfBlocked queues the batch if one of its keys has a batch queued
// already, and reports whether it did so.
func (p *RetryingPublisher) enqueueIfBlocked(msgs []Message) (bool, error) {
	p.mx.Lock()
	defer p.mx.Unlock()

	blocked := false

	for _, msg := range msgs {
		if p.queued[msg.Key] > 0 {
			blocked = true
			break
		}
	}

	if !blocked {
		return false, nil
	}

	logger.Debug(p.logger, "Queueing batch behind unpublished messages", logger.With("messages", len(msgs)))

	if !p.enqueue(msgs) {
		return true, ErrRetryQueueFull
	}

	return true, nil
}

// enqueue must be called with the lock held.
func (p *RetryingPublisher) enqueue(msgs []Message) bool {
	if len(p.queue) >= p.size {
		return false
	}

	p.queue = append(p.queue, msgs)

	for _, msg := range msgs {
		p.queued[msg.Key]++
	}

	select {
	case p.ready <- struct{}{}:
	default:
	}

	return true
}

func (p *RetryingPublisher) peek() ([]Message, bool) {
	p.mx.Lock()
	defer p.mx.Unlock()

	if len(p.queue) == 0 {
		return nil, false
	}

	return p.queue[0], true
}

func (p *RetryingPublisher) pop() {
	p.mx.Lock()
	defer p.mx.Unlock()

	for _, msg := range p.queue[0] {
		if p.queued[msg.Key]--; p.queued[msg.Key] <= 0 {
			delete(p.queued, msg.Key)
		}
	}

	p.queue[0] = nil
	p.queue = p.queue[1:]
}

// Pending returns the number of batches waiting to be retried.
func (p *RetryingPublisher) Pending() int {
	p.mx.Lock()
	defer p.mx.Unlock()

	return len(p.queue)
}

// Run retries the queued batches in order until the context is done,
// then tries every remaining batch once more before returning.
func (p *RetryingPublisher) Run(ctx context.Context) error {
	for {
		msgs, ok := p.peek()
		if !ok {
			select {
			case <-ctx.Done():
				p.flush(context.WithoutCancel(ctx))
				return nil
			case <-p.ready:
				continue
			}
		}

		policy := backoff.WithContext(p.backoff(), ctx)

		if err := backoff.Retry(func() error {
			return p.publisher.Publish(ctx, msgs...)
		}, policy); err != nil {
			// Interrupted by shutdown: flush gives it one last chance.
			p.flush(context.WithoutCancel(ctx))
			return nil
		}

		p.pop()
	}
}

// flush tries every queued batch once. A batch sharing a key with a batch
// that could not be published is dropped too, to keep the key in order.
func (p *RetryingPublisher) flush(ctx context.Context) {
	failed := make(map[string]bool)

	for {
		msgs, ok := p.peek()
		if !ok {
			return
		}

		var err error

		for _, msg := range msgs {
			if failed[msg.Key] {
				err = fmt.Errorf("earlier messages of key %s were not published", msg.Key)
				break
			}
		}

		if err == nil {
			err = p.publisher.Publish(ctx, msgs...)
		}

		if err != nil {
			for _, msg := range msgs {
				failed[msg.Key] = true
			}

			p.drop(msgs, err)
		}

		p.pop()
	}
}

func (p *RetryingPublisher) drop(msgs []Message, err error) {
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.Headers[HeaderEventID])
	}

	logger.Error(p.logger, "Dropping unpublished events, republish them from the event log",
		logger.With("event.ids", ids),
		logger.With("error", err),
	)
}
