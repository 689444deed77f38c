package dispatch

import (
	"context"
	"fmt"

	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"

	"github.com/get-eventually/eventpipe/broker"
	"github.com/get-eventually/eventpipe/logger"
)

// Run consumes the Deliveries of the Consumer and dispatches them on a
// pool of workers, until the context is done.
//
// Deliveries are assigned to workers by hashing their partition key,
// so Domain Events of the same aggregate are dispatched in order while
// different aggregates proceed in parallel.
//
// When the context is done the Consumer stops taking new Deliveries;
// Run returns only after the ones already received have been dispatched
// and settled, without cancelling them halfway.
func (p *Pipeline) Run(ctx context.Context, consumer broker.Consumer) error {
	work := context.WithoutCancel(ctx)
	deliveries := make(chan broker.Delivery, p.workers)
	queues := make([]chan broker.Delivery, p.workers)

	var workers errgroup.Group

	for i := range queues {
		queue := make(chan broker.Delivery, 1)
		queues[i] = queue

		workers.Go(func() error {
			for d := range queue {
				p.settle(work, d)
			}

			return nil
		})
	}

	var intake errgroup.Group

	intake.Go(func() error {
		if err := consumer.Consume(ctx, deliveries); err != nil {
			return fmt.Errorf("dispatch.Pipeline: consumer failed, %w", err)
		}

		return nil
	})

	for d := range deliveries {
		queues[p.partition(d.Message().Key)] <- d
	}

	for _, queue := range queues {
		close(queue)
	}

	_ = workers.Wait()

	logger.Info(p.logger, "Dispatch pipeline drained")

	return intake.Wait()
}

func (p *Pipeline) partition(key string) int {
	return int(murmur3.Sum32([]byte(key)) % uint32(p.workers))
}

func (p *Pipeline) settle(ctx context.Context, d broker.Delivery) {
	msg := d.Message()

	result, err := p.Dispatch(ctx, msg)
	if err != nil {
		logger.Error(p.logger, "Dead-letter publish failed, requesting redelivery",
			logger.With("topic", msg.Topic),
			logger.With("key", msg.Key),
			logger.With("error", err),
		)

		if err := d.Nak(ctx); err != nil {
			logger.Error(p.logger, "Failed to nak delivery", logger.With("error", err))
		}

		return
	}

	if err := d.Ack(ctx); err != nil {
		logger.Error(p.logger, "Failed to ack delivery",
			logger.With("topic", msg.Topic),
			logger.With("key", msg.Key),
			logger.With("outcome", result.Outcome.String()),
			logger.With("error", err),
		)
	}
}
