package opentelemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/get-eventually/eventpipe/aggregate"
	"github.com/get-eventually/eventpipe/event"
)

var _ aggregate.Repository[aggregate.Root] = &InstrumentedRepository[aggregate.Root]{}

// InstrumentedRepository wraps an aggregate.Repository to provide
// traces and duration metrics for Load and Save.
//
// Use NewInstrumentedRepository for constructing a new instance of this type.
type InstrumentedRepository[T aggregate.Root] struct {
	aggregateType string
	repository    aggregate.Repository[T]

	tracer       trace.Tracer
	loadDuration metric.Int64Histogram
	saveDuration metric.Int64Histogram
}

func (ir *InstrumentedRepository[T]) registerMetrics(meter metric.Meter) error {
	var err error

	if ir.loadDuration, err = durationHistogram(meter,
		"eventpipe.repository.load.duration.milliseconds",
		"Duration in milliseconds of aggregate.Repository.Load operations performed.",
	); err != nil {
		return fmt.Errorf("opentelemetry.InstrumentedRepository: failed to register metric, %w", err)
	}

	if ir.saveDuration, err = durationHistogram(meter,
		"eventpipe.repository.save.duration.milliseconds",
		"Duration in milliseconds of aggregate.Repository.Save operations performed.",
	); err != nil {
		return fmt.Errorf("opentelemetry.InstrumentedRepository: failed to register metric, %w", err)
	}

	return nil
}

// NewInstrumentedRepository returns a wrapper providing OpenTelemetry
// instrumentation around an aggregate.Repository.
//
// The aggregate.Type name is reported as an attribute.
func NewInstrumentedRepository[T aggregate.Root](
	aggregateType aggregate.Type[T],
	repository aggregate.Repository[T],
	options ...Option,
) (*InstrumentedRepository[T], error) {
	cfg := newConfig(options...)

	ir := &InstrumentedRepository[T]{
		aggregateType: aggregateType.Name,
		repository:    repository,
		tracer:        cfg.tracer(),
	}

	if err := ir.registerMetrics(cfg.meter()); err != nil {
		return nil, err
	}

	return ir, nil
}

// Load calls the wrapped aggregate.Repository.Load method and records metrics
// and traces around it.
func (ir *InstrumentedRepository[T]) Load(ctx context.Context, id string) (result T, err error) {
	ctx, span := ir.tracer.Start(ctx, "aggregate.Repository.Load", trace.WithAttributes(
		AggregateTypeAttribute.String(ir.aggregateType),
		AggregateIDAttribute.String(id),
	))
	start := time.Now()

	defer func() {
		if err == nil {
			span.SetAttributes(AggregateVersionAttribute.Int64(int64(result.Version())))
		}

		ir.loadDuration.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributes(
			AggregateTypeAttribute.String(ir.aggregateType),
			finish(span, err),
		))
	}()

	result, err = ir.repository.Load(ctx, id)

	return
}

// Save calls the wrapped aggregate.Repository.Save method and records metrics
// and traces around it.
func (ir *InstrumentedRepository[T]) Save(ctx context.Context, root T) (persisted []event.Persisted, err error) {
	ctx, span := ir.tracer.Start(ctx, "aggregate.Repository.Save", trace.WithAttributes(
		AggregateTypeAttribute.String(ir.aggregateType),
		AggregateIDAttribute.String(root.AggregateID()),
		AggregateVersionAttribute.Int64(int64(root.Version())),
	))
	start := time.Now()

	defer func() {
		span.SetAttributes(EventStoreNumEventsKey.Int(len(persisted)))

		ir.saveDuration.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributes(
			AggregateTypeAttribute.String(ir.aggregateType),
			finish(span, err),
		))
	}()

	persisted, err = ir.repository.Save(ctx, root)

	return
}

