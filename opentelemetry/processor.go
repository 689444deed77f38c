package opentelemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/get-eventually/eventpipe/event"
)

var _ event.Processor = &InstrumentedProcessor{}

// InstrumentedProcessor wraps an event.Processor, such as a projection,
// a saga manager or a dispatch target, with a span and a duration metric
// for every Domain Event it processes.
type InstrumentedProcessor struct {
	name      string
	processor event.Processor

	tracer   trace.Tracer
	duration metric.Int64Histogram
}

// NewInstrumentedProcessor returns a wrapper providing OpenTelemetry
// instrumentation around an event.Processor, reported under name.
func NewInstrumentedProcessor(name string, processor event.Processor, options ...Option) (*InstrumentedProcessor, error) {
	cfg := newConfig(options...)

	duration, err := durationHistogram(cfg.meter(),
		"eventpipe.processor.process.duration.milliseconds",
		"Duration in milliseconds of event.Processor.Process operations performed.",
	)
	if err != nil {
		return nil, fmt.Errorf("opentelemetry.InstrumentedProcessor: failed to register metric, %w", err)
	}

	return &InstrumentedProcessor{
		name:      name,
		processor: processor,
		tracer:    cfg.tracer(),
		duration:  duration,
	}, nil
}

// Process calls the wrapped event.Processor.Process method and records metrics
// and traces around it.
func (ip *InstrumentedProcessor) Process(ctx context.Context, evt event.Persisted) (err error) {
	ctx, span := ip.tracer.Start(ctx, "event.Processor.Process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			ProcessorNameAttribute.String(ip.name),
			EventTypeKey.String(evt.Type()),
			EventStreamIDKey.String(string(evt.StreamID)),
			EventSequenceNumberKey.Int64(int64(evt.SequenceNumber)),
		),
	)
	start := time.Now()

	defer func() {
		ip.duration.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributes(
			ProcessorNameAttribute.String(ip.name),
			EventTypeKey.String(evt.Type()),
			finish(span, err),
		))
	}()

	err = ip.processor.Process(ctx, evt)

	return
}
