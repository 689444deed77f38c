// Package opentelemetry decorates the Event Log, the Aggregate repositories
// and the Domain Event processors with OpenTelemetry traces and metrics.
package opentelemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/get-eventually/eventpipe/opentelemetry"

// Attribute keys used by the instrumentation.
const (
	ErrorAttribute            attribute.Key = "error"
	EventStreamIDKey          attribute.Key = "event_stream.id"
	EventStreamSelectFromKey  attribute.Key = "event_stream.select_from_version"
	EventStoreNumEventsKey    attribute.Key = "event_store.num_events"
	EventTypeKey              attribute.Key = "event.type"
	EventSequenceNumberKey    attribute.Key = "event.sequence_number"
	AggregateTypeAttribute    attribute.Key = "aggregate.type"
	AggregateIDAttribute      attribute.Key = "aggregate.id"
	AggregateVersionAttribute attribute.Key = "aggregate.version"
	ProcessorNameAttribute    attribute.Key = "processor.name"
)

type config struct {
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

func (c config) meter() metric.Meter {
	return c.MeterProvider.Meter(instrumentationName)
}

func (c config) tracer() trace.Tracer {
	return c.TracerProvider.Tracer(instrumentationName)
}

// Option specifies instrumentation configuration options.
type Option interface {
	apply(*config)
}

type meterProviderOption struct{ metric.MeterProvider }

func (o meterProviderOption) apply(c *config) {
	c.MeterProvider = o.MeterProvider
}

// WithMeterProvider specifies the metric.MeterProvider to use.
// By default, the global metric.MeterProvider is used.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return meterProviderOption{provider}
}

type tracerProviderOption struct{ trace.TracerProvider }

func (o tracerProviderOption) apply(c *config) {
	c.TracerProvider = o.TracerProvider
}

// WithTracerProvider specifies the trace.TracerProvider to use.
// By default, the global trace.TracerProvider is used.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return tracerProviderOption{provider}
}

func newConfig(opts ...Option) config {
	c := config{
		MeterProvider:  otel.GetMeterProvider(),
		TracerProvider: otel.GetTracerProvider(),
	}

	for _, opt := range opts {
		opt.apply(&c)
	}

	return c
}

// durationHistogram registers the millisecond histogram shared by the wrappers.
func durationHistogram(meter metric.Meter, name, description string) (metric.Int64Histogram, error) {
	return meter.Int64Histogram(name,
		metric.WithUnit("ms"),
		metric.WithDescription(description),
	)
}

// finish ends the span, recording err on it, and returns the error
// attribute for the duration metric.
func finish(span trace.Span, err error) attribute.KeyValue {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.End()

	return ErrorAttribute.Bool(err != nil)
}
