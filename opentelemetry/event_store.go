package opentelemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/version"
)

var _ event.Log = &InstrumentedEventStore{}

// InstrumentedEventStore wraps an event.Log to provide traces and
// duration metrics for its operations.
//
// Use NewInstrumentedEventStore for constructing a new instance of this type.
type InstrumentedEventStore struct {
	eventStore event.Log

	tracer         trace.Tracer
	appendDuration metric.Int64Histogram
	streamDuration metric.Int64Histogram
	readDuration   metric.Int64Histogram
	appendedEvents metric.Int64Counter
}

func (ies *InstrumentedEventStore) registerMetrics(meter metric.Meter) error {
	var err error

	withContext := func(err error) error {
		return fmt.Errorf("opentelemetry.InstrumentedEventStore: failed to register metric, %w", err)
	}

	if ies.appendDuration, err = durationHistogram(meter,
		"eventpipe.event_log.append.duration.milliseconds",
		"Duration in milliseconds of event.Log.Append operations performed.",
	); err != nil {
		return withContext(err)
	}

	if ies.streamDuration, err = durationHistogram(meter,
		"eventpipe.event_log.stream.duration.milliseconds",
		"Duration in milliseconds of event.Log.Stream and StreamAll operations performed.",
	); err != nil {
		return withContext(err)
	}

	if ies.readDuration, err = durationHistogram(meter,
		"eventpipe.event_log.read.duration.milliseconds",
		"Duration in milliseconds of event.Log.LastVersion and ReadByType operations performed.",
	); err != nil {
		return withContext(err)
	}

	if ies.appendedEvents, err = meter.Int64Counter(
		"eventpipe.event_log.appended_events",
		metric.WithDescription("Number of Domain Events committed to the Event Log."),
	); err != nil {
		return withContext(err)
	}

	return nil
}

// NewInstrumentedEventStore returns a wrapper providing OpenTelemetry
// instrumentation around an event.Log.
//
// An error is returned if metrics could not be registered.
func NewInstrumentedEventStore(eventStore event.Log, options ...Option) (*InstrumentedEventStore, error) {
	cfg := newConfig(options...)

	ies := &InstrumentedEventStore{
		eventStore: eventStore,
		tracer:     cfg.tracer(),
	}

	if err := ies.registerMetrics(cfg.meter()); err != nil {
		return nil, err
	}

	return ies, nil
}

func (ies *InstrumentedEventStore) observe(
	ctx context.Context,
	span trace.Span,
	histogram metric.Int64Histogram,
	start time.Time,
	operation string,
	err error,
) {
	histogram.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributes(
		attribute.String("operation", operation),
		finish(span, err),
	))
}

// Append calls the wrapped event.Log.Append method and records metrics and traces around it.
func (ies *InstrumentedEventStore) Append(ctx context.Context, events ...event.Uncommitted) (persisted []event.Persisted, err error) {
	streams := make(map[event.StreamID]struct{}, 1)
	for _, evt := range events {
		streams[evt.StreamID] = struct{}{}
	}

	attributes := []attribute.KeyValue{EventStoreNumEventsKey.Int(len(events))}
	if len(streams) == 1 {
		attributes = append(attributes, EventStreamIDKey.String(string(events[0].StreamID)))
	}

	ctx, span := ies.tracer.Start(ctx, "event.Log.Append", trace.WithAttributes(attributes...))
	start := time.Now()

	defer func() {
		ies.observe(ctx, span, ies.appendDuration, start, "append", err)

		if err == nil {
			ies.appendedEvents.Add(ctx, int64(len(persisted)))
		}
	}()

	persisted, err = ies.eventStore.Append(ctx, events...)

	return
}

// Stream calls the wrapped event.Log.Stream method and records metrics and traces around it.
func (ies *InstrumentedEventStore) Stream(
	ctx context.Context,
	stream event.StreamWrite,
	id event.StreamID,
	selector version.Selector,
) (err error) {
	ctx, span := ies.tracer.Start(ctx, "event.Log.Stream", trace.WithAttributes(
		EventStreamIDKey.String(string(id)),
		EventStreamSelectFromKey.Int64(int64(selector.From)),
	))
	start := time.Now()

	defer func() { ies.observe(ctx, span, ies.streamDuration, start, "stream", err) }()

	err = ies.eventStore.Stream(ctx, stream, id, selector)

	return
}

// StreamAll calls the wrapped event.Log.StreamAll method and records metrics and traces around it.
func (ies *InstrumentedEventStore) StreamAll(
	ctx context.Context,
	stream event.StreamWrite,
	from version.SequenceNumber,
) (err error) {
	ctx, span := ies.tracer.Start(ctx, "event.Log.StreamAll", trace.WithAttributes(
		EventSequenceNumberKey.Int64(int64(from)),
	))
	start := time.Now()

	defer func() { ies.observe(ctx, span, ies.streamDuration, start, "stream_all", err) }()

	err = ies.eventStore.StreamAll(ctx, stream, from)

	return
}

// LastVersion calls the wrapped event.Log.LastVersion method and records metrics and traces around it.
func (ies *InstrumentedEventStore) LastVersion(ctx context.Context, id event.StreamID) (v version.Version, err error) {
	ctx, span := ies.tracer.Start(ctx, "event.Log.LastVersion", trace.WithAttributes(
		EventStreamIDKey.String(string(id)),
	))
	start := time.Now()

	defer func() { ies.observe(ctx, span, ies.readDuration, start, "last_version", err) }()

	v, err = ies.eventStore.LastVersion(ctx, id)

	return
}

// ReadByType calls the wrapped event.Log.ReadByType method and records metrics and traces around it.
func (ies *InstrumentedEventStore) ReadByType(
	ctx context.Context,
	eventType string,
	limit int,
	after time.Time,
) (events []event.Persisted, err error) {
	ctx, span := ies.tracer.Start(ctx, "event.Log.ReadByType", trace.WithAttributes(
		EventTypeKey.String(eventType),
	))
	start := time.Now()

	defer func() { ies.observe(ctx, span, ies.readDuration, start, "read_by_type", err) }()

	events, err = ies.eventStore.ReadByType(ctx, eventType, limit, after)

	return
}
