package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/eventpipe/broker"
	"github.com/get-eventually/eventpipe/dispatch"
	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/internal"
	"github.com/get-eventually/eventpipe/serde"
	"github.com/get-eventually/eventpipe/version"
)

const (
	eventsTopic     = "eventpipe.events"
	deadLetterTopic = "eventpipe.deadletter"
)

var codec = broker.Codec{
	Topic: eventsTopic,
	Registry: serde.MustNewRegistry(
		func() event.Event { return new(internal.Created) },
		func() event.Event { return new(internal.Updated) },
	),
}

func encode(t *testing.T, id string, v version.Version) broker.Message {
	t.Helper()

	msg, err := codec.Encode(event.Persisted{
		ID:             uuid.New(),
		StreamID:       event.StreamID(id),
		AggregateType:  "Test",
		Version:        v,
		SequenceNumber: version.SequenceNumber(v),
		RecordedAt:     time.Now().UTC(),
		Envelope:       event.ToEnvelope(&internal.Created{Value: int64(v)}),
	})
	require.NoError(t, err)

	return msg
}

// recorder is an idempotent Processor remembering what it processed.
type recorder struct {
	mx   sync.Mutex
	seen map[event.StreamID]version.Version
	logs []event.Persisted
}

func newRecorder() *recorder {
	return &recorder{seen: make(map[event.StreamID]version.Version)}
}

func (r *recorder) Process(_ context.Context, evt event.Persisted) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	if r.seen[evt.StreamID] >= evt.Version {
		return nil
	}

	r.seen[evt.StreamID] = evt.Version
	r.logs = append(r.logs, evt)

	return nil
}

func (r *recorder) processed() []event.Persisted {
	r.mx.Lock()
	defer r.mx.Unlock()

	return append([]event.Persisted(nil), r.logs...)
}

// hanging never completes before its context is done.
type hanging struct{}

func (hanging) Process(ctx context.Context, _ event.Persisted) error {
	<-ctx.Done()

	return ctx.Err()
}

type flaky struct {
	mx       sync.Mutex
	failures int
	inner    event.Processor
}

func (f *flaky) Process(ctx context.Context, evt event.Persisted) error {
	f.mx.Lock()
	if f.failures > 0 {
		f.failures--
		f.mx.Unlock()

		return errors.New("storage timeout")
	}
	f.mx.Unlock()

	return f.inner.Process(ctx, evt)
}

// sluggish ignores its context, failing only after the call timeout.
type sluggish struct {
	mx                  sync.Mutex
	inFlight, maxFlight int
	attempts            int
}

func (s *sluggish) Process(context.Context, event.Persisted) error {
	s.mx.Lock()
	s.attempts++
	s.inFlight++
	if s.inFlight > s.maxFlight {
		s.maxFlight = s.inFlight
	}
	s.mx.Unlock()

	time.Sleep(40 * time.Millisecond)

	s.mx.Lock()
	s.inFlight--
	s.mx.Unlock()

	return errors.New("storage timeout")
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, ...broker.Message) error {
	return errors.New("dead letter topic unavailable")
}

func noDelay() backoff.BackOff { return &backoff.ZeroBackOff{} }

func newPipeline(t *testing.T, deadLetter broker.Publisher, targets []dispatch.Target, opts ...dispatch.Option) *dispatch.Pipeline {
	t.Helper()

	opts = append([]dispatch.Option{
		dispatch.WithBackoff(noDelay),
		dispatch.WithMaxRetries(2),
		dispatch.WithCallTimeout(20 * time.Millisecond),
	}, opts...)

	pipeline, err := dispatch.New(codec, deadLetter, deadLetterTopic, targets, opts...)
	require.NoError(t, err)

	return pipeline
}

func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64

	for _, family := range families {
		if family.GetName() != name {
			continue
		}

		for _, m := range family.GetMetric() {
			total += m.GetCounter().GetValue() + float64(m.GetHistogram().GetSampleCount())
		}
	}

	return total
}

func TestPipeline_SagaTimeoutIsDeadLettered(t *testing.T) {
	b := broker.NewInMemory()
	reg := prometheus.NewRegistry()

	handler, projections, saga := newRecorder(), newRecorder(), hanging{}

	pipeline := newPipeline(t, b, []dispatch.Target{
		{Name: dispatch.EventHandler, Processor: handler},
		{Name: dispatch.ProjectionManager, Processor: projections},
		{Name: dispatch.SagaManager, Processor: saga},
	}, dispatch.WithMetrics(dispatch.NewMetrics(reg)))

	msg := encode(t, "order-1", 1)

	result, err := pipeline.Dispatch(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, dispatch.DeadLettered, result.Outcome)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, dispatch.SagaManager, result.Failures[0].Handler)
	assert.Equal(t, 3, result.Failures[0].Attempts)
	assert.ErrorIs(t, result.Failures[0], context.DeadlineExceeded)

	assert.Len(t, handler.processed(), 1)
	assert.Len(t, projections.processed(), 1)

	deadLetters := b.Published(deadLetterTopic)
	require.Len(t, deadLetters, 1)

	dl := deadLetters[0]
	assert.Equal(t, msg.Data, dl.Data)
	assert.Equal(t, msg.Key, dl.Key)
	assert.Equal(t, dispatch.SagaManager, dl.Headers[dispatch.HeaderDeadLetterHandlers])
	assert.Equal(t, eventsTopic, dl.Headers[dispatch.HeaderDeadLetterSourceTopic])
	assert.Contains(t, dl.Headers[dispatch.HeaderDeadLetterError], "sagaManager: ")
	assert.NotEmpty(t, dl.Headers[dispatch.HeaderDeadLetterFailedAt])
	assert.Equal(t, msg.Headers[broker.HeaderEventID], dl.Headers[broker.HeaderEventID])

	assert.Equal(t, float64(1), metricValue(t, reg, "eventpipe_dispatch_events_processed_total"))
	assert.Equal(t, float64(1), metricValue(t, reg, "eventpipe_dispatch_event_duration_seconds"))
	assert.Equal(t, float64(1), metricValue(t, reg, "eventpipe_dispatch_event_failures_total"))
}

func TestPipeline_RetriesDoNotOverlapSlowCalls(t *testing.T) {
	b := broker.NewInMemory()
	saga := new(sluggish)

	pipeline := newPipeline(t, b, []dispatch.Target{{Name: dispatch.SagaManager, Processor: saga}})

	result, err := pipeline.Dispatch(context.Background(), encode(t, "order-1", 1))
	require.NoError(t, err)

	assert.Equal(t, dispatch.DeadLettered, result.Outcome)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, 3, result.Failures[0].Attempts)
	assert.Contains(t, result.Failures[0].Error(), "timed out")

	saga.mx.Lock()
	defer saga.mx.Unlock()

	assert.Equal(t, 3, saga.attempts)
	assert.Equal(t, 1, saga.maxFlight, "a retry started before the previous call returned")
	assert.Zero(t, saga.inFlight)
}

func TestPipeline_TransientFailuresAreRetried(t *testing.T) {
	b := broker.NewInMemory()
	projections := newRecorder()

	pipeline := newPipeline(t, b, []dispatch.Target{
		{Name: dispatch.EventHandler, Processor: newRecorder()},
		{Name: dispatch.ProjectionManager, Processor: &flaky{failures: 2, inner: projections}},
	})

	result, err := pipeline.Dispatch(context.Background(), encode(t, "order-1", 1))
	require.NoError(t, err)

	assert.Equal(t, dispatch.Acknowledged, result.Outcome)
	assert.Empty(t, result.Failures)
	assert.Len(t, projections.processed(), 1)
	assert.Empty(t, b.Published(deadLetterTopic))
}

func TestPipeline_RedeliveryIsANoOp(t *testing.T) {
	projections := newRecorder()
	pipeline := newPipeline(t, broker.NewInMemory(), []dispatch.Target{
		{Name: dispatch.ProjectionManager, Processor: projections},
	})

	msg := encode(t, "order-1", 1)

	for i := 0; i < 3; i++ {
		result, err := pipeline.Dispatch(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, dispatch.Acknowledged, result.Outcome)
	}

	assert.Len(t, projections.processed(), 1)
}

func TestPipeline_UndecodableMessagesAreDeadLettered(t *testing.T) {
	b := broker.NewInMemory()
	handler := newRecorder()

	pipeline := newPipeline(t, b, []dispatch.Target{{Name: dispatch.EventHandler, Processor: handler}})

	msg := broker.Message{Topic: eventsTopic, Key: "k", Data: []byte("garbage")}

	result, err := pipeline.Dispatch(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, dispatch.DeadLettered, result.Outcome)
	assert.Empty(t, handler.processed())

	deadLetters := b.Published(deadLetterTopic)
	require.Len(t, deadLetters, 1)
	assert.Equal(t, dispatch.DecodeFailure, deadLetters[0].Headers[dispatch.HeaderDeadLetterHandlers])
	assert.Equal(t, []byte("garbage"), deadLetters[0].Data)
}

func TestPipeline_FailedDeadLetterIsReported(t *testing.T) {
	pipeline := newPipeline(t, failingPublisher{}, []dispatch.Target{
		{Name: dispatch.SagaManager, Processor: hanging{}},
	})

	_, err := pipeline.Dispatch(context.Background(), encode(t, "order-1", 1))
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	_, err := dispatch.New(codec, broker.NewInMemory(), deadLetterTopic, nil)
	assert.Error(t, err)

	_, err = dispatch.New(codec, broker.NewInMemory(), deadLetterTopic, []dispatch.Target{
		{Name: "a", Processor: newRecorder()},
		{Name: "a", Processor: newRecorder()},
	})
	assert.Error(t, err)
}

func TestPipeline_Run(t *testing.T) {
	b := broker.NewInMemory()
	projections := newRecorder()

	pipeline := newPipeline(t, b, []dispatch.Target{
		{Name: dispatch.ProjectionManager, Processor: projections},
	}, dispatch.WithWorkers(4))

	const aggregates, versions = 5, 4

	for v := version.Version(1); v <= versions; v++ {
		for a := 0; a < aggregates; a++ {
			require.NoError(t, b.Publish(context.Background(), encode(t, string(rune('a'+a)), v)))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- pipeline.Run(ctx, b.Consumer(eventsTopic)) }()

	assert.Eventually(t, func() bool {
		return b.Acked(eventsTopic) == aggregates*versions
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	// Per-aggregate order is preserved, so the idempotency guard never skips.
	assert.Len(t, projections.processed(), aggregates*versions)

	last := make(map[event.StreamID]version.Version)
	for _, evt := range projections.processed() {
		assert.Equal(t, last[evt.StreamID]+1, evt.Version)
		last[evt.StreamID] = evt.Version
	}
}
