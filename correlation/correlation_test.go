package correlation_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/eventpipe/correlation"
	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/internal"
	"github.com/get-eventually/eventpipe/message"
	"github.com/get-eventually/eventpipe/version"
)

func TestAppender(t *testing.T) {
	store := event.NewInMemoryStore()
	appender := correlation.Appender{
		Appender:  store,
		Generator: func() string { return "generated" },
	}

	t.Run("generates a correlation id when missing", func(t *testing.T) {
		persisted, err := appender.Append(context.Background(), event.Uncommitted{
			StreamID: "a",
			Version:  1,
			Envelope: event.ToEnvelope(&internal.Created{Value: 1}),
		})
		require.NoError(t, err)

		assert.Equal(t, message.Metadata{
			correlation.CorrelationIDKey: "generated",
			correlation.CausationIDKey:   "generated",
		}, persisted[0].Metadata)
	})

	t.Run("uses the ids in the context", func(t *testing.T) {
		ctx := correlation.WithCorrelationID(context.Background(), "request-1")
		ctx = correlation.WithCausationID(ctx, "event-9")
		ctx = correlation.WithActor(ctx, "cardholder-7")

		persisted, err := appender.Append(ctx, event.Uncommitted{
			StreamID: "b",
			Version:  1,
			Envelope: event.Envelope{
				Message:  &internal.Created{Value: 1},
				Metadata: message.Metadata{"Source": "test"},
			},
		})
		require.NoError(t, err)

		assert.Equal(t, message.Metadata{
			"Source":                     "test",
			correlation.CorrelationIDKey: "request-1",
			correlation.CausationIDKey:   "event-9",
			correlation.ActorKey:         "cardholder-7",
		}, persisted[0].Metadata)
	})
}

func TestProcessor(t *testing.T) {
	evt := event.Persisted{
		ID:       uuid.New(),
		StreamID: "a",
		Version:  version.Version(1),
		Envelope: event.Envelope{
			Message:  &internal.Created{Value: 1},
			Metadata: message.Metadata{correlation.CorrelationIDKey: "request-1"},
		},
	}

	var seen message.Metadata

	processor := correlation.Processor{
		Processor: event.ProcessorFunc(func(ctx context.Context, _ event.Persisted) error {
			seen = correlation.Metadata(ctx)
			return nil
		}),
	}

	require.NoError(t, processor.Process(context.Background(), evt))
	assert.Equal(t, message.Metadata{
		correlation.CorrelationIDKey: "request-1",
		correlation.CausationIDKey:   evt.ID.String(),
	}, seen)
}
