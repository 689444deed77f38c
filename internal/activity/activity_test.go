package activity_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/internal/activity"
	"github.com/get-eventually/eventpipe/internal/offers"
	"github.com/get-eventually/eventpipe/internal/pgtest"
	"github.com/get-eventually/eventpipe/version"
)

func persisted(v version.Version, evt event.Event) event.Persisted {
	return event.Persisted{
		ID:            uuid.New(),
		StreamID:      "acc-1",
		AggregateType: offers.AccountType.Name,
		Version:       v,
		RecordedAt:    time.Date(2026, 1, 1, 12, 0, int(v), 0, time.UTC),
		Envelope:      event.ToEnvelope(evt),
	}
}

func TestHandler(t *testing.T) {
	ctx := context.Background()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})

	defer client.Close()

	handler := activity.NewHandler(
		activity.NewRedisStore(client, activity.WithFeedLength(2)),
		activity.WithNotifier(activity.RedisNotifier{Client: client}),
	)

	pubsub := client.Subscribe(ctx, activity.DefaultChannel)
	defer pubsub.Close()

	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	notifications := pubsub.Channel()

	credited := persisted(2, &offers.PointsCredited{AccountID: "acc-1", Amount: 100})

	require.NoError(t, handler.Process(ctx, persisted(1, &offers.LoyaltyAccountOpened{AccountID: "acc-1", Owner: "member-1"})))
	require.NoError(t, handler.Process(ctx, credited))

	t.Run("redelivered events are skipped", func(t *testing.T) {
		require.NoError(t, handler.Process(ctx, credited))
	})

	t.Run("order events are not part of the feed", func(t *testing.T) {
		require.NoError(t, handler.Process(ctx, event.Persisted{
			ID:       uuid.New(),
			StreamID: "ord-1",
			Version:  1,
			Envelope: event.ToEnvelope(&offers.OrderConfirmed{OrderID: "ord-1"}),
		}))
	})

	require.NoError(t, handler.Process(ctx, persisted(3, &offers.PointsDebited{AccountID: "acc-1", OrderID: "ord-1", Amount: 40})))

	feed, err := handler.Feed(ctx, "acc-1", 10)
	require.NoError(t, err)
	require.Len(t, feed, 2, "feed is trimmed to its length")

	assert.Equal(t, "PointsDebited", feed[0].Kind)
	assert.Equal(t, "ord-1", feed[0].OrderID)
	assert.Equal(t, int64(40), feed[0].Points)
	assert.Equal(t, "PointsCredited", feed[1].Kind)
	assert.Equal(t, credited.ID.String(), feed[1].EventID)

	var kinds []string

	for i := 0; i < 3; i++ {
		select {
		case msg := <-notifications:
			var entry activity.Entry
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &entry))
			kinds = append(kinds, entry.Kind)
		case <-time.After(time.Second):
			t.Fatal("notification not received")
		}
	}

	assert.Equal(t, []string{"LoyaltyAccountOpened", "PointsCredited", "PointsDebited"}, kinds)
}

func TestHandler_RedisUnavailable(t *testing.T) {
	ctx := context.Background()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})

	defer client.Close()

	handler := activity.NewHandler(activity.NewRedisStore(client))
	evt := persisted(1, &offers.LoyaltyAccountOpened{AccountID: "acc-1", Owner: "member-1"})

	// Open the pooled connection before failing commands.
	require.NoError(t, client.Ping(ctx).Err())

	server.SetError("LOADING")
	assert.Error(t, handler.Process(ctx, evt))

	server.SetError("")
	require.NoError(t, handler.Process(ctx, evt))

	feed, err := handler.Feed(ctx, "acc-1", 0)
	require.NoError(t, err)
	assert.Len(t, feed, 1)
}

func TestHandler_Postgres(t *testing.T) {
	ctx := context.Background()
	db := pgtest.Start(t)
	handler := activity.NewHandler(activity.PostgresStore{Pool: db.Pool})

	opened := persisted(1, &offers.LoyaltyAccountOpened{AccountID: "acc-1", Owner: "member-1"})
	debited := persisted(2, &offers.PointsDebited{AccountID: "acc-1", OrderID: "ord-1", Amount: 40})

	require.NoError(t, handler.Process(ctx, opened))
	require.NoError(t, handler.Process(ctx, debited))
	require.NoError(t, handler.Process(ctx, debited))

	feed, err := handler.Feed(ctx, "acc-1", 0)
	require.NoError(t, err)

	assert.Equal(t, []activity.Entry{
		{
			EventID:   debited.ID.String(),
			AccountID: "acc-1",
			Kind:      "PointsDebited",
			Points:    40,
			OrderID:   "ord-1",
			At:        debited.RecordedAt,
		},
		{
			EventID:   opened.ID.String(),
			AccountID: "acc-1",
			Kind:      "LoyaltyAccountOpened",
			At:        opened.RecordedAt,
		},
	}, feed)

	feed, err = handler.Feed(ctx, "acc-2", 10)
	require.NoError(t, err)
	assert.Empty(t, feed)
}
