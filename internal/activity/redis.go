package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/get-eventually/eventpipe/logger"
)

// Defaults of the Redis options.
const (
	DefaultChannel   = "activity"
	DefaultDedupeTTL = 24 * time.Hour
)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithFeedLength sets how many entries are kept per account.
func WithFeedLength(n int64) RedisOption {
	return func(s *RedisStore) { s.feedLength = n }
}

// WithDedupeTTL sets how long processed Domain Event ids are remembered.
func WithDedupeTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.dedupeTTL = ttl }
}

// WithRedisLogger sets the RedisStore logger.
func WithRedisLogger(l logger.Logger) RedisOption {
	return func(s *RedisStore) { s.logger = l }
}

var _ Store = new(RedisStore)

// RedisStore keeps a capped feed per account in a Redis list.
//
// Redis has no transactions spanning the dedupe key and the feed, so a
// Domain Event id is claimed with SETNX first, and released if updating
// the feed fails, letting the dispatch retry it.
type RedisStore struct {
	client     redis.UniversalClient
	feedLength int64
	dedupeTTL  time.Duration
	logger     logger.Logger
}

// NewRedisStore returns a RedisStore using the client.
func NewRedisStore(client redis.UniversalClient, options ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:     client,
		feedLength: DefaultFeedLength,
		dedupeTTL:  DefaultDedupeTTL,
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

func feedKey(accountID string) string { return "activity:feed:" + accountID }

func seenKey(entry Entry) string { return "activity:seen:" + entry.EventID }

// Add implements the activity.Store interface.
func (s *RedisStore) Add(ctx context.Context, entry Entry) (bool, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("activity.RedisStore: failed to encode entry, %w", err)
	}

	claimed, err := s.client.SetNX(ctx, seenKey(entry), 1, s.dedupeTTL).Result()
	if err != nil {
		return false, fmt.Errorf("activity.RedisStore: failed to claim event, %w", err)
	}

	if !claimed {
		return false, nil
	}

	key := feedKey(entry.AccountID)

	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, s.feedLength-1)

		return nil
	}); err != nil {
		if delErr := s.client.Del(context.WithoutCancel(ctx), seenKey(entry)).Err(); delErr != nil {
			logger.Error(s.logger, "Failed to release event claim",
				logger.With("event.id", entry.EventID),
				logger.With("error", delErr),
			)
		}

		return false, fmt.Errorf("activity.RedisStore: failed to update feed, %w", err)
	}

	return true, nil
}

// Latest implements the activity.Store interface.
func (s *RedisStore) Latest(ctx context.Context, accountID string, limit int64) ([]Entry, error) {
	if limit > s.feedLength {
		limit = s.feedLength
	}

	items, err := s.client.LRange(ctx, feedKey(accountID), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("activity.RedisStore: failed to read feed, %w", err)
	}

	entries := make([]Entry, 0, len(items))

	for _, item := range items {
		var entry Entry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("activity.RedisStore: failed to decode feed entry, %w", err)
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

var _ Notifier = RedisNotifier{}

// RedisNotifier publishes new entries as JSON on a Redis channel,
// DefaultChannel if none is set.
type RedisNotifier struct {
	Client  redis.UniversalClient
	Channel string
}

// Notify implements the activity.Notifier interface.
func (n RedisNotifier) Notify(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("activity.RedisNotifier: failed to encode entry, %w", err)
	}

	channel := n.Channel
	if channel == "" {
		channel = DefaultChannel
	}

	if err := n.Client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("activity.RedisNotifier: failed to publish entry, %w", err)
	}

	return nil
}
