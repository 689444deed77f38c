package readmodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/logger"
	"github.com/get-eventually/eventpipe/version"
)

// DefaultCacheTTL is the expiration of cached rows.
const DefaultCacheTTL = 10 * time.Minute

// CacheOption configures a Cached store.
type CacheOption func(*cacheConfig)

type cacheConfig struct {
	ttl    time.Duration
	logger logger.Logger
}

// WithTTL sets the expiration of cached rows.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *cacheConfig) { c.ttl = ttl }
}

// WithLogger sets the logger used to report cache failures.
func WithLogger(l logger.Logger) CacheOption {
	return func(c *cacheConfig) { c.logger = l }
}

// Row is a read model row that knows the Version of the last Domain Event
// folded into it.
type Row interface {
	Watermark() version.Version
}

// fillScript caches a row read from the decorated Store, unless a newer
// Domain Event was projected since.
var fillScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], 'v'))
if current and current > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'row', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// evictScript replaces a cached row older than the projected Domain Event
// with an empty row carrying its Version.
var evictScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], 'v'))
if current and current >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'row', '')
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

var _ Store[AccountBalance] = new(Cached[AccountBalance])

// Cached is a Store decorator caching rows in Redis.
//
// Reads go to Redis first, then to the decorated Store on a miss. Cache
// entries carry the watermark of their row: projecting a Domain Event
// leaves an empty entry with its Version, and a row read from the Store
// is only cached if no newer Domain Event was projected meanwhile.
//
// Read failures on Redis are logged and fall back to the Store. Eviction
// failures fail the projection, so that the dispatch retries it.
type Cached[T Row] struct {
	Store[T]

	client redis.UniversalClient
	config cacheConfig
}

// NewCached returns a Cached decorator of the Store.
func NewCached[T Row](store Store[T], client redis.UniversalClient, options ...CacheOption) *Cached[T] {
	config := cacheConfig{ttl: DefaultCacheTTL}

	for _, opt := range options {
		opt(&config)
	}

	if config.ttl <= 0 {
		config.ttl = DefaultCacheTTL
	}

	return &Cached[T]{Store: store, client: client, config: config}
}

func (c *Cached[T]) prefix() string {
	return "readmodel:" + c.Name() + ":"
}

func (c *Cached[T]) key(id string) string {
	return c.prefix() + id
}

// Get implements the readmodel.Reader interface.
func (c *Cached[T]) Get(ctx context.Context, id string) (T, error) {
	var value T

	data, err := c.client.HGet(ctx, c.key(id), "row").Result()

	switch {
	case err == nil && data != "":
		if err := json.Unmarshal([]byte(data), &value); err == nil {
			return value, nil
		}

		logger.Error(c.config.logger, "Discarding undecodable cache entry",
			logger.With("key", c.key(id)),
		)
	case err != nil && !errors.Is(err, redis.Nil):
		logger.Error(c.config.logger, "Read model cache unavailable",
			logger.With("key", c.key(id)),
			logger.With("error", err),
		)
	}

	value, err = c.Store.Get(ctx, id)
	if err != nil {
		return value, err
	}

	if data, err := json.Marshal(value); err == nil {
		err := fillScript.Run(ctx, c.client, []string{c.key(id)},
			uint64(value.Watermark()), data, c.config.ttl.Milliseconds(),
		).Err()
		if err != nil {
			logger.Error(c.config.logger, "Failed to store read model cache entry",
				logger.With("key", c.key(id)),
				logger.With("error", err),
			)
		}
	}

	return value, nil
}

// Project implements the projection.Projection interface.
func (c *Cached[T]) Project(ctx context.Context, evt event.Persisted) error {
	if err := c.Store.Project(ctx, evt); err != nil {
		return err
	}

	key := c.key(string(evt.StreamID))

	err := evictScript.Run(ctx, c.client, []string{key},
		uint64(evt.Version), c.config.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("readmodel.Cached: failed to evict %s, %w", key, err)
	}

	return nil
}

// Reset implements the projection.Projection interface.
func (c *Cached[T]) Reset(ctx context.Context) error {
	if err := c.Store.Reset(ctx); err != nil {
		return err
	}

	return c.evictAll(ctx)
}

func (c *Cached[T]) evictAll(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix()+"*", 100).Iterator()

	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("readmodel.Cached: failed to delete %s, %w", iter.Val(), err)
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("readmodel.Cached: failed to scan keys, %w", err)
	}

	return nil
}
