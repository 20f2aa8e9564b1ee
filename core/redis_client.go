// Redis carries the agent's two stateful edges: kill events arrive on a
// stream in the feed database, and enrichment results are cached as plain
// keys in the cache database. One client serves one database; components
// that need both open two.

package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis database allocation shared with deployment tooling.
const (
	// RedisDBKillFeed holds the kill notification stream.
	RedisDBKillFeed = 0

	// RedisDBEnrichmentCache holds short-lived enrichment results.
	RedisDBEnrichmentCache = 1
)

// redisDialTimeout bounds the liveness probe performed at construction.
const redisDialTimeout = 5 * time.Second

// RedisClientOptions configures a RedisClient.
type RedisClientOptions struct {
	RedisURL  string // required, redis:// or rediss:// form
	DB        int    // database to select, 0-15; out-of-range values defer to the URL
	Namespace string // prefix for key-value keys; empty disables prefixing
	Logger    Logger
}

// RedisClient wraps one go-redis connection pool pinned to a single
// database. Key-value operations prefix keys with the configured
// namespace. Stream operations use names verbatim: a stream name is an
// inter-agent contract owned by the publisher, and the feed must be read
// exactly as published.
type RedisClient struct {
	client    *redis.Client
	addr      string
	db        int
	namespace string
	log       Logger
}

// NewRedisClient opens a connection pool and verifies liveness with a
// ping before handing the client out.
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	log := opts.Logger
	if log == nil {
		log = &NoOpLogger{}
	}

	if opts.RedisURL == "" {
		return nil, fmt.Errorf("no redis URL configured: %w", ErrMissingConfiguration)
	}

	cfg, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		// The URL may carry credentials, so the error does not echo it.
		return nil, fmt.Errorf("unparseable redis URL: %v: %w", err, ErrInvalidConfiguration)
	}
	if opts.DB >= 0 && opts.DB <= 15 {
		cfg.DB = opts.DB
	}

	client := redis.NewClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		log.Error("Redis unreachable", map[string]interface{}{
			"addr":  cfg.Addr,
			"db":    cfg.DB,
			"error": err,
		})
		return nil, fmt.Errorf("redis ping %s db %d: %v: %w", cfg.Addr, cfg.DB, err, ErrConnectionFailed)
	}

	log.Debug("Redis connection established", map[string]interface{}{
		"addr":      cfg.Addr,
		"db":        cfg.DB,
		"namespace": opts.Namespace,
	})

	return &RedisClient{
		client:    client,
		addr:      cfg.Addr,
		db:        cfg.DB,
		namespace: opts.Namespace,
		log:       log,
	}, nil
}

// Close releases the connection pool.
func (c *RedisClient) Close() error {
	c.log.Debug("Closing Redis connection", map[string]interface{}{
		"addr": c.addr,
		"db":   c.db,
	})
	return c.client.Close()
}

// scoped applies the namespace prefix to a key-value key.
func (c *RedisClient) scoped(key string) string {
	if c.namespace == "" {
		return key
	}
	return c.namespace + ":" + key
}

// --- Key-value operations (enrichment cache) ---

// Get returns the value at key, or redis.Nil when absent.
func (c *RedisClient) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, c.scoped(key)).Result()
}

// Set stores value at key. A zero ttl persists the key.
func (c *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.client.Set(ctx, c.scoped(key), value, ttl).Err()
}

// Del removes the given keys.
func (c *RedisClient) Del(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.scoped(k)
	}
	return c.client.Del(ctx, prefixed...).Err()
}

// TTL reports the remaining lifetime of key.
func (c *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.client.TTL(ctx, c.scoped(key)).Result()
}

// --- Stream operations (kill event feed) ---

// XGroupCreateMkStream creates a consumer group, creating the stream if
// it does not exist yet. Callers must tolerate BUSYGROUP replies when the
// group already exists.
func (c *RedisClient) XGroupCreateMkStream(ctx context.Context, stream, group, start string) error {
	return c.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
}

// XReadGroup reads pending entries for a consumer group.
func (c *RedisClient) XReadGroup(ctx context.Context, args *redis.XReadGroupArgs) ([]redis.XStream, error) {
	return c.client.XReadGroup(ctx, args).Result()
}

// XAck acknowledges messages in a consumer group.
func (c *RedisClient) XAck(ctx context.Context, stream, group string, ids ...string) error {
	return c.client.XAck(ctx, stream, group, ids...).Err()
}

// XAutoClaim transfers ownership of idle pending entries to this consumer.
func (c *RedisClient) XAutoClaim(ctx context.Context, args *redis.XAutoClaimArgs) ([]redis.XMessage, string, error) {
	return c.client.XAutoClaim(ctx, args).Result()
}

// XAdd appends an entry to a stream.
func (c *RedisClient) XAdd(ctx context.Context, args *redis.XAddArgs) (string, error) {
	return c.client.XAdd(ctx, args).Result()
}

// XLen returns the length of a stream.
func (c *RedisClient) XLen(ctx context.Context, stream string) (int64, error) {
	return c.client.XLen(ctx, stream).Result()
}

// XPending returns the summary of pending entries for a consumer group.
func (c *RedisClient) XPending(ctx context.Context, stream, group string) (*redis.XPending, error) {
	return c.client.XPending(ctx, stream, group).Result()
}

// HealthCheck pings the server. Failures are logged with trace
// correlation when the logger supports it.
func (c *RedisClient) HealthCheck(ctx context.Context) error {
	err := c.client.Ping(ctx).Err()
	if err == nil {
		return nil
	}
	fields := map[string]interface{}{
		"addr":  c.addr,
		"db":    c.db,
		"error": err,
	}
	if cl, ok := c.log.(ContextAwareLogger); ok {
		cl.ErrorWithContext(ctx, "Redis ping failed", fields)
	} else {
		c.log.Error("Redis ping failed", fields)
	}
	return err
}
