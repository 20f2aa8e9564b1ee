package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisClient(t *testing.T, namespace string) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(RedisClientOptions{
		RedisURL:  "redis://" + mr.Addr(),
		DB:        RedisDBKillFeed,
		Namespace: namespace,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestNewRedisClientValidation(t *testing.T) {
	_, err := NewRedisClient(RedisClientOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingConfiguration))

	_, err = NewRedisClient(RedisClientOptions{RedisURL: "not-a-url"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))
}

func TestNewRedisClientConnectFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisClient(RedisClientOptions{RedisURL: "redis://" + addr})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionFailed))
}

func TestRedisClientNamespacing(t *testing.T) {
	client, mr := newTestRedisClient(t, "medic")
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "enrichment:auth-service", `{"risk":0.2}`, time.Minute))

	// The raw key carries the namespace prefix.
	raw, err := mr.Get("medic:enrichment:auth-service")
	require.NoError(t, err)
	assert.Equal(t, `{"risk":0.2}`, raw)

	got, err := client.Get(ctx, "enrichment:auth-service")
	require.NoError(t, err)
	assert.Equal(t, `{"risk":0.2}`, got)

	ttl, err := client.TTL(ctx, "enrichment:auth-service")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, client.Del(ctx, "enrichment:auth-service"))
	_, err = client.Get(ctx, "enrichment:auth-service")
	assert.Equal(t, redis.Nil, err)
}

func TestRedisClientStreamKeysUnnamespaced(t *testing.T) {
	client, mr := newTestRedisClient(t, "medic")
	ctx := context.Background()

	// Stream names are an inter-agent contract; the publisher owns them,
	// so they must not pick up this client's namespace.
	_, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: "smith:kills",
		Values: map[string]interface{}{"payload": "{}"},
	})
	require.NoError(t, err)

	assert.True(t, mr.Exists("smith:kills"))
	assert.False(t, mr.Exists("medic:smith:kills"))

	n, err := client.XLen(ctx, "smith:kills")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisClientConsumerGroupFlow(t *testing.T) {
	client, _ := newTestRedisClient(t, "")
	ctx := context.Background()

	require.NoError(t, client.XGroupCreateMkStream(ctx, "smith:kills", "medic", "0"))

	_, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: "smith:kills",
		Values: map[string]interface{}{"payload": `{"kill_id":"k-1"}`},
	})
	require.NoError(t, err)

	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "medic",
		Consumer: "medic-test",
		Streams:  []string{"smith:kills", ">"},
		Count:    10,
		Block:    50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, streams, 1)
	require.Len(t, streams[0].Messages, 1)

	pending, err := client.XPending(ctx, "smith:kills", "medic")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)

	require.NoError(t, client.XAck(ctx, "smith:kills", "medic", streams[0].Messages[0].ID))

	pending, err = client.XPending(ctx, "smith:kills", "medic")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestRedisClientHealthCheck(t *testing.T) {
	client, mr := newTestRedisClient(t, "")
	ctx := context.Background()

	require.NoError(t, client.HealthCheck(ctx))

	mr.Close()
	assert.Error(t, client.HealthCheck(ctx))
}
