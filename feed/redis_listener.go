// Package feed delivers kill events from the upstream killer into the
// decision pipeline. The Redis Streams listener is the production
// source; the mock listener backs tests and local development.
//
// Delivery is at-least-once: events stay pending in the consumer group
// until the pipeline acknowledges them, and entries stranded by a
// crashed consumer are reclaimed on the next startup. Malformed or
// structurally invalid payloads are acknowledged immediately so they
// cannot wedge the group (poison-pill policy).
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/sentinelops/medic/core"
	"github.com/sentinelops/medic/telemetry"
)

// RedisStreamListener consumes kill events from a Redis stream through
// a consumer group. Each event is delivered to the handler exactly as
// decoded; acknowledgment is the pipeline's call, made through
// Acknowledge once the outcome is durable.
type RedisStreamListener struct {
	config   core.FeedConfig
	consumer string
	logger   core.Logger

	mu        sync.Mutex
	client    *core.RedisClient
	connected bool
	// pending maps kill IDs to their stream entry IDs between delivery
	// and acknowledgment.
	pending map[string]string
}

var _ core.KillEventListener = (*RedisStreamListener)(nil)

// NewRedisStreamListener creates a listener for config.Stream. Connect
// must be called before Listen.
func NewRedisStreamListener(config core.FeedConfig) *RedisStreamListener {
	if config.Stream == "" {
		config.Stream = "smith.events.kill_notifications"
	}
	if config.Group == "" {
		config.Group = "medic-agent"
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = 5 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 16
	}
	if config.ClaimMinIdle <= 0 {
		config.ClaimMinIdle = time.Minute
	}

	consumer := config.Consumer
	if consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "medic"
		}
		consumer = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	return &RedisStreamListener{
		config:   config,
		consumer: consumer,
		logger:   &core.NoOpLogger{},
		pending:  make(map[string]string),
	}
}

// SetLogger configures the logger for this listener.
func (l *RedisStreamListener) SetLogger(logger core.Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// Connect establishes the Redis connection and ensures the consumer
// group exists. An already existing group is fine.
func (l *RedisStreamListener) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connected {
		return nil
	}

	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  l.config.RedisURL,
		DB:        core.RedisDBKillFeed,
		Namespace: "medic",
		Logger:    l.logger,
	})
	if err != nil {
		return err
	}

	if err := client.XGroupCreateMkStream(ctx, l.config.Stream, l.config.Group, "0"); err != nil {
		if !strings.Contains(err.Error(), "BUSYGROUP") {
			client.Close()
			return &core.AgentError{
				Op:      "RedisStreamListener.Connect",
				Kind:    "feed",
				Message: fmt.Sprintf("creating consumer group %q on %q", l.config.Group, l.config.Stream),
				Err:     err,
			}
		}
	}

	l.client = client
	l.connected = true
	l.logger.Info("Kill event listener connected", map[string]interface{}{
		"stream":   l.config.Stream,
		"group":    l.config.Group,
		"consumer": l.consumer,
	})
	return nil
}

// Listen blocks, delivering decoded kill events to handler until ctx is
// canceled. Before reading new entries it reclaims messages another
// consumer left pending for longer than ClaimMinIdle.
func (l *RedisStreamListener) Listen(ctx context.Context, handler core.KillEventHandler) error {
	l.mu.Lock()
	client := l.client
	connected := l.connected
	l.mu.Unlock()
	if !connected {
		return &core.AgentError{
			Op:   "RedisStreamListener.Listen",
			Kind: "feed",
			Err:  core.ErrListenerNotConnected,
		}
	}

	l.claimStale(ctx, client, handler)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if p, err := client.XPending(ctx, l.config.Stream, l.config.Group); err == nil {
			telemetry.Gauge(telemetry.MetricFeedLag, float64(p.Count))
		}

		streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    l.config.Group,
			Consumer: l.consumer,
			Streams:  []string{l.config.Stream, ">"},
			Count:    int64(l.config.BatchSize),
			Block:    l.config.BlockTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err == redis.Nil {
				continue
			}
			l.logger.Error("Kill event read failed", map[string]interface{}{
				"stream": l.config.Stream,
				"error":  err.Error(),
			})
			if !sleepFor(ctx, time.Second) {
				return nil
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				l.dispatch(ctx, client, msg, handler)
			}
		}
	}
}

// claimStale transfers entries stranded in other consumers' pending
// lists to this consumer and runs them through the normal dispatch
// path. Called once per Listen before new reads start.
func (l *RedisStreamListener) claimStale(ctx context.Context, client *core.RedisClient, handler core.KillEventHandler) {
	start := "0-0"
	for {
		msgs, next, err := client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   l.config.Stream,
			Group:    l.config.Group,
			Consumer: l.consumer,
			MinIdle:  l.config.ClaimMinIdle,
			Start:    start,
			Count:    int64(l.config.BatchSize),
		})
		if err != nil {
			if err != redis.Nil && ctx.Err() == nil {
				l.logger.Warn("Claiming stale kill events failed", map[string]interface{}{
					"stream": l.config.Stream,
					"error":  err.Error(),
				})
			}
			return
		}
		if len(msgs) > 0 {
			l.logger.Info("Reclaimed stale kill events", map[string]interface{}{
				"stream": l.config.Stream,
				"count":  len(msgs),
			})
		}
		for _, msg := range msgs {
			l.dispatch(ctx, client, msg, handler)
		}
		if next == "" || next == "0-0" {
			return
		}
		start = next
	}
}

// dispatch decodes and validates one stream entry, then hands it to the
// pipeline. Undecodable or invalid entries are acknowledged on the spot:
// redelivering corrupt data would wedge the group, not fix the data.
func (l *RedisStreamListener) dispatch(ctx context.Context, client *core.RedisClient, msg redis.XMessage, handler core.KillEventHandler) {
	event, err := decodeKillEvent(msg.Values)
	errType := "malformed_payload"
	if err == nil {
		if err = event.Validate(); err != nil {
			errType = "validation_failed"
		}
	}
	if err != nil {
		telemetry.RecordError(telemetry.MetricKillEventsInvalid, errType)
		l.logger.Warn("Discarding malformed kill event", map[string]interface{}{
			"stream":     l.config.Stream,
			"message_id": msg.ID,
			"error":      err.Error(),
		})
		if ackErr := client.XAck(ctx, l.config.Stream, l.config.Group, msg.ID); ackErr != nil {
			l.logger.Error("Acking malformed kill event failed", map[string]interface{}{
				"message_id": msg.ID,
				"error":      ackErr.Error(),
			})
		}
		return
	}

	l.mu.Lock()
	l.pending[event.KillID] = msg.ID
	l.mu.Unlock()

	l.logger.Debug("Kill event received", map[string]interface{}{
		"kill_id":       event.KillID,
		"target_module": event.TargetModule,
		"message_id":    msg.ID,
	})

	if err := handler(ctx, event); err != nil {
		// Leave the entry pending; it will be reclaimed and retried.
		l.logger.Error("Kill event handler failed", map[string]interface{}{
			"kill_id": event.KillID,
			"error":   err.Error(),
		})
	}
}

// Acknowledge confirms one kill event upstream. Unknown or already
// acknowledged kill IDs are a no-op.
func (l *RedisStreamListener) Acknowledge(ctx context.Context, killID string) error {
	l.mu.Lock()
	client := l.client
	msgID, ok := l.pending[killID]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if client == nil {
		return &core.AgentError{
			Op:   "RedisStreamListener.Acknowledge",
			Kind: "feed",
			ID:   killID,
			Err:  core.ErrListenerNotConnected,
		}
	}

	if err := client.XAck(ctx, l.config.Stream, l.config.Group, msgID); err != nil {
		return &core.AgentError{
			Op:      "RedisStreamListener.Acknowledge",
			Kind:    "feed",
			ID:      killID,
			Message: fmt.Sprintf("acking stream entry %s", msgID),
			Err:     err,
		}
	}

	l.mu.Lock()
	delete(l.pending, killID)
	l.mu.Unlock()

	l.logger.Debug("Kill event acknowledged", map[string]interface{}{
		"kill_id":    killID,
		"message_id": msgID,
	})
	return nil
}

// HealthCheck reports whether the Redis connection is usable.
func (l *RedisStreamListener) HealthCheck(ctx context.Context) error {
	l.mu.Lock()
	client := l.client
	connected := l.connected
	l.mu.Unlock()
	if !connected || client == nil {
		return core.ErrListenerNotConnected
	}
	return client.HealthCheck(ctx)
}

// Close releases the Redis connection.
func (l *RedisStreamListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return nil
	}
	l.connected = false
	if l.client == nil {
		return nil
	}
	err := l.client.Close()
	l.client = nil
	return err
}

// decodeKillEvent turns one stream entry's field map into a KillEvent.
// The canonical producer writes the whole event as JSON under "payload";
// the fallback treats the field map itself as the document, re-parsing
// scalar values since Redis delivers every field as a string.
func decodeKillEvent(values map[string]interface{}) (*core.KillEvent, error) {
	if raw, ok := values["payload"].(string); ok && raw != "" {
		var event core.KillEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return nil, fmt.Errorf("decoding payload field: %w", err)
		}
		return &event, nil
	}

	doc := make(map[string]interface{}, len(values))
	for k, v := range values {
		s, ok := v.(string)
		if !ok {
			doc[k] = v
			continue
		}
		var parsed interface{}
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			switch parsed.(type) {
			case float64, bool, map[string]interface{}, []interface{}:
				doc[k] = parsed
				continue
			}
		}
		doc[k] = s
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var event core.KillEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("decoding field map: %w", err)
	}
	return &event, nil
}

// sleepFor waits for d, returning false if ctx ended first.
func sleepFor(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
