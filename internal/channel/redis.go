package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const opLogTTL = 24 * time.Hour

// RedisChannel implements Channel on Redis: RPUSH onto a per-canvas list for
// durability, PUBLISH on a per-canvas feed for push delivery.
type RedisChannel struct {
	client *redis.Client
}

// NewRedisChannel connects and pings the Redis backing the operation log.
func NewRedisChannel(addr, password string, db int) (*RedisChannel, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Printf("[Channel] Connected to Redis at %s", addr)
	return &RedisChannel{client: client}, nil
}

func opLogKey(canvasID string) string {
	return "canvas:" + canvasID + ":ops"
}

func opFeedKey(canvasID string) string {
	return "canvas:" + canvasID + ":ops:feed"
}

// Append pushes the record onto the canvas log, then publishes it to live
// subscribers. The list write comes first so a subscriber that replays after
// missing the publish still sees the record.
func (c *RedisChannel) Append(ctx context.Context, canvasID string, rec Record) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}

	if err := c.client.RPush(ctx, opLogKey(canvasID), data).Err(); err != nil {
		return "", fmt.Errorf("append to op log: %w", err)
	}
	c.client.Expire(ctx, opLogKey(canvasID), opLogTTL)

	if err := c.client.Publish(ctx, opFeedKey(canvasID), data).Err(); err != nil {
		return "", fmt.Errorf("publish op: %w", err)
	}

	return uuid.NewString(), nil
}

// Subscribe reads the canvas feed on a goroutine until unsubscribed.
func (c *RedisChannel) Subscribe(ctx context.Context, canvasID string, fn func(Record)) (Unsubscribe, error) {
	pubsub := c.client.Subscribe(ctx, opFeedKey(canvasID))

	// Force the subscription onto the wire before returning, so no record
	// appended after Subscribe resolves can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to op feed: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			var rec Record
			if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
				log.Printf("[Channel] Dropping undecodable record on %s: %v", canvasID, err)
				continue
			}
			fn(rec)
		}
	}()

	return func() {
		pubsub.Close()
		<-done
	}, nil
}

// Replay walks the durable log oldest-first.
func (c *RedisChannel) Replay(ctx context.Context, canvasID string, fn func(Record)) error {
	entries, err := c.client.LRange(ctx, opLogKey(canvasID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read op log: %w", err)
	}
	for _, entry := range entries {
		var rec Record
		if err := json.Unmarshal([]byte(entry), &rec); err != nil {
			log.Printf("[Channel] Skipping undecodable log entry on %s: %v", canvasID, err)
			continue
		}
		fn(rec)
	}
	return nil
}

// Client exposes the underlying Redis client for health checks.
func (c *RedisChannel) Client() *redis.Client {
	return c.client
}

// Close releases the underlying Redis client.
func (c *RedisChannel) Close() error {
	return c.client.Close()
}
