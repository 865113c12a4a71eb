package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis: JSON records under per-user keys
// with a TTL, change and message fan-out over pub/sub.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis. ttl bounds how long a record survives
// without a heartbeat; it should exceed the presence timeout.
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Printf("[Presence] Connected to Redis at %s", addr)
	return &RedisStore{client: client, ttl: ttl}, nil
}

func userKey(canvasID, userID string) string {
	return "presence:" + canvasID + ":" + userID
}

func indexKey(canvasID string) string {
	return "presence:" + canvasID + ":members"
}

func updatesKey(canvasID string) string {
	return "presence:" + canvasID + ":updates"
}

func messagesKey(canvasID string) string {
	return "presence:" + canvasID + ":messages"
}

// Set overwrites the record with a fresh TTL and publishes the change.
func (s *RedisStore) Set(ctx context.Context, canvasID string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, userKey(canvasID, rec.UserID), data, s.ttl).Err(); err != nil {
		return err
	}
	// Membership index lets List avoid a SCAN. Same TTL as the records.
	s.client.SAdd(ctx, indexKey(canvasID), rec.UserID)
	s.client.Expire(ctx, indexKey(canvasID), s.ttl)

	event, err := json.Marshal(Event{Type: EventSet, Record: rec})
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, updatesKey(canvasID), event).Err()
}

// Remove deletes the record and publishes the departure.
func (s *RedisStore) Remove(ctx context.Context, canvasID, userID string) error {
	if err := s.client.Del(ctx, userKey(canvasID, userID)).Err(); err != nil {
		return err
	}
	s.client.SRem(ctx, indexKey(canvasID), userID)

	event, err := json.Marshal(Event{Type: EventRemove, Record: Record{UserID: userID}})
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, updatesKey(canvasID), event).Err()
}

// List fetches every live record for the canvas with one MGET.
func (s *RedisStore) List(ctx context.Context, canvasID string) ([]Record, error) {
	userIDs, err := s.client.SMembers(ctx, indexKey(canvasID)).Result()
	if err != nil {
		return nil, err
	}
	if len(userIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = userKey(canvasID, id)
	}
	results, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(results))
	for _, result := range results {
		if result == nil {
			continue // expired
		}
		strVal, ok := result.(string)
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(strVal), &rec); err == nil {
			records = append(records, rec)
		}
	}
	return records, nil
}

// SubscribeChildren reads the canvas update feed on a goroutine.
func (s *RedisStore) SubscribeChildren(ctx context.Context, canvasID string, fn func(Event)) (Unsubscribe, error) {
	return s.subscribe(ctx, updatesKey(canvasID), func(payload string) {
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			log.Printf("[Presence] Dropping undecodable event on %s: %v", canvasID, err)
			return
		}
		fn(ev)
	})
}

// PublishMessage fans one ephemeral chat message out.
func (s *RedisStore) PublishMessage(ctx context.Context, canvasID string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, messagesKey(canvasID), data).Err()
}

// SubscribeMessages reads the canvas chat feed on a goroutine.
func (s *RedisStore) SubscribeMessages(ctx context.Context, canvasID string, fn func(Message)) (Unsubscribe, error) {
	return s.subscribe(ctx, messagesKey(canvasID), func(payload string) {
		var msg Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			log.Printf("[Presence] Dropping undecodable message on %s: %v", canvasID, err)
			return
		}
		fn(msg)
	})
}

func (s *RedisStore) subscribe(ctx context.Context, chName string, fn func(payload string)) (Unsubscribe, error) {
	pubsub := s.client.Subscribe(ctx, chName)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", chName, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			fn(msg.Payload)
		}
	}()

	return func() {
		pubsub.Close()
		<-done
	}, nil
}

// Close releases the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
