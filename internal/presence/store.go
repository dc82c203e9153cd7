package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store is the low-latency backend a presence channel reads and writes
// through. RedisStore is the production implementation.
type Store interface {
	// WriteFields merges fields into the hash at key and refreshes its TTL.
	WriteFields(ctx context.Context, key string, fields map[string]interface{}, ttl time.Duration) error
	// SetField writes a single hash field without touching the TTL.
	SetField(ctx context.Context, key, field, value string) error
	// RemoveFields deletes the named hash fields, if present.
	RemoveFields(ctx context.Context, key string, fields ...string) error
	// LoadMatching returns every non-empty hash whose key matches pattern.
	LoadMatching(ctx context.Context, pattern string) (map[string]map[string]string, error)
	// Publish broadcasts a change notification on the named channel.
	Publish(ctx context.Context, channel, message string) error
	// Subscribe invokes onMessage for every notification on the named
	// channel. The returned function cancels the subscription.
	Subscribe(ctx context.Context, channel string, onMessage func()) func()
}

// RedisStore implements Store over Redis hashes and pub/sub.
type RedisStore struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRedisStore wraps a Redis client as a presence Store.
func NewRedisStore(client redis.UniversalClient, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, logger: logger}
}

// WriteFields merges fields into the hash at key and refreshes its TTL.
func (s *RedisStore) WriteFields(ctx context.Context, key string, fields map[string]interface{}, ttl time.Duration) error {
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("presence: write hash: %w", err)
	}
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("presence: refresh ttl: %w", err)
	}
	return nil
}

// SetField writes a single hash field without touching the TTL.
func (s *RedisStore) SetField(ctx context.Context, key, field, value string) error {
	return s.client.HSet(ctx, key, field, value).Err()
}

// RemoveFields deletes the named hash fields.
func (s *RedisStore) RemoveFields(ctx context.Context, key string, fields ...string) error {
	return s.client.HDel(ctx, key, fields...).Err()
}

// LoadMatching scans for keys matching pattern and reads each hash.
func (s *RedisStore) LoadMatching(ctx context.Context, pattern string) (map[string]map[string]string, error) {
	hashes := make(map[string]map[string]string)

	iter := s.client.Scan(ctx, 0, pattern, 64).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			// Key expired between SCAN and HGETALL.
			continue
		}
		hashes[key] = fields
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return hashes, nil
}

// Publish broadcasts a change notification.
func (s *RedisStore) Publish(ctx context.Context, channel, message string) error {
	return s.client.Publish(ctx, channel, message).Err()
}

// Subscribe invokes onMessage for every notification on the channel.
func (s *RedisStore) Subscribe(ctx context.Context, channel string, onMessage func()) func() {
	subscription := s.client.Subscribe(ctx, channel)

	go func() {
		for range subscription.Channel() {
			onMessage()
		}
	}()

	return func() {
		if err := subscription.Close(); err != nil {
			s.logger.Warn("presence unsubscribe failed",
				zap.String("channel", channel), zap.Error(err))
		}
	}
}
