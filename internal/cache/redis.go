package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coworkhub/chatsync/internal/chat"
)

const (
	// KeyPrefix is the Redis key prefix for cache snapshots.
	KeyPrefix = "chatsync:cache:"

	// KeyTTL bounds how long Redis keeps a snapshot. It matches the freshness
	// window so Redis drops what the store would ignore anyway.
	KeyTTL = chat.CacheFreshness
)

// RedisCache stores the snapshot under one key per participant.
type RedisCache struct {
	client *redis.Client
	key    string
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(addr, participantID string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis connection failed: %w", err)
	}
	return NewRedisCacheFromClient(client, participantID), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client, participantID string) *RedisCache {
	return &RedisCache{client: client, key: KeyPrefix + participantID}
}

func (c *RedisCache) Load(ctx context.Context) (chat.Snapshot, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return chat.Snapshot{}, chat.ErrCacheMiss
	}
	if err != nil {
		return chat.Snapshot{}, fmt.Errorf("cache: redis get: %w", err)
	}
	return decode(data)
}

func (c *RedisCache) Save(ctx context.Context, snap chat.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.key, data, KeyTTL).Err(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

// Clear removes the participant's snapshot.
func (c *RedisCache) Clear(ctx context.Context) error {
	return c.client.Del(ctx, c.key).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
