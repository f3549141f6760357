// Package session provides a Redis-backed hot cache for connection
// sessions. Postgres stays the source of truth for the roster; the cache
// only short-circuits the per-command connection lookup.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry holds the cached session for one connection
type Entry struct {
	UserID         string    `json:"user_id"`
	PresentationID string    `json:"presentation_id"`
	Nickname       string    `json:"nickname"`
	Role           int       `json:"role"`
	JoinedAt       time.Time `json:"joined_at"`
}

// RedisCache maps connection ids to session entries with a TTL
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a new Redis-backed session cache
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisCache{client: client, prefix: "conn:", ttl: ttl}, nil
}

// NewRedisCacheWithClient creates a cache from an existing Redis client
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: "conn:", ttl: ttl}
}

func (c *RedisCache) key(connectionID string) string {
	return c.prefix + connectionID
}

// Save stores the session entry for a connection
func (c *RedisCache) Save(ctx context.Context, connectionID string, entry Entry) error {
	jsonData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal session entry: %w", err)
	}
	if err := c.client.Set(ctx, c.key(connectionID), jsonData, c.ttl).Err(); err != nil {
		return fmt.Errorf("save session entry: %w", err)
	}
	return nil
}

// Lookup retrieves the session entry for a connection. The second return is
// false when the connection is not cached.
func (c *RedisCache) Lookup(ctx context.Context, connectionID string) (Entry, bool, error) {
	jsonData, err := c.client.Get(ctx, c.key(connectionID)).Result()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup session entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(jsonData), &entry); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal session entry: %w", err)
	}
	return entry, true, nil
}

// Touch extends the entry's TTL; unknown connections are a no-op
func (c *RedisCache) Touch(ctx context.Context, connectionID string) error {
	if err := c.client.Expire(ctx, c.key(connectionID), c.ttl).Err(); err != nil {
		return fmt.Errorf("touch session entry: %w", err)
	}
	return nil
}

// Delete drops the entry for a connection
func (c *RedisCache) Delete(ctx context.Context, connectionID string) error {
	if err := c.client.Del(ctx, c.key(connectionID)).Err(); err != nil {
		return fmt.Errorf("delete session entry: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
