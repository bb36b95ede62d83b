package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/deepresearch/config"
)

// Cache is a redis-backed per-query retrieval cache with a TTL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache connects to redis and verifies the connection with a ping.
func NewCache(ctx context.Context, cfg config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pong, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	if pong != "PONG" {
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}, nil
}

// Close releases the client.
func (c *Cache) Close() error { return c.client.Close() }

func cacheKey(query string) string {
	sum := sha256.Sum256([]byte(query))
	return "retrieval:" + hex.EncodeToString(sum[:8])
}

// GetJSON loads a cached value into out. The second return is false on miss.
func (c *Cache) GetJSON(ctx context.Context, query string, out interface{}) (bool, error) {
	raw, err := c.client.Get(ctx, cacheKey(query)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("cache decode: %w", err)
	}
	return true, nil
}

// SetJSON stores a value under the query key with the configured TTL.
func (c *Cache) SetJSON(ctx context.Context, query string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(query), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}
