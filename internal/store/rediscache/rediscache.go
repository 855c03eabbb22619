// Package rediscache implements store.Cache on Redis.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/KafClaw/MarketClaw/internal/store"
)

var _ store.Cache = (*Cache)(nil)

type Config struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	DefaultTTL time.Duration
	Prefix     string
}

// Cache stores entries as plain Redis strings with native expiry.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// New connects and pings the server.
func New(cfg Config) (*Cache, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "marketclaw"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &Cache{client: client, ttl: cfg.DefaultTTL, prefix: cfg.Prefix}, nil
}

// cache:{agent_id}:{key}
func (c *Cache) key(agentID, key string) string {
	return fmt.Sprintf("%s:cache:%s:%s", c.prefix, agentID, key)
}

func (c *Cache) Get(ctx context.Context, agentID, key string) ([]byte, bool, error) {
	v, err := c.client.Get(ctx, c.key(agentID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return v, true, nil
}

// Set stores value. A non-positive ttl falls back to the default TTL,
// and to no expiry when that is zero too.
func (c *Cache) Set(ctx context.Context, agentID, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	if err := c.client.Set(ctx, c.key(agentID, key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, agentID, key string) error {
	if err := c.client.Del(ctx, c.key(agentID, key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Purge is a no-op: Redis expires keys itself.
func (c *Cache) Purge(context.Context) (int64, error) {
	return 0, nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}
