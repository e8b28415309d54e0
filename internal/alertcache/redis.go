package alertcache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hotspot-billing/hotspot-billing/pkg/models"
)

// RedisConfig holds connection settings for the shared cache
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisCache shares alert state between engine instances. Each key is a set
// of delivered levels.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisClient opens a client for cfg
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

// NewRedisCache wraps an existing client
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

// Ping checks connectivity
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// MarkIfNew implements Cache
func (c *RedisCache) MarkIfNew(ctx context.Context, key string, level models.AlertLevel, ttl time.Duration) (bool, error) {
	k := c.prefix + key

	var added *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.SAdd(ctx, k, string(level))
		pipe.Expire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis mark %s: %w", k, err)
	}
	return added.Val() == 1, nil
}

// Forget implements Cache
func (c *RedisCache) Forget(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis forget: %w", err)
	}
	return nil
}

// Close releases the client
func (c *RedisCache) Close() error {
	return c.client.Close()
}
