package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/chirino/openmemory-service/internal/config"
	registrycache "github.com/chirino/openmemory-service/internal/registry/cache"
	"github.com/chirino/openmemory-service/internal/security"
)

const defaultTTL = time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.Cache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: OPENMEMORY_REDIS_URL is required")
	}
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	ttl := cfg.RuleCacheTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisCache{client: client, ttl: ttl}, nil
}

type redisCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		if security.CacheMissesTotal != nil {
			security.CacheMissesTotal.Inc()
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if security.CacheHitsTotal != nil {
		security.CacheHitsTotal.Inc()
	}
	return data, true, nil
}

func (c *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

var _ registrycache.Cache = (*redisCache)(nil)
