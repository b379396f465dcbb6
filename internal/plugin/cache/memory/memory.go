// Package memory provides an in-process cache backed by ristretto, for
// single-node deployments that want rule caching without Redis.
package memory

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	registrycache "github.com/chirino/openmemory-service/internal/registry/cache"
	"github.com/chirino/openmemory-service/internal/security"
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (registrycache.Cache, error) {
			inner, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
				NumCounters: 100_000,
				MaxCost:     32 << 20, // 32 MB
				BufferItems: 64,
			})
			if err != nil {
				return nil, err
			}
			return &memoryCache{inner: inner}, nil
		},
	})
}

type memoryCache struct {
	inner *ristretto.Cache[string, []byte]
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, ok := c.inner.Get(key)
	if !ok {
		if security.CacheMissesTotal != nil {
			security.CacheMissesTotal.Inc()
		}
		return nil, false, nil
	}
	if security.CacheHitsTotal != nil {
		security.CacheHitsTotal.Inc()
	}
	return value, true, nil
}

func (c *memoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.inner.SetWithTTL(key, value, int64(len(value)), ttl)
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key string) error {
	c.inner.Del(key)
	return nil
}

var _ registrycache.Cache = (*memoryCache)(nil)
