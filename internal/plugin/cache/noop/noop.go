package noop

import (
	"context"
	"time"

	"github.com/chirino/openmemory-service/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.Cache, error) {
			return &noopCache{}, nil
		},
	})
}

type noopCache struct{}

func (n *noopCache) Get(_ context.Context, _ string) ([]byte, bool, error) { return nil, false, nil }
func (n *noopCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	return nil
}
func (n *noopCache) Delete(_ context.Context, _ string) error { return nil }

var _ cache.Cache = (*noopCache)(nil)
