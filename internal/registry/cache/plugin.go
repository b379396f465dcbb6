package cache

import (
	"context"
	"fmt"
	"time"
)

// Cache is a small byte cache used to memoize access rule sets and other
// hot lookups. Get returns (nil, false, nil) on a miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Loader creates a Cache from config.
type Loader func(ctx context.Context) (Cache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

func Register(p Plugin) {
	plugins = append(plugins, p)
}

func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
