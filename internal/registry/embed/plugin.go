package embed

import (
	"context"
	"fmt"
)

// Embedder turns text into vectors for the retrieval backend.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Loader creates an Embedder from config.
type Loader func(ctx context.Context) (Embedder, error)

// Plugin represents an embedder plugin.
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
	return nil, fmt.Errorf("unknown embedder %q; valid: %v", name, Names())
}
