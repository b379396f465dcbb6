package categorize

import (
	"context"
	"fmt"
)

// Categorizer assigns category names to memory content.
type Categorizer interface {
	Categorize(ctx context.Context, content string) ([]string, error)
}

// Loader creates a Categorizer from config.
type Loader func(ctx context.Context) (Categorizer, error)

// Plugin represents a categorizer plugin.
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
	return nil, fmt.Errorf("unknown categorizer %q; valid: %v", name, Names())
}
