package disabled

import (
	"context"
	"fmt"

	"github.com/chirino/openmemory-service/internal/registry/embed"
)

func init() {
	embed.Register(embed.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (embed.Embedder, error) {
			return &disabledEmbedder{}, nil
		},
	})
}

type disabledEmbedder struct{}

func (d *disabledEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return nil, fmt.Errorf("embedding is disabled")
}

func (d *disabledEmbedder) Dimensions() int { return 0 }

var _ embed.Embedder = (*disabledEmbedder)(nil)
