package disabled

import (
	"context"

	"github.com/chirino/openmemory-service/internal/registry/categorize"
)

func init() {
	categorize.Register(categorize.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (categorize.Categorizer, error) {
			return &disabledCategorizer{}, nil
		},
	})
}

type disabledCategorizer struct{}

func (d *disabledCategorizer) Categorize(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

var _ categorize.Categorizer = (*disabledCategorizer)(nil)
