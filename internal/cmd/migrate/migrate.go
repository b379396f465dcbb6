package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/chirino/openmemory-service/internal/config"
	registrymigrate "github.com/chirino/openmemory-service/internal/registry/migrate"

	// Import plugins to trigger init() registration of their migrators.
	// Store plugins register their own migrators alongside their primary interface.
	_ "github.com/chirino/openmemory-service/internal/plugin/store/postgres"
	_ "github.com/chirino/openmemory-service/internal/plugin/store/sqlite"
	_ "github.com/chirino/openmemory-service/internal/plugin/vector/pgvector"
	_ "github.com/chirino/openmemory-service/internal/plugin/vector/qdrant"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run database migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "db-url",
				Sources:  cli.EnvVars("OPENMEMORY_DB_URL"),
				Usage:    "Database connection URL",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "db-kind",
				Sources: cli.EnvVars("OPENMEMORY_DB_KIND"),
				Usage:   "Store backend (postgres|sqlite)",
				Value:   "postgres",
			},
			&cli.StringFlag{
				Name:    "vector-kind",
				Sources: cli.EnvVars("OPENMEMORY_VECTOR_KIND"),
				Usage:   "Vector backend (qdrant|pgvector); empty skips vector migration",
			},
			&cli.StringFlag{
				Name:    "qdrant-host",
				Sources: cli.EnvVars("OPENMEMORY_QDRANT_HOST"),
				Usage:   "Qdrant host",
				Value:   "localhost",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.DefaultConfig()
			cfg.DBURL = cmd.String("db-url")
			cfg.DatastoreType = cmd.String("db-kind")
			cfg.VectorType = cmd.String("vector-kind")
			cfg.QdrantHost = cmd.String("qdrant-host")
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...")
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
