package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/chirino/openmemory-service/internal/config"
	"github.com/chirino/openmemory-service/internal/model"
	"github.com/chirino/openmemory-service/internal/plugin/store/gormstore"
	registrymigrate "github.com/chirino/openmemory-service/internal/registry/migrate"
	registrystore "github.com/chirino/openmemory-service/internal/registry/store"
	"github.com/chirino/openmemory-service/internal/security"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.MemoryStore, error) {
			cfg := config.FromContext(ctx)
			db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{TranslateError: true})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, fmt.Errorf("failed to get underlying db: %w", err)
			}
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
			if security.DBPoolMaxConnections != nil {
				security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
			}

			// Periodically update the open connections gauge.
			go func() {
				ticker := time.NewTicker(15 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if security.DBPoolOpenConnections != nil {
							security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
						}
					}
				}
			}()

			return gormstore.New(db), nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &postgresMigrator{}})
}

type postgresMigrator struct{}

func (m *postgresMigrator) Name() string { return "postgres-schema" }
func (m *postgresMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "" && cfg.DatastoreType != "postgres" {
		return nil // skip if not using postgres
	}
	log.Info("Running migration", "name", m.Name())
	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := db.WithContext(ctx).AutoMigrate(
		&model.User{},
		&model.App{},
		&model.Category{},
		&model.Memory{},
		&model.AccessControl{},
		&model.MemoryAccessLog{},
		&model.MemoryStatusHistory{},
	); err != nil {
		return fmt.Errorf("migration: failed to migrate schema: %w", err)
	}
	log.Info("Postgres schema migration complete")
	return nil
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0
