// Package sqlite provides a single-file datastore for development and
// tests. Production deployments use the postgres plugin.
package sqlite

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/chirino/openmemory-service/internal/config"
	"github.com/chirino/openmemory-service/internal/model"
	"github.com/chirino/openmemory-service/internal/plugin/store/gormstore"
	registrymigrate "github.com/chirino/openmemory-service/internal/registry/migrate"
	registrystore "github.com/chirino/openmemory-service/internal/registry/store"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "sqlite",
		Loader: func(ctx context.Context) (registrystore.MemoryStore, error) {
			cfg := config.FromContext(ctx)
			db, err := open(cfg)
			if err != nil {
				return nil, err
			}
			return gormstore.New(db), nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &sqliteMigrator{}})
}

func open(cfg *config.Config) (*gorm.DB, error) {
	dsn := cfg.DBURL
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids lock errors.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

type sqliteMigrator struct{}

func (m *sqliteMigrator) Name() string { return "sqlite-schema" }
func (m *sqliteMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "sqlite" {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := open(cfg)
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
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
	log.Info("SQLite schema migration complete")
	return nil
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0
