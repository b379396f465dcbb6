package pgvector

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chirino/openmemory-service/internal/config"
	registrymigrate "github.com/chirino/openmemory-service/internal/registry/migrate"
	registryvector "github.com/chirino/openmemory-service/internal/registry/vector"
)

//go:embed db/pgvector-schema.sql
var pgvectorSchemaSQL string

// openEmbeddingDB opens a dedicated gorm handle for the embeddings table.
// The relational store manages its own connection; sharing one would couple
// retrieval load to transactional work.
func openEmbeddingDB(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
}

// pgvectorMigrator implements migrate.Migrator for the pgvector schema.
type pgvectorMigrator struct{}

func (m *pgvectorMigrator) Name() string { return "pgvector" }
func (m *pgvectorMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.VectorMigrateAtStart || cfg.VectorType != "pgvector" || cfg.DBURL == "" || (cfg.DatastoreType != "" && cfg.DatastoreType != "postgres") {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := openEmbeddingDB(cfg.DBURL)
	if err != nil {
		return fmt.Errorf("pgvector migrate: %w", err)
	}
	return db.Exec(pgvectorSchemaSQL).Error
}

func init() {
	registryvector.Register(registryvector.Plugin{
		Name:   "pgvector",
		Loader: load,
	})
	registrymigrate.Register(registrymigrate.Plugin{Order: 200, Migrator: &pgvectorMigrator{}})
}

func load(ctx context.Context) (registryvector.Store, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("pgvector: missing config in context")
	}
	db, err := openEmbeddingDB(cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector: %w", err)
	}
	return &PgvectorStore{db: db}, nil
}

// PgvectorStore implements the retrieval backend on the pgvector extension.
type PgvectorStore struct {
	db *gorm.DB
}

func (s *PgvectorStore) Search(ctx context.Context, req registryvector.SearchRequest) ([]registryvector.Hit, error) {
	if req.Restrict != nil && len(req.Restrict) == 0 {
		return nil, nil
	}

	vec := pgvec.NewVector(req.Query)
	query := `
		SELECT memory_id, user_id, data, hash, metadata, created_at, updated_at,
		       1 - (embedding <=> ?::vector) AS score
		FROM memory_embeddings
		WHERE user_id = ?`
	args := []interface{}{vec, req.UserID}
	if req.Restrict != nil {
		query += " AND memory_id = ANY(?)"
		args = append(args, req.Restrict)
	}
	query += " ORDER BY embedding <=> ?::vector LIMIT ?"
	args = append(args, vec, req.Limit)

	rows, err := s.db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, &registryvector.UnavailableError{Backend: "pgvector", Err: err}
	}
	defer rows.Close()

	var hits []registryvector.Hit
	for rows.Next() {
		var h registryvector.Hit
		var rawMeta []byte
		var updatedAt *time.Time
		if err := rows.Scan(&h.ID, &h.Payload.UserID, &h.Payload.Data, &h.Payload.Hash, &rawMeta, &h.Payload.CreatedAt, &updatedAt, &h.Score); err != nil {
			log.Error("pgvector scan error", "err", err)
			continue
		}
		h.Payload.UpdatedAt = updatedAt
		if len(rawMeta) > 0 {
			_ = json.Unmarshal(rawMeta, &h.Payload.Metadata)
		}
		hits = append(hits, h)
	}
	return hits, nil
}

func (s *PgvectorStore) Upsert(ctx context.Context, id uuid.UUID, vector []float32, payload registryvector.Payload) error {
	meta, err := json.Marshal(payload.Metadata)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Exec(`
		INSERT INTO memory_embeddings (memory_id, user_id, embedding, data, hash, metadata, created_at, updated_at)
		VALUES (?, ?, ?::vector, ?, ?, ?::jsonb, ?, ?)
		ON CONFLICT (memory_id)
		DO UPDATE SET embedding = EXCLUDED.embedding, data = EXCLUDED.data,
		              hash = EXCLUDED.hash, metadata = EXCLUDED.metadata,
		              updated_at = EXCLUDED.updated_at`,
		id, payload.UserID, pgvec.NewVector(vector), payload.Data, payload.Hash,
		string(meta), payload.CreatedAt, payload.UpdatedAt,
	).Error
}

func (s *PgvectorStore) Delete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Exec(
		"DELETE FROM memory_embeddings WHERE memory_id = ANY(?)", ids,
	).Error
}

func (s *PgvectorStore) DeleteAllForUser(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Exec(
		"DELETE FROM memory_embeddings WHERE user_id = ?", userID,
	).Error
}
