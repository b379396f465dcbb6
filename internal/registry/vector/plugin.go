package vector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Payload is the metadata stored alongside each point in the retrieval
// backend.
type Payload struct {
	Data      string                 `json:"data"`
	Hash      string                 `json:"hash"`
	UserID    string                 `json:"user_id"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt *time.Time             `json:"updated_at,omitempty"`
}

// Hit is a single scored retrieval result, ordered best-first.
type Hit struct {
	ID      uuid.UUID
	Score   float32
	Payload Payload
}

// SearchRequest describes a similarity query. When Restrict is non-nil the
// backend only returns points whose ids are in the set; a nil Restrict means
// no restriction, and an empty non-nil slice short-circuits to no results.
type SearchRequest struct {
	Query    []float32
	UserID   string
	Restrict []uuid.UUID
	Limit    int
}

// Store is the retrieval backend interface.
type Store interface {
	Search(ctx context.Context, req SearchRequest) ([]Hit, error)
	Upsert(ctx context.Context, id uuid.UUID, vector []float32, payload Payload) error
	Delete(ctx context.Context, ids []uuid.UUID) error
	DeleteAllForUser(ctx context.Context, userID string) error
}

// UnavailableError indicates the retrieval backend could not be reached or
// returned a transport-level failure. Callers surface it rather than
// degrading to partial results.
type UnavailableError struct {
	Backend string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("vector backend %s unavailable: %v", e.Backend, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Loader creates a Store from config.
type Loader func(ctx context.Context) (Store, error)

// Plugin represents a vector store plugin.
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
	return nil, fmt.Errorf("unknown vector store %q; valid: %v", name, Names())
}
