package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/openmemory-service/internal/model"
	"github.com/google/uuid"
)

// MemoryDetail is a memory enriched with relational metadata for API
// responses: the owning user's external id, the creating app's name, and the
// category names.
type MemoryDetail struct {
	ID         uuid.UUID              `json:"id"`
	Content    string                 `json:"content"`
	State      model.MemoryState      `json:"state"`
	AppID      uuid.UUID              `json:"appId"`
	AppName    string                 `json:"appName"`
	UserID     string                 `json:"userId"`
	Categories []string               `json:"categories"`
	Metadata   map[string]interface{} `json:"metadata"`
	CreatedAt  time.Time              `json:"createdAt"`
	UpdatedAt  time.Time              `json:"updatedAt"`
	ArchivedAt *time.Time             `json:"archivedAt,omitempty"`
	DeletedAt  *time.Time             `json:"deletedAt,omitempty"`
}

// PagedMemories is one page of enriched memories plus the total match count.
type PagedMemories struct {
	Items []MemoryDetail `json:"items"`
	Total int64          `json:"total"`
	Page  int            `json:"page"`
	Size  int            `json:"size"`
}

// SortColumn values accepted by MemoryQuery. "memory" sorts on content for
// API compatibility with the original filter endpoint.
const (
	SortByMemory    = "memory"
	SortByAppName   = "app_name"
	SortByCreatedAt = "created_at"
)

// MemoryQuery is the validated, store-level predicate produced by the filter
// builder. All fields combine with AND; list fields combine internally
// with OR (IN semantics).
type MemoryQuery struct {
	// UserIDs restricts to memories owned by these users (internal pks).
	// Empty means no user restriction, which callers opt into via the
	// filter builder's AllUsers flag.
	UserIDs []uuid.UUID

	// States restricts lifecycle states. Never includes deleted; includes
	// archived only when the caller asked for archived rows.
	States []model.MemoryState

	// AppIDs and AppNames both restrict by creating app. When AppIDs is
	// non-empty the query layer receives only it; the filter builder drops
	// AppNames in that case.
	AppIDs        []uuid.UUID
	AppNames      []string
	CategoryIDs   []uuid.UUID
	CategoryNames []string

	// SearchQuery is a case-insensitive substring match on content.
	SearchQuery string

	// Metadata holds key/value equality constraints, ANDed across keys.
	Metadata map[string]string

	// FromDate/ToDate are inclusive bounds on creation time.
	FromDate *time.Time
	ToDate   *time.Time

	SortColumn string // one of the SortBy* constants, or "" for created_at desc
	SortDesc   bool

	Page int // 1-based
	Size int
}

// CreateMemoryRequest is the input for creating a memory. When ID is set the
// memory is created with that id (the retrieval service assigns ids on
// ingest and the relational row must match). Creation writes the initial
// status history record in the same transaction.
type CreateMemoryRequest struct {
	ID         *uuid.UUID
	UserID     uuid.UUID
	AppID      uuid.UUID
	Content    string
	Metadata   map[string]interface{}
	Categories []string
}

// AccessRecord describes an audit log row to append inside a state
// transition's transaction.
type AccessRecord struct {
	AppID    uuid.UUID
	Kind     model.AccessKind
	Metadata map[string]interface{}
}

// TransitionRequest is the input for a lifecycle state transition. The state
// column update, the history append, and the optional access log all commit
// in one transaction or not at all.
type TransitionRequest struct {
	MemoryID  uuid.UUID
	NewState  model.MemoryState
	ActorID   uuid.UUID
	AccessLog *AccessRecord
}

// UserSummary is a user plus their live (non-deleted) memory count.
type UserSummary struct {
	model.User
	MemoryCount int64 `json:"totalMemories"`
}

// AccessLogDetail is an access log row enriched with the app's name.
type AccessLogDetail struct {
	model.MemoryAccessLog
	AppName *string `json:"appName,omitempty"`
}

// MemoryStore is the relational data access interface for the service.
type MemoryStore interface {
	// Identity
	GetUser(ctx context.Context, externalID string) (*model.User, error)
	GetOrCreateUser(ctx context.Context, externalID string) (*model.User, error)
	CreateUser(ctx context.Context, externalID string, name, email *string) (*model.User, error)
	ListUsers(ctx context.Context, page, size int) ([]UserSummary, int64, error)
	GetOrCreateApp(ctx context.Context, ownerID uuid.UUID, name string) (*model.App, error)
	GetApp(ctx context.Context, appID uuid.UUID) (*model.App, error)
	SetAppActive(ctx context.Context, appID uuid.UUID, active bool) error

	// Memories
	CreateMemory(ctx context.Context, req CreateMemoryRequest) (*model.Memory, error)
	GetMemory(ctx context.Context, id uuid.UUID) (*model.Memory, error)
	GetMemoryDetail(ctx context.Context, id uuid.UUID) (*MemoryDetail, error)
	// GetMemoryDetails batch-fetches enriched rows; absent ids are simply
	// missing from the result map, never an error.
	GetMemoryDetails(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]MemoryDetail, error)
	UpdateMemoryContent(ctx context.Context, id uuid.UUID, content string) (*model.Memory, error)
	TransitionMemoryState(ctx context.Context, req TransitionRequest) (*model.Memory, error)
	ListMemories(ctx context.Context, q MemoryQuery) (*PagedMemories, error)
	// ListMemoryIDs returns the ids of a user's memories in any of the
	// given states, for accessible/visible set computation.
	ListMemoryIDs(ctx context.Context, userID uuid.UUID, states []model.MemoryState) ([]uuid.UUID, error)
	// ListMemoryIDsMatching returns ids matching an arbitrary query
	// (used by bulk pause/archive actions).
	ListMemoryIDsMatching(ctx context.Context, q MemoryQuery) ([]uuid.UUID, error)
	SetMemoryCategories(ctx context.Context, memoryID uuid.UUID, names []string) error
	ListCategories(ctx context.Context, userID *uuid.UUID) ([]model.Category, error)
	// ListRelatedMemories returns non-deleted memories of the same user
	// sharing categories with the given memory, most shared first.
	ListRelatedMemories(ctx context.Context, userID, memoryID uuid.UUID, limit int) ([]MemoryDetail, error)

	// Access rules (read-only to the resolver; written by admin actions)
	ListAccessRules(ctx context.Context, appID uuid.UUID) ([]model.AccessControl, error)
	CreateAccessRule(ctx context.Context, rule *model.AccessControl) error

	// Audit (append-only)
	AppendAccessLog(ctx context.Context, entry *model.MemoryAccessLog) error
	ListAccessLogs(ctx context.Context, memoryID uuid.UUID, page, size int) ([]AccessLogDetail, int64, error)

	// History (append-only)
	ListStateHistory(ctx context.Context, memoryID uuid.UUID) ([]model.MemoryStatusHistory, error)
}

// Loader creates a MemoryStore from config.
type Loader func(ctx context.Context) (MemoryStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
