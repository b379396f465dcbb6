// Package service composes the domain components behind the REST and MCP
// transports.
package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/chirino/openmemory-service/internal/access"
	"github.com/chirino/openmemory-service/internal/audit"
	"github.com/chirino/openmemory-service/internal/config"
	"github.com/chirino/openmemory-service/internal/lifecycle"
	"github.com/chirino/openmemory-service/internal/memfilter"
	"github.com/chirino/openmemory-service/internal/model"
	registrycategorize "github.com/chirino/openmemory-service/internal/registry/categorize"
	registryembed "github.com/chirino/openmemory-service/internal/registry/embed"
	registrystore "github.com/chirino/openmemory-service/internal/registry/store"
	registryvector "github.com/chirino/openmemory-service/internal/registry/vector"
	"github.com/chirino/openmemory-service/internal/search"
)

// MemoryService is the transport-facing application service. The vector
// store, embedder and categorizer are optional; when absent the service
// degrades to relational-only behavior.
type MemoryService struct {
	store       registrystore.MemoryStore
	vector      registryvector.Store
	embedder    registryembed.Embedder
	categorizer registrycategorize.Categorizer
	resolver    *access.Resolver
	lifecycle   *lifecycle.Manager
	audit       *audit.Logger
	merger      *search.Merger
	cfg         *config.Config
	log         *log.Logger
}

func NewMemoryService(
	store registrystore.MemoryStore,
	vector registryvector.Store,
	embedder registryembed.Embedder,
	categorizer registrycategorize.Categorizer,
	resolver *access.Resolver,
	lc *lifecycle.Manager,
	auditLog *audit.Logger,
	merger *search.Merger,
	cfg *config.Config,
) *MemoryService {
	return &MemoryService{
		store:       store,
		vector:      vector,
		embedder:    embedder,
		categorizer: categorizer,
		resolver:    resolver,
		lifecycle:   lc,
		audit:       auditLog,
		merger:      merger,
		cfg:         cfg,
		log:         log.Default().With("component", "service"),
	}
}

// Store exposes the underlying relational store for transports that need
// direct reads (user listings, access logs).
func (s *MemoryService) Store() registrystore.MemoryStore { return s.store }

// Resolver exposes the access rule resolver.
func (s *MemoryService) Resolver() *access.Resolver { return s.resolver }

// Identity resolves or creates the acting user and app records.
func (s *MemoryService) Identity(ctx context.Context, userExternalID, appName string) (*model.User, *model.App, error) {
	user, err := s.store.GetOrCreateUser(ctx, userExternalID)
	if err != nil {
		return nil, nil, err
	}
	app, err := s.store.GetOrCreateApp(ctx, user.ID, appName)
	if err != nil {
		return nil, nil, err
	}
	return user, app, nil
}

// Create stores a new memory. The app must be active. Categorization is
// best-effort; the retrieval index upsert is best-effort too, the relational
// row is the source of truth.
func (s *MemoryService) Create(ctx context.Context, user *model.User, app *model.App, content string, metadata map[string]interface{}) (*registrystore.MemoryDetail, error) {
	if !app.IsActive {
		return nil, &registrystore.InactiveAppError{AppName: app.Name}
	}

	var categories []string
	if s.categorizer != nil {
		var err error
		categories, err = s.categorizer.Categorize(ctx, content)
		if err != nil {
			s.log.Warn("categorization failed", "error", err)
			categories = nil
		}
	}

	mem, err := s.store.CreateMemory(ctx, registrystore.CreateMemoryRequest{
		UserID:     user.ID,
		AppID:      app.ID,
		Content:    content,
		Metadata:   metadata,
		Categories: categories,
	})
	if err != nil {
		return nil, err
	}

	s.indexMemory(ctx, mem, user, nil)
	return s.store.GetMemoryDetail(ctx, mem.ID)
}

// Get fetches one memory, enforcing access rules and recording a read in
// the audit log. Only active memories pass the access check.
func (s *MemoryService) Get(ctx context.Context, app *model.App, memoryID uuid.UUID) (*registrystore.MemoryDetail, error) {
	mem, err := s.store.GetMemory(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	ok, err := s.resolver.CheckMemory(ctx, app.ID, mem)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Indistinguishable from absent: do not leak existence.
		return nil, &registrystore.NotFoundError{Resource: "memory", ID: memoryID.String()}
	}
	detail, err := s.store.GetMemoryDetail(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, memoryID, app.ID, model.AccessRead, nil)
	return detail, nil
}

// GetOwned fetches one memory for its owner without app access filtering
// (management UI path). No audit entry is written.
func (s *MemoryService) GetOwned(ctx context.Context, user *model.User, memoryID uuid.UUID) (*registrystore.MemoryDetail, error) {
	detail, err := s.store.GetMemoryDetail(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	if detail.UserID != user.UserID {
		return nil, &registrystore.NotFoundError{Resource: "memory", ID: memoryID.String()}
	}
	return detail, nil
}

// UpdateContent replaces a memory's text and re-indexes it.
func (s *MemoryService) UpdateContent(ctx context.Context, user *model.User, memoryID uuid.UUID, content string) (*registrystore.MemoryDetail, error) {
	mem, err := s.store.GetMemory(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	if mem.UserID != user.ID {
		return nil, &registrystore.NotFoundError{Resource: "memory", ID: memoryID.String()}
	}
	mem, err = s.store.UpdateMemoryContent(ctx, memoryID, content)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	s.indexMemory(ctx, mem, user, &now)
	return s.store.GetMemoryDetail(ctx, memoryID)
}

// Transition moves a memory to a new lifecycle state on behalf of a user.
// Deleting also removes the retrieval index entry once the transaction has
// committed.
func (s *MemoryService) Transition(ctx context.Context, actor *model.User, memoryID uuid.UUID, newState model.MemoryState, accessLog *registrystore.AccessRecord) (*model.Memory, error) {
	mem, err := s.lifecycle.Transition(ctx, memoryID, newState, actor.ID, accessLog)
	if err != nil {
		return nil, err
	}
	if newState == model.StateDeleted && s.vector != nil {
		if err := s.vector.Delete(ctx, []uuid.UUID{memoryID}); err != nil {
			s.log.Warn("failed to remove deleted memory from retrieval index", "memory", memoryID, "error", err)
		}
	}
	return mem, nil
}

// TransitionAll applies a state change to every memory matched by the query.
func (s *MemoryService) TransitionAll(ctx context.Context, actor *model.User, q registrystore.MemoryQuery, newState model.MemoryState) (int, error) {
	ids, err := s.store.ListMemoryIDsMatching(ctx, q)
	if err != nil {
		return 0, err
	}
	n, err := s.lifecycle.TransitionAll(ctx, ids, newState, actor.ID)
	if err != nil {
		return n, err
	}
	if newState == model.StateDeleted && s.vector != nil && len(ids) > 0 {
		if err := s.vector.Delete(ctx, ids); err != nil {
			s.log.Warn("failed to remove deleted memories from retrieval index", "count", len(ids), "error", err)
		}
	}
	return n, nil
}

// DeleteAllAccessible deletes every memory of the user that the app may
// touch, and clears the user's retrieval index entries for them.
func (s *MemoryService) DeleteAllAccessible(ctx context.Context, user *model.User, app *model.App) (int, error) {
	if !app.IsActive {
		return 0, &registrystore.InactiveAppError{AppName: app.Name}
	}
	accessible, err := s.resolver.AccessibleSet(ctx, app.ID)
	if err != nil {
		return 0, err
	}
	visible, err := s.store.ListMemoryIDs(ctx, user.ID, lifecycle.VisibleStates(true))
	if err != nil {
		return 0, err
	}
	ids := accessible.Intersect(visible)
	n, err := s.lifecycle.TransitionAll(ctx, ids, model.StateDeleted, user.ID)
	if err != nil {
		return n, err
	}
	if s.vector != nil && len(ids) > 0 {
		if err := s.vector.Delete(ctx, ids); err != nil {
			s.log.Warn("failed to clear retrieval index", "user", user.UserID, "error", err)
		}
	}
	return n, nil
}

// List applies a declarative filter. When app is non-nil the result is
// additionally restricted to the app's accessible set and each returned
// memory is audited as a list access.
func (s *MemoryService) List(ctx context.Context, f memfilter.Filter, app *model.App) (*registrystore.PagedMemories, error) {
	q, err := f.Build()
	if err != nil {
		return nil, err
	}
	page, err := s.store.ListMemories(ctx, q)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return page, nil
	}

	accessible, err := s.resolver.AccessibleSet(ctx, app.ID)
	if err != nil {
		return nil, err
	}
	items := make([]registrystore.MemoryDetail, 0, len(page.Items))
	ids := make([]uuid.UUID, 0, len(page.Items))
	for _, item := range page.Items {
		if accessible.Contains(item.ID) {
			items = append(items, item)
			ids = append(ids, item.ID)
		}
	}
	page.Items = items
	s.audit.RecordAll(ctx, ids, app.ID, model.AccessList, nil)
	return page, nil
}

// Search runs the ranked retrieval pipeline. Without a configured retrieval
// backend it falls back to a relational substring search so the endpoint
// stays usable.
func (s *MemoryService) Search(ctx context.Context, user *model.User, app *model.App, query string, opts search.Request) ([]search.Result, error) {
	if s.merger == nil {
		return s.relationalSearch(ctx, user, app, query, opts)
	}
	opts.UserID = user.ID
	opts.UserExternalID = user.UserID
	opts.AppID = app.ID
	opts.Query = query
	return s.merger.Search(ctx, opts)
}

func (s *MemoryService) relationalSearch(ctx context.Context, user *model.User, app *model.App, query string, opts search.Request) ([]search.Result, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = s.cfg.SearchLimit
	}
	page, err := s.List(ctx, memfilter.Filter{
		UserIDs:      []uuid.UUID{user.ID},
		SearchQuery:  query,
		ShowArchived: opts.IncludeArchived,
		Page:         1,
		Size:         limit,
	}, app)
	if err != nil {
		return nil, err
	}
	results := make([]search.Result, 0, len(page.Items))
	for _, item := range page.Items {
		results = append(results, search.Result{
			ID:         item.ID,
			Content:    item.Content,
			State:      item.State,
			AppName:    item.AppName,
			UserID:     item.UserID,
			Categories: item.Categories,
			Metadata:   item.Metadata,
			CreatedAt:  item.CreatedAt,
			UpdatedAt:  &item.UpdatedAt,
		})
	}
	return results, nil
}

// indexMemory pushes a memory into the retrieval backend when one is
// configured. Failures are logged; the relational row is authoritative.
func (s *MemoryService) indexMemory(ctx context.Context, mem *model.Memory, user *model.User, updatedAt *time.Time) {
	if s.vector == nil || s.embedder == nil {
		return
	}
	vec, err := s.embedder.Embed(ctx, mem.Content)
	if err != nil {
		s.log.Warn("failed to embed memory", "memory", mem.ID, "error", err)
		return
	}
	sum := md5.Sum([]byte(mem.Content))
	err = s.vector.Upsert(ctx, mem.ID, vec, registryvector.Payload{
		Data:      mem.Content,
		Hash:      hex.EncodeToString(sum[:]),
		UserID:    user.UserID,
		Metadata:  mem.Metadata,
		CreatedAt: mem.CreatedAt,
		UpdatedAt: updatedAt,
	})
	if err != nil {
		s.log.Warn("failed to index memory", "memory", mem.ID, "error", err)
	}
}
