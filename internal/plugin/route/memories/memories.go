package memories

import (
	"errors"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chirino/openmemory-service/internal/config"
	"github.com/chirino/openmemory-service/internal/memfilter"
	"github.com/chirino/openmemory-service/internal/model"
	registrystore "github.com/chirino/openmemory-service/internal/registry/store"
	registryvector "github.com/chirino/openmemory-service/internal/registry/vector"
	"github.com/chirino/openmemory-service/internal/search"
	"github.com/chirino/openmemory-service/internal/security"
	"github.com/chirino/openmemory-service/internal/service"
)

// MountRoutes mounts the memory REST endpoints on the given router.
func MountRoutes(r *gin.Engine, svc *service.MemoryService, cfg *config.Config, auth gin.HandlerFunc) {
	if svc == nil {
		return
	}
	g := r.Group("/api/v1", auth)

	g.POST("/memories", func(c *gin.Context) { createMemory(c, svc, cfg) })
	g.GET("/memories", func(c *gin.Context) { listMemories(c, svc, cfg) })
	g.POST("/memories/filter", func(c *gin.Context) { filterMemories(c, svc, cfg) })
	g.POST("/memories/search", func(c *gin.Context) { searchMemories(c, svc, cfg) })
	g.GET("/memories/categories", func(c *gin.Context) { listCategories(c, svc, cfg) })
	g.DELETE("/memories", func(c *gin.Context) { deleteMemories(c, svc, cfg) })
	g.POST("/memories/actions/pause", func(c *gin.Context) { bulkTransition(c, svc, cfg, model.StatePaused) })
	g.POST("/memories/actions/archive", func(c *gin.Context) { bulkTransition(c, svc, cfg, model.StateArchived) })

	g.GET("/memories/:id", func(c *gin.Context) { getMemory(c, svc, cfg) })
	g.PUT("/memories/:id", func(c *gin.Context) { updateMemory(c, svc, cfg) })
	g.DELETE("/memories/:id", func(c *gin.Context) { deleteMemory(c, svc, cfg) })
	g.GET("/memories/:id/access-log", func(c *gin.Context) { listAccessLog(c, svc) })
	g.GET("/memories/:id/history", func(c *gin.Context) { listHistory(c, svc) })
	g.GET("/memories/:id/related", func(c *gin.Context) { listRelated(c, svc, cfg) })
}

// requestUserID picks the owner for a request: an explicit user_id wins,
// then the authenticated subject, then the configured default.
func requestUserID(c *gin.Context, explicit string, cfg *config.Config) string {
	if explicit != "" {
		return explicit
	}
	if id := security.GetUserID(c); id != "" {
		return id
	}
	return cfg.DefaultUserID
}

func requestAppName(c *gin.Context, explicit string, cfg *config.Config) string {
	if explicit != "" {
		return explicit
	}
	if id := security.GetClientID(c); id != "" {
		return id
	}
	return cfg.DefaultAppName
}

type createMemoryRequest struct {
	UserID   string                 `json:"user_id"`
	App      string                 `json:"app"`
	Text     string                 `json:"text" binding:"required"`
	Metadata map[string]interface{} `json:"metadata"`
}

func createMemory(c *gin.Context, svc *service.MemoryService, cfg *config.Config) {
	var req createMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, app, err := svc.Identity(c.Request.Context(), requestUserID(c, req.UserID, cfg), requestAppName(c, req.App, cfg))
	if err != nil {
		handleError(c, err)
		return
	}
	detail, err := svc.Create(c.Request.Context(), user, app, req.Text, req.Metadata)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, detail)
}

func listMemories(c *gin.Context, svc *service.MemoryService, cfg *config.Config) {
	// Listings are scoped to the requesting app so access rules apply.
	user, app, err := svc.Identity(c.Request.Context(),
		requestUserID(c, c.Query("user_id"), cfg), requestAppName(c, c.Query("app"), cfg))
	if err != nil {
		handleError(c, err)
		return
	}
	f := memfilter.Filter{
		UserIDs:      []uuid.UUID{user.ID},
		SearchQuery:  c.Query("search_query"),
		ShowArchived: c.Query("show_archived") == "true",
		SortColumn:   c.Query("sort_column"),
		SortDesc:     c.Query("sort_direction") == "desc",
		Page:         intQuery(c, "page", 1),
		Size:         intQuery(c, "size", 0),
	}
	if raw := c.Query("app_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid app_id"})
			return
		}
		f.AppIDs = []uuid.UUID{id}
	}
	if cat := c.Query("category"); cat != "" {
		f.CategoryNames = []string{cat}
	}
	page, err := svc.List(c.Request.Context(), f, app)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type filterMemoriesRequest struct {
	UserIDs       []string          `json:"user_ids"`
	AllUsers      bool              `json:"all_users"`
	SearchQuery   string            `json:"search_query"`
	AppIDs        []uuid.UUID       `json:"app_ids"`
	AppNames      []string          `json:"app_names"`
	CategoryNames []string          `json:"category_names"`
	Metadata      map[string]string `json:"metadata"`
	FromDate      *int64            `json:"from_date"`
	ToDate        *int64            `json:"to_date"`
	ShowArchived  bool              `json:"show_archived"`
	SortColumn    string            `json:"sort_column"`
	SortDirection string            `json:"sort_direction"`
	Page          int               `json:"page"`
	Size          int               `json:"size"`
}

func filterMemories(c *gin.Context, svc *service.MemoryService, cfg *config.Config) {
	var req filterMemoriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	_, app, err := svc.Identity(c.Request.Context(), requestUserID(c, "", cfg), requestAppName(c, "", cfg))
	if err != nil {
		handleError(c, err)
		return
	}

	var userIDs []uuid.UUID
	if !req.AllUsers {
		externals := req.UserIDs
		if len(externals) == 0 {
			externals = []string{requestUserID(c, "", cfg)}
		}
		for _, ext := range externals {
			user, err := svc.Store().GetOrCreateUser(c.Request.Context(), ext)
			if err != nil {
				handleError(c, err)
				return
			}
			userIDs = append(userIDs, user.ID)
		}
	}

	f := memfilter.Filter{
		UserIDs:       userIDs,
		AllUsers:      req.AllUsers,
		SearchQuery:   req.SearchQuery,
		AppIDs:        req.AppIDs,
		AppNames:      req.AppNames,
		CategoryNames: req.CategoryNames,
		Metadata:      req.Metadata,
		FromDate:      unixTime(req.FromDate),
		ToDate:        unixTime(req.ToDate),
		ShowArchived:  req.ShowArchived,
		SortColumn:    req.SortColumn,
		SortDesc:      req.SortDirection == "desc",
		Page:          req.Page,
		Size:          req.Size,
	}
	page, err := svc.List(c.Request.Context(), f, app)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type searchMemoriesRequest struct {
	UserID          string   `json:"user_id"`
	App             string   `json:"app"`
	Query           string   `json:"query" binding:"required"`
	Limit           int      `json:"limit"`
	Threshold       *float64 `json:"threshold"`
	IncludeArchived bool     `json:"include_archived"`
}

func searchMemories(c *gin.Context, svc *service.MemoryService, cfg *config.Config) {
	var req searchMemoriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, app, err := svc.Identity(c.Request.Context(), requestUserID(c, req.UserID, cfg), requestAppName(c, req.App, cfg))
	if err != nil {
		handleError(c, err)
		return
	}
	results, err := svc.Search(c.Request.Context(), user, app, req.Query, search.Request{
		IncludeArchived: req.IncludeArchived,
		Threshold:       req.Threshold,
		Limit:           req.Limit,
		Policy:          search.DropMissing,
		Kind:            model.AccessSearch,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func listCategories(c *gin.Context, svc *service.MemoryService, cfg *config.Config) {
	user, err := svc.Store().GetOrCreateUser(c.Request.Context(), requestUserID(c, c.Query("user_id"), cfg))
	if err != nil {
		handleError(c, err)
		return
	}
	categories, err := svc.Store().ListCategories(c.Request.Context(), &user.ID)
	if err != nil {
		handleError(c, err)
		return
	}
	names := make([]string, 0, len(categories))
	for _, cat := range categories {
		names = append(names, cat.Name)
	}
	c.JSON(http.StatusOK, gin.H{"categories": names, "total": len(names)})
}

type deleteMemoriesRequest struct {
	UserID    string      `json:"user_id"`
	MemoryIDs []uuid.UUID `json:"memory_ids" binding:"required"`
}

func deleteMemories(c *gin.Context, svc *service.MemoryService, cfg *config.Config) {
	var req deleteMemoriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := svc.Store().GetOrCreateUser(c.Request.Context(), requestUserID(c, req.UserID, cfg))
	if err != nil {
		handleError(c, err)
		return
	}
	deleted := 0
	for _, id := range req.MemoryIDs {
		if _, err := svc.Transition(c.Request.Context(), user, id, model.StateDeleted, nil); err != nil {
			var nf *registrystore.NotFoundError
			if errors.As(err, &nf) {
				continue
			}
			handleError(c, err)
			return
		}
		deleted++
	}
	c.JSON(http.StatusOK, gin.H{"message": "memories deleted", "deleted": deleted})
}

type bulkActionRequest struct {
	UserID     string      `json:"user_id"`
	MemoryIDs  []uuid.UUID `json:"memory_ids"`
	AppID      *uuid.UUID  `json:"app_id"`
	Category   string      `json:"category"`
	AllForUser bool        `json:"all_for_user"`
}

// bulkTransition pauses or archives a set of memories selected either by
// explicit ids or by an app/category predicate.
func bulkTransition(c *gin.Context, svc *service.MemoryService, cfg *config.Config, state model.MemoryState) {
	var req bulkActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := svc.Store().GetOrCreateUser(c.Request.Context(), requestUserID(c, req.UserID, cfg))
	if err != nil {
		handleError(c, err)
		return
	}

	if len(req.MemoryIDs) > 0 {
		n := 0
		for _, id := range req.MemoryIDs {
			if _, err := svc.Transition(c.Request.Context(), user, id, state, nil); err != nil {
				handleError(c, err)
				return
			}
			n++
		}
		c.JSON(http.StatusOK, gin.H{"message": "state updated", "count": n})
		return
	}

	if req.AppID == nil && req.Category == "" && !req.AllForUser {
		c.JSON(http.StatusBadRequest, gin.H{"error": "memory_ids, app_id, category or all_for_user is required"})
		return
	}
	q := registrystore.MemoryQuery{
		UserIDs: []uuid.UUID{user.ID},
		States:  []model.MemoryState{model.StateActive, model.StatePaused, model.StateArchived},
	}
	if req.AppID != nil {
		q.AppIDs = []uuid.UUID{*req.AppID}
	}
	if req.Category != "" {
		q.CategoryNames = []string{req.Category}
	}
	n, err := svc.TransitionAll(c.Request.Context(), user, q, state)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "state updated", "count": n})
}

func getMemory(c *gin.Context, svc *service.MemoryService, cfg *config.Config) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	// An app-scoped read goes through access rules and is audited; without
	// an app the owner sees their own record directly.
	if appName := c.Query("app"); appName != "" {
		_, app, err := svc.Identity(ctx, requestUserID(c, c.Query("user_id"), cfg), appName)
		if err != nil {
			handleError(c, err)
			return
		}
		detail, err := svc.Get(ctx, app, id)
		if err != nil {
			handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, detail)
		return
	}

	user, err := svc.Store().GetOrCreateUser(ctx, requestUserID(c, c.Query("user_id"), cfg))
	if err != nil {
		handleError(c, err)
		return
	}
	detail, err := svc.GetOwned(ctx, user, id)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

type updateMemoryRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text" binding:"required"`
}

func updateMemory(c *gin.Context, svc *service.MemoryService, cfg *config.Config) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req updateMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := svc.Store().GetOrCreateUser(c.Request.Context(), requestUserID(c, req.UserID, cfg))
	if err != nil {
		handleError(c, err)
		return
	}
	detail, err := svc.UpdateContent(c.Request.Context(), user, id, req.Text)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func deleteMemory(c *gin.Context, svc *service.MemoryService, cfg *config.Config) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	user, err := svc.Store().GetOrCreateUser(c.Request.Context(), requestUserID(c, c.Query("user_id"), cfg))
	if err != nil {
		handleError(c, err)
		return
	}
	if _, err := svc.Transition(c.Request.Context(), user, id, model.StateDeleted, nil); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "memory deleted"})
}

func listAccessLog(c *gin.Context, svc *service.MemoryService) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	page := intQuery(c, "page", 1)
	size := intQuery(c, "page_size", 10)
	logs, total, err := svc.Store().ListAccessLogs(c.Request.Context(), id, page, size)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"logs":  logs,
		"total": total,
		"page":  page,
		"size":  size,
	})
}

func listHistory(c *gin.Context, svc *service.MemoryService) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	history, err := svc.Store().ListStateHistory(c.Request.Context(), id)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history, "total": len(history)})
}

func listRelated(c *gin.Context, svc *service.MemoryService, cfg *config.Config) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	user, err := svc.Store().GetOrCreateUser(c.Request.Context(), requestUserID(c, c.Query("user_id"), cfg))
	if err != nil {
		handleError(c, err)
		return
	}
	limit := intQuery(c, "size", 5)
	items, err := svc.Store().ListRelatedMemories(c.Request.Context(), user.ID, id, limit)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": len(items)})
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid memory id"})
		return uuid.Nil, false
	}
	return id, true
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func unixTime(secs *int64) *time.Time {
	if secs == nil {
		return nil
	}
	t := time.Unix(*secs, 0).UTC()
	return &t
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var invalid *registrystore.InvalidFilterError
	var inactive *registrystore.InactiveAppError
	var conflict *registrystore.ConflictError
	var unavailable *registryvector.UnavailableError
	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &inactive):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &unavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "retrieval backend unavailable"})
	default:
		log.Error("memories route error", "err", err, "stack", string(debug.Stack()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
