package apps

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chirino/openmemory-service/internal/config"
	"github.com/chirino/openmemory-service/internal/model"
	registrystore "github.com/chirino/openmemory-service/internal/registry/store"
	"github.com/chirino/openmemory-service/internal/security"
	"github.com/chirino/openmemory-service/internal/service"
)

// MountRoutes mounts the app administration endpoints. Rule changes
// invalidate the resolver cache so a revoked grant takes effect without
// waiting for TTL expiry.
func MountRoutes(r *gin.Engine, svc *service.MemoryService, cfg *config.Config, auth gin.HandlerFunc) {
	if svc == nil {
		return
	}
	g := r.Group("/api/v1", auth)

	g.GET("/apps/:id", func(c *gin.Context) { getApp(c, svc) })
	g.PUT("/apps/:id", security.RequireAdmin(), func(c *gin.Context) { updateApp(c, svc) })
	g.GET("/apps/:id/access-rules", func(c *gin.Context) { listAccessRules(c, svc) })
	g.POST("/apps/:id/access-rules", security.RequireAdmin(), func(c *gin.Context) { createAccessRule(c, svc) })
}

func getApp(c *gin.Context, svc *service.MemoryService) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	app, err := svc.Store().GetApp(c.Request.Context(), id)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, app)
}

type updateAppRequest struct {
	IsActive *bool `json:"is_active" binding:"required"`
}

func updateApp(c *gin.Context, svc *service.MemoryService) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req updateAppRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := svc.Store().SetAppActive(c.Request.Context(), id, *req.IsActive); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "is_active": *req.IsActive})
}

func listAccessRules(c *gin.Context, svc *service.MemoryService) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	rules, err := svc.Store().ListAccessRules(c.Request.Context(), id)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules, "total": len(rules)})
}

type createAccessRuleRequest struct {
	Effect   model.RuleEffect `json:"effect" binding:"required"`
	MemoryID *uuid.UUID       `json:"memory_id"`
}

func createAccessRule(c *gin.Context, svc *service.MemoryService) {
	appID, ok := pathID(c)
	if !ok {
		return
	}
	var req createAccessRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Effect != model.EffectAllow && req.Effect != model.EffectDeny {
		c.JSON(http.StatusBadRequest, gin.H{"error": "effect must be allow or deny"})
		return
	}
	rule := &model.AccessControl{
		SubjectType: model.SubjectTypeApp,
		SubjectID:   appID,
		ObjectType:  model.ObjectTypeMemory,
		ObjectID:    req.MemoryID,
		Effect:      req.Effect,
	}
	if err := svc.Store().CreateAccessRule(c.Request.Context(), rule); err != nil {
		handleError(c, err)
		return
	}
	svc.Resolver().Invalidate(c.Request.Context(), appID)
	c.JSON(http.StatusCreated, rule)
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid app id"})
		return uuid.Nil, false
	}
	return id, true
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var conflict *registrystore.ConflictError
	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error("apps route error", "err", err, "stack", string(debug.Stack()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
