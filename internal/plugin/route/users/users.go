package users

import (
	"errors"
	"net/http"
	"runtime/debug"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/chirino/openmemory-service/internal/config"
	registrystore "github.com/chirino/openmemory-service/internal/registry/store"
	"github.com/chirino/openmemory-service/internal/service"
)

// MountRoutes mounts the user administration endpoints.
func MountRoutes(r *gin.Engine, svc *service.MemoryService, cfg *config.Config, auth gin.HandlerFunc) {
	if svc == nil {
		return
	}
	g := r.Group("/api/v1", auth)

	g.GET("/users", func(c *gin.Context) { listUsers(c, svc) })
	g.POST("/users", func(c *gin.Context) { createUser(c, svc) })
}

func listUsers(c *gin.Context, svc *service.MemoryService) {
	page := intQuery(c, "page", 1)
	size := intQuery(c, "size", 50)
	users, total, err := svc.Store().ListUsers(c.Request.Context(), page, size)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"users": users,
		"total": total,
		"page":  page,
		"size":  size,
	})
}

type createUserRequest struct {
	UserID string  `json:"user_id" binding:"required"`
	Name   *string `json:"name"`
	Email  *string `json:"email"`
}

func createUser(c *gin.Context, svc *service.MemoryService) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := svc.Store().CreateUser(c.Request.Context(), req.UserID, req.Name, req.Email)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
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

func handleError(c *gin.Context, err error) {
	var conflict *registrystore.ConflictError
	if errors.As(err, &conflict) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	log.Error("users route error", "err", err, "stack", string(debug.Stack()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
