// Package mcptools exposes the memory operations as MCP tools over SSE so
// agent clients can read and write memories without the REST API.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/chirino/openmemory-service/internal/config"
	"github.com/chirino/openmemory-service/internal/memfilter"
	"github.com/chirino/openmemory-service/internal/model"
	"github.com/chirino/openmemory-service/internal/search"
	"github.com/chirino/openmemory-service/internal/service"
)

const serverVersion = "1.0.0"

// MountRoutes mounts the MCP server under /mcp. Tool calls that omit
// user_id or client fall back to the configured defaults.
func MountRoutes(r *gin.Engine, svc *service.MemoryService, cfg *config.Config) {
	if svc == nil {
		return
	}
	s := mcpserver.NewMCPServer(
		"openmemory",
		serverVersion,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)

	h := &handlers{svc: svc, cfg: cfg}

	s.AddTool(mcp.NewTool("add_memories",
		mcp.WithDescription("Store a new memory for the user."),
		mcp.WithString("text", mcp.Required(), mcp.Description("The memory text to store")),
		mcp.WithString("user_id", mcp.Description("Owner of the memory; defaults to the configured user")),
		mcp.WithString("client", mcp.Description("Calling application name; defaults to the configured app")),
	), h.addMemories)

	s.AddTool(mcp.NewTool("search_memory",
		mcp.WithDescription("Search the user's memories by semantic similarity."),
		mcp.WithString("query", mcp.Required(), mcp.Description("The search query")),
		mcp.WithString("user_id", mcp.Description("Owner to search; defaults to the configured user")),
		mcp.WithString("client", mcp.Description("Calling application name; defaults to the configured app")),
	), h.searchMemory)

	s.AddTool(mcp.NewTool("list_memories",
		mcp.WithDescription("List the user's memories visible to the calling application."),
		mcp.WithString("user_id", mcp.Description("Owner to list; defaults to the configured user")),
		mcp.WithString("client", mcp.Description("Calling application name; defaults to the configured app")),
	), h.listMemories)

	s.AddTool(mcp.NewTool("delete_all_memories",
		mcp.WithDescription("Delete every memory of the user that the calling application may access."),
		mcp.WithString("user_id", mcp.Description("Owner whose memories are deleted; defaults to the configured user")),
		mcp.WithString("client", mcp.Description("Calling application name; defaults to the configured app")),
	), h.deleteAllMemories)

	sse := mcpserver.NewSSEServer(s, mcpserver.WithStaticBasePath("/mcp"))
	r.Any("/mcp/*any", gin.WrapH(sse))
}

type handlers struct {
	svc *service.MemoryService
	cfg *config.Config
}

func (h *handlers) identity(ctx context.Context, req mcp.CallToolRequest) (*model.User, *model.App, error) {
	userID := req.GetString("user_id", h.cfg.DefaultUserID)
	client := req.GetString("client", h.cfg.DefaultAppName)
	return h.svc.Identity(ctx, userID, client)
}

func (h *handlers) addMemories(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	user, app, err := h.identity(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	detail, err := h.svc.Create(ctx, user, app, text, nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(detail)
}

func (h *handlers) searchMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	user, app, err := h.identity(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := h.svc.Search(ctx, user, app, query, search.Request{
		Policy: search.PartialMissing,
		Kind:   model.AccessSearch,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{"results": results})
}

func (h *handlers) listMemories(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, app, err := h.identity(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	page, err := h.svc.List(ctx, memfilter.Filter{
		UserIDs: []uuid.UUID{user.ID},
		Page:    1,
		Size:    h.cfg.SearchLimit,
	}, app)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(page)
}

func (h *handlers) deleteAllMemories(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, app, err := h.identity(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := h.svc.DeleteAllAccessible(ctx, user, app)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("deleted %d memories", n)), nil
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
