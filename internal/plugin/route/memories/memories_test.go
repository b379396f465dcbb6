package memories_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chirino/openmemory-service/internal/access"
	"github.com/chirino/openmemory-service/internal/audit"
	"github.com/chirino/openmemory-service/internal/config"
	"github.com/chirino/openmemory-service/internal/lifecycle"
	"github.com/chirino/openmemory-service/internal/model"
	"github.com/chirino/openmemory-service/internal/plugin/route/memories"
	"github.com/chirino/openmemory-service/internal/plugin/store/sqlite"
	registrymigrate "github.com/chirino/openmemory-service/internal/registry/migrate"
	registrystore "github.com/chirino/openmemory-service/internal/registry/store"
	"github.com/chirino/openmemory-service/internal/security"
	"github.com/chirino/openmemory-service/internal/service"
)

var dbSeq atomic.Int64

func setupRouter(t *testing.T) (*gin.Engine, registrystore.MemoryStore, *config.Config) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = fmt.Sprintf("file:routetest%d?mode=memory&cache=shared", dbSeq.Add(1))
	ctx := config.WithContext(context.Background(), &cfg)

	_ = sqlite.ForceImport
	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select("sqlite")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)

	svc := service.NewMemoryService(store, nil, nil, nil,
		access.NewResolver(store, nil, 0),
		lifecycle.NewManager(store),
		audit.NewLogger(store),
		nil, &cfg)

	auth := func(c *gin.Context) {
		c.Set(security.ContextKeyUserID, "alice")
		c.Set(security.ContextKeyClientID, "assistant")
		c.Next()
	}
	router := gin.New()
	memories.MountRoutes(router, svc, &cfg, auth)
	return router, store, &cfg
}

func doJSON(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateGetAndDeleteMemory(t *testing.T) {
	router, _, _ := setupRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/memories",
		`{"text":"I prefer dark roast coffee","metadata":{"topic":"food"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		ID      string `json:"id"`
		Content string `json:"content"`
		AppName string `json:"appName"`
		UserID  string `json:"userId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "I prefer dark roast coffee", created.Content)
	assert.Equal(t, "assistant", created.AppName)
	assert.Equal(t, "alice", created.UserID)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/memories/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/memories/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Deleted memories stay out of listings but the row remains for audit.
	rec = doJSON(t, router, http.MethodGet, "/api/v1/memories", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Items []json.RawMessage `json:"items"`
		Total int64             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Empty(t, page.Items)
}

func TestListAndFilterMemories(t *testing.T) {
	router, _, _ := setupRouter(t)

	for _, text := range []string{"learning go", "learning rust", "pizza night"} {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/memories",
			fmt.Sprintf(`{"text":%q}`, text))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doJSON(t, router, http.MethodGet, "/api/v1/memories?search_query=learning", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Items []struct {
			Content string `json:"content"`
		} `json:"items"`
		Total int64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.EqualValues(t, 2, page.Total)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/memories/filter",
		`{"search_query":"pizza","page":1,"size":10}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "pizza night", page.Items[0].Content)
}

func TestListingsApplyAccessRules(t *testing.T) {
	router, store, _ := setupRouter(t)
	ctx := context.Background()

	ids := map[string]string{}
	for _, text := range []string{"open note", "restricted note"} {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/memories",
			fmt.Sprintf(`{"text":%q}`, text))
		require.Equal(t, http.StatusCreated, rec.Code)
		var created struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
		ids[text] = created.ID
	}

	user, err := store.GetUser(ctx, "alice")
	require.NoError(t, err)
	app, err := store.GetOrCreateApp(ctx, user.ID, "assistant")
	require.NoError(t, err)
	restricted := uuid.MustParse(ids["restricted note"])
	require.NoError(t, store.CreateAccessRule(ctx, &model.AccessControl{
		SubjectType: model.SubjectTypeApp,
		SubjectID:   app.ID,
		ObjectType:  model.ObjectTypeMemory,
		ObjectID:    &restricted,
		Effect:      model.EffectDeny,
	}))

	var page struct {
		Items []struct {
			Content string `json:"content"`
		} `json:"items"`
	}

	// The denied row is filtered out of plain listings for this app.
	rec := doJSON(t, router, http.MethodGet, "/api/v1/memories", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "open note", page.Items[0].Content)

	// And out of filtered listings.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/memories/filter", `{"page":1,"size":10}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "open note", page.Items[0].Content)
}

func TestSearchFallsBackToRelational(t *testing.T) {
	router, _, _ := setupRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/memories", `{"text":"the wifi password is hunter2"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/memories/search", `{"query":"wifi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Results []struct {
			Memory string `json:"memory"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Results, 1)
	assert.Equal(t, "the wifi password is hunter2", out.Results[0].Memory)
}

func TestCreateRejectedForInactiveApp(t *testing.T) {
	router, store, _ := setupRouter(t)
	ctx := context.Background()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/memories", `{"text":"first"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	user, err := store.GetUser(ctx, "alice")
	require.NoError(t, err)
	app, err := store.GetOrCreateApp(ctx, user.ID, "assistant")
	require.NoError(t, err)
	require.NoError(t, store.SetAppActive(ctx, app.ID, false))

	rec = doJSON(t, router, http.MethodPost, "/api/v1/memories", `{"text":"second"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStateActionsAndHistory(t *testing.T) {
	router, _, _ := setupRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/memories", `{"text":"archive me"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, router, http.MethodPost, "/api/v1/memories/actions/archive",
		fmt.Sprintf(`{"memory_ids":[%q]}`, created.ID))
	require.Equal(t, http.StatusOK, rec.Code)

	// Archived rows are hidden unless asked for.
	rec = doJSON(t, router, http.MethodGet, "/api/v1/memories", "")
	var page struct {
		Total int64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.EqualValues(t, 0, page.Total)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/memories?show_archived=true", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.EqualValues(t, 1, page.Total)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/memories/"+created.ID+"/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Equal(t, 2, history.Total)
}

func TestInvalidMemoryIDRejected(t *testing.T) {
	router, _, _ := setupRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/memories/not-a-uuid", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnknownMemoryReturnsNotFound(t *testing.T) {
	router, _, _ := setupRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/memories/7c9e6679-7425-40de-944b-e07fc1f90ae7", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
