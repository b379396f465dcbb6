package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/chirino/openmemory-service/internal/access"
	"github.com/chirino/openmemory-service/internal/config"
	"github.com/chirino/openmemory-service/internal/lifecycle"
	"github.com/chirino/openmemory-service/internal/memfilter"
	"github.com/chirino/openmemory-service/internal/model"
	"github.com/chirino/openmemory-service/internal/plugin/store/sqlite"
	registrymigrate "github.com/chirino/openmemory-service/internal/registry/migrate"
	registrystore "github.com/chirino/openmemory-service/internal/registry/store"
)

var dbSeq atomic.Int64

func setupTestStore(t *testing.T) (registrystore.MemoryStore, context.Context) {
	store, ctx, _ := setupTestStoreDSN(t)
	return store, ctx
}

func setupTestStoreDSN(t *testing.T) (registrystore.MemoryStore, context.Context, string) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	// A uniquely named shared in-memory database isolates each test while
	// letting the migrator and the store share one schema.
	cfg.DBURL = fmt.Sprintf("file:test%d?mode=memory&cache=shared", dbSeq.Add(1))
	ctx := config.WithContext(context.Background(), &cfg)

	// Ensure sqlite store plugin is registered
	_ = sqlite.ForceImport

	err := registrymigrate.RunAll(ctx)
	require.NoError(t, err)

	loader, err := registrystore.Select("sqlite")
	require.NoError(t, err)

	store, err := loader(ctx)
	require.NoError(t, err)

	return store, ctx, cfg.DBURL
}

func seedIdentity(t *testing.T, ctx context.Context, store registrystore.MemoryStore) (*model.User, *model.App) {
	t.Helper()
	user, err := store.GetOrCreateUser(ctx, "alice")
	require.NoError(t, err)
	app, err := store.GetOrCreateApp(ctx, user.ID, "assistant")
	require.NoError(t, err)
	return user, app
}

func seedMemories(t *testing.T, ctx context.Context, store registrystore.MemoryStore, user *model.User, app *model.App, n int) []uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		mem, err := store.CreateMemory(ctx, registrystore.CreateMemoryRequest{
			UserID:  user.ID,
			AppID:   app.ID,
			Content: fmt.Sprintf("memory number %d", i),
		})
		require.NoError(t, err)
		ids = append(ids, mem.ID)
	}
	return ids
}

func TestCreateMemoryWritesInitialHistory(t *testing.T) {
	store, ctx := setupTestStore(t)
	user, app := seedIdentity(t, ctx, store)

	mem, err := store.CreateMemory(ctx, registrystore.CreateMemoryRequest{
		UserID:     user.ID,
		AppID:      app.ID,
		Content:    "I prefer window seats",
		Metadata:   map[string]interface{}{"topic": "travel"},
		Categories: []string{"preferences", "travel"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, mem.State)

	detail, err := store.GetMemoryDetail(ctx, mem.ID)
	require.NoError(t, err)
	assert.Equal(t, "I prefer window seats", detail.Content)
	assert.Equal(t, "alice", detail.UserID)
	assert.Equal(t, "assistant", detail.AppName)
	assert.ElementsMatch(t, []string{"preferences", "travel"}, detail.Categories)
	assert.Equal(t, "travel", detail.Metadata["topic"])

	history, err := store.ListStateHistory(ctx, mem.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Nil(t, history[0].OldState)
	assert.Equal(t, model.StateActive, history[0].NewState)
}

func TestTransitionStampsTimestampsAndKeepsThem(t *testing.T) {
	store, ctx := setupTestStore(t)
	user, app := seedIdentity(t, ctx, store)
	ids := seedMemories(t, ctx, store, user, app, 1)

	_, err := store.TransitionMemoryState(ctx, registrystore.TransitionRequest{
		MemoryID: ids[0],
		NewState: model.StateArchived,
		ActorID:  user.ID,
	})
	require.NoError(t, err)

	mem, err := store.GetMemory(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.StateArchived, mem.State)
	require.NotNil(t, mem.ArchivedAt)
	archivedAt := *mem.ArchivedAt

	// Reactivation keeps the archived timestamp as a last-archived marker.
	_, err = store.TransitionMemoryState(ctx, registrystore.TransitionRequest{
		MemoryID: ids[0],
		NewState: model.StateActive,
		ActorID:  user.ID,
	})
	require.NoError(t, err)

	mem, err = store.GetMemory(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, mem.State)
	require.NotNil(t, mem.ArchivedAt)
	assert.Equal(t, archivedAt.Unix(), mem.ArchivedAt.Unix())
	assert.Nil(t, mem.DeletedAt)

	_, err = store.TransitionMemoryState(ctx, registrystore.TransitionRequest{
		MemoryID: ids[0],
		NewState: model.StateDeleted,
		ActorID:  user.ID,
	})
	require.NoError(t, err)

	mem, err = store.GetMemory(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.StateDeleted, mem.State)
	assert.NotNil(t, mem.DeletedAt)

	history, err := store.ListStateHistory(ctx, ids[0])
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestTransitionWithAccessLogCommitsTogether(t *testing.T) {
	store, ctx := setupTestStore(t)
	user, app := seedIdentity(t, ctx, store)
	ids := seedMemories(t, ctx, store, user, app, 1)

	_, err := store.TransitionMemoryState(ctx, registrystore.TransitionRequest{
		MemoryID: ids[0],
		NewState: model.StatePaused,
		ActorID:  user.ID,
		AccessLog: &registrystore.AccessRecord{
			AppID:    app.ID,
			Kind:     model.AccessRead,
			Metadata: map[string]interface{}{"reason": "pause"},
		},
	})
	require.NoError(t, err)

	logs, total, err := store.ListAccessLogs(ctx, ids[0], 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, logs, 1)
	assert.Equal(t, model.AccessRead, logs[0].AccessType)
	require.NotNil(t, logs[0].AppName)
	assert.Equal(t, "assistant", *logs[0].AppName)
}

func TestTransitionUnknownMemoryReportsNotFound(t *testing.T) {
	store, ctx := setupTestStore(t)
	user, _ := seedIdentity(t, ctx, store)

	_, err := store.TransitionMemoryState(ctx, registrystore.TransitionRequest{
		MemoryID: uuid.New(),
		NewState: model.StateArchived,
		ActorID:  user.ID,
	})
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "memory", notFound.Resource)
}

func TestResolverWithStoredRules(t *testing.T) {
	store, ctx := setupTestStore(t)
	user, app := seedIdentity(t, ctx, store)
	ids := seedMemories(t, ctx, store, user, app, 5)

	resolver := access.NewResolver(store, nil, 0)

	// No rules: every memory is accessible.
	set, err := resolver.AccessibleSet(ctx, app.ID)
	require.NoError(t, err)
	assert.True(t, set.IsUnrestricted())
	assert.Len(t, set.Intersect(ids), 5)

	// A blanket deny empties the set even alongside a blanket allow.
	for _, effect := range []model.RuleEffect{model.EffectAllow, model.EffectDeny} {
		err = store.CreateAccessRule(ctx, &model.AccessControl{
			SubjectType: model.SubjectTypeApp,
			SubjectID:   app.ID,
			ObjectType:  model.ObjectTypeMemory,
			Effect:      effect,
		})
		require.NoError(t, err)
	}
	set, err = resolver.AccessibleSet(ctx, app.ID)
	require.NoError(t, err)
	assert.False(t, set.IsUnrestricted())
	assert.Empty(t, set.Intersect(ids))

	// Rules are per app: a second app is unaffected.
	other, err := store.GetOrCreateApp(ctx, user.ID, "other-agent")
	require.NoError(t, err)
	set, err = resolver.AccessibleSet(ctx, other.ID)
	require.NoError(t, err)
	assert.True(t, set.IsUnrestricted())
}

func TestResolverSpecificRules(t *testing.T) {
	store, ctx := setupTestStore(t)
	user, app := seedIdentity(t, ctx, store)
	ids := seedMemories(t, ctx, store, user, app, 3)

	err := store.CreateAccessRule(ctx, &model.AccessControl{
		SubjectType: model.SubjectTypeApp,
		SubjectID:   app.ID,
		ObjectType:  model.ObjectTypeMemory,
		ObjectID:    &ids[0],
		Effect:      model.EffectAllow,
	})
	require.NoError(t, err)
	err = store.CreateAccessRule(ctx, &model.AccessControl{
		SubjectType: model.SubjectTypeApp,
		SubjectID:   app.ID,
		ObjectType:  model.ObjectTypeMemory,
		ObjectID:    &ids[1],
		Effect:      model.EffectAllow,
	})
	require.NoError(t, err)
	err = store.CreateAccessRule(ctx, &model.AccessControl{
		SubjectType: model.SubjectTypeApp,
		SubjectID:   app.ID,
		ObjectType:  model.ObjectTypeMemory,
		ObjectID:    &ids[1],
		Effect:      model.EffectDeny,
	})
	require.NoError(t, err)

	resolver := access.NewResolver(store, nil, 0)
	set, err := resolver.AccessibleSet(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{ids[0]}, set.Intersect(ids))
}

func TestListMemoriesFilters(t *testing.T) {
	store, ctx := setupTestStore(t)
	user, app := seedIdentity(t, ctx, store)

	mkMemory := func(content string, metadata map[string]interface{}, categories ...string) uuid.UUID {
		mem, err := store.CreateMemory(ctx, registrystore.CreateMemoryRequest{
			UserID:     user.ID,
			AppID:      app.ID,
			Content:    content,
			Metadata:   metadata,
			Categories: categories,
		})
		require.NoError(t, err)
		return mem.ID
	}
	goID := mkMemory("Learning Go generics", map[string]interface{}{"topic": "go"}, "programming")
	mkMemory("Favorite pizza is margherita", map[string]interface{}{"topic": "food"}, "preferences")
	archivedID := mkMemory("Old note about Go 1.17", map[string]interface{}{"topic": "go"}, "programming")

	_, err := store.TransitionMemoryState(ctx, registrystore.TransitionRequest{
		MemoryID: archivedID,
		NewState: model.StateArchived,
		ActorID:  user.ID,
	})
	require.NoError(t, err)

	build := func(f memfilter.Filter) registrystore.MemoryQuery {
		f.UserIDs = []uuid.UUID{user.ID}
		q, err := f.Build()
		require.NoError(t, err)
		return q
	}

	// Metadata equality, archived excluded by default.
	page, err := store.ListMemories(ctx, build(memfilter.Filter{Metadata: map[string]string{"topic": "go"}}))
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, goID, page.Items[0].ID)

	// show_archived widens the visible states.
	page, err = store.ListMemories(ctx, build(memfilter.Filter{Metadata: map[string]string{"topic": "go"}, ShowArchived: true}))
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.EqualValues(t, 2, page.Total)

	// Case-insensitive substring search.
	page, err = store.ListMemories(ctx, build(memfilter.Filter{SearchQuery: "PIZZA"}))
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Favorite pizza is margherita", page.Items[0].Content)

	// Category filter.
	page, err = store.ListMemories(ctx, build(memfilter.Filter{CategoryNames: []string{"preferences"}}))
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	// App name filter.
	page, err = store.ListMemories(ctx, build(memfilter.Filter{AppNames: []string{"assistant"}}))
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
}

func TestListMemoryIDsByState(t *testing.T) {
	store, ctx := setupTestStore(t)
	user, app := seedIdentity(t, ctx, store)
	ids := seedMemories(t, ctx, store, user, app, 3)

	_, err := store.TransitionMemoryState(ctx, registrystore.TransitionRequest{
		MemoryID: ids[0],
		NewState: model.StateDeleted,
		ActorID:  user.ID,
	})
	require.NoError(t, err)
	_, err = store.TransitionMemoryState(ctx, registrystore.TransitionRequest{
		MemoryID: ids[1],
		NewState: model.StateArchived,
		ActorID:  user.ID,
	})
	require.NoError(t, err)

	visible, err := store.ListMemoryIDs(ctx, user.ID, lifecycle.VisibleStates(false))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{ids[2]}, visible)

	withArchived, err := store.ListMemoryIDs(ctx, user.ID, lifecycle.VisibleStates(true))
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{ids[1], ids[2]}, withArchived)
}

func TestCreateUserConflict(t *testing.T) {
	store, ctx := setupTestStore(t)

	_, err := store.CreateUser(ctx, "bob", nil, nil)
	require.NoError(t, err)

	_, err = store.CreateUser(ctx, "bob", nil, nil)
	var conflict *registrystore.ConflictError
	require.True(t, errors.As(err, &conflict))
}

func TestListUsersCountsExcludeDeleted(t *testing.T) {
	store, ctx := setupTestStore(t)
	user, app := seedIdentity(t, ctx, store)
	ids := seedMemories(t, ctx, store, user, app, 3)

	_, err := store.TransitionMemoryState(ctx, registrystore.TransitionRequest{
		MemoryID: ids[0],
		NewState: model.StateDeleted,
		ActorID:  user.ID,
	})
	require.NoError(t, err)

	users, total, err := store.ListUsers(ctx, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].UserID)
	assert.EqualValues(t, 2, users[0].MemoryCount)
}

func TestListRelatedMemories(t *testing.T) {
	store, ctx := setupTestStore(t)
	user, app := seedIdentity(t, ctx, store)

	mk := func(content string, categories ...string) uuid.UUID {
		mem, err := store.CreateMemory(ctx, registrystore.CreateMemoryRequest{
			UserID:     user.ID,
			AppID:      app.ID,
			Content:    content,
			Categories: categories,
		})
		require.NoError(t, err)
		return mem.ID
	}
	base := mk("likes hiking and photography", "hobbies", "outdoors")
	both := mk("went hiking with a camera", "hobbies", "outdoors")
	one := mk("bought a new camera", "hobbies")
	mk("unrelated grocery list", "errands")

	related, err := store.ListRelatedMemories(ctx, user.ID, base, 5)
	require.NoError(t, err)
	require.Len(t, related, 2)
	// Most shared categories first.
	assert.Equal(t, both, related[0].ID)
	assert.Equal(t, one, related[1].ID)
}

func TestAppendAndPageAccessLogs(t *testing.T) {
	store, ctx := setupTestStore(t)
	user, app := seedIdentity(t, ctx, store)
	ids := seedMemories(t, ctx, store, user, app, 1)

	for i := 0; i < 3; i++ {
		err := store.AppendAccessLog(ctx, &model.MemoryAccessLog{
			ID:         uuid.New(),
			MemoryID:   ids[0],
			AppID:      app.ID,
			AccessType: model.AccessSearch,
			Metadata:   map[string]interface{}{"query": fmt.Sprintf("q%d", i)},
		})
		require.NoError(t, err)
	}

	logs, total, err := store.ListAccessLogs(ctx, ids[0], 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, logs, 2)

	logs, _, err = store.ListAccessLogs(ctx, ids[0], 2, 2)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestGetOrCreateUserAndAppAreIdempotent(t *testing.T) {
	store, ctx := setupTestStore(t)

	user, err := store.GetOrCreateUser(ctx, "alice")
	require.NoError(t, err)
	sameUser, err := store.GetOrCreateUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, sameUser.ID)

	app, err := store.GetOrCreateApp(ctx, user.ID, "assistant")
	require.NoError(t, err)
	sameApp, err := store.GetOrCreateApp(ctx, user.ID, "assistant")
	require.NoError(t, err)
	assert.Equal(t, app.ID, sameApp.ID)
	assert.True(t, sameApp.IsActive)
}

func TestCreateMemoryReusesExistingCategories(t *testing.T) {
	store, ctx := setupTestStore(t)
	user, app := seedIdentity(t, ctx, store)

	first, err := store.CreateMemory(ctx, registrystore.CreateMemoryRequest{
		UserID:     user.ID,
		AppID:      app.ID,
		Content:    "window seats on long flights",
		Categories: []string{"travel"},
	})
	require.NoError(t, err)

	second, err := store.CreateMemory(ctx, registrystore.CreateMemoryRequest{
		UserID:     user.ID,
		AppID:      app.ID,
		Content:    "aisle seats on short flights",
		Categories: []string{"travel", "preferences"},
	})
	require.NoError(t, err)

	firstDetail, err := store.GetMemoryDetail(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"travel"}, firstDetail.Categories)

	secondDetail, err := store.GetMemoryDetail(ctx, second.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"travel", "preferences"}, secondDetail.Categories)

	categories, err := store.ListCategories(ctx, &user.ID)
	require.NoError(t, err)
	names := make([]string, 0, len(categories))
	for _, cat := range categories {
		names = append(names, cat.Name)
	}
	assert.ElementsMatch(t, []string{"travel", "preferences"}, names)
}

func TestTransitionRollsBackWhenHistoryAppendFails(t *testing.T) {
	store, ctx, dsn := setupTestStoreDSN(t)
	user, app := seedIdentity(t, ctx, store)
	ids := seedMemories(t, ctx, store, user, app, 1)

	// Breaking the history table makes the append inside the transition
	// transaction fail; the state update must roll back with it.
	raw, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, raw.Exec("ALTER TABLE memory_status_history RENAME TO memory_status_history_hidden").Error)

	_, err = store.TransitionMemoryState(ctx, registrystore.TransitionRequest{
		MemoryID: ids[0],
		NewState: model.StateArchived,
		ActorID:  user.ID,
	})
	require.Error(t, err)

	mem, err := store.GetMemory(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, mem.State)
	assert.Nil(t, mem.ArchivedAt)
}
