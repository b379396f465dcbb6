package memfilter

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chirino/openmemory-service/internal/model"
	"github.com/chirino/openmemory-service/internal/registry/store"
)

func TestBuildRequiresUserOrAllUsers(t *testing.T) {
	_, err := Filter{}.Build()
	var invalid *store.InvalidFilterError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "userIds", invalid.Field)

	_, err = Filter{AllUsers: true}.Build()
	require.NoError(t, err)

	_, err = Filter{UserIDs: []uuid.UUID{uuid.New()}}.Build()
	require.NoError(t, err)
}

func TestBuildExcludesDeletedAndArchivedByDefault(t *testing.T) {
	q, err := Filter{AllUsers: true}.Build()
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.MemoryState{model.StateActive, model.StatePaused}, q.States)

	q, err = Filter{AllUsers: true, ShowArchived: true}.Build()
	require.NoError(t, err)
	assert.Contains(t, q.States, model.StateArchived)
	assert.NotContains(t, q.States, model.StateDeleted)
}

func TestBuildAppIDsTakePrecedenceOverNames(t *testing.T) {
	appID := uuid.New()

	q, err := Filter{AllUsers: true, AppIDs: []uuid.UUID{appID}, AppNames: []string{"chrome"}}.Build()
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{appID}, q.AppIDs)
	assert.Empty(t, q.AppNames)

	q, err = Filter{AllUsers: true, AppNames: []string{"chrome"}}.Build()
	require.NoError(t, err)
	assert.Equal(t, []string{"chrome"}, q.AppNames)
}

func TestBuildValidatesSortColumn(t *testing.T) {
	_, err := Filter{AllUsers: true, SortColumn: "password"}.Build()
	var invalid *store.InvalidFilterError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "sortColumn", invalid.Field)

	for _, col := range []string{"", store.SortByMemory, store.SortByAppName, store.SortByCreatedAt} {
		_, err := Filter{AllUsers: true, SortColumn: col}.Build()
		assert.NoError(t, err, "column %q", col)
	}
}

func TestBuildValidatesDateRange(t *testing.T) {
	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)
	_, err := Filter{AllUsers: true, FromDate: &from, ToDate: &to}.Build()
	var invalid *store.InvalidFilterError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "toDate", invalid.Field)
}

func TestBuildPaginationDefaults(t *testing.T) {
	q, err := Filter{AllUsers: true}.Build()
	require.NoError(t, err)
	assert.Equal(t, 1, q.Page)
	assert.Equal(t, defaultPageSize, q.Size)

	q, err = Filter{AllUsers: true, Page: 3, Size: 5000}.Build()
	require.NoError(t, err)
	assert.Equal(t, 3, q.Page)
	assert.Equal(t, maxPageSize, q.Size)
}
