// Package memfilter translates declarative memory filters into store
// queries.
package memfilter

import (
	"time"

	"github.com/google/uuid"

	"github.com/chirino/openmemory-service/internal/lifecycle"
	"github.com/chirino/openmemory-service/internal/registry/store"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// Filter is a declarative description of which memories to list. All
// populated fields combine with AND; list fields match any of their values.
type Filter struct {
	// UserIDs restricts to these owners. Leaving it empty is only legal
	// when AllUsers is set, so "all users" is always an explicit choice.
	UserIDs  []uuid.UUID
	AllUsers bool

	// SearchQuery is a case-insensitive substring match on content.
	SearchQuery string

	// AppIDs takes precedence over AppNames when both are supplied.
	AppIDs   []uuid.UUID
	AppNames []string

	// CategoryNames matches memories in any of the named categories.
	CategoryNames []string

	// Metadata constrains by key/value equality, ANDed across keys.
	Metadata map[string]string

	// FromDate and ToDate are inclusive bounds on creation time.
	FromDate *time.Time
	ToDate   *time.Time

	// ShowArchived includes archived memories. Deleted memories are never
	// included.
	ShowArchived bool

	SortColumn string
	SortDesc   bool

	Page int
	Size int
}

// Build validates the filter and produces the store query. Pagination
// defaults are applied here so every caller gets the same bounds.
func (f Filter) Build() (store.MemoryQuery, error) {
	if len(f.UserIDs) == 0 && !f.AllUsers {
		return store.MemoryQuery{}, &store.InvalidFilterError{
			Field:   "userIds",
			Message: "at least one user id is required unless allUsers is set",
		}
	}
	switch f.SortColumn {
	case "", store.SortByMemory, store.SortByAppName, store.SortByCreatedAt:
	default:
		return store.MemoryQuery{}, &store.InvalidFilterError{
			Field:   "sortColumn",
			Message: "must be one of memory, app_name, created_at",
		}
	}
	if f.FromDate != nil && f.ToDate != nil && f.ToDate.Before(*f.FromDate) {
		return store.MemoryQuery{}, &store.InvalidFilterError{
			Field:   "toDate",
			Message: "must not be before fromDate",
		}
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	size := f.Size
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	q := store.MemoryQuery{
		UserIDs:       f.UserIDs,
		States:        lifecycle.VisibleStates(f.ShowArchived),
		AppIDs:        f.AppIDs,
		CategoryNames: f.CategoryNames,
		SearchQuery:   f.SearchQuery,
		Metadata:      f.Metadata,
		FromDate:      f.FromDate,
		ToDate:        f.ToDate,
		SortColumn:    f.SortColumn,
		SortDesc:      f.SortDesc,
		Page:          page,
		Size:          size,
	}
	if len(f.AppIDs) == 0 {
		q.AppNames = f.AppNames
	}
	return q, nil
}
