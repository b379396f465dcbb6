package metrics

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/chirino/openmemory-service/internal/model"
	"github.com/chirino/openmemory-service/internal/registry/store"
	"github.com/chirino/openmemory-service/internal/security"
)

// Wrap returns a MemoryStore that records StoreLatency for every operation.
func Wrap(inner store.MemoryStore) store.MemoryStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.MemoryStore
}

func observe(op string, start time.Time) {
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) GetUser(ctx context.Context, externalID string) (*model.User, error) {
	defer observe("get_user", time.Now())
	return m.inner.GetUser(ctx, externalID)
}

func (m *metricsStore) GetOrCreateUser(ctx context.Context, externalID string) (*model.User, error) {
	defer observe("get_or_create_user", time.Now())
	return m.inner.GetOrCreateUser(ctx, externalID)
}

func (m *metricsStore) CreateUser(ctx context.Context, externalID string, name, email *string) (*model.User, error) {
	defer observe("create_user", time.Now())
	return m.inner.CreateUser(ctx, externalID, name, email)
}

func (m *metricsStore) ListUsers(ctx context.Context, page, size int) ([]store.UserSummary, int64, error) {
	defer observe("list_users", time.Now())
	return m.inner.ListUsers(ctx, page, size)
}

func (m *metricsStore) GetOrCreateApp(ctx context.Context, ownerID uuid.UUID, name string) (*model.App, error) {
	defer observe("get_or_create_app", time.Now())
	return m.inner.GetOrCreateApp(ctx, ownerID, name)
}

func (m *metricsStore) GetApp(ctx context.Context, appID uuid.UUID) (*model.App, error) {
	defer observe("get_app", time.Now())
	return m.inner.GetApp(ctx, appID)
}

func (m *metricsStore) SetAppActive(ctx context.Context, appID uuid.UUID, active bool) error {
	defer observe("set_app_active", time.Now())
	return m.inner.SetAppActive(ctx, appID, active)
}

func (m *metricsStore) CreateMemory(ctx context.Context, req store.CreateMemoryRequest) (*model.Memory, error) {
	defer observe("create_memory", time.Now())
	return m.inner.CreateMemory(ctx, req)
}

func (m *metricsStore) GetMemory(ctx context.Context, id uuid.UUID) (*model.Memory, error) {
	defer observe("get_memory", time.Now())
	return m.inner.GetMemory(ctx, id)
}

func (m *metricsStore) GetMemoryDetail(ctx context.Context, id uuid.UUID) (*store.MemoryDetail, error) {
	defer observe("get_memory_detail", time.Now())
	return m.inner.GetMemoryDetail(ctx, id)
}

func (m *metricsStore) GetMemoryDetails(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]store.MemoryDetail, error) {
	defer observe("get_memory_details", time.Now())
	return m.inner.GetMemoryDetails(ctx, ids)
}

func (m *metricsStore) UpdateMemoryContent(ctx context.Context, id uuid.UUID, content string) (*model.Memory, error) {
	defer observe("update_memory_content", time.Now())
	return m.inner.UpdateMemoryContent(ctx, id, content)
}

func (m *metricsStore) TransitionMemoryState(ctx context.Context, req store.TransitionRequest) (*model.Memory, error) {
	defer observe("transition_memory_state", time.Now())
	return m.inner.TransitionMemoryState(ctx, req)
}

func (m *metricsStore) ListMemories(ctx context.Context, q store.MemoryQuery) (*store.PagedMemories, error) {
	defer observe("list_memories", time.Now())
	return m.inner.ListMemories(ctx, q)
}

func (m *metricsStore) ListMemoryIDs(ctx context.Context, userID uuid.UUID, states []model.MemoryState) ([]uuid.UUID, error) {
	defer observe("list_memory_ids", time.Now())
	return m.inner.ListMemoryIDs(ctx, userID, states)
}

func (m *metricsStore) ListMemoryIDsMatching(ctx context.Context, q store.MemoryQuery) ([]uuid.UUID, error) {
	defer observe("list_memory_ids_matching", time.Now())
	return m.inner.ListMemoryIDsMatching(ctx, q)
}

func (m *metricsStore) SetMemoryCategories(ctx context.Context, memoryID uuid.UUID, names []string) error {
	defer observe("set_memory_categories", time.Now())
	return m.inner.SetMemoryCategories(ctx, memoryID, names)
}

func (m *metricsStore) ListCategories(ctx context.Context, userID *uuid.UUID) ([]model.Category, error) {
	defer observe("list_categories", time.Now())
	return m.inner.ListCategories(ctx, userID)
}

func (m *metricsStore) ListRelatedMemories(ctx context.Context, userID, memoryID uuid.UUID, limit int) ([]store.MemoryDetail, error) {
	defer observe("list_related_memories", time.Now())
	return m.inner.ListRelatedMemories(ctx, userID, memoryID, limit)
}

func (m *metricsStore) ListAccessRules(ctx context.Context, appID uuid.UUID) ([]model.AccessControl, error) {
	defer observe("list_access_rules", time.Now())
	return m.inner.ListAccessRules(ctx, appID)
}

func (m *metricsStore) CreateAccessRule(ctx context.Context, rule *model.AccessControl) error {
	defer observe("create_access_rule", time.Now())
	return m.inner.CreateAccessRule(ctx, rule)
}

func (m *metricsStore) AppendAccessLog(ctx context.Context, entry *model.MemoryAccessLog) error {
	defer observe("append_access_log", time.Now())
	return m.inner.AppendAccessLog(ctx, entry)
}

func (m *metricsStore) ListAccessLogs(ctx context.Context, memoryID uuid.UUID, page, size int) ([]store.AccessLogDetail, int64, error) {
	defer observe("list_access_logs", time.Now())
	return m.inner.ListAccessLogs(ctx, memoryID, page, size)
}

func (m *metricsStore) ListStateHistory(ctx context.Context, memoryID uuid.UUID) ([]model.MemoryStatusHistory, error) {
	defer observe("list_state_history", time.Now())
	return m.inner.ListStateHistory(ctx, memoryID)
}
