// Package gormstore implements the relational store on top of GORM. The
// postgres and sqlite plugins wrap it with their own dialects.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/chirino/openmemory-service/internal/model"
	registrystore "github.com/chirino/openmemory-service/internal/registry/store"
)

// Store implements registrystore.MemoryStore for any GORM dialect.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// isDuplicate detects unique constraint violations. The GORM error
// translator covers sqlite; postgres surfaces pgconn errors directly when
// the translator is bypassed by raw SQL.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Users and apps ---

func (s *Store) GetUser(ctx context.Context, externalID string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).Where("user_id = ?", externalID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "user", ID: externalID}
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) GetOrCreateUser(ctx context.Context, externalID string) (*model.User, error) {
	// The dest must stay zero-valued: a preset primary key would be added
	// to the lookup conditions and the existing row would never match.
	var user model.User
	err := s.db.WithContext(ctx).
		Attrs(model.User{ID: uuid.New()}).
		FirstOrCreate(&user, model.User{UserID: externalID}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get or create user %s: %w", externalID, err)
	}
	return &user, nil
}

func (s *Store) CreateUser(ctx context.Context, externalID string, name, email *string) (*model.User, error) {
	user := model.User{ID: uuid.New(), UserID: externalID, Name: name, Email: email}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if isDuplicate(err) {
			return nil, &registrystore.ConflictError{Message: fmt.Sprintf("user %s already exists", externalID)}
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context, page, size int) ([]registrystore.UserSummary, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&model.User{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var users []registrystore.UserSummary
	err := s.db.WithContext(ctx).Model(&model.User{}).
		Select("users.*, (SELECT COUNT(*) FROM memories m WHERE m.user_id = users.id AND m.state <> ?) AS memory_count", model.StateDeleted).
		Order("users.created_at ASC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&users).Error
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

func (s *Store) GetOrCreateApp(ctx context.Context, ownerID uuid.UUID, name string) (*model.App, error) {
	var app model.App
	err := s.db.WithContext(ctx).
		Attrs(model.App{ID: uuid.New(), IsActive: true}).
		FirstOrCreate(&app, model.App{OwnerID: ownerID, Name: name}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get or create app %s: %w", name, err)
	}
	return &app, nil
}

func (s *Store) GetApp(ctx context.Context, appID uuid.UUID) (*model.App, error) {
	var app model.App
	if err := s.db.WithContext(ctx).First(&app, "id = ?", appID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "app", ID: appID.String()}
		}
		return nil, err
	}
	return &app, nil
}

func (s *Store) SetAppActive(ctx context.Context, appID uuid.UUID, active bool) error {
	res := s.db.WithContext(ctx).Model(&model.App{}).Where("id = ?", appID).Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "app", ID: appID.String()}
	}
	return nil
}

// --- Memories ---

func (s *Store) CreateMemory(ctx context.Context, req registrystore.CreateMemoryRequest) (*model.Memory, error) {
	id := uuid.New()
	if req.ID != nil {
		id = *req.ID
	}
	mem := model.Memory{
		ID:       id,
		UserID:   req.UserID,
		AppID:    req.AppID,
		Content:  req.Content,
		Metadata: req.Metadata,
		State:    model.StateActive,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&mem).Error; err != nil {
			if isDuplicate(err) {
				return &registrystore.ConflictError{Message: fmt.Sprintf("memory %s already exists", id)}
			}
			return err
		}
		if len(req.Categories) > 0 {
			if err := setCategories(tx, &mem, req.Categories); err != nil {
				return err
			}
		}
		// The creation record has no previous state.
		return tx.Create(&model.MemoryStatusHistory{
			ID:        uuid.New(),
			MemoryID:  mem.ID,
			ChangedBy: req.UserID,
			NewState:  model.StateActive,
			ChangedAt: time.Now(),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &mem, nil
}

func (s *Store) GetMemory(ctx context.Context, id uuid.UUID) (*model.Memory, error) {
	var mem model.Memory
	if err := s.db.WithContext(ctx).Preload("Categories").First(&mem, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "memory", ID: id.String()}
		}
		return nil, err
	}
	return &mem, nil
}

func (s *Store) GetMemoryDetail(ctx context.Context, id uuid.UUID) (*registrystore.MemoryDetail, error) {
	mem, err := s.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	details, err := s.toDetails(ctx, []model.Memory{*mem})
	if err != nil {
		return nil, err
	}
	return &details[0], nil
}

func (s *Store) GetMemoryDetails(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]registrystore.MemoryDetail, error) {
	out := make(map[uuid.UUID]registrystore.MemoryDetail, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var memories []model.Memory
	if err := s.db.WithContext(ctx).Preload("Categories").Where("id IN ?", ids).Find(&memories).Error; err != nil {
		return nil, err
	}
	details, err := s.toDetails(ctx, memories)
	if err != nil {
		return nil, err
	}
	for _, d := range details {
		out[d.ID] = d
	}
	return out, nil
}

func (s *Store) UpdateMemoryContent(ctx context.Context, id uuid.UUID, content string) (*model.Memory, error) {
	var mem model.Memory
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&mem, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &registrystore.NotFoundError{Resource: "memory", ID: id.String()}
			}
			return err
		}
		return tx.Model(&mem).Update("content", content).Error
	})
	if err != nil {
		return nil, err
	}
	return &mem, nil
}

func (s *Store) TransitionMemoryState(ctx context.Context, req registrystore.TransitionRequest) (*model.Memory, error) {
	var mem model.Memory
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&mem, "id = ?", req.MemoryID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &registrystore.NotFoundError{Resource: "memory", ID: req.MemoryID.String()}
			}
			return err
		}
		oldState := mem.State
		now := time.Now()

		updates := map[string]interface{}{"state": req.NewState}
		// Archive and delete stamp their timestamps. Returning to active
		// keeps them as last-archived/last-deleted markers.
		switch req.NewState {
		case model.StateArchived:
			updates["archived_at"] = now
		case model.StateDeleted:
			updates["deleted_at"] = now
		}
		if err := tx.Model(&mem).Updates(updates).Error; err != nil {
			return err
		}

		history := model.MemoryStatusHistory{
			ID:        uuid.New(),
			MemoryID:  mem.ID,
			ChangedBy: req.ActorID,
			OldState:  &oldState,
			NewState:  req.NewState,
			ChangedAt: now,
		}
		if err := tx.Create(&history).Error; err != nil {
			return err
		}

		if req.AccessLog != nil {
			entry := model.MemoryAccessLog{
				ID:         uuid.New(),
				MemoryID:   mem.ID,
				AppID:      req.AccessLog.AppID,
				AccessType: req.AccessLog.Kind,
				Metadata:   req.AccessLog.Metadata,
				AccessedAt: now,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &mem, nil
}

func (s *Store) ListMemories(ctx context.Context, q registrystore.MemoryQuery) (*registrystore.PagedMemories, error) {
	query := s.buildQuery(ctx, q)

	var total int64
	if err := query.Session(&gorm.Session{}).Distinct("memories.id").Count(&total).Error; err != nil {
		return nil, err
	}

	switch q.SortColumn {
	case registrystore.SortByMemory:
		query = query.Order(orderClause("memories.content", q.SortDesc))
	case registrystore.SortByAppName:
		query = query.Joins("JOIN apps sort_apps ON sort_apps.id = memories.app_id").
			Order(orderClause("sort_apps.name", q.SortDesc))
	case registrystore.SortByCreatedAt:
		query = query.Order(orderClause("memories.created_at", q.SortDesc))
	default:
		query = query.Order("memories.created_at DESC")
	}

	var memories []model.Memory
	err := query.Preload("Categories").
		Offset((q.Page - 1) * q.Size).
		Limit(q.Size).
		Find(&memories).Error
	if err != nil {
		return nil, err
	}
	items, err := s.toDetails(ctx, memories)
	if err != nil {
		return nil, err
	}
	return &registrystore.PagedMemories{Items: items, Total: total, Page: q.Page, Size: q.Size}, nil
}

func (s *Store) ListMemoryIDs(ctx context.Context, userID uuid.UUID, states []model.MemoryState) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&model.Memory{}).
		Where("user_id = ? AND state IN ?", userID, states).
		Order("created_at DESC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) ListMemoryIDsMatching(ctx context.Context, q registrystore.MemoryQuery) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.buildQuery(ctx, q).Distinct("memories.id").Pluck("memories.id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) SetMemoryCategories(ctx context.Context, memoryID uuid.UUID, names []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var mem model.Memory
		if err := tx.First(&mem, "id = ?", memoryID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &registrystore.NotFoundError{Resource: "memory", ID: memoryID.String()}
			}
			return err
		}
		return setCategories(tx, &mem, names)
	})
}

func setCategories(tx *gorm.DB, mem *model.Memory, names []string) error {
	categories := make([]model.Category, 0, len(names))
	for _, name := range names {
		var cat model.Category
		if err := tx.Attrs(model.Category{ID: uuid.New()}).
			FirstOrCreate(&cat, model.Category{Name: name}).Error; err != nil {
			return fmt.Errorf("failed to ensure category %s: %w", name, err)
		}
		categories = append(categories, cat)
	}
	if err := tx.Model(mem).Association("Categories").Replace(categories); err != nil {
		return fmt.Errorf("failed to set categories: %w", err)
	}
	return nil
}

func (s *Store) ListCategories(ctx context.Context, userID *uuid.UUID) ([]model.Category, error) {
	query := s.db.WithContext(ctx).Model(&model.Category{}).Order("categories.name ASC")
	if userID != nil {
		query = query.
			Joins("JOIN memory_categories mc ON mc.category_id = categories.id").
			Joins("JOIN memories m ON m.id = mc.memory_id").
			Where("m.user_id = ? AND m.state <> ?", *userID, model.StateDeleted).
			Distinct("categories.*")
	}
	var categories []model.Category
	if err := query.Find(&categories).Error; err != nil {
		return nil, err
	}
	return categories, nil
}

func (s *Store) ListRelatedMemories(ctx context.Context, userID, memoryID uuid.UUID, limit int) ([]registrystore.MemoryDetail, error) {
	var memories []model.Memory
	err := s.db.WithContext(ctx).Model(&model.Memory{}).
		Joins("JOIN memory_categories mc ON mc.memory_id = memories.id").
		Where("mc.category_id IN (?)",
			s.db.Table("memory_categories").Select("category_id").Where("memory_id = ?", memoryID)).
		Where("memories.user_id = ? AND memories.id <> ? AND memories.state <> ?", userID, memoryID, model.StateDeleted).
		Group("memories.id").
		Order("COUNT(mc.category_id) DESC, MAX(memories.created_at) DESC").
		Limit(limit).
		Preload("Categories").
		Find(&memories).Error
	if err != nil {
		return nil, err
	}
	return s.toDetails(ctx, memories)
}

// --- Access rules ---

func (s *Store) ListAccessRules(ctx context.Context, appID uuid.UUID) ([]model.AccessControl, error) {
	var rules []model.AccessControl
	err := s.db.WithContext(ctx).
		Where("subject_type = ? AND subject_id = ? AND object_type = ?",
			model.SubjectTypeApp, appID, model.ObjectTypeMemory).
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	return rules, nil
}

func (s *Store) CreateAccessRule(ctx context.Context, rule *model.AccessControl) error {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(rule).Error
}

// --- Audit log ---

func (s *Store) AppendAccessLog(ctx context.Context, entry *model.MemoryAccessLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.AccessedAt.IsZero() {
		entry.AccessedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *Store) ListAccessLogs(ctx context.Context, memoryID uuid.UUID, page, size int) ([]registrystore.AccessLogDetail, int64, error) {
	base := s.db.WithContext(ctx).Model(&model.MemoryAccessLog{}).Where("memory_access_logs.memory_id = ?", memoryID)

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var logs []registrystore.AccessLogDetail
	err := base.
		Select("memory_access_logs.*, apps.name AS app_name").
		Joins("LEFT JOIN apps ON apps.id = memory_access_logs.app_id").
		Order("memory_access_logs.accessed_at DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&logs).Error
	if err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

// --- History ---

func (s *Store) ListStateHistory(ctx context.Context, memoryID uuid.UUID) ([]model.MemoryStatusHistory, error) {
	var history []model.MemoryStatusHistory
	err := s.db.WithContext(ctx).
		Where("memory_id = ?", memoryID).
		Order("changed_at ASC").
		Find(&history).Error
	if err != nil {
		return nil, err
	}
	return history, nil
}

// --- Query building ---

func (s *Store) buildQuery(ctx context.Context, q registrystore.MemoryQuery) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&model.Memory{})

	if len(q.UserIDs) > 0 {
		query = query.Where("memories.user_id IN ?", q.UserIDs)
	}
	if len(q.States) > 0 {
		query = query.Where("memories.state IN ?", q.States)
	}
	if len(q.AppIDs) > 0 {
		query = query.Where("memories.app_id IN ?", q.AppIDs)
	} else if len(q.AppNames) > 0 {
		query = query.Where("memories.app_id IN (?)",
			s.db.Table("apps").Select("id").Where("name IN ?", q.AppNames))
	}
	if len(q.CategoryIDs) > 0 {
		query = query.Where("memories.id IN (?)",
			s.db.Table("memory_categories").Select("memory_id").Where("category_id IN ?", q.CategoryIDs))
	}
	if len(q.CategoryNames) > 0 {
		query = query.Where("memories.id IN (?)",
			s.db.Table("memory_categories").Select("memory_categories.memory_id").
				Joins("JOIN categories ON categories.id = memory_categories.category_id").
				Where("categories.name IN ?", q.CategoryNames))
	}
	if q.SearchQuery != "" {
		query = query.Where("LOWER(memories.content) LIKE ?", "%"+strings.ToLower(q.SearchQuery)+"%")
	}
	for key, value := range q.Metadata {
		query = query.Where(s.metadataClause(), key, value)
	}
	if q.FromDate != nil {
		query = query.Where("memories.created_at >= ?", *q.FromDate)
	}
	if q.ToDate != nil {
		query = query.Where("memories.created_at <= ?", *q.ToDate)
	}
	return query
}

// metadataClause returns the dialect-specific JSON key equality predicate.
func (s *Store) metadataClause() string {
	if s.db.Dialector.Name() == "postgres" {
		return "memories.metadata ->> ? = ?"
	}
	return "json_extract(memories.metadata, '$.' || ?) = ?"
}

func orderClause(column string, desc bool) string {
	if desc {
		return column + " DESC"
	}
	return column + " ASC"
}

// toDetails batch-resolves app names and user external ids for a page of
// memories.
func (s *Store) toDetails(ctx context.Context, memories []model.Memory) ([]registrystore.MemoryDetail, error) {
	details := make([]registrystore.MemoryDetail, 0, len(memories))
	if len(memories) == 0 {
		return details, nil
	}

	appIDs := map[uuid.UUID]struct{}{}
	userIDs := map[uuid.UUID]struct{}{}
	for _, m := range memories {
		appIDs[m.AppID] = struct{}{}
		userIDs[m.UserID] = struct{}{}
	}
	appNames, err := s.appNames(ctx, keys(appIDs))
	if err != nil {
		return nil, err
	}
	externalIDs, err := s.userExternalIDs(ctx, keys(userIDs))
	if err != nil {
		return nil, err
	}

	for _, m := range memories {
		names := make([]string, len(m.Categories))
		for i, c := range m.Categories {
			names[i] = c.Name
		}
		details = append(details, registrystore.MemoryDetail{
			ID:         m.ID,
			Content:    m.Content,
			State:      m.State,
			AppID:      m.AppID,
			AppName:    appNames[m.AppID],
			UserID:     externalIDs[m.UserID],
			Categories: names,
			Metadata:   m.Metadata,
			CreatedAt:  m.CreatedAt,
			UpdatedAt:  m.UpdatedAt,
			ArchivedAt: m.ArchivedAt,
			DeletedAt:  m.DeletedAt,
		})
	}
	return details, nil
}

func (s *Store) appNames(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	var apps []model.App
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&apps).Error; err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]string, len(apps))
	for _, a := range apps {
		out[a.ID] = a.Name
	}
	return out, nil
}

func (s *Store) userExternalIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	var users []model.User
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]string, len(users))
	for _, u := range users {
		out[u.ID] = u.UserID
	}
	return out, nil
}

func keys(m map[uuid.UUID]struct{}) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
