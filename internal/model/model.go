package model

import (
	"time"

	"github.com/google/uuid"
)

// User is a stable end-user identity. Memories are owned by users.
type User struct {
	ID        uuid.UUID `json:"id"        gorm:"primaryKey;type:uuid"`
	UserID    string    `json:"userId"    gorm:"uniqueIndex;not null;column:user_id"`
	Name      *string   `json:"name,omitempty"`
	Email     *string   `json:"email,omitempty" gorm:"uniqueIndex"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null"`
}

func (User) TableName() string { return "users" }

// App is a client application acting on behalf of a user.
// IsActive gates write operations: a paused app may not create or mutate memories.
type App struct {
	ID        uuid.UUID `json:"id"        gorm:"primaryKey;type:uuid"`
	OwnerID   uuid.UUID `json:"ownerId"   gorm:"not null;type:uuid;index:idx_apps_owner_name,unique"`
	Name      string    `json:"name"      gorm:"not null;index:idx_apps_owner_name,unique"`
	IsActive  bool      `json:"isActive"  gorm:"not null;default:true"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null"`
}

func (App) TableName() string { return "apps" }

// Category labels a memory. Assignment is many-to-many via memory_categories.
type Category struct {
	ID          uuid.UUID `json:"id"          gorm:"primaryKey;type:uuid"`
	Name        string    `json:"name"        gorm:"uniqueIndex;not null"`
	Description *string   `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"   gorm:"not null"`
	UpdatedAt   time.Time `json:"updatedAt"   gorm:"not null"`
}

func (Category) TableName() string { return "categories" }

// RuleEffect is the effect of an access rule.
type RuleEffect string

const (
	EffectAllow RuleEffect = "allow"
	EffectDeny  RuleEffect = "deny"
)

// AccessControl is an admin-owned allow/deny statement scoping an app's
// visibility over memories. A nil ObjectID means "all objects of ObjectType".
type AccessControl struct {
	ID          uuid.UUID  `json:"id"                 gorm:"primaryKey;type:uuid"`
	SubjectType string     `json:"subjectType"        gorm:"not null;index:idx_access_subject"`
	SubjectID   uuid.UUID  `json:"subjectId"          gorm:"not null;type:uuid;index:idx_access_subject"`
	ObjectType  string     `json:"objectType"         gorm:"not null"`
	ObjectID    *uuid.UUID `json:"objectId,omitempty" gorm:"type:uuid"`
	Effect      RuleEffect `json:"effect"             gorm:"not null"`
	CreatedAt   time.Time  `json:"createdAt"          gorm:"not null"`
}

func (AccessControl) TableName() string { return "access_controls" }

// Subject and object types currently understood by the rule resolver.
const (
	SubjectTypeApp   = "app"
	ObjectTypeMemory = "memory"
)

// AccessKind is the kind of access recorded in the audit log.
type AccessKind string

const (
	AccessRead   AccessKind = "read"
	AccessSearch AccessKind = "search"
	AccessList   AccessKind = "list"
)

// MemoryAccessLog is an append-only audit record of an app touching a memory.
// Rows are never updated or deleted.
type MemoryAccessLog struct {
	ID         uuid.UUID              `json:"id"         gorm:"primaryKey;type:uuid"`
	MemoryID   uuid.UUID              `json:"memoryId"   gorm:"not null;type:uuid;index"`
	AppID      uuid.UUID              `json:"appId"      gorm:"not null;type:uuid;index"`
	AccessType AccessKind             `json:"accessType" gorm:"not null"`
	Metadata   map[string]interface{} `json:"metadata"   gorm:"serializer:json"`
	AccessedAt time.Time              `json:"accessedAt" gorm:"not null;index"`
}

func (MemoryAccessLog) TableName() string { return "memory_access_logs" }

// MemoryStatusHistory records one lifecycle transition of a memory.
// Append-only; rows form a total order per memory by ChangedAt.
// OldState is nil for the creation record.
type MemoryStatusHistory struct {
	ID        uuid.UUID    `json:"id"                 gorm:"primaryKey;type:uuid"`
	MemoryID  uuid.UUID    `json:"memoryId"           gorm:"not null;type:uuid;index"`
	ChangedBy uuid.UUID    `json:"changedBy"          gorm:"not null;type:uuid"`
	OldState  *MemoryState `json:"oldState,omitempty"`
	NewState  MemoryState  `json:"newState"           gorm:"not null"`
	ChangedAt time.Time    `json:"changedAt"          gorm:"not null;index"`
}

func (MemoryStatusHistory) TableName() string { return "memory_status_history" }
