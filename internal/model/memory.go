package model

import (
	"time"

	"github.com/google/uuid"
)

// MemoryState is the lifecycle state of a memory. It governs visibility
// (deleted and archived rows are excluded from listings and search by
// default) and mutability.
type MemoryState string

const (
	StateActive   MemoryState = "active"
	StatePaused   MemoryState = "paused"
	StateArchived MemoryState = "archived"
	StateDeleted  MemoryState = "deleted"
)

// Valid reports whether s is a known lifecycle state.
func (s MemoryState) Valid() bool {
	switch s {
	case StateActive, StatePaused, StateArchived, StateDeleted:
		return true
	}
	return false
}

// Memory is a single stored unit of user information, subject to lifecycle
// and per-app access control.
//
// Timestamp invariants: DeletedAt is stamped when the memory enters the
// deleted state and ArchivedAt when it enters archived. Neither is cleared
// when the memory later returns to active; they are retained as
// "last deleted/archived" markers for audit purposes.
type Memory struct {
	ID       uuid.UUID `json:"id"      gorm:"primaryKey;type:uuid"`
	UserID   uuid.UUID `json:"userId"  gorm:"not null;type:uuid;index"`
	AppID    uuid.UUID `json:"appId"   gorm:"not null;type:uuid;index"`
	Content  string    `json:"content" gorm:"not null"`
	Metadata map[string]interface{} `json:"metadata" gorm:"serializer:json"`
	State    MemoryState            `json:"state"    gorm:"not null;default:'active';index"`

	Categories []Category `json:"categories" gorm:"many2many:memory_categories;"`

	CreatedAt  time.Time  `json:"createdAt"            gorm:"not null;index"`
	UpdatedAt  time.Time  `json:"updatedAt"            gorm:"not null"`
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
}

func (Memory) TableName() string { return "memories" }
