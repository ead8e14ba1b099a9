package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Queue entry states
const (
	QueuePending    = "pending"
	QueuePushed     = "pushed"
	QueueSuperseded = "superseded"
)

// SyncSessionRecord is the persisted snapshot of a marketplace sync session
type SyncSessionRecord struct {
	ID                   string     `gorm:"primaryKey;type:varchar(64)" json:"sessionId"`
	Marketplace          string     `gorm:"type:varchar(32);not null;index:idx_session_market" json:"marketplace"`
	Status               string     `gorm:"type:varchar(20);not null;index:idx_session_market" json:"status"`
	OperationsTotal      int        `gorm:"default:0" json:"operationsTotal"`
	OperationsSuccessful int        `gorm:"default:0" json:"operationsSuccessful"`
	OperationsFailed     int        `gorm:"default:0" json:"operationsFailed"`
	ConflictsDetected    int        `gorm:"default:0" json:"conflictsDetected"`
	ConflictsResolved    int        `gorm:"default:0" json:"conflictsResolved"`
	SuccessRate          float64    `gorm:"default:0" json:"successRate"`
	StartedAt            time.Time  `gorm:"not null;index" json:"startedAt"`
	LastActivity         time.Time  `gorm:"not null" json:"lastActivity"`
	StoppedAt            *time.Time `json:"stoppedAt,omitempty"`
	ErrorMessage         string     `gorm:"type:text" json:"errorMessage,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// TableName specifies the table name
func (SyncSessionRecord) TableName() string {
	return "sync_sessions"
}

// SyncConflictRecord represents a synchronization conflict. Local, Remote and
// Resolution hold the JSON storage form of the sync types.
type SyncConflictRecord struct {
	ID          string         `gorm:"primaryKey;type:varchar(64)" json:"conflictId"`
	SessionID   string         `gorm:"type:varchar(64);index" json:"sessionId"`
	Marketplace string         `gorm:"type:varchar(32);not null;index:idx_conflict_queue" json:"marketplace"`
	EntityType  string         `gorm:"type:varchar(32);not null;index:idx_conflict_entity" json:"entityType"`
	EntityID    string         `gorm:"type:varchar(255);not null;index:idx_conflict_entity" json:"entityId"`
	ChangeID    string         `gorm:"type:varchar(64);index" json:"changeId,omitempty"`
	Local       datatypes.JSON `gorm:"type:jsonb" json:"local"`
	Remote      datatypes.JSON `gorm:"type:jsonb" json:"remote"`
	Strategy    string         `gorm:"type:varchar(32)" json:"strategy,omitempty"`
	Status      string         `gorm:"type:varchar(32);not null;default:'pending';index:idx_conflict_queue" json:"status"`
	Resolution  datatypes.JSON `gorm:"type:jsonb" json:"resolution,omitempty"`
	Reason      string         `gorm:"type:text" json:"reason,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;index:idx_conflict_queue" json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// TableName specifies the table name
func (SyncConflictRecord) TableName() string {
	return "sync_conflicts"
}

// SyncQueue is the local outbox: one row per change waiting to be pushed to
// a marketplace. The store front end writes here.
type SyncQueue struct {
	ID          string                      `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Marketplace string                      `gorm:"type:varchar(32);not null;index:idx_queue_pending" json:"marketplace"`
	EntityType  string                      `gorm:"type:varchar(32);not null;index:idx_queue_pending" json:"entityType"`
	EntityID    string                      `gorm:"type:varchar(255);not null;index" json:"entityId"`
	Data        datatypes.JSON              `gorm:"type:jsonb" json:"data"`
	Changed     datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"changed,omitempty"`
	Status      string                      `gorm:"type:varchar(20);not null;default:'pending';index:idx_queue_pending" json:"status"`
	ChangedAt   time.Time                   `gorm:"not null;index:idx_queue_pending" json:"changedAt"`
	BaseAt      *time.Time                  `json:"baseAt,omitempty"` // remote version a resolution was decided against
	AckedAt     *time.Time                  `json:"ackedAt,omitempty"`
	CreatedAt   time.Time                   `json:"createdAt"`
}

// TableName specifies the table name
func (SyncQueue) TableName() string {
	return "sync_queue"
}

// CatalogEntity is the last known version of an entity on a marketplace
type CatalogEntity struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	Marketplace string         `gorm:"type:varchar(32);not null;uniqueIndex:idx_catalog_entity" json:"marketplace"`
	EntityType  string         `gorm:"type:varchar(32);not null;uniqueIndex:idx_catalog_entity" json:"entityType"`
	EntityID    string         `gorm:"type:varchar(255);not null;uniqueIndex:idx_catalog_entity" json:"entityId"`
	Data        datatypes.JSON `gorm:"type:jsonb" json:"data"`
	Checksum    string         `gorm:"type:varchar(64);not null;index" json:"checksum"`
	Source      string         `gorm:"type:varchar(16)" json:"source"` // local, remote, resolved
	SyncedAt    time.Time      `gorm:"not null" json:"syncedAt"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// TableName specifies the table name
func (CatalogEntity) TableName() string {
	return "catalog_entities"
}

// BeforeSave hook
func (c *CatalogEntity) BeforeSave(tx *gorm.DB) error {
	if c.SyncedAt.IsZero() {
		c.SyncedAt = time.Now().UTC()
	}
	return nil
}

// All returns every model for AutoMigrate
func All() []interface{} {
	return []interface{}{
		&SyncSessionRecord{},
		&SyncConflictRecord{},
		&SyncQueue{},
		&CatalogEntity{},
		&SyncHistory{},
	}
}
