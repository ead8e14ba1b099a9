package models

import (
	"time"

	"gorm.io/datatypes"
)

// SyncHistory records each sync pass against a marketplace
type SyncHistory struct {
	ID                int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID         string         `gorm:"column:session_id;type:varchar(64);not null;index" json:"sessionId"`
	Marketplace       string         `gorm:"column:marketplace;type:varchar(32);not null;index" json:"marketplace"`
	Mode              string         `gorm:"column:mode;type:varchar(16)" json:"mode"`          // "normal", "fallback"
	Status            string         `gorm:"column:status;not null;index" json:"status"`        // "completed", "partial", "error", "skipped", "discarded"
	StartedAt         time.Time      `gorm:"column:started_at;not null" json:"startedAt"`
	Duration          int64          `gorm:"column:duration;default:0" json:"duration"` // milliseconds
	OperationsTotal   int            `gorm:"column:operations_total;default:0" json:"operationsTotal"`
	Successful        int            `gorm:"column:successful;default:0" json:"successful"`
	Failed            int            `gorm:"column:failed;default:0" json:"failed"`
	ConflictsDetected int            `gorm:"column:conflicts_detected;default:0" json:"conflictsDetected"`
	ConflictsResolved int            `gorm:"column:conflicts_resolved;default:0" json:"conflictsResolved"`
	ResolutionRate    float64        `gorm:"column:resolution_rate;default:0" json:"resolutionRate"`
	ManualReview      bool           `gorm:"column:manual_review;default:false" json:"manualReview"`
	NewOrders         int            `gorm:"column:new_orders;default:0" json:"newOrders"`
	Steps             datatypes.JSON `gorm:"column:steps;type:jsonb" json:"steps"`
	ErrorDetail       string         `gorm:"column:error_detail;type:text" json:"errorDetail,omitempty"`
	CreatedAt         time.Time      `gorm:"column:created_at" json:"-"`
}

// TableName specifies the table name
func (SyncHistory) TableName() string {
	return "sync_history"
}
