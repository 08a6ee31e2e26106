package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// IngestRun records the outcome of one scheduler run (startup scan, cron tick or manual run)
type IngestRun struct {
	ID          string         `gorm:"primaryKey;size:36" json:"id"`
	Trigger     string         `gorm:"size:20;not null" json:"trigger"` // startup, cron, manual
	Status      string         `gorm:"size:20;not null;default:running" json:"status"`
	Results     datatypes.JSON `gorm:"column:results" json:"results"` // stats snapshot
	StartedAt   time.Time      `gorm:"column:started_at;not null" json:"started_at"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

// BeforeCreate hook to generate UUID before creating record
func (r *IngestRun) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (IngestRun) TableName() string {
	return "ingest_runs"
}
