package models

import "time"

// Error log severities
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// ErrorLog is one entry of the ingestion error sink
type ErrorLog struct {
	ID          uint64    `gorm:"primaryKey" json:"id"`
	Message     string    `gorm:"type:text;not null" json:"message"`
	Severity    string    `gorm:"size:10;not null;index" json:"severity"`
	MachineName string    `gorm:"column:machine_name;size:100" json:"machine_name,omitempty"`
	SourcePath  string    `gorm:"column:source_path;size:1024" json:"source_path,omitempty"`
	BatchID     string    `gorm:"column:batch_id;size:36;index" json:"batch_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName specifies the table name for GORM
func (ErrorLog) TableName() string {
	return "error_log"
}
