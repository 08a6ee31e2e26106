package models

import "time"

// Batch statuses
const (
	BatchSuccess = "success"
	BatchPartial = "partial"
	BatchFailed  = "failed"
)

// Batch source kinds
const (
	SourceFile = "file"
	SourceAPI  = "api"
)

// ImportBatch summarizes one unit-of-work: one file or one API page
type ImportBatch struct {
	BatchID     string    `gorm:"primaryKey;column:batch_id;size:36" json:"batch_id"`
	SourceKind  string    `gorm:"column:source_kind;size:10;not null" json:"source_kind"`
	Source      string    `gorm:"column:source;size:1024;not null" json:"source"` // file path or "endpoint+page"
	MachineName string    `gorm:"column:machine_name;size:100" json:"machine_name,omitempty"`
	Processed   int       `gorm:"not null;default:0" json:"processed"`
	Upserted    int       `gorm:"not null;default:0" json:"upserted"` // inserted or updated
	Inserted    int       `gorm:"not null;default:0" json:"inserted"`
	Updated     int       `gorm:"not null;default:0" json:"updated"`
	Skipped     int       `gorm:"not null;default:0" json:"skipped"`
	Failed      int       `gorm:"not null;default:0" json:"failed"`
	Status      string    `gorm:"size:10;not null;index" json:"status"`
	Error       string    `gorm:"type:text" json:"error,omitempty"`
	StartedAt   time.Time `gorm:"column:started_at;not null" json:"started_at"`
	EndedAt     time.Time `gorm:"column:ended_at" json:"ended_at"`
}

// TableName specifies the table name for GORM
func (ImportBatch) TableName() string {
	return "import_batches"
}

// Duration returns how long the batch ran
func (b *ImportBatch) Duration() time.Duration {
	if b.EndedAt.IsZero() {
		return 0
	}
	return b.EndedAt.Sub(b.StartedAt)
}
