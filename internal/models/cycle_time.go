package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Keyed is implemented by every record that is persisted through the store's upsert contract
type Keyed interface {
	// DedupHash returns the stored identity of the record (dedup_key column)
	DedupHash() string
	// MutableColumns lists the columns overwritten when the dedup key already exists
	MutableColumns() []string
}

// UpsertOutcome reports what an upsert did with a record
type UpsertOutcome string

const (
	Inserted UpsertOutcome = "inserted"
	Updated  UpsertOutcome = "updated"
)

// CycleTimeRecord is one normalized manufacturing cycle observation from a CSV drop file
type CycleTimeRecord struct {
	ID              uint64          `gorm:"primaryKey" json:"id"`
	DedupKey        string          `gorm:"column:dedup_key;size:64;uniqueIndex;not null" json:"dedup_key"`
	MachineName     string          `gorm:"column:machine_name;size:100;not null;index:idx_cycle_times_machine_date" json:"machine_name"`
	Date            time.Time       `gorm:"column:date;type:date;not null;index:idx_cycle_times_machine_date" json:"date"`
	Time            string          `gorm:"column:time;size:18;not null" json:"time"` // 15:04:05[.ffffff]
	Workplace       string          `gorm:"column:workplace;size:100" json:"workplace"`
	OrderNumber     string          `gorm:"column:order_number;size:100" json:"order_number"`
	OperationNumber string          `gorm:"column:operation_number;size:100" json:"operation_number"`
	MaterialNumber  string          `gorm:"column:material_number;size:100" json:"material_number"`
	CycleSeconds    decimal.Decimal `gorm:"column:cycle_seconds;type:numeric(18,6);not null" json:"cycle_seconds"`
	SourceFile      string          `gorm:"column:source_file;size:1024" json:"source_file"`
	BatchID         string          `gorm:"column:batch_id;size:36;index" json:"batch_id"`
	ImportTimestamp time.Time       `gorm:"column:import_timestamp;not null" json:"import_timestamp"`
}

// TableName specifies the table name for GORM
func (CycleTimeRecord) TableName() string {
	return "cycle_times"
}

// DedupHash implements Keyed
func (r *CycleTimeRecord) DedupHash() string {
	return r.DedupKey
}

// MutableColumns implements Keyed
func (r *CycleTimeRecord) MutableColumns() []string {
	return []string{"cycle_seconds", "workplace", "order_number", "source_file", "batch_id", "import_timestamp"}
}
