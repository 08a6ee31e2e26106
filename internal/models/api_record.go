package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ApiRecord is a flattened manufacturing event pulled from the REST source
type ApiRecord struct {
	ID              uint64              `gorm:"primaryKey" json:"id"`
	DedupKey        string              `gorm:"column:dedup_key;size:64;uniqueIndex;not null" json:"dedup_key"`
	MachineName     string              `gorm:"column:machine_name;size:100;not null;index" json:"machine_name"`
	MaterialNumber  string              `gorm:"column:material_number;size:100" json:"material_number"`
	CycleTime       decimal.NullDecimal `gorm:"column:cycle_time;type:numeric(18,6)" json:"cycle_time"`
	OperationNumber string              `gorm:"column:operation_number;size:100" json:"operation_number"`
	Workplace       string              `gorm:"column:workplace;size:100" json:"workplace"`
	OrderNumber     string              `gorm:"column:order_number;size:100" json:"order_number"`
	Timestamp       time.Time           `gorm:"column:timestamp;not null" json:"timestamp"`
	RawPayload      datatypes.JSON      `gorm:"column:raw_payload" json:"raw_payload"`
	SourceEndpoint  string              `gorm:"column:source_endpoint;size:255;not null" json:"source_endpoint"`
	BatchID         string              `gorm:"column:batch_id;size:36;index" json:"batch_id"`
	ImportTimestamp time.Time           `gorm:"column:import_timestamp;not null" json:"import_timestamp"`
}

// TableName specifies the table name for GORM
func (ApiRecord) TableName() string {
	return "api_records"
}

// DedupHash implements Keyed
func (r *ApiRecord) DedupHash() string {
	return r.DedupKey
}

// MutableColumns implements Keyed
func (r *ApiRecord) MutableColumns() []string {
	return []string{
		"material_number", "cycle_time", "operation_number", "workplace", "order_number",
		"raw_payload", "batch_id", "import_timestamp",
	}
}
