package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cycletime-ingest/internal/models"
	"cycletime-ingest/internal/services/loader"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TransientStoreError marks connection-level failures that are worth retrying
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// Temporary reports that the operation may succeed when retried
func (e *TransientStoreError) Temporary() bool {
	return true
}

// errorLogTimeout bounds a single error log write
const errorLogTimeout = 5 * time.Second

// Store implements the loader's store contract on top of GORM
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewStore wraps an open database handle
func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "store")}
}

// DB exposes the underlying handle for read queries
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Begin opens a batch transaction
func (s *Store) Begin(ctx context.Context) (loader.UnitOfWork, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, &TransientStoreError{Op: "begin", Err: tx.Error}
	}
	return &unitOfWork{tx: tx}, nil
}

// LogError writes one error log entry. Failures are logged and swallowed.
func (s *Store) LogError(ctx context.Context, entry models.ErrorLog) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), errorLogTimeout)
	defer cancel()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.logger.Warn("failed to write error log entry",
			"severity", entry.Severity,
			"message", entry.Message,
			"error", err)
	}
}

// RecordBatchSummary inserts or replaces the ImportBatch row
func (s *Store) RecordBatchSummary(ctx context.Context, batch *models.ImportBatch) error {
	if err := s.db.WithContext(context.WithoutCancel(ctx)).Save(batch).Error; err != nil {
		return fmt.Errorf("failed to record batch %s: %w", batch.BatchID, err)
	}
	return nil
}

// RecordRun inserts or updates an ingest run
func (s *Store) RecordRun(ctx context.Context, run *models.IngestRun) error {
	db := s.db.WithContext(context.WithoutCancel(ctx))
	if run.ID == "" {
		return db.Create(run).Error
	}
	return db.Save(run).Error
}

// RecentRuns returns the latest ingest runs, newest first
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]models.IngestRun, error) {
	var runs []models.IngestRun
	err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&runs).Error
	return runs, err
}

// RecentBatches returns the latest batch summaries, newest first
func (s *Store) RecentBatches(ctx context.Context, limit int) ([]models.ImportBatch, error) {
	var batches []models.ImportBatch
	err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&batches).Error
	return batches, err
}

// Counts holds table sizes shown by the status command
type Counts struct {
	CycleTimes int64 `json:"cycle_times"`
	APIRecords int64 `json:"api_records"`
	Batches    int64 `json:"import_batches"`
	Errors     int64 `json:"error_log"`
}

// Counts returns row counts of the pipeline tables
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	db := s.db.WithContext(ctx)
	for _, q := range []struct {
		model any
		dst   *int64
	}{
		{&models.CycleTimeRecord{}, &c.CycleTimes},
		{&models.ApiRecord{}, &c.APIRecords},
		{&models.ImportBatch{}, &c.Batches},
		{&models.ErrorLog{}, &c.Errors},
	} {
		if err := db.Model(q.model).Count(q.dst).Error; err != nil {
			return c, err
		}
	}
	return c, nil
}

// unitOfWork wraps one transaction. Each upsert runs under its own savepoint
// so a failing row does not poison the rest of the batch.
type unitOfWork struct {
	tx   *gorm.DB
	seq  int
	done bool
}

func (u *unitOfWork) Upsert(ctx context.Context, record models.Keyed) (models.UpsertOutcome, error) {
	if u.done {
		return "", fmt.Errorf("unit-of-work already closed")
	}
	u.seq++
	sp := fmt.Sprintf("sp_%d", u.seq)
	tx := u.tx.WithContext(ctx)

	if err := tx.SavePoint(sp).Error; err != nil {
		return "", &TransientStoreError{Op: "savepoint", Err: err}
	}

	var existing int64
	if err := tx.Model(record).Where("dedup_key = ?", record.DedupHash()).Count(&existing).Error; err != nil {
		tx.RollbackTo(sp)
		return "", fmt.Errorf("failed to look up %s: %w", record.DedupHash(), err)
	}

	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedup_key"}},
		DoUpdates: clause.AssignmentColumns(record.MutableColumns()),
	}).Create(record).Error
	if err != nil {
		tx.RollbackTo(sp)
		return "", fmt.Errorf("failed to upsert %s: %w", record.DedupHash(), err)
	}

	if existing > 0 {
		return models.Updated, nil
	}
	return models.Inserted, nil
}

func (u *unitOfWork) Commit() error {
	if u.done {
		return nil
	}
	u.done = true
	return u.tx.Commit().Error
}

func (u *unitOfWork) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	return u.tx.Rollback().Error
}
