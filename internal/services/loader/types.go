package loader

import (
	"context"
	"errors"

	"cycletime-ingest/internal/models"
	"cycletime-ingest/internal/services/retry"
)

// ErrBudgetExceeded aborts a batch whose failed upserts exceed the configured budget
var ErrBudgetExceeded = errors.New("batch error budget exceeded")

// ErrorSink receives error log entries. Implementations must not fail the caller.
type ErrorSink interface {
	LogError(ctx context.Context, entry models.ErrorLog)
}

// Store is the relational store contract consumed by the loader
type Store interface {
	ErrorSink
	// Begin opens the unit-of-work for one batch
	Begin(ctx context.Context) (UnitOfWork, error)
	// RecordBatchSummary persists the terminal ImportBatch row
	RecordBatchSummary(ctx context.Context, batch *models.ImportBatch) error
}

// UnitOfWork is one batch-scoped transaction
type UnitOfWork interface {
	// Upsert inserts the record or updates the row sharing its dedup key.
	// A failed upsert leaves the unit-of-work usable for the next record.
	Upsert(ctx context.Context, record models.Keyed) (models.UpsertOutcome, error)
	Commit() error
	Rollback() error
}

// Config controls batch behaviour
type Config struct {
	// ErrorBudget is the number of failed upserts tolerated per batch; one more aborts it
	ErrorBudget int
	// Connect retries unit-of-work acquisition
	Connect retry.Policy
	// Delimiter of drop files; 0 sniffs , ; or tab from the first line
	Delimiter rune
}
