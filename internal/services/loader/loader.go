package loader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cycletime-ingest/internal/models"
	"cycletime-ingest/internal/services/normalize"
	"cycletime-ingest/internal/services/retry"

	"github.com/google/uuid"
)

// Loader drives one file or one API page through normalization and the store's upsert contract
type Loader struct {
	store      Store
	normalizer *normalize.Normalizer
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewLoader creates a new batch loader
func NewLoader(store Store, normalizer *normalize.Normalizer, cfg Config, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		store:      store,
		normalizer: normalizer,
		cfg:        cfg,
		logger:     logger.With("component", "loader"),
		now:        time.Now,
	}
}

// rowFunc produces the record for row i, or its rejection
type rowFunc func(i int, origin normalize.Origin) (models.Keyed, error)

// RunFile loads one drop file as a single batch
func (l *Loader) RunFile(ctx context.Context, path, machine string) (*models.ImportBatch, error) {
	batch := l.newBatch(models.SourceFile, path, machine)

	lines, err := readCSV(path, machine, l.cfg.Delimiter)
	if err != nil {
		return l.finish(ctx, batch, nil, err)
	}

	layout := normalize.DefaultLayout
	for i, line := range lines {
		if line.err != nil {
			continue
		}
		var header bool
		if layout, header = l.normalizer.DetectLayout(line.row.Fields); header {
			lines = append(lines[:i:i], lines[i+1:]...)
		}
		break
	}

	return l.runBatch(ctx, batch, path, len(lines), func(i int, origin normalize.Origin) (models.Keyed, error) {
		if lines[i].err != nil {
			return nil, lines[i].err
		}
		rec, err := l.normalizer.CSVRecord(origin, layout, lines[i].row)
		if err != nil {
			return nil, err
		}
		return rec, nil
	})
}

// RunPage loads the items of one API page as a single batch
func (l *Loader) RunPage(ctx context.Context, endpoint, page string, items []map[string]any) (*models.ImportBatch, error) {
	batch := l.newBatch(models.SourceAPI, endpoint+"+"+page, "")

	return l.runBatch(ctx, batch, endpoint, len(items), func(i int, origin normalize.Origin) (models.Keyed, error) {
		rec, err := l.normalizer.APIRecord(origin, items[i])
		if err != nil {
			return nil, err
		}
		return rec, nil
	})
}

func (l *Loader) newBatch(kind, source, machine string) *models.ImportBatch {
	return &models.ImportBatch{
		BatchID:     uuid.New().String(),
		SourceKind:  kind,
		Source:      source,
		MachineName: machine,
		StartedAt:   l.now(),
	}
}

// runBatch is the single unit-of-work algorithm shared by files and pages
func (l *Loader) runBatch(ctx context.Context, batch *models.ImportBatch, originSource string, n int, next rowFunc) (*models.ImportBatch, error) {
	origin := normalize.Origin{Source: originSource, BatchID: batch.BatchID, ImportedAt: batch.StartedAt}

	uow, err := retry.Execute(ctx, l.cfg.Connect, func(ctx context.Context) (UnitOfWork, error) {
		return l.store.Begin(ctx)
	})
	if err != nil {
		return l.finish(ctx, batch, nil, fmt.Errorf("failed to begin unit-of-work: %w", err))
	}

	// error log entries are written after the unit-of-work closes
	var pending []models.ErrorLog
	entry := func(severity, msg string) models.ErrorLog {
		return models.ErrorLog{
			Message:     msg,
			Severity:    severity,
			MachineName: batch.MachineName,
			SourcePath:  batch.Source,
			BatchID:     batch.BatchID,
		}
	}

	for i := 0; i < n; i++ {
		batch.Processed++

		rec, err := next(i, origin)
		if err != nil {
			batch.Skipped++
			pending = append(pending, entry(models.SeverityWarning, fmt.Sprintf("rejected: %v", err)))
			continue
		}

		outcome, err := uow.Upsert(ctx, rec)
		if err != nil {
			batch.Failed++
			pending = append(pending, entry(models.SeverityError, fmt.Sprintf("upsert failed: %v", err)))
			if batch.Failed > l.cfg.ErrorBudget {
				if rbErr := uow.Rollback(); rbErr != nil {
					l.logger.Error("rollback failed", "batch_id", batch.BatchID, "error", rbErr)
				}
				budgetErr := fmt.Errorf("%w: %d failed rows (budget %d)", ErrBudgetExceeded, batch.Failed, l.cfg.ErrorBudget)
				pending = append(pending, entry(models.SeverityError, budgetErr.Error()))
				return l.finish(ctx, batch, pending, retry.Permanent(budgetErr))
			}
			continue
		}

		batch.Upserted++
		switch outcome {
		case models.Inserted:
			batch.Inserted++
		case models.Updated:
			batch.Updated++
		}
	}

	if err := uow.Commit(); err != nil {
		return l.finish(ctx, batch, pending, fmt.Errorf("failed to commit: %w", err))
	}
	return l.finish(ctx, batch, pending, nil)
}

// finish stamps the terminal status, records the summary and flushes error log entries.
// Counters of a rolled-back batch are kept so the summary shows what was attempted.
func (l *Loader) finish(ctx context.Context, batch *models.ImportBatch, pending []models.ErrorLog, err error) (*models.ImportBatch, error) {
	batch.EndedAt = l.now()
	switch {
	case err != nil:
		batch.Status = models.BatchFailed
		batch.Error = err.Error()
	case batch.Skipped > 0 || batch.Failed > 0:
		batch.Status = models.BatchPartial
	default:
		batch.Status = models.BatchSuccess
	}

	if sumErr := l.store.RecordBatchSummary(ctx, batch); sumErr != nil {
		l.logger.Warn("failed to record batch summary", "batch_id", batch.BatchID, "error", sumErr)
	}
	for _, e := range pending {
		l.store.LogError(ctx, e)
	}
	if err != nil && len(pending) == 0 {
		l.store.LogError(ctx, models.ErrorLog{
			Message:     err.Error(),
			Severity:    models.SeverityError,
			MachineName: batch.MachineName,
			SourcePath:  batch.Source,
			BatchID:     batch.BatchID,
		})
	}

	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "batch finished",
		"batch_id", batch.BatchID,
		"source", batch.Source,
		"status", batch.Status,
		"processed", batch.Processed,
		"upserted", batch.Upserted,
		"inserted", batch.Inserted,
		"updated", batch.Updated,
		"skipped", batch.Skipped,
		"failed", batch.Failed,
		"duration", batch.Duration())

	return batch, err
}
