package scheduler

import (
	"context"

	"cycletime-ingest/internal/api"
	"cycletime-ingest/internal/models"
	"cycletime-ingest/internal/services/lifecycle"
)

// FileProcessor drives one drop file through its lifecycle
type FileProcessor interface {
	Process(ctx context.Context, task *lifecycle.FileTask) lifecycle.Result
}

// PageFetcher retrieves one page of an endpoint
type PageFetcher interface {
	FetchPage(ctx context.Context, ep api.Endpoint, token string) (*api.Page, error)
}

// PageLoader loads the items of one page as a batch
type PageLoader interface {
	RunPage(ctx context.Context, endpoint, page string, items []map[string]any) (*models.ImportBatch, error)
}

// ResultFunc receives finished file outcomes
type ResultFunc func(lifecycle.Result)

// PageRecorder accounts the page outcomes of one API run
type PageRecorder interface {
	RecordPage(batch *models.ImportBatch, err error)
	RecordFetchFailure()
}
