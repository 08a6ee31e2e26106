package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"cycletime-ingest/internal/api"
	"cycletime-ingest/internal/services/retry"
)

// APIIngestor pages through every configured endpoint, one endpoint at a time
type APIIngestor struct {
	fetcher   PageFetcher
	loader    PageLoader
	endpoints []api.Endpoint
	policy    retry.Policy
	logger    *slog.Logger

	// OnFetchFailure is called when an endpoint's loop ends on a fetch error
	OnFetchFailure func(endpoint string, err error)
}

// NewAPIIngestor creates the API loop. policy retries page fetches.
func NewAPIIngestor(fetcher PageFetcher, loader PageLoader, endpoints []api.Endpoint, policy retry.Policy, logger *slog.Logger) *APIIngestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIIngestor{
		fetcher:   fetcher,
		loader:    loader,
		endpoints: endpoints,
		policy:    policy,
		logger:    logger.With("component", "api"),
	}
}

// Run ingests every endpoint and accounts its pages on rec, which may be nil.
// Fetch failures end only the affected endpoint; the returned error is non-nil only when ctx was cancelled.
func (a *APIIngestor) Run(ctx context.Context, rec PageRecorder) error {
	for _, ep := range a.endpoints {
		if err := ctx.Err(); err != nil {
			return err
		}
		pages, err := a.RunEndpoint(ctx, ep, rec)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Error("endpoint aborted", "endpoint", ep.Name, "pages", pages, "error", err)
			if rec != nil {
				rec.RecordFetchFailure()
			}
			if a.OnFetchFailure != nil {
				a.OnFetchFailure(ep.Name, err)
			}
			continue
		}
		a.logger.Info("endpoint complete", "endpoint", ep.Name, "pages", pages)
	}
	return nil
}

// RunEndpoint follows one endpoint's pagination until it is exhausted, returning the number
// of pages loaded. An error means a page fetch failed after retries.
func (a *APIIngestor) RunEndpoint(ctx context.Context, ep api.Endpoint, rec PageRecorder) (int, error) {
	ep = ep.WithDefaults()
	token := ep.FirstToken()
	loaded := 0

	for n := 1; ; n++ {
		if ep.MaxPages > 0 && n > ep.MaxPages {
			a.logger.Warn("max pages reached", "endpoint", ep.Name, "max_pages", ep.MaxPages)
			return loaded, nil
		}
		if err := ctx.Err(); err != nil {
			return loaded, err
		}

		page, err := a.fetch(ctx, ep, token)
		if err != nil {
			return loaded, fmt.Errorf("failed to fetch %s page %d: %w", ep.Name, n, err)
		}
		if len(page.Items) == 0 {
			return loaded, nil
		}

		label := token
		if ep.Pagination == api.PaginationCursor {
			label = strconv.Itoa(n)
		}
		// a fetched page is always loaded to completion
		batch, err := a.loader.RunPage(context.WithoutCancel(ctx), ep.Name, label, page.Items)
		loaded++
		if rec != nil {
			rec.RecordPage(batch, err)
		}

		next, more := nextToken(ep, token, page)
		if !more {
			return loaded, nil
		}
		token = next
	}
}

func (a *APIIngestor) fetch(ctx context.Context, ep api.Endpoint, token string) (*api.Page, error) {
	policy := a.policy
	policy.Notify = func(attempt int, err error, delay time.Duration) {
		if delay > 0 {
			a.logger.Warn("page fetch failed, retrying",
				"endpoint", ep.Name, "token", token, "attempt", attempt, "delay", delay, "error", err)
		}
	}
	return retry.Execute(ctx, policy, func(ctx context.Context) (*api.Page, error) {
		page, err := a.fetcher.FetchPage(ctx, ep, token)
		if err != nil && !api.IsTemporary(err) {
			return nil, retry.Permanent(err)
		}
		return page, err
	})
}

// nextToken decides whether another page follows and which token fetches it
func nextToken(ep api.Endpoint, token string, page *api.Page) (string, bool) {
	if page.HasMore != nil && !*page.HasMore {
		return "", false
	}

	if ep.Pagination == api.PaginationCursor {
		if page.NextToken == "" || page.NextToken == token {
			return "", false
		}
		return page.NextToken, true
	}

	current, err := strconv.Atoi(token)
	if err != nil {
		return "", false
	}
	if page.PageCount > 0 && current-*ep.StartPage+1 >= page.PageCount {
		return "", false
	}
	return strconv.Itoa(current + 1), true
}
