package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"cycletime-ingest/internal/api"
	"cycletime-ingest/internal/models"
	"cycletime-ingest/internal/services/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedFetcher serves pages per endpoint keyed by token
type scriptedFetcher struct {
	mu     sync.Mutex
	pages  map[string]map[string]*api.Page
	errs   map[string][]error // endpoint/token -> errors returned before the page
	tokens []string
}

func (f *scriptedFetcher) FetchPage(ctx context.Context, ep api.Endpoint, token string) (*api.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ep.Name + "/" + token
	f.tokens = append(f.tokens, key)
	if errs := f.errs[key]; len(errs) > 0 {
		f.errs[key] = errs[1:]
		return nil, errs[0]
	}
	if p, ok := f.pages[ep.Name][token]; ok {
		return p, nil
	}
	return &api.Page{}, nil
}

type recordingLoader struct {
	mu    sync.Mutex
	pages []string
	fail  map[string]bool
}

func (l *recordingLoader) RunPage(ctx context.Context, endpoint, page string, items []map[string]any) (*models.ImportBatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	source := endpoint + "+" + page
	l.pages = append(l.pages, source)
	batch := &models.ImportBatch{Source: source, Processed: len(items), Upserted: len(items)}
	if l.fail[source] {
		return batch, errors.New("budget exceeded")
	}
	return batch, nil
}

// pageTally counts page outcomes for one run
type pageTally struct {
	ok, failed, fetchFailures int
}

func (p *pageTally) RecordPage(batch *models.ImportBatch, err error) {
	if err != nil {
		p.failed++
	} else {
		p.ok++
	}
}

func (p *pageTally) RecordFetchFailure() { p.fetchFailures++ }

func items(n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{"id": i}
	}
	return out
}

func boolPtr(b bool) *bool { return &b }

var fastPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, Sleep: func(ctx context.Context, d time.Duration) error { return nil }}

func TestAPIIngestorPagePagination(t *testing.T) {
	ctx := context.Background()

	t.Run("Should stop without error on an empty page", func(t *testing.T) {
		fetcher := &scriptedFetcher{pages: map[string]map[string]*api.Page{
			"events": {"1": {Items: items(2)}, "2": {Items: items(2)}, "3": {Items: nil}},
		}}
		loader := &recordingLoader{}
		a := NewAPIIngestor(fetcher, loader, []api.Endpoint{{Name: "events", Path: "/events"}}, fastPolicy, nil)

		pages, err := a.RunEndpoint(ctx, api.Endpoint{Name: "events", Path: "/events"}, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, pages)
		assert.Equal(t, []string{"events+1", "events+2"}, loader.pages)
		assert.Equal(t, []string{"events/1", "events/2", "events/3"}, fetcher.tokens)
	})

	t.Run("Should stop when the page count is exhausted", func(t *testing.T) {
		fetcher := &scriptedFetcher{pages: map[string]map[string]*api.Page{
			"events": {"1": {Items: items(1), PageCount: 2}, "2": {Items: items(1), PageCount: 2}},
		}}
		loader := &recordingLoader{}
		a := NewAPIIngestor(fetcher, loader, nil, fastPolicy, nil)

		pages, err := a.RunEndpoint(ctx, api.Endpoint{Name: "events", Path: "/events"}, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, pages)
		assert.Len(t, fetcher.tokens, 2, "Should not fetch past the last page")
	})

	t.Run("Should count pages from a zero start page", func(t *testing.T) {
		zero := 0
		fetcher := &scriptedFetcher{pages: map[string]map[string]*api.Page{
			"events": {"0": {Items: items(1), PageCount: 2}, "1": {Items: items(1), PageCount: 2}},
		}}
		a := NewAPIIngestor(fetcher, &recordingLoader{}, nil, fastPolicy, nil)

		pages, err := a.RunEndpoint(ctx, api.Endpoint{Name: "events", Path: "/events", StartPage: &zero}, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, pages)
		assert.Equal(t, []string{"events/0", "events/1"}, fetcher.tokens)
	})

	t.Run("Should stop when the source reports no more pages", func(t *testing.T) {
		fetcher := &scriptedFetcher{pages: map[string]map[string]*api.Page{
			"events": {"1": {Items: items(1), HasMore: boolPtr(false)}},
		}}
		a := NewAPIIngestor(fetcher, &recordingLoader{}, nil, fastPolicy, nil)

		pages, err := a.RunEndpoint(ctx, api.Endpoint{Name: "events", Path: "/events"}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, pages)
		assert.Len(t, fetcher.tokens, 1)
	})

	t.Run("Should respect the max pages cap", func(t *testing.T) {
		all := map[string]*api.Page{}
		for i := 1; i <= 10; i++ {
			all[fmt.Sprint(i)] = &api.Page{Items: items(1)}
		}
		fetcher := &scriptedFetcher{pages: map[string]map[string]*api.Page{"events": all}}
		a := NewAPIIngestor(fetcher, &recordingLoader{}, nil, fastPolicy, nil)

		pages, err := a.RunEndpoint(ctx, api.Endpoint{Name: "events", Path: "/events", MaxPages: 3}, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, pages)
	})

	t.Run("Should retry transient fetch errors", func(t *testing.T) {
		fetcher := &scriptedFetcher{
			pages: map[string]map[string]*api.Page{"events": {"1": {Items: items(1)}}},
			errs: map[string][]error{"events/1": {
				&api.StatusError{Endpoint: "events", Code: 503},
				&api.TransientAPIError{Endpoint: "events", Err: &net.OpError{Op: "dial", Err: errors.New("refused")}},
			}},
		}
		a := NewAPIIngestor(fetcher, &recordingLoader{}, nil, fastPolicy, nil)

		pages, err := a.RunEndpoint(ctx, api.Endpoint{Name: "events", Path: "/events"}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, pages)
		assert.Equal(t, []string{"events/1", "events/1", "events/1", "events/2"}, fetcher.tokens)
	})

	t.Run("Should not retry client errors", func(t *testing.T) {
		fetcher := &scriptedFetcher{errs: map[string][]error{"events/1": {&api.StatusError{Endpoint: "events", Code: 404}}}}
		a := NewAPIIngestor(fetcher, &recordingLoader{}, nil, fastPolicy, nil)

		_, err := a.RunEndpoint(ctx, api.Endpoint{Name: "events", Path: "/events"}, nil)
		require.Error(t, err)
		var status *api.StatusError
		assert.ErrorAs(t, err, &status)
		assert.Len(t, fetcher.tokens, 1)
	})
}

func TestAPIIngestorCursorPagination(t *testing.T) {
	ctx := context.Background()

	t.Run("Should follow cursors and absolute next links", func(t *testing.T) {
		fetcher := &scriptedFetcher{pages: map[string]map[string]*api.Page{
			"events": {
				"":    {Items: items(1), NextToken: "abc"},
				"abc": {Items: items(1), NextToken: "https://api.example.com/events?after=xyz"},
				"https://api.example.com/events?after=xyz": {Items: items(1)},
			},
		}}
		loader := &recordingLoader{}
		a := NewAPIIngestor(fetcher, loader, nil, fastPolicy, nil)

		pages, err := a.RunEndpoint(ctx, api.Endpoint{Name: "events", Path: "/events", Pagination: api.PaginationCursor}, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, pages)
		assert.Equal(t, []string{"events+1", "events+2", "events+3"}, loader.pages)
	})

	t.Run("Should stop on a repeated cursor", func(t *testing.T) {
		fetcher := &scriptedFetcher{pages: map[string]map[string]*api.Page{
			"events": {"": {Items: items(1), NextToken: "same"}, "same": {Items: items(1), NextToken: "same"}},
		}}
		a := NewAPIIngestor(fetcher, &recordingLoader{}, nil, fastPolicy, nil)

		pages, err := a.RunEndpoint(ctx, api.Endpoint{Name: "events", Path: "/events", Pagination: api.PaginationCursor}, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, pages)
	})
}

func TestAPIIngestorRun(t *testing.T) {
	t.Run("Should isolate endpoint and page failures", func(t *testing.T) {
		fetcher := &scriptedFetcher{
			pages: map[string]map[string]*api.Page{
				"good": {"1": {Items: items(1)}, "2": {Items: items(1)}},
			},
			errs: map[string][]error{"bad/1": {&api.StatusError{Endpoint: "bad", Code: 401}}},
		}
		loader := &recordingLoader{fail: map[string]bool{"good+1": true}}
		endpoints := []api.Endpoint{{Name: "bad", Path: "/bad"}, {Name: "good", Path: "/good"}}
		a := NewAPIIngestor(fetcher, loader, endpoints, fastPolicy, nil)

		var fetchFailures []string
		a.OnFetchFailure = func(endpoint string, err error) { fetchFailures = append(fetchFailures, endpoint) }
		tally := &pageTally{}

		require.NoError(t, a.Run(context.Background(), tally))
		assert.Equal(t, []string{"bad"}, fetchFailures)
		assert.Equal(t, 1, tally.failed)
		assert.Equal(t, 1, tally.ok)
		assert.Equal(t, 1, tally.fetchFailures)
		assert.Equal(t, []string{"good+1", "good+2"}, loader.pages)
	})

	t.Run("Should stop on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		a := NewAPIIngestor(&scriptedFetcher{}, &recordingLoader{}, []api.Endpoint{{Name: "events", Path: "/events"}}, fastPolicy, nil)

		assert.ErrorIs(t, a.Run(ctx, nil), context.Canceled)
	})
}
