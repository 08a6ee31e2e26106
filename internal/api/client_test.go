package api

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchPage(t *testing.T) {
	t.Run("Should send page parameters and bearer token", func(t *testing.T) {
		var gotQuery, gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotQuery = r.URL.RawQuery
			gotAuth = r.Header.Get("Authorization")
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"items":[{"machineName":"M1"}],"pager":{"pageCount":3}}`))
		}))
		defer srv.Close()

		client := NewClient(ClientConfig{BaseURL: srv.URL + "/", Auth: AuthBearer, Secret: "s3cret"})
		ep := Endpoint{Name: "events", Path: "/api/events", PageSize: 50, Params: map[string]string{"plant": "A"}}

		page, err := client.FetchPage(context.Background(), ep, "2")
		require.NoError(t, err)

		assert.Equal(t, "Bearer s3cret", gotAuth)
		assert.Contains(t, gotQuery, "page=2")
		assert.Contains(t, gotQuery, "pageSize=50")
		assert.Contains(t, gotQuery, "plant=A")
		require.Len(t, page.Items, 1)
		assert.Equal(t, 3, page.PageCount)
	})

	t.Run("Should use basic auth", func(t *testing.T) {
		var gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			_, _ = w.Write([]byte(`[]`))
		}))
		defer srv.Close()

		client := NewClient(ClientConfig{BaseURL: srv.URL, Auth: AuthBasic, Username: "user", Secret: "pw"})
		_, err := client.FetchPage(context.Background(), Endpoint{Name: "e", Path: "x"}, "1")
		require.NoError(t, err)
		assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("user:pw")), gotAuth)
	})

	t.Run("Should follow absolute next links in cursor mode", func(t *testing.T) {
		var paths []string
		var srv *httptest.Server
		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			paths = append(paths, r.URL.String())
			if r.URL.Query().Get("after") == "" {
				_, _ = w.Write([]byte(`{"data":[{"a":1}],"links":{"next":"` + srv.URL + `/v1/events?after=abc"}}`))
				return
			}
			_, _ = w.Write([]byte(`{"data":[]}`))
		}))
		defer srv.Close()

		client := NewClient(ClientConfig{BaseURL: srv.URL})
		ep := Endpoint{Name: "events", Path: "v1/events", Pagination: PaginationCursor}

		first, err := client.FetchPage(context.Background(), ep, ep.FirstToken())
		require.NoError(t, err)
		assert.Equal(t, srv.URL+"/v1/events?after=abc", first.NextToken)

		second, err := client.FetchPage(context.Background(), ep, first.NextToken)
		require.NoError(t, err)
		assert.Empty(t, second.Items)
		assert.Equal(t, []string{"/v1/events", "/v1/events?after=abc"}, paths)
	})

	t.Run("Should classify status errors", func(t *testing.T) {
		code := http.StatusServiceUnavailable
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		defer srv.Close()
		client := NewClient(ClientConfig{BaseURL: srv.URL})

		_, err := client.FetchPage(context.Background(), Endpoint{Name: "e", Path: "x"}, "1")
		var status *StatusError
		require.ErrorAs(t, err, &status)
		assert.Equal(t, http.StatusServiceUnavailable, status.Code)
		assert.True(t, IsTemporary(err))

		code = http.StatusUnauthorized
		_, err = client.FetchPage(context.Background(), Endpoint{Name: "e", Path: "x"}, "1")
		assert.False(t, IsTemporary(err))
	})

	t.Run("Should report connection failures as transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := srv.URL
		srv.Close()

		client := NewClient(ClientConfig{BaseURL: url, Timeout: time.Second})
		_, err := client.FetchPage(context.Background(), Endpoint{Name: "e", Path: "x"}, "1")

		var transient *TransientAPIError
		assert.ErrorAs(t, err, &transient)
		assert.True(t, IsTemporary(err))
	})
}

func TestParsePage(t *testing.T) {
	t.Run("Should accept a bare array", func(t *testing.T) {
		page, err := ParsePage([]byte(`[{"a":1},{"a":2}]`), Endpoint{})
		require.NoError(t, err)
		assert.Len(t, page.Items, 2)
		assert.Nil(t, page.HasMore)
		assert.Empty(t, page.NextToken)
	})

	t.Run("Should read envelope metadata", func(t *testing.T) {
		page, err := ParsePage([]byte(`{"results":[{"a":1}],"hasMore":false,"nextPageToken":"t2","totalPages":4}`), Endpoint{})
		require.NoError(t, err)
		require.NotNil(t, page.HasMore)
		assert.False(t, *page.HasMore)
		assert.Equal(t, "t2", page.NextToken)
		assert.Equal(t, 4, page.PageCount)
	})

	t.Run("Should honour a configured items path", func(t *testing.T) {
		page, err := ParsePage([]byte(`{"payload":{"events":[{"a":1}]},"items":[{"b":2},{"b":3}]}`), Endpoint{ItemsField: "payload.events"})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Contains(t, page.Items[0], "a")
	})

	t.Run("Should treat an envelope without items as an empty page", func(t *testing.T) {
		page, err := ParsePage([]byte(`{"message":"done"}`), Endpoint{})
		require.NoError(t, err)
		assert.Empty(t, page.Items)
	})

	t.Run("Should reject non-object items", func(t *testing.T) {
		_, err := ParsePage([]byte(`[1,2]`), Endpoint{})
		assert.Error(t, err)
	})
}

func TestEndpointDefaults(t *testing.T) {
	t.Run("Should start page pagination at page 1", func(t *testing.T) {
		assert.Equal(t, "1", Endpoint{}.FirstToken())
		zero := 0
		assert.Equal(t, "0", Endpoint{Pagination: PaginationPage, StartPage: &zero}.FirstToken())
	})

	t.Run("Should start cursor pagination without a token", func(t *testing.T) {
		assert.Equal(t, "", Endpoint{Pagination: PaginationCursor}.FirstToken())
	})
}
