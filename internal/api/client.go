package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Auth modes
const (
	AuthNone   = "none"
	AuthBasic  = "basic"
	AuthBearer = "bearer"
)

// ClientConfig describes how to reach the REST source
type ClientConfig struct {
	BaseURL  string
	Auth     string
	Username string
	Secret   string // password for basic auth, token for bearer auth
	Timeout  time.Duration
}

// Client fetches pages of manufacturing events from the REST source
type Client struct {
	baseURL string
	http    *resty.Client
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Endpoint, e.Code, e.Body)
}

// Temporary reports whether the request is worth repeating
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout || e.Code >= 500
}

// TransientAPIError wraps transport failures (connection refused, timeouts)
type TransientAPIError struct {
	Endpoint string
	Err      error
}

func (e *TransientAPIError) Error() string {
	return fmt.Sprintf("%s: %v", e.Endpoint, e.Err)
}

func (e *TransientAPIError) Unwrap() error {
	return e.Err
}

// IsTemporary reports whether err from FetchPage may succeed on retry
func IsTemporary(err error) bool {
	var transient *TransientAPIError
	if errors.As(err, &transient) {
		return true
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Temporary()
	}
	return false
}

// NewClient creates a new REST source client
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	client := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}

	// Retries are owned by the pipeline's retry executor, never by resty
	client.http = resty.New().
		SetHeader("User-Agent", "cycletime-ingest/1.0").
		SetHeader("Accept", "application/json").
		SetTimeout(timeout).
		SetRetryCount(0)

	switch cfg.Auth {
	case AuthBasic:
		client.http.SetBasicAuth(cfg.Username, cfg.Secret)
	case AuthBearer:
		client.http.SetAuthToken(cfg.Secret)
	}

	return client
}

// FetchPage performs one idempotent GET for the page identified by token.
// For page pagination token is the page number; for cursor pagination it is the
// cursor value or an absolute next link ("" for the first page).
func (c *Client) FetchPage(ctx context.Context, ep Endpoint, token string) (*Page, error) {
	ep = ep.WithDefaults()
	req := c.http.R().SetContext(ctx)
	url := c.buildURL(ep.Path)

	switch {
	case ep.Pagination == PaginationCursor && isAbsolute(token):
		// next links already carry their query
		url = token
	default:
		if len(ep.Params) > 0 {
			req.SetQueryParams(ep.Params)
		}
		if ep.PageSize > 0 {
			req.SetQueryParam(ep.PageSizeParam, strconv.Itoa(ep.PageSize))
		}
		if ep.Pagination == PaginationCursor {
			if token != "" {
				req.SetQueryParam(ep.CursorParam, token)
			}
		} else {
			req.SetQueryParam(ep.PageParam, token)
		}
	}

	resp, err := req.Get(url)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransientAPIError{Endpoint: ep.Name, Err: err}
	}

	if !resp.IsSuccess() {
		body := string(resp.Body())
		if len(body) > 512 {
			body = body[:512]
		}
		return nil, &StatusError{Endpoint: ep.Name, Code: resp.StatusCode(), Body: body}
	}

	page, err := ParsePage(resp.Body(), ep)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse response: %w", ep.Name, err)
	}
	return page, nil
}

// buildURL constructs the full URL for an endpoint
func (c *Client) buildURL(endpoint string) string {
	if isAbsolute(endpoint) {
		return endpoint
	}
	endpoint = strings.TrimPrefix(endpoint, "/")
	return fmt.Sprintf("%s/%s", c.baseURL, endpoint)
}

func isAbsolute(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
