package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Pagination modes
const (
	PaginationPage   = "page"
	PaginationCursor = "cursor"
)

// Endpoint is one configured REST resource to poll
type Endpoint struct {
	Name          string            `toml:"name" yaml:"name" validate:"required"`
	Path          string            `toml:"path" yaml:"path" validate:"required"`
	Pagination    string            `toml:"pagination" yaml:"pagination" validate:"omitempty,oneof=page cursor"`
	PageParam     string            `toml:"page_param" yaml:"page_param"`
	PageSizeParam string            `toml:"page_size_param" yaml:"page_size_param"`
	PageSize      int               `toml:"page_size" yaml:"page_size" validate:"gte=0"`
	StartPage     *int              `toml:"start_page" yaml:"start_page" validate:"omitempty,gte=0"` // defaults to 1
	CursorParam   string            `toml:"cursor_param" yaml:"cursor_param"`
	ItemsField    string            `toml:"items_field" yaml:"items_field"` // dotted path, e.g. "data.events"
	MaxPages      int               `toml:"max_pages" yaml:"max_pages" validate:"gte=0"`
	Params        map[string]string `toml:"params" yaml:"params"`
}

// WithDefaults fills unset pagination parameters
func (e Endpoint) WithDefaults() Endpoint {
	if e.Pagination == "" {
		e.Pagination = PaginationPage
	}
	if e.PageParam == "" {
		e.PageParam = "page"
	}
	if e.PageSizeParam == "" {
		e.PageSizeParam = "pageSize"
	}
	if e.CursorParam == "" {
		e.CursorParam = "cursor"
	}
	if e.StartPage == nil {
		first := 1
		e.StartPage = &first
	}
	return e
}

// FirstToken returns the token of the first page
func (e Endpoint) FirstToken() string {
	e = e.WithDefaults()
	if e.Pagination == PaginationCursor {
		return ""
	}
	return strconv.Itoa(*e.StartPage)
}

// Page is one decoded response
type Page struct {
	Items     []map[string]any
	NextToken string // cursor or absolute next link; empty when the source reports none
	HasMore   *bool  // nil when the source does not say
	PageCount int    // 0 when unknown
}

var (
	itemsKeys     = []string{"items", "data", "results", "records", "events", "content"}
	nextKeys      = []string{"next", "nextPageToken", "next_page_token", "nextCursor", "next_cursor", "cursor.next", "links.next", "_links.next.href", "pager.nextPage"}
	hasMoreKeys   = []string{"hasMore", "has_more", "more"}
	pageCountKeys = []string{"pageCount", "page_count", "totalPages", "total_pages", "pager.pageCount"}
)

// ParsePage decodes a response body. A bare JSON array is a page without paging metadata;
// an object envelope is searched for items, next cursor/link, hasMore and page count.
func ParsePage(body []byte, ep Endpoint) (*Page, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}

	page := &Page{}
	var rawItems []any

	switch v := doc.(type) {
	case []any:
		rawItems = v
	case map[string]any:
		if ep.ItemsField != "" {
			arr, ok := dig(v, ep.ItemsField).([]any)
			if !ok && dig(v, ep.ItemsField) != nil {
				return nil, fmt.Errorf("%s is not an array", ep.ItemsField)
			}
			rawItems = arr
		} else {
			for _, k := range itemsKeys {
				if arr, ok := v[k].([]any); ok {
					rawItems = arr
					break
				}
			}
		}
		for _, k := range nextKeys {
			if s := scalarString(dig(v, k)); s != "" {
				page.NextToken = s
				break
			}
		}
		for _, k := range hasMoreKeys {
			if b, ok := dig(v, k).(bool); ok {
				page.HasMore = &b
				break
			}
		}
		for _, k := range pageCountKeys {
			if n, err := strconv.Atoi(scalarString(dig(v, k))); err == nil {
				page.PageCount = n
				break
			}
		}
	case nil:
		// "null" body: empty page
	default:
		return nil, fmt.Errorf("unexpected JSON %T", doc)
	}

	page.Items = make([]map[string]any, 0, len(rawItems))
	for i, raw := range rawItems {
		item, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("item %d is not an object", i)
		}
		page.Items = append(page.Items, item)
	}
	return page, nil
}

// dig follows a dotted path through nested objects
func dig(m map[string]any, path string) any {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[part]
	}
	return cur
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	default:
		return ""
	}
}
