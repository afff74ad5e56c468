package transport

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/core"
)

const defaultPageSize = 100

// Doer is the slice of Pipeline the paginators need.
type Doer interface {
	Do(ctx context.Context, req core.TransportRequest) (core.TransportResponse, error)
}

// Paginator walks a paginated source lazily, one page per Next call. The
// cursor it reports with each batch is the resume token for the page AFTER
// the one just returned, in the variant's native encoding (offset number,
// opaque cursor, or next-page URL). Paginators are not restartable.
type Paginator struct {
	doer     Doer
	source   core.SourceSpec
	query    map[string]string
	headers  map[string]string
	timeout  time.Duration
	pageSize int

	offset   int
	cursor   string
	nextURL  string
	started  bool
	finished bool
}

type PaginatorOption func(*Paginator)

// WithQuery adds fixed query parameters to every page request, e.g. an
// incremental `updated_since` filter.
func WithQuery(query map[string]string) PaginatorOption {
	return func(p *Paginator) {
		for key, value := range query {
			if strings.TrimSpace(key) == "" {
				continue
			}
			p.query[strings.TrimSpace(key)] = value
		}
	}
}

func WithHeaders(headers map[string]string) PaginatorOption {
	return func(p *Paginator) {
		for key, value := range headers {
			if strings.TrimSpace(key) == "" {
				continue
			}
			p.headers[strings.TrimSpace(key)] = value
		}
	}
}

func WithRequestTimeout(timeout time.Duration) PaginatorOption {
	return func(p *Paginator) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithResume restarts pagination from a previously reported batch cursor.
func WithResume(cursor string) PaginatorOption {
	return func(p *Paginator) {
		cursor = strings.TrimSpace(cursor)
		if cursor == "" {
			return
		}
		switch p.source.Pagination {
		case core.PaginationOffset:
			if offset, err := strconv.Atoi(cursor); err == nil && offset > 0 {
				p.offset = offset
			}
		case core.PaginationCursor:
			p.cursor = cursor
		case core.PaginationLinkHeader:
			p.nextURL = cursor
			p.started = true
		}
	}
}

func NewPaginator(doer Doer, source core.SourceSpec, options ...PaginatorOption) *Paginator {
	pageSize := source.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	paginator := &Paginator{
		doer:     doer,
		source:   source,
		query:    map[string]string{},
		headers:  map[string]string{},
		pageSize: pageSize,
	}
	for _, option := range options {
		option(paginator)
	}
	return paginator
}

func (p *Paginator) Next(ctx context.Context) (core.RecordBatch, bool, error) {
	if p == nil || p.doer == nil {
		return core.RecordBatch{}, true, core.NewInternalError("transport: paginator requires a doer")
	}
	if p.finished {
		return core.RecordBatch{}, true, nil
	}

	req := core.TransportRequest{
		Method:    "GET",
		URL:       p.source.URL,
		Headers:   cloneHeaders(p.headers),
		Query:     map[string]string{},
		Timeout:   p.timeout,
		SourceKey: p.source.Key,
	}
	for key, value := range p.query {
		req.Query[key] = value
	}

	switch p.source.Pagination {
	case core.PaginationOffset:
		req.Query["offset"] = strconv.Itoa(p.offset)
		req.Query["limit"] = strconv.Itoa(p.pageSize)
	case core.PaginationCursor:
		req.Query["limit"] = strconv.Itoa(p.pageSize)
		if p.cursor != "" {
			req.Query["cursor"] = p.cursor
		}
	case core.PaginationLinkHeader:
		if p.started {
			if p.nextURL == "" {
				p.finished = true
				return core.RecordBatch{}, true, nil
			}
			req.URL = p.nextURL
			req.Query = map[string]string{}
		}
	}
	p.started = true

	res, err := p.doer.Do(ctx, req)
	if err != nil {
		return core.RecordBatch{}, false, err
	}

	records, err := parseRecords(res.Body)
	if err != nil {
		return core.RecordBatch{}, false, err
	}

	batch := core.RecordBatch{Records: records}
	switch p.source.Pagination {
	case core.PaginationOffset:
		p.offset += len(records)
		batch.Cursor = strconv.Itoa(p.offset)
		if len(records) < p.pageSize {
			p.finished = true
		}
	case core.PaginationCursor:
		next := extractNextCursor(res.Body)
		p.cursor = next
		batch.Cursor = next
		if next == "" || len(records) == 0 {
			p.finished = true
		}
	case core.PaginationLinkHeader:
		next := parseLinkNext(headerValue(res.Headers, "Link"))
		p.nextURL = next
		batch.Cursor = next
		if next == "" {
			p.finished = true
		}
	}
	if len(records) == 0 {
		p.finished = true
	}
	return batch, false, nil
}

// parseRecords accepts either a top-level JSON array or an object wrapping
// the page under a conventional collection key.
func parseRecords(body []byte) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var records []map[string]any
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, core.WrapValidationError(err, "transport: decode record array")
		}
		return records, nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, core.WrapValidationError(err, "transport: decode response body")
	}
	for _, key := range []string{"data", "items", "records", "results"} {
		raw, ok := wrapper[key]
		if !ok {
			continue
		}
		var records []map[string]any
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, core.WrapValidationError(err, "transport: decode record collection")
		}
		return records, nil
	}
	return nil, core.NewValidationError("transport: response carries no record collection")
}

func extractNextCursor(body []byte) string {
	var wrapper map[string]any
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return ""
	}
	for _, key := range []string{"next_cursor", "nextCursor", "next"} {
		if value, ok := wrapper[key].(string); ok {
			return strings.TrimSpace(value)
		}
	}
	if meta, ok := wrapper["meta"].(map[string]any); ok {
		for _, key := range []string{"next_cursor", "nextCursor"} {
			if value, ok := meta[key].(string); ok {
				return strings.TrimSpace(value)
			}
		}
	}
	return ""
}

// parseLinkNext extracts the rel="next" target from an RFC 5988 Link header.
func parseLinkNext(header string) string {
	for _, part := range strings.Split(header, ",") {
		section := strings.Split(part, ";")
		if len(section) < 2 {
			continue
		}
		target := strings.TrimSpace(section[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		for _, param := range section[1:] {
			param = strings.TrimSpace(param)
			if strings.EqualFold(param, `rel="next"`) || strings.EqualFold(param, "rel=next") {
				return strings.Trim(target, "<>")
			}
		}
	}
	return ""
}

func cloneHeaders(input map[string]string) map[string]string {
	if len(input) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}

var _ core.BatchSequence = (*Paginator)(nil)
