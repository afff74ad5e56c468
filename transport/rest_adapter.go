package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/core"
)

const KindREST = "rest"

const defaultRESTClientTimeout = 30 * time.Second
const defaultRESTResponseBodyLimit int64 = 10 << 20 // 10 MiB

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RESTAdapter executes JSON/HTTP transport requests. Response bodies are
// bounded so a misbehaving source cannot exhaust memory.
type RESTAdapter struct {
	Client               HTTPDoer
	DefaultHeaders       map[string]string
	MaxResponseBodyBytes int64
}

func NewRESTAdapter(client HTTPDoer) *RESTAdapter {
	if client == nil {
		client = &http.Client{Timeout: defaultRESTClientTimeout}
	}
	return &RESTAdapter{
		Client:               client,
		DefaultHeaders:       map[string]string{},
		MaxResponseBodyBytes: defaultRESTResponseBodyLimit,
	}
}

func (*RESTAdapter) Kind() string {
	return KindREST
}

func (a *RESTAdapter) Do(ctx context.Context, req core.TransportRequest) (core.TransportResponse, error) {
	if a == nil || a.Client == nil {
		return core.TransportResponse{}, core.NewInternalError("transport: rest adapter requires an http client")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	method := strings.TrimSpace(strings.ToUpper(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	parsedURL, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil {
		return core.TransportResponse{}, core.WrapValidationError(err, "transport: invalid request url")
	}
	if parsedURL.String() == "" {
		return core.TransportResponse{}, core.NewValidationError("transport: request url is required")
	}

	query := parsedURL.Query()
	for key, value := range req.Query {
		if strings.TrimSpace(key) == "" {
			continue
		}
		query.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	parsedURL.RawQuery = query.Encode()

	requestCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	httpReq, err := http.NewRequestWithContext(requestCtx, method, parsedURL.String(), bytes.NewReader(req.Body))
	if err != nil {
		return core.TransportResponse{}, core.WrapValidationError(err, "transport: create http request")
	}
	for key, value := range a.DefaultHeaders {
		if strings.TrimSpace(key) == "" {
			continue
		}
		httpReq.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	for key, value := range req.Headers {
		if strings.TrimSpace(key) == "" {
			continue
		}
		httpReq.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	if idempotency := strings.TrimSpace(req.Idempotency); idempotency != "" {
		httpReq.Header.Set("Idempotency-Key", idempotency)
	}

	httpRes, err := a.Client.Do(httpReq)
	if err != nil {
		if requestCtx.Err() != nil && ctx.Err() == nil {
			return core.TransportResponse{}, core.NewTimeoutError(
				fmt.Sprintf("transport: %s %s exceeded %s", method, parsedURL.String(), req.Timeout))
		}
		if ctx.Err() != nil {
			return core.TransportResponse{}, ctx.Err()
		}
		return core.TransportResponse{}, core.WrapNetworkError(err, "transport: execute http request")
	}
	defer httpRes.Body.Close()

	maxBodyBytes := a.MaxResponseBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultRESTResponseBodyLimit
	}
	body, err := io.ReadAll(io.LimitReader(httpRes.Body, maxBodyBytes+1))
	if err != nil {
		return core.TransportResponse{}, core.WrapNetworkError(err, "transport: read response body")
	}
	if int64(len(body)) > maxBodyBytes {
		return core.TransportResponse{}, core.NewServerError(
			fmt.Sprintf("transport: response body exceeds limit of %d bytes", maxBodyBytes),
			http.StatusBadGateway,
		)
	}

	return core.TransportResponse{
		StatusCode: httpRes.StatusCode,
		Headers:    flattenHeaders(httpRes.Header),
		Body:       body,
	}, nil
}

func flattenHeaders(headers http.Header) map[string]string {
	if len(headers) == 0 {
		return map[string]string{}
	}
	flat := make(map[string]string, len(headers))
	for key, values := range headers {
		if len(values) == 0 {
			flat[key] = ""
			continue
		}
		flat[key] = strings.Join(values, ",")
	}
	return flat
}

var _ core.TransportAdapter = (*RESTAdapter)(nil)
