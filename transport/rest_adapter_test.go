package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goliatone/go-ingest/core"
)

func TestRESTAdapter_Do(t *testing.T) {
	var gotPath, gotQuery, gotAuth, gotIdempotency string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("offset")
		gotAuth = r.Header.Get("Authorization")
		gotIdempotency = r.Header.Get("Idempotency-Key")
		w.Header().Set("X-Request-Id", "req-1")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()

	adapter := NewRESTAdapter(nil)
	res, err := adapter.Do(context.Background(), core.TransportRequest{
		URL:         server.URL + "/orders",
		Query:       map[string]string{"offset": "40"},
		Headers:     map[string]string{"Authorization": "Bearer tok"},
		Idempotency: "idem-1",
	})
	if err != nil {
		t.Fatalf("do failed: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", res.StatusCode)
	}
	if gotPath != "/orders" || gotQuery != "40" {
		t.Fatalf("unexpected request: path=%q offset=%q", gotPath, gotQuery)
	}
	if gotAuth != "Bearer tok" || gotIdempotency != "idem-1" {
		t.Fatalf("unexpected headers: auth=%q idem=%q", gotAuth, gotIdempotency)
	}
	if res.Headers["X-Request-Id"] != "req-1" {
		t.Fatalf("expected flattened response headers, got %v", res.Headers)
	}
}

func TestRESTAdapter_BodyLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer server.Close()

	adapter := NewRESTAdapter(nil)
	adapter.MaxResponseBodyBytes = 1024
	_, err := adapter.Do(context.Background(), core.TransportRequest{URL: server.URL})
	if err == nil {
		t.Fatalf("expected oversized body to fail")
	}
	if core.Kind(err) != core.IngestErrorServer {
		t.Fatalf("expected server kind, got %q", core.Kind(err))
	}
}

func TestRESTAdapter_NetworkFailure(t *testing.T) {
	adapter := NewRESTAdapter(nil)
	_, err := adapter.Do(context.Background(), core.TransportRequest{URL: "http://127.0.0.1:1/unreachable"})
	if err == nil {
		t.Fatalf("expected connection failure")
	}
	if core.Kind(err) != core.IngestErrorNetwork {
		t.Fatalf("expected network kind, got %q", core.Kind(err))
	}
	if !core.IsRetryable(err) {
		t.Fatalf("expected network failure to be retryable")
	}
}

func TestMapStatusError(t *testing.T) {
	if err := MapStatusError(core.TransportResponse{StatusCode: 200}); err != nil {
		t.Fatalf("expected 200 to pass: %v", err)
	}

	err := MapStatusError(core.TransportResponse{StatusCode: 401})
	if core.Kind(err) != core.IngestErrorAuth || core.IsRetryable(err) {
		t.Fatalf("expected permanent auth error, got %v", err)
	}

	err = MapStatusError(core.TransportResponse{
		StatusCode: 429,
		Headers:    map[string]string{"Retry-After": "7"},
	})
	if core.Kind(err) != core.IngestErrorRateLimited {
		t.Fatalf("expected rate limit kind, got %q", core.Kind(err))
	}
	if hint, ok := core.RetryAfter(err); !ok || hint.Seconds() != 7 {
		t.Fatalf("expected 7s hint, got %v %v", hint, ok)
	}

	err = MapStatusError(core.TransportResponse{StatusCode: 503})
	if core.Kind(err) != core.IngestErrorServer || !core.IsRetryable(err) {
		t.Fatalf("expected retryable server error, got %v", err)
	}

	err = MapStatusError(core.TransportResponse{StatusCode: 404})
	if core.Kind(err) != core.IngestErrorValidation || core.IsRetryable(err) {
		t.Fatalf("expected permanent validation error, got %v", err)
	}
}
