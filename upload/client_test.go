package upload

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-ingest/core"
	"github.com/goliatone/go-ingest/retry"
)

func testEnvelope(externalID string, payload string) core.UploadEnvelope {
	return core.UploadEnvelope{
		Content:     core.Content{Bytes: []byte(payload)},
		ContentType: core.ContentTypeJSON,
		Metadata: map[string]any{
			core.MetadataKeySource:     "rest-api/orders",
			core.MetadataKeyExternalID: externalID,
			"connector_instance_id":    "inst-1",
		},
	}
}

func fastRetrier() *retry.Retrier {
	retrier := retry.New()
	retrier.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return retrier
}

func TestIdempotencyKey_Deterministic(t *testing.T) {
	first := IdempotencyKey("inst-1", "ord-1", "abc")
	second := IdempotencyKey("inst-1", "ord-1", "abc")
	if first != second {
		t.Fatalf("expected a stable key, got %q and %q", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("expected hex sha256, got %q", first)
	}
	if first == IdempotencyKey("inst-2", "ord-1", "abc") {
		t.Fatalf("expected connector id to change the key")
	}
}

func TestUpload_Success(t *testing.T) {
	var gotKey, gotAuth string
	var gotBody documentPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/upload" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(uploadResponse{Success: true, DocumentID: "doc-1", Status: "processing"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "tok-123")
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}

	result, err := client.Upload(context.Background(), testEnvelope("ord-1", `{"id":"ord-1"}`), core.UploadOptions{})
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if result.DocumentID != "doc-1" || result.Duplicate {
		t.Fatalf("unexpected result: %+v", result)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
	if len(gotKey) != 64 {
		t.Fatalf("expected derived idempotency key, got %q", gotKey)
	}
	if gotBody.Content.Base64 == "" {
		t.Fatalf("expected inline content to be base64 encoded")
	}
	if gotBody.Metadata["external_id"] != "ord-1" {
		t.Fatalf("unexpected metadata: %+v", gotBody.Metadata)
	}
}

func TestUpload_ReplaysCachedResult(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(uploadResponse{Success: true, DocumentID: "doc-1", Status: "processing"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "tok")
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}

	envelope := testEnvelope("ord-1", `{"id":"ord-1"}`)
	if _, err := client.Upload(context.Background(), envelope, core.UploadOptions{}); err != nil {
		t.Fatalf("first upload failed: %v", err)
	}
	replay, err := client.Upload(context.Background(), envelope, core.UploadOptions{})
	if err != nil {
		t.Fatalf("second upload failed: %v", err)
	}
	if !replay.Duplicate || replay.DocumentID != "doc-1" {
		t.Fatalf("expected cached replay, got %+v", replay)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected one request, got %d", got)
	}

	// Same record, changed content: new fingerprint, new key, fresh send.
	if _, err := client.Upload(context.Background(), testEnvelope("ord-1", `{"id":"ord-1","v":2}`), core.UploadOptions{}); err != nil {
		t.Fatalf("changed upload failed: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected a second request after content changed, got %d", got)
	}
}

func TestUpload_CacheExpires(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(uploadResponse{Success: true, DocumentID: "doc-1", Status: "processing"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "tok")
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	now := time.Now().UTC()
	client.Now = func() time.Time { return now }

	envelope := testEnvelope("ord-1", `{"id":"ord-1"}`)
	if _, err := client.Upload(context.Background(), envelope, core.UploadOptions{}); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	now = now.Add(25 * time.Hour)
	if _, err := client.Upload(context.Background(), envelope, core.UploadOptions{}); err != nil {
		t.Fatalf("upload after expiry failed: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected the expired key to be re-sent, got %d calls", got)
	}
}

func TestUpload_PayloadTooLarge(t *testing.T) {
	client, err := NewClient("https://gateway.example.com", "tok", WithMaxPayloadBytes(16))
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}

	envelope := testEnvelope("ord-1", `{"id":"ord-1","padding":"`+strings.Repeat("x", 64)+`"}`)
	_, err = client.Upload(context.Background(), envelope, core.UploadOptions{})
	if err == nil {
		t.Fatalf("expected oversized payload to be rejected")
	}
	if core.Kind(err) != core.IngestErrorValidation {
		t.Fatalf("expected validation kind, got %q", core.Kind(err))
	}
}

func TestUpload_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(uploadResponse{Success: true, DocumentID: "doc-1", Status: "processing"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "tok", WithRetrier(fastRetrier()))
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}

	result, err := client.Upload(context.Background(), testEnvelope("ord-1", `{"id":"ord-1"}`), core.UploadOptions{})
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if result.DocumentID != "doc-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected one retry, got %d calls", got)
	}
}

func TestUpload_AuthFailureNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "stale", WithRetrier(fastRetrier()))
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}

	_, err = client.Upload(context.Background(), testEnvelope("ord-1", `{"id":"ord-1"}`), core.UploadOptions{})
	if err == nil {
		t.Fatalf("expected auth failure")
	}
	if core.Kind(err) != core.IngestErrorAuth {
		t.Fatalf("expected auth kind, got %q", core.Kind(err))
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestUploadBatch_PerItemOutcomes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/upload/batch" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req batchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Transactional {
			t.Errorf("expected a non-transactional batch")
		}
		if len(req.Documents) != 2 {
			t.Errorf("expected a documents array with 2 entries, got %d", len(req.Documents))
		}
		json.NewEncoder(w).Encode(batchResponse{Success: true, Results: []batchItemResponse{
			{Index: 0, Success: true, DocumentID: "doc-0", Status: "processing"},
			{Index: 1, Error: &errorPayload{Code: ErrCodeInvalidSchema, Message: "schema mismatch"}},
		}})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "tok")
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}

	envelopes := []core.UploadEnvelope{
		testEnvelope("ord-0", `{"id":"ord-0"}`),
		testEnvelope("ord-1", `{"id":"ord-1"}`),
	}
	result, err := client.UploadBatch(context.Background(), envelopes, core.UploadOptions{})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if result.Succeeded != 1 || result.Failed != 1 {
		t.Fatalf("unexpected tallies: %+v", result)
	}
	if result.Items[0].DocumentID != "doc-0" {
		t.Fatalf("unexpected first item: %+v", result.Items[0])
	}
	if core.Kind(result.Items[1].Err) != core.IngestErrorValidation {
		t.Fatalf("expected the rejected item to carry a terminal error, got %v", result.Items[1].Err)
	}
}

func TestUploadBatch_TransactionalFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req batchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Transactional {
			t.Errorf("expected a transactional batch")
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "tok")
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}

	envelopes := []core.UploadEnvelope{
		testEnvelope("ord-0", `{"id":"ord-0"}`),
		testEnvelope("ord-1", `{"id":"ord-1"}`),
	}
	result, err := client.UploadBatch(context.Background(), envelopes, core.UploadOptions{Transactional: true})
	if err == nil {
		t.Fatalf("expected the batch to fail as a unit")
	}
	if len(result.Items) != 0 || result.Succeeded != 0 {
		t.Fatalf("expected nothing materialized, got %+v", result)
	}
}

func TestUploadBatch_FullyCachedSkipsRoundTrip(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(uploadResponse{Success: true, DocumentID: "doc-1", Status: "processing"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "tok")
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}

	envelope := testEnvelope("ord-1", `{"id":"ord-1"}`)
	if _, err := client.Upload(context.Background(), envelope, core.UploadOptions{}); err != nil {
		t.Fatalf("seed upload failed: %v", err)
	}

	result, err := client.UploadBatch(context.Background(), []core.UploadEnvelope{envelope}, core.UploadOptions{})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if result.Succeeded != 1 || !result.Items[0].Duplicate {
		t.Fatalf("expected a cached replay, got %+v", result)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected no batch round trip, got %d calls", got)
	}
}

func TestUploadBatch_EmptyRejected(t *testing.T) {
	client, err := NewClient("https://gateway.example.com", "tok")
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	if _, err := client.UploadBatch(context.Background(), nil, core.UploadOptions{}); err == nil {
		t.Fatalf("expected empty batch to be rejected")
	}
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	if _, err := NewClient("   ", "tok"); err == nil {
		t.Fatalf("expected missing base url to fail")
	}
}

func TestUpload_RejectionEnvelopeNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(uploadResponse{
			Success:   false,
			Error:     &errorPayload{Code: ErrCodeInvalidSchema, Message: "field total must be a number"},
			Retryable: false,
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "tok", WithRetrier(fastRetrier()))
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}

	_, err = client.Upload(context.Background(), testEnvelope("ord-1", `{"id":"ord-1"}`), core.UploadOptions{})
	if err == nil {
		t.Fatalf("expected the rejection to surface")
	}
	if core.Kind(err) != core.IngestErrorValidation {
		t.Fatalf("expected a terminal validation error, got kind %q (%v)", core.Kind(err), err)
	}
	if core.IsRetryable(err) {
		t.Fatalf("a retryable=false rejection must not be retryable: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
	if !strings.Contains(err.Error(), ErrCodeInvalidSchema) {
		t.Fatalf("expected the gateway code in the error, got %v", err)
	}
}

func TestUpload_RetryableEnvelopeOverridesStatus(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			// 200 carrying a retryable rejection: the body wins.
			json.NewEncoder(w).Encode(uploadResponse{
				Success:   false,
				Error:     &errorPayload{Code: ErrCodeProcessingTimeout, Message: "extraction timed out"},
				Retryable: true,
			})
			return
		}
		json.NewEncoder(w).Encode(uploadResponse{Success: true, DocumentID: "doc-1", Status: "processing"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "tok", WithRetrier(fastRetrier()))
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}

	result, err := client.Upload(context.Background(), testEnvelope("ord-1", `{"id":"ord-1"}`), core.UploadOptions{})
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if result.DocumentID != "doc-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected the retryable rejection to be retried, got %d calls", got)
	}
}

func TestHeaders_DedupHintFollowsMode(t *testing.T) {
	client, err := NewClient("https://gateway.example.com", "tok")
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}

	exact := testEnvelope("ord-1", `{"id":"ord-1"}`)
	exact.ProcessingHints.Deduplication = core.DeduplicationExact
	headers := client.headers(exact)
	if headers["X-Dedup-Mode"] != "exact" || headers["X-Content-Fingerprint"] == "" {
		t.Fatalf("expected exact mode to send the fingerprint, got %v", headers)
	}
	if _, ok := headers["X-Dedup-Primary-Key"]; ok {
		t.Fatalf("exact mode must not send the primary key hint")
	}

	fuzzy := testEnvelope("ord-1", `{"id":"ord-1"}`)
	fuzzy.ProcessingHints.Deduplication = core.DeduplicationFuzzy
	fuzzy.ProcessingHints.PrimaryKey = "order_id"
	headers = client.headers(fuzzy)
	if headers["X-Dedup-Mode"] != "fuzzy" || headers["X-Dedup-Primary-Key"] != "order_id" {
		t.Fatalf("expected fuzzy mode to send the primary key, got %v", headers)
	}
	if _, ok := headers["X-Content-Fingerprint"]; ok {
		t.Fatalf("fuzzy mode must not send the fingerprint")
	}

	none := testEnvelope("ord-1", `{"id":"ord-1"}`)
	none.ProcessingHints.Deduplication = core.DeduplicationNone
	headers = client.headers(none)
	for _, name := range []string{"X-Dedup-Mode", "X-Content-Fingerprint", "X-Dedup-Primary-Key"} {
		if _, ok := headers[name]; ok {
			t.Fatalf("mode none must send no dedup hint, got %v", headers)
		}
	}
}
