package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-ingest/core"
)

func TestSignAndVerify_RoundTrip(t *testing.T) {
	verifier, err := NewVerifier("shhh", 300)
	if err != nil {
		t.Fatalf("new verifier failed: %v", err)
	}
	payload := []byte(`{"hello":"world"}`)
	header := Sign([]byte("shhh"), payload, time.Now())

	if err := verifier.Verify(header, payload); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestVerify_RejectsTamperedPayload(t *testing.T) {
	verifier, _ := NewVerifier("shhh", 300)
	header := Sign([]byte("shhh"), []byte("original"), time.Now())

	err := verifier.Verify(header, []byte("tampered"))
	if core.Kind(err) != core.IngestErrorAuth {
		t.Fatalf("expected auth rejection, got %v", err)
	}
}

func TestVerify_RejectsWrongSecret(t *testing.T) {
	verifier, _ := NewVerifier("right", 300)
	header := Sign([]byte("wrong"), []byte("payload"), time.Now())

	if err := verifier.Verify(header, []byte("payload")); err == nil {
		t.Fatalf("expected wrong secret to fail")
	}
}

func TestVerify_RejectsStaleTimestamp(t *testing.T) {
	verifier, _ := NewVerifier("shhh", 300)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	verifier.Now = func() time.Time { return now }

	stale := Sign([]byte("shhh"), []byte("payload"), now.Add(-6*time.Minute))
	if err := verifier.Verify(stale, []byte("payload")); err == nil {
		t.Fatalf("expected stale signature to fail")
	}
	future := Sign([]byte("shhh"), []byte("payload"), now.Add(6*time.Minute))
	if err := verifier.Verify(future, []byte("payload")); err == nil {
		t.Fatalf("expected future signature to fail")
	}
	fresh := Sign([]byte("shhh"), []byte("payload"), now.Add(-4*time.Minute))
	if err := verifier.Verify(fresh, []byte("payload")); err != nil {
		t.Fatalf("expected in-window signature to pass: %v", err)
	}
}

func TestVerify_RejectsMalformedHeaders(t *testing.T) {
	verifier, _ := NewVerifier("shhh", 300)
	for _, header := range []string{"", "v1=abc", "t=123", "t=abc,v1=def", "garbage"} {
		if err := verifier.Verify(header, []byte("payload")); err == nil {
			t.Fatalf("expected header %q to be rejected", header)
		}
	}
}

func TestDispatch_SignsAndPosts(t *testing.T) {
	var gotSignature, gotIdempotency string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get(SignatureHeader)
		gotIdempotency = r.Header.Get("Idempotency-Key")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	dispatcher, err := NewDispatcher(core.WebhookConfig{Endpoint: server.URL, Secret: "shhh"})
	if err != nil {
		t.Fatalf("new dispatcher failed: %v", err)
	}

	event := core.WebhookEvent{
		ID:         "evt-1",
		Type:       "job.completed",
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload:    map[string]any{"job_id": "job-1"},
	}
	if err := dispatcher.Dispatch(context.Background(), event); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if gotIdempotency != "evt-1" {
		t.Fatalf("expected the event id as idempotency key, got %q", gotIdempotency)
	}

	verifier, _ := NewVerifier("shhh", 300)
	if err := verifier.Verify(gotSignature, gotBody); err != nil {
		t.Fatalf("subscriber-side verification failed: %v", err)
	}
	var decoded eventPayload
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if decoded.Type != "job.completed" || decoded.Payload["job_id"] != "job-1" {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func TestTrigger_PostsSlugAndSurfacesRunID(t *testing.T) {
	var gotPath, gotSignature, gotIdempotency string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSignature = r.Header.Get(SignatureHeader)
		gotIdempotency = r.Header.Get("Idempotency-Key")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"runId":"run-42"}`))
	}))
	defer server.Close()

	dispatcher, err := NewDispatcher(core.WebhookConfig{Endpoint: server.URL, Secret: "shhh"})
	if err != nil {
		t.Fatalf("new dispatcher failed: %v", err)
	}

	result, err := dispatcher.Trigger(context.Background(), "reindex-orders",
		map[string]any{"since": "2026-03-01"}, core.TriggerOptions{IdempotencyKey: "key-1"})
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	if result.RunID != "run-42" {
		t.Fatalf("expected the receiver's run id, got %q", result.RunID)
	}
	if gotPath != "/reindex-orders" {
		t.Fatalf("expected the slug-addressed path, got %q", gotPath)
	}
	if gotIdempotency != "key-1" {
		t.Fatalf("expected the idempotency key forwarded, got %q", gotIdempotency)
	}

	verifier, _ := NewVerifier("shhh", 300)
	if err := verifier.Verify(gotSignature, gotBody); err != nil {
		t.Fatalf("receiver-side verification failed: %v", err)
	}
	var decoded triggerPayload
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if decoded.Slug != "reindex-orders" || decoded.Input["since"] != "2026-03-01" {
		t.Fatalf("expected a slug and input body, got %+v", decoded)
	}
}

func TestTrigger_EmptyResponseAcknowledged(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	dispatcher, err := NewDispatcher(core.WebhookConfig{Endpoint: server.URL, Secret: "shhh"})
	if err != nil {
		t.Fatalf("new dispatcher failed: %v", err)
	}
	result, err := dispatcher.Trigger(context.Background(), "nightly-sync", nil, core.TriggerOptions{})
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	if result.RunID != "" {
		t.Fatalf("expected no run id from a bare acknowledgement, got %q", result.RunID)
	}

	if _, err := dispatcher.Trigger(context.Background(), "  ", nil, core.TriggerOptions{}); err == nil {
		t.Fatalf("expected a blank slug to be rejected")
	}
}

func TestDispatch_SubscriberFailureSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	dispatcher, err := NewDispatcher(core.WebhookConfig{Endpoint: server.URL, Secret: "shhh"})
	if err != nil {
		t.Fatalf("new dispatcher failed: %v", err)
	}
	err = dispatcher.Dispatch(context.Background(), core.WebhookEvent{ID: "evt-1", Type: "job.failed"})
	if core.Kind(err) != core.IngestErrorServer {
		t.Fatalf("expected server kind, got %v", err)
	}
}

type pushGateway struct {
	mu       sync.Mutex
	uploaded int
	err      error
}

func (g *pushGateway) Upload(_ context.Context, _ core.UploadEnvelope, _ core.UploadOptions) (core.UploadResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return core.UploadResult{}, g.err
	}
	g.uploaded++
	return core.UploadResult{DocumentID: "doc-1"}, nil
}

func (g *pushGateway) UploadBatch(_ context.Context, _ []core.UploadEnvelope, _ core.UploadOptions) (core.BatchResult, error) {
	return core.BatchResult{}, nil
}

type recordTransformer struct{}

func (recordTransformer) Transform(_ context.Context, instance core.ConnectorInstance, source core.SourceSpec, record map[string]any) ([]core.UploadEnvelope, error) {
	id, _ := record["id"].(string)
	if id == "" {
		return nil, core.NewValidationError("missing id")
	}
	return []core.UploadEnvelope{{
		Content:     core.Content{Bytes: []byte(`{}`)},
		ContentType: core.ContentTypeJSON,
		Metadata: map[string]any{
			core.MetadataKeySource:     instance.DefinitionName + "/" + source.Key,
			core.MetadataKeyExternalID: id,
		},
	}}, nil
}

func pushProcessor(t *testing.T, gateway core.UploadGateway, push core.PushFunc) (*Processor, *Verifier) {
	t.Helper()
	registry := core.NewConnectorRegistry()
	if err := registry.Register(core.ConnectorDefinition{
		Name:         "events",
		Version:      "1.0.0",
		SyncStrategy: core.SyncStrategyPush,
		Handler:      core.Handler{Push: push},
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	instances := &staticInstanceStore{instance: core.ConnectorInstance{
		ID:             "inst-1",
		DefinitionName: "events",
		State:          core.InstanceStateInitialized,
	}}

	verifier, err := NewVerifier("shhh", 300)
	if err != nil {
		t.Fatalf("new verifier failed: %v", err)
	}
	processor, err := NewProcessor(registry, instances, recordTransformer{}, gateway, verifier)
	if err != nil {
		t.Fatalf("new processor failed: %v", err)
	}
	return processor, verifier
}

type staticInstanceStore struct {
	instance core.ConnectorInstance
}

func (s *staticInstanceStore) Save(_ context.Context, instance core.ConnectorInstance) error {
	s.instance = instance
	return nil
}

func (s *staticInstanceStore) Get(_ context.Context, id string) (core.ConnectorInstance, error) {
	if id != s.instance.ID {
		return core.ConnectorInstance{}, core.ErrInstanceNotFound
	}
	return s.instance, nil
}

func (s *staticInstanceStore) List(_ context.Context) ([]core.ConnectorInstance, error) {
	return []core.ConnectorInstance{s.instance}, nil
}

func (s *staticInstanceStore) Delete(_ context.Context, _ string) error { return nil }

func signedDelivery(id string, body string) core.InboundDelivery {
	return core.InboundDelivery{
		DeliveryID: id,
		Signature:  Sign([]byte("shhh"), []byte(body), time.Now()),
		Body:       []byte(body),
		ReceivedAt: time.Now().UTC(),
	}
}

func TestProcessPush_IngestsRecords(t *testing.T) {
	gateway := &pushGateway{}
	push := func(_ context.Context, _ core.ConnectorInstance, _ core.InboundDelivery) ([]map[string]any, error) {
		return []map[string]any{{"id": "rec-1"}, {"id": "rec-2"}, {"bad": true}}, nil
	}
	processor, _ := pushProcessor(t, gateway, push)

	result, err := processor.ProcessPush(context.Background(), "inst-1", signedDelivery("del-1", `{"event":"created"}`))
	if err != nil {
		t.Fatalf("process push failed: %v", err)
	}
	if result.RecordsUploaded != 2 || result.RecordsFailed != 1 || result.Duplicate {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestProcessPush_DuplicateDeliveryAcknowledged(t *testing.T) {
	gateway := &pushGateway{}
	var handled int
	push := func(_ context.Context, _ core.ConnectorInstance, _ core.InboundDelivery) ([]map[string]any, error) {
		handled++
		return []map[string]any{{"id": "rec-1"}}, nil
	}
	processor, _ := pushProcessor(t, gateway, push)

	delivery := signedDelivery("del-1", `{"event":"created"}`)
	if _, err := processor.ProcessPush(context.Background(), "inst-1", delivery); err != nil {
		t.Fatalf("first push failed: %v", err)
	}
	replay, err := processor.ProcessPush(context.Background(), "inst-1", delivery)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !replay.Duplicate {
		t.Fatalf("expected replay to be marked duplicate: %+v", replay)
	}
	if handled != 1 {
		t.Fatalf("expected the handler to run once, got %d", handled)
	}
}

func TestProcessPush_BadSignatureRejected(t *testing.T) {
	gateway := &pushGateway{}
	push := func(_ context.Context, _ core.ConnectorInstance, _ core.InboundDelivery) ([]map[string]any, error) {
		t.Fatal("handler must not run for an unverified delivery")
		return nil, nil
	}
	processor, _ := pushProcessor(t, gateway, push)

	delivery := signedDelivery("del-1", `{"event":"created"}`)
	delivery.Body = []byte(`{"event":"forged"}`)
	_, err := processor.ProcessPush(context.Background(), "inst-1", delivery)
	if core.Kind(err) != core.IngestErrorAuth {
		t.Fatalf("expected auth rejection, got %v", err)
	}
}

func TestProcessPush_FailureReleasesClaim(t *testing.T) {
	gateway := &pushGateway{err: core.NewServerError("gateway down", 503)}
	push := func(_ context.Context, _ core.ConnectorInstance, _ core.InboundDelivery) ([]map[string]any, error) {
		return []map[string]any{{"id": "rec-1"}}, nil
	}
	processor, _ := pushProcessor(t, gateway, push)

	delivery := signedDelivery("del-1", `{"event":"created"}`)
	if _, err := processor.ProcessPush(context.Background(), "inst-1", delivery); err == nil {
		t.Fatalf("expected the push to fail")
	}

	gateway.err = nil
	delivery = signedDelivery("del-1", `{"event":"created"}`)
	result, err := processor.ProcessPush(context.Background(), "inst-1", delivery)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if result.Duplicate || result.RecordsUploaded != 1 {
		t.Fatalf("expected the released claim to admit a retry: %+v", result)
	}
}

func TestMemoryLedger_LeaseExpiry(t *testing.T) {
	ledger := NewMemoryLedger()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger.Now = func() time.Time { return now }

	claimed, err := ledger.Claim(context.Background(), "del-1", 30*time.Second)
	if err != nil || !claimed {
		t.Fatalf("first claim failed: %v %v", claimed, err)
	}
	claimed, _ = ledger.Claim(context.Background(), "del-1", 30*time.Second)
	if claimed {
		t.Fatalf("expected a live lease to block the claim")
	}

	now = now.Add(time.Minute)
	claimed, _ = ledger.Claim(context.Background(), "del-1", 30*time.Second)
	if !claimed {
		t.Fatalf("expected an expired lease to be reclaimable")
	}

	if err := ledger.Complete(context.Background(), "del-1"); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	claimed, _ = ledger.Claim(context.Background(), "del-1", 30*time.Second)
	if claimed {
		t.Fatalf("expected a completed delivery to stay claimed forever")
	}
}
