package ingest_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	ingest "github.com/goliatone/go-ingest"
	"github.com/goliatone/go-ingest/connectors/filedrop"
	"github.com/goliatone/go-ingest/core"
)

type compositionGateway struct {
	mu      sync.Mutex
	uploads []core.UploadEnvelope
}

func (g *compositionGateway) Upload(_ context.Context, envelope core.UploadEnvelope, _ core.UploadOptions) (core.UploadResult, error) {
	g.mu.Lock()
	g.uploads = append(g.uploads, envelope)
	g.mu.Unlock()
	return core.UploadResult{DocumentID: "doc-1", Status: "created"}, nil
}

func (g *compositionGateway) UploadBatch(_ context.Context, envelopes []core.UploadEnvelope, _ core.UploadOptions) (core.BatchResult, error) {
	g.mu.Lock()
	g.uploads = append(g.uploads, envelopes...)
	g.mu.Unlock()
	return core.BatchResult{Succeeded: len(envelopes)}, nil
}

func (g *compositionGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.uploads)
}

// A downstream consumer composes the service from its public surface only:
// register a connector, create an instance from raw configuration, run a
// pull, and read the durable checkpoint back.
func TestComposition_FiledropPullThroughService(t *testing.T) {
	ctx := context.Background()

	root := t.TempDir()
	dropDir := filepath.Join(root, "invoices")
	if err := os.Mkdir(dropDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	modified := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for _, name := range []string{"a.json", "b.json"} {
		path := filepath.Join(dropDir, name)
		if err := os.WriteFile(path, []byte(`{"total":10}`), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if err := os.Chtimes(path, modified, modified); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
		modified = modified.Add(time.Hour)
	}

	gateway := &compositionGateway{}
	service, err := ingest.New(ingest.Config{}, ingest.WithUploadGateway(gateway))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := filedrop.Register(service.Registry(), root); err != nil {
		t.Fatalf("register filedrop connector: %v", err)
	}

	instance, err := service.CreateInstance(ctx, ingest.ConnectorInstance{
		ID:             "inst-1",
		DefinitionName: filedrop.Name,
	}, map[string]any{
		"sources": []any{
			map[string]any{"key": "invoices", "url": "invoices", "pagination": "offset"},
		},
	})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}

	job, err := service.Runner().RunPull(ctx, instance.ID, ingest.SyncParams{})
	if err != nil {
		t.Fatalf("run pull: %v", err)
	}
	if job.Status != core.JobStatusCompleted {
		t.Fatalf("expected a completed job, got %s", job.Status)
	}
	if job.Stats.RecordsUploaded != 2 || gateway.count() != 2 {
		t.Fatalf("expected both dropped files uploaded, got stats=%+v gateway=%d",
			job.Stats, gateway.count())
	}

	checkpoint, err := service.Checkpoints().Get(ctx, instance.ID, "invoices")
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if checkpoint.Cursor == "" || checkpoint.RecordsProcessed != 2 {
		t.Fatalf("expected an advanced checkpoint, got %+v", checkpoint)
	}

	// A second pull resumes past the watermark and sees nothing new.
	job, err = service.Runner().RunPull(ctx, instance.ID, ingest.SyncParams{})
	if err != nil {
		t.Fatalf("second run pull: %v", err)
	}
	if job.Stats.RecordsUploaded != 0 || gateway.count() != 2 {
		t.Fatalf("expected the second pull to skip consumed files, got stats=%+v", job.Stats)
	}

	if err := service.RemoveInstance(ctx, instance.ID); err != nil {
		t.Fatalf("remove instance: %v", err)
	}
	stored, err := service.Instances().Get(ctx, instance.ID)
	if err != nil {
		t.Fatalf("load instance after teardown: %v", err)
	}
	if stored.State != core.InstanceStateTerminated {
		t.Fatalf("expected a terminated instance, got %s", stored.State)
	}
}

func TestSetup_LayersLoadedConfigUnderOverrides(t *testing.T) {
	loader := core.StaticRawConfigLoader(map[string]any{
		"service_name": "ingest-east",
		"runtime":      map[string]any{"checkpoint_every": 10},
	})

	service, err := ingest.Setup(context.Background(), loader, ingest.Config{
		Runtime: core.RuntimeConfig{SourceConcurrency: 2},
	}, ingest.WithUploadGateway(&compositionGateway{}))
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	cfg := service.Config()
	if cfg.ServiceName != "ingest-east" {
		t.Fatalf("expected the loaded service name, got %q", cfg.ServiceName)
	}
	if cfg.Runtime.CheckpointEvery != 10 {
		t.Fatalf("expected the loaded checkpoint interval, got %d", cfg.Runtime.CheckpointEvery)
	}
	if cfg.Runtime.SourceConcurrency != 2 {
		t.Fatalf("expected the runtime override to win, got %d", cfg.Runtime.SourceConcurrency)
	}
	if cfg.Runtime.MaxInFlightPulls != ingest.DefaultConfig().Runtime.MaxInFlightPulls {
		t.Fatalf("expected untouched fields to keep defaults, got %d", cfg.Runtime.MaxInFlightPulls)
	}
}
