package webhooks

import (
	"context"
	"strings"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-ingest/core"
)

// Processor handles verified inbound pushes for push-capable connectors.
// Every delivery is claimed in the ledger before the handler runs, so a
// replayed delivery id is acknowledged without reprocessing. Records the
// push yields go through the same transform and upload path as pulled ones.
type Processor struct {
	registry    core.DefinitionRegistry
	instances   core.InstanceStore
	transformer core.Transformer
	gateway     core.UploadGateway
	verifier    *Verifier
	ledger      core.DeliveryLedger
	claimLease  time.Duration
	logger      core.Logger
	metrics     core.MetricsRecorder

	Now func() time.Time
}

type ProcessorOption func(*Processor)

func WithLedger(ledger core.DeliveryLedger) ProcessorOption {
	return func(p *Processor) {
		if ledger != nil {
			p.ledger = ledger
		}
	}
}

func WithClaimLease(lease time.Duration) ProcessorOption {
	return func(p *Processor) {
		if lease > 0 {
			p.claimLease = lease
		}
	}
}

func WithProcessorLogger(logger core.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithProcessorMetrics(recorder core.MetricsRecorder) ProcessorOption {
	return func(p *Processor) {
		if recorder != nil {
			p.metrics = recorder
		}
	}
}

func NewProcessor(
	registry core.DefinitionRegistry,
	instances core.InstanceStore,
	transformer core.Transformer,
	gateway core.UploadGateway,
	verifier *Verifier,
	options ...ProcessorOption,
) (*Processor, error) {
	if registry == nil {
		return nil, core.NewValidationError("webhooks: definition registry is required")
	}
	if instances == nil {
		return nil, core.NewValidationError("webhooks: instance store is required")
	}
	if transformer == nil {
		return nil, core.NewValidationError("webhooks: transformer is required")
	}
	if gateway == nil {
		return nil, core.NewValidationError("webhooks: upload gateway is required")
	}
	if verifier == nil {
		return nil, core.NewValidationError("webhooks: verifier is required")
	}

	_, logger := glog.Resolve("webhooks", nil, nil)
	processor := &Processor{
		registry:    registry,
		instances:   instances,
		transformer: transformer,
		gateway:     gateway,
		verifier:    verifier,
		ledger:      NewMemoryLedger(),
		claimLease:  30 * time.Second,
		logger:      glog.Ensure(logger),
		metrics:     core.NopMetricsRecorder{},
		Now:         func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(processor)
	}
	return processor, nil
}

// PushResult reports one processed inbound delivery.
type PushResult struct {
	DeliveryID      string
	Duplicate       bool
	RecordsUploaded int
	RecordsFailed   int
}

// ProcessPush verifies, dedupes, and ingests one inbound delivery for a
// push-capable instance. A delivery already completed in the ledger is
// acknowledged as a duplicate without touching the handler.
func (p *Processor) ProcessPush(ctx context.Context, instanceID string, delivery core.InboundDelivery) (PushResult, error) {
	if p == nil {
		return PushResult{}, core.NewInternalError("webhooks: processor is nil")
	}
	startedAt := p.Now()

	deliveryID := strings.TrimSpace(delivery.DeliveryID)
	if deliveryID == "" {
		return PushResult{}, core.NewValidationError("webhooks: delivery id is required")
	}

	if err := p.verifier.Verify(delivery.Signature, delivery.Body); err != nil {
		p.observe(ctx, startedAt, instanceID, deliveryID, err)
		return PushResult{}, err
	}

	instance, err := p.instances.Get(ctx, instanceID)
	if err != nil {
		return PushResult{}, err
	}
	definition, ok := p.registry.Get(instance.DefinitionName)
	if !ok {
		return PushResult{}, core.ErrDefinitionNotFound
	}
	if definition.Handler.Push == nil {
		return PushResult{}, core.NewValidationError(
			"webhooks: definition " + definition.Name + " has no push capability")
	}

	claimed, err := p.ledger.Claim(ctx, deliveryID, p.claimLease)
	if err != nil {
		return PushResult{}, err
	}
	if !claimed {
		p.observe(ctx, startedAt, instanceID, deliveryID, nil)
		return PushResult{DeliveryID: deliveryID, Duplicate: true}, nil
	}

	result, err := p.ingest(ctx, definition, instance, delivery)
	result.DeliveryID = deliveryID
	if err != nil {
		if failErr := p.ledger.Fail(ctx, deliveryID, err); failErr != nil {
			core.LogError(ctx, p.logger, "delivery ledger fail mark failed", map[string]any{
				"delivery_id": deliveryID,
				"error":       failErr.Error(),
			})
		}
		p.observe(ctx, startedAt, instanceID, deliveryID, err)
		return result, err
	}
	if err := p.ledger.Complete(ctx, deliveryID); err != nil {
		core.LogError(ctx, p.logger, "delivery ledger complete failed", map[string]any{
			"delivery_id": deliveryID,
			"error":       err.Error(),
		})
	}
	p.observe(ctx, startedAt, instanceID, deliveryID, nil)
	return result, nil
}

func (p *Processor) ingest(
	ctx context.Context,
	definition core.ConnectorDefinition,
	instance core.ConnectorInstance,
	delivery core.InboundDelivery,
) (PushResult, error) {
	records, err := definition.Handler.Push(ctx, instance, delivery)
	if err != nil {
		return PushResult{}, err
	}

	source := core.SourceSpec{Key: "push"}
	if len(instance.Config.Sources) > 0 {
		source = instance.Config.Sources[0]
	}

	result := PushResult{}
	for _, record := range records {
		envelopes, err := p.transformer.Transform(ctx, instance, source, record)
		if err != nil {
			result.RecordsFailed++
			core.LogWarn(ctx, p.logger, "push record rejected", map[string]any{
				"connector_instance_id": instance.ID,
				"delivery_id":           delivery.DeliveryID,
				"error":                 err.Error(),
			})
			continue
		}
		// A filtered record yields no envelopes and counts as neither
		// uploaded nor failed.
		for _, envelope := range envelopes {
			if _, err := p.gateway.Upload(ctx, envelope, core.UploadOptions{}); err != nil {
				return result, err
			}
			result.RecordsUploaded++
		}
	}
	return result, nil
}

func (p *Processor) observe(ctx context.Context, startedAt time.Time, instanceID string, deliveryID string, err error) {
	core.ObserveOperation(ctx, p.logger, p.metrics, startedAt, "process_push", err, map[string]any{
		"connector_instance_id": instanceID,
		"delivery_id":           deliveryID,
	})
}

type ledgerEntry struct {
	completed bool
	leaseTill time.Time
	lastError string
}

// MemoryLedger is the in-process DeliveryLedger. Claims expire after their
// lease so a crashed worker does not strand a delivery.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]*ledgerEntry

	Now func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries: map[string]*ledgerEntry{},
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryLedger) Claim(_ context.Context, deliveryID string, lease time.Duration) (bool, error) {
	if l == nil {
		return false, core.NewInternalError("webhooks: ledger is nil")
	}
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return false, core.NewValidationError("webhooks: delivery id is required")
	}
	now := l.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	entry, exists := l.entries[deliveryID]
	if exists {
		if entry.completed {
			return false, nil
		}
		if entry.leaseTill.After(now) {
			return false, nil
		}
	}
	l.entries[deliveryID] = &ledgerEntry{leaseTill: now.Add(lease)}
	return true, nil
}

func (l *MemoryLedger) Complete(_ context.Context, deliveryID string) error {
	if l == nil {
		return core.NewInternalError("webhooks: ledger is nil")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[strings.TrimSpace(deliveryID)]
	if !ok {
		return core.NewValidationError("webhooks: delivery " + deliveryID + " was never claimed")
	}
	entry.completed = true
	return nil
}

// Fail releases the claim so the delivery can be retried after its lease.
func (l *MemoryLedger) Fail(_ context.Context, deliveryID string, cause error) error {
	if l == nil {
		return core.NewInternalError("webhooks: ledger is nil")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[strings.TrimSpace(deliveryID)]
	if !ok {
		return core.NewValidationError("webhooks: delivery " + deliveryID + " was never claimed")
	}
	entry.leaseTill = l.Now()
	if cause != nil {
		entry.lastError = cause.Error()
	}
	return nil
}

var _ core.DeliveryLedger = (*MemoryLedger)(nil)
