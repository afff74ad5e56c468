package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// PullFunc executes one incremental pull for an instance. The runtime calls
// it with the resolved sync params; the sequence it returns is consumed
// lazily, page by page.
type PullFunc func(ctx context.Context, instance ConnectorInstance, params SyncParams) (BatchSequence, error)

// PushFunc handles one verified inbound delivery for push-capable connectors.
type PushFunc func(ctx context.Context, instance ConnectorInstance, delivery InboundDelivery) ([]map[string]any, error)

// TeardownFunc releases remote resources when an instance is terminated.
type TeardownFunc func(ctx context.Context, instance ConnectorInstance) error

// Handler carries the capabilities a definition implements. Pull is required
// unless the strategy is push-only; Push is required unless pull-only.
type Handler struct {
	Pull     PullFunc
	Push     PushFunc
	Teardown TeardownFunc
}

// RecordBatch is one page of raw source records plus the cursor that resumes
// after it. Cursor semantics belong to the source; the runtime treats it as
// opaque.
type RecordBatch struct {
	Records []map[string]any
	Cursor  string
}

// BatchSequence yields record batches lazily. Next returns done=true after
// the final batch; sequences are not restartable.
type BatchSequence interface {
	Next(ctx context.Context) (batch RecordBatch, done bool, err error)
}

type InboundDelivery struct {
	DeliveryID string
	Signature  string
	Headers    map[string]string
	Body       []byte
	ReceivedAt time.Time
}

type TransportRequest struct {
	Method      string
	URL         string
	Headers     map[string]string
	Query       map[string]string
	Body        []byte
	Timeout     time.Duration
	Idempotency string
	SourceKey   string
}

type TransportResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

type TransportAdapter interface {
	Kind() string
	Do(ctx context.Context, req TransportRequest) (TransportResponse, error)
}

// CredentialProvider owns credential leases. Acquire returns a usable
// credential, refreshing behind a single flight when the lease is inside the
// refresh window. Invalidate discards the lease after an upstream 401 so the
// next Acquire refreshes.
type CredentialProvider interface {
	Acquire(ctx context.Context, ref string) (Credential, error)
	Invalidate(ctx context.Context, ref string)
}

// RateLimiter gates outbound calls per source. Acquire blocks until a token
// is available or the context ends. Drain empties the bucket for the given
// duration after an upstream 429.
type RateLimiter interface {
	Acquire(ctx context.Context, sourceKey string) error
	Drain(sourceKey string, until time.Duration)
}

// Retrier runs an operation under the configured backoff policy. The
// operation label shows up in retry logs and job error entries.
type Retrier interface {
	Run(ctx context.Context, operation string, fn func(ctx context.Context) error) error
}

// Transformer maps one raw source record to its upload envelopes. A record
// may fan out into several envelopes or into none at all when a filter drops
// it; an empty result is not an error.
type Transformer interface {
	Transform(ctx context.Context, instance ConnectorInstance, source SourceSpec, record map[string]any) ([]UploadEnvelope, error)
}

// CheckpointStore persists per-(connector, source) cursors. Get returns
// ErrCheckpointNotFound for a key never written.
type CheckpointStore interface {
	Get(ctx context.Context, connectorID string, sourceKey string) (Checkpoint, error)
	Set(ctx context.Context, checkpoint Checkpoint) error
	Delete(ctx context.Context, connectorID string, sourceKey string) error
}

type UploadOptions struct {
	IdempotencyKey string
	Transactional  bool
	TraceID        string
}

type UploadResult struct {
	DocumentID string
	Status     string
	Duplicate  bool
}

type BatchItemResult struct {
	Index      int
	DocumentID string
	Status     string
	Duplicate  bool
	Err        error
}

type BatchResult struct {
	Items     []BatchItemResult
	Succeeded int
	Failed    int
}

// UploadGateway is the client side of the ingestion gateway. Upload is
// idempotent under UploadOptions.IdempotencyKey; UploadBatch reports
// per-item outcomes unless the batch is transactional.
type UploadGateway interface {
	Upload(ctx context.Context, envelope UploadEnvelope, opts UploadOptions) (UploadResult, error)
	UploadBatch(ctx context.Context, envelopes []UploadEnvelope, opts UploadOptions) (BatchResult, error)
}

type InstanceStore interface {
	Save(ctx context.Context, instance ConnectorInstance) error
	Get(ctx context.Context, id string) (ConnectorInstance, error)
	List(ctx context.Context) ([]ConnectorInstance, error)
	Delete(ctx context.Context, id string) error
}

type JobStore interface {
	Save(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	ListByInstance(ctx context.Context, instanceID string, limit int) ([]Job, error)
}

// DefinitionRegistry is the process-lifetime catalog of connector
// definitions. Register rejects duplicates by name.
type DefinitionRegistry interface {
	Register(def ConnectorDefinition) error
	Get(name string) (ConnectorDefinition, bool)
	List() []ConnectorDefinition
}

// InstanceLocker serializes pulls per (instance, source). TryLock returns a
// handle or an INGEST_ALREADY_RUNNING error when the key is held.
type InstanceLocker interface {
	TryLock(instanceID string, sourceKey string) (LockHandle, error)
}

type LockHandle interface {
	Release()
}

// LeaderLock elects one scheduler among replicas. Acquire reports false
// without error when another holder owns the lock.
type LeaderLock interface {
	Acquire(ctx context.Context, name string) (held bool, err error)
	Release(ctx context.Context, name string) error
}

type WebhookEvent struct {
	ID         string
	Type       string
	OccurredAt time.Time
	Payload    map[string]any
}

// TriggerOptions carries per-invocation hints for a webhook trigger. The
// idempotency key is forwarded verbatim when set.
type TriggerOptions struct {
	IdempotencyKey string
}

// TriggerResult reports the receiver's acknowledgement. RunID is empty when
// the receiver does not track invocations.
type TriggerResult struct {
	RunID string
}

// WebhookDispatcher sends signed calls to the configured receiver. Dispatch
// posts a lifecycle event to the base endpoint; Trigger invokes one named
// hook under the endpoint and surfaces the run id the receiver assigned.
type WebhookDispatcher interface {
	Dispatch(ctx context.Context, event WebhookEvent) error
	Trigger(ctx context.Context, slug string, payload map[string]any, opts TriggerOptions) (TriggerResult, error)
}

// DeliveryLedger dedupes inbound deliveries by id. Claim returns false when
// the delivery was already completed or is leased to another worker.
type DeliveryLedger interface {
	Claim(ctx context.Context, deliveryID string, lease time.Duration) (bool, error)
	Complete(ctx context.Context, deliveryID string) error
	Fail(ctx context.Context, deliveryID string, cause error) error
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type CommandDispatcher interface {
	Dispatch(ctx context.Context, msg any) error
}
