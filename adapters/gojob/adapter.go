package gojob

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const (
	JobIDRunPull         = "ingest.pull.run"
	JobIDTeardown        = "ingest.instance.teardown"
	JobIDWebhookDispatch = "ingest.webhook.dispatch"
)

const (
	paramInstanceID = "instance_id"
	paramFullSync   = "full_sync"
	paramSince      = "since"
	paramTraceID    = "trace_id"
)

// NewPullExecutionMessage packages a pull request for the queue. The
// idempotency key collapses duplicate enqueues for the same instance while
// one is still pending.
func NewPullExecutionMessage(instanceID string, params core.SyncParams) (*core.JobExecutionMessage, error) {
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return nil, fmt.Errorf("gojob: instance id is required")
	}
	parameters := map[string]any{
		paramInstanceID: instanceID,
		paramFullSync:   params.FullSync,
	}
	if params.Since != nil {
		parameters[paramSince] = params.Since.UTC().Format(time.RFC3339)
	}
	if trace := strings.TrimSpace(params.TraceID); trace != "" {
		parameters[paramTraceID] = trace
	}
	return &core.JobExecutionMessage{
		JobID:          JobIDRunPull,
		Parameters:     parameters,
		IdempotencyKey: JobIDRunPull + "::" + instanceID,
	}, nil
}

// PullParameters recovers the pull request from a dequeued message.
func PullParameters(msg *core.JobExecutionMessage) (string, core.SyncParams, error) {
	if msg == nil {
		return "", core.SyncParams{}, fmt.Errorf("gojob: execution message is required")
	}
	instanceID, _ := msg.Parameters[paramInstanceID].(string)
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return "", core.SyncParams{}, fmt.Errorf("gojob: message %s carries no instance id", msg.JobID)
	}
	params := core.SyncParams{}
	if fullSync, ok := msg.Parameters[paramFullSync].(bool); ok {
		params.FullSync = fullSync
	}
	if raw, ok := msg.Parameters[paramSince].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			utc := parsed.UTC()
			params.Since = &utc
		}
	}
	if trace, ok := msg.Parameters[paramTraceID].(string); ok {
		params.TraceID = strings.TrimSpace(trace)
	}
	return instanceID, params, nil
}

// RetryPolicy bounds queue retries so a poisoned message cannot loop forever.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt clamps a nack operation against the policy.
func (p RetryPolicy) NormalizeAttempt(opts core.JobNackOptions, attempt int) core.JobNackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// ToExecutionMessage maps the ingest runtime message to go-job.
func ToExecutionMessage(msg *core.JobExecutionMessage) *job.ExecutionMessage {
	if msg == nil {
		return nil
	}
	return &job.ExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     copyAnyMap(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    job.DeduplicationPolicy(strings.TrimSpace(msg.DedupPolicy)),
	}
}

// FromExecutionMessage maps a go-job message into the ingest contract.
func FromExecutionMessage(msg *job.ExecutionMessage) *core.JobExecutionMessage {
	if msg == nil {
		return nil
	}
	return &core.JobExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     copyAnyMap(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    strings.TrimSpace(string(msg.DedupPolicy)),
	}
}

func ToNackOptions(opts core.JobNackOptions) queue.NackOptions {
	return queue.NackOptions{
		Delay:      opts.Delay,
		Requeue:    opts.Requeue,
		DeadLetter: opts.DeadLetter,
		Reason:     opts.Reason,
	}
}

func FromNackOptions(opts queue.NackOptions) core.JobNackOptions {
	return core.JobNackOptions{
		Delay:      opts.Delay,
		Requeue:    opts.Requeue,
		DeadLetter: opts.DeadLetter,
		Reason:     opts.Reason,
	}
}

type EnqueuerAdapter struct {
	enqueuer queue.Enqueuer
}

func NewEnqueuerAdapter(enqueuer queue.Enqueuer) *EnqueuerAdapter {
	return &EnqueuerAdapter{enqueuer: enqueuer}
}

func (a *EnqueuerAdapter) Enqueue(ctx context.Context, msg *core.JobExecutionMessage) error {
	if a == nil || a.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if msg == nil {
		return fmt.Errorf("gojob: execution message is required")
	}
	return a.enqueuer.Enqueue(ctx, ToExecutionMessage(msg))
}

type DeliveryAdapter struct {
	delivery queue.Delivery
	policy   RetryPolicy
}

func NewDeliveryAdapter(delivery queue.Delivery, policy RetryPolicy) *DeliveryAdapter {
	return &DeliveryAdapter{delivery: delivery, policy: policy}
}

func (d *DeliveryAdapter) Message() *core.JobExecutionMessage {
	if d == nil || d.delivery == nil {
		return nil
	}
	return FromExecutionMessage(d.delivery.Message())
}

func (d *DeliveryAdapter) Ack(ctx context.Context) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	return d.delivery.Ack(ctx)
}

func (d *DeliveryAdapter) Nack(ctx context.Context, opts core.JobNackOptions) error {
	return d.NackForAttempt(ctx, opts, 0)
}

func (d *DeliveryAdapter) NackForAttempt(ctx context.Context, opts core.JobNackOptions, attempt int) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	normalized := d.policy.NormalizeAttempt(opts, attempt)
	return d.delivery.Nack(ctx, ToNackOptions(normalized))
}

type DequeuerAdapter struct {
	dequeuer queue.Dequeuer
	policy   RetryPolicy
}

func NewDequeuerAdapter(dequeuer queue.Dequeuer, policy RetryPolicy) *DequeuerAdapter {
	return &DequeuerAdapter{dequeuer: dequeuer, policy: policy}
}

func (a *DequeuerAdapter) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if a == nil || a.dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is not configured")
	}
	delivery, err := a.dequeuer.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	return NewDeliveryAdapter(delivery, a.policy), nil
}

type WorkerHookAdapter struct {
	hook core.JobWorkerHook
}

func NewWorkerHookAdapter(hook core.JobWorkerHook) *WorkerHookAdapter {
	return &WorkerHookAdapter{hook: hook}
}

func (a *WorkerHookAdapter) OnStart(ctx context.Context, event worker.Event) {
	if a == nil || a.hook == nil {
		return
	}
	a.hook.OnStart(ctx, mapWorkerEvent(event))
}

func (a *WorkerHookAdapter) OnSuccess(ctx context.Context, event worker.Event) {
	if a == nil || a.hook == nil {
		return
	}
	a.hook.OnSuccess(ctx, mapWorkerEvent(event))
}

func (a *WorkerHookAdapter) OnFailure(ctx context.Context, event worker.Event) {
	if a == nil || a.hook == nil {
		return
	}
	a.hook.OnFailure(ctx, mapWorkerEvent(event))
}

func (a *WorkerHookAdapter) OnRetry(ctx context.Context, event worker.Event) {
	if a == nil || a.hook == nil {
		return
	}
	a.hook.OnRetry(ctx, mapWorkerEvent(event))
}

func mapWorkerEvent(event worker.Event) core.JobWorkerEvent {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	return core.JobWorkerEvent{
		Message:   FromExecutionMessage(message),
		Attempt:   event.Attempt,
		Delay:     event.Delay,
		Err:       event.Err,
		StartedAt: event.StartedAt,
		Duration:  event.Duration,
	}
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

var (
	_ core.JobEnqueuer = (*EnqueuerAdapter)(nil)
	_ core.JobDelivery = (*DeliveryAdapter)(nil)
	_ core.JobDequeuer = (*DequeuerAdapter)(nil)
	_ worker.Hook      = (*WorkerHookAdapter)(nil)
)
