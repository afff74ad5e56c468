package webhooks

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-ingest/core"
	"github.com/goliatone/go-ingest/transport"
)

// Dispatcher sends signed lifecycle events to a subscriber endpoint. Each
// event is posted once per Dispatch call; the event id doubles as the
// idempotency key so subscriber-side dedup survives retries.
type Dispatcher struct {
	endpoint string
	secret   []byte
	adapter  core.TransportAdapter
	retrier  core.Retrier
	timeout  time.Duration
	logger   core.Logger
	metrics  core.MetricsRecorder

	Now func() time.Time
}

type DispatcherOption func(*Dispatcher)

func WithAdapter(adapter core.TransportAdapter) DispatcherOption {
	return func(d *Dispatcher) {
		if adapter != nil {
			d.adapter = adapter
		}
	}
}

func WithRetrier(retrier core.Retrier) DispatcherOption {
	return func(d *Dispatcher) {
		d.retrier = retrier
	}
}

func WithRequestTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

func WithDispatcherLogger(logger core.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithDispatcherMetrics(recorder core.MetricsRecorder) DispatcherOption {
	return func(d *Dispatcher) {
		if recorder != nil {
			d.metrics = recorder
		}
	}
}

func NewDispatcher(cfg core.WebhookConfig, options ...DispatcherOption) (*Dispatcher, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, core.NewValidationError("webhooks: dispatch endpoint is required")
	}
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, core.NewValidationError("webhooks: signing secret is required")
	}

	_, logger := glog.Resolve("webhooks", nil, nil)
	dispatcher := &Dispatcher{
		endpoint: endpoint,
		secret:   []byte(secret),
		adapter:  transport.NewRESTAdapter(nil),
		timeout:  10 * time.Second,
		logger:   glog.Ensure(logger),
		metrics:  core.NopMetricsRecorder{},
		Now:      func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(dispatcher)
	}
	return dispatcher, nil
}

type eventPayload struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	OccurredAt string         `json:"occurredAt"`
	Payload    map[string]any `json:"payload"`
}

func (d *Dispatcher) Dispatch(ctx context.Context, event core.WebhookEvent) error {
	if d == nil {
		return core.NewInternalError("webhooks: dispatcher is nil")
	}
	if strings.TrimSpace(event.ID) == "" {
		return core.NewValidationError("webhooks: event id is required")
	}
	if strings.TrimSpace(event.Type) == "" {
		return core.NewValidationError("webhooks: event type is required")
	}
	startedAt := d.Now()

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = startedAt
	}
	body, err := json.Marshal(eventPayload{
		ID:         event.ID,
		Type:       event.Type,
		OccurredAt: occurredAt.UTC().Format(time.RFC3339),
		Payload:    event.Payload,
	})
	if err != nil {
		return core.WrapValidationError(err, "webhooks: encode event")
	}

	// Signed per attempt so a long retry schedule never outlives the
	// subscriber's timestamp tolerance.
	call := func(ctx context.Context) error {
		req := core.TransportRequest{
			Method: "POST",
			URL:    d.endpoint,
			Headers: map[string]string{
				"Content-Type":   "application/json",
				SignatureHeader:  Sign(d.secret, body, d.Now()),
				"X-Webhook-Type": event.Type,
			},
			Body:        body,
			Timeout:     d.timeout,
			Idempotency: event.ID,
		}
		res, err := d.adapter.Do(ctx, req)
		if err != nil {
			return err
		}
		return transport.MapStatusError(res)
	}

	if d.retrier != nil {
		err = d.retrier.Run(ctx, "webhooks.dispatch", call)
	} else {
		err = call(ctx)
	}
	core.ObserveOperation(ctx, d.logger, d.metrics, startedAt, "dispatch_webhook", err, map[string]any{
		"event_id":   event.ID,
		"event_type": event.Type,
	})
	return err
}

type triggerPayload struct {
	Slug  string         `json:"slug"`
	Input map[string]any `json:"input"`
}

type triggerResponse struct {
	RunID string `json:"runId"`
}

// Trigger invokes one named hook on the receiver: POST <endpoint>/<slug>
// with a {slug, input} body. The receiver's runId, when it assigns one,
// comes back in the result. The caller's idempotency key is forwarded
// verbatim so a retried trigger dedupes receiver-side.
func (d *Dispatcher) Trigger(ctx context.Context, slug string, payload map[string]any, opts core.TriggerOptions) (core.TriggerResult, error) {
	if d == nil {
		return core.TriggerResult{}, core.NewInternalError("webhooks: dispatcher is nil")
	}
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return core.TriggerResult{}, core.NewValidationError("webhooks: trigger slug is required")
	}
	startedAt := d.Now()

	body, err := json.Marshal(triggerPayload{Slug: slug, Input: payload})
	if err != nil {
		return core.TriggerResult{}, core.WrapValidationError(err, "webhooks: encode trigger input")
	}

	var decoded triggerResponse
	// Signed per attempt, like Dispatch.
	call := func(ctx context.Context) error {
		decoded = triggerResponse{}
		req := core.TransportRequest{
			Method: "POST",
			URL:    strings.TrimRight(d.endpoint, "/") + "/" + slug,
			Headers: map[string]string{
				"Content-Type":  "application/json",
				SignatureHeader: Sign(d.secret, body, d.Now()),
			},
			Body:        body,
			Timeout:     d.timeout,
			Idempotency: opts.IdempotencyKey,
		}
		res, err := d.adapter.Do(ctx, req)
		if err != nil {
			return err
		}
		if statusErr := transport.MapStatusError(res); statusErr != nil {
			return statusErr
		}
		if len(res.Body) > 0 {
			// A receiver that tracks invocations answers {runId}; anything
			// else is a plain acknowledgement.
			_ = json.Unmarshal(res.Body, &decoded)
		}
		return nil
	}

	if d.retrier != nil {
		err = d.retrier.Run(ctx, "webhooks.trigger", call)
	} else {
		err = call(ctx)
	}
	core.ObserveOperation(ctx, d.logger, d.metrics, startedAt, "trigger_webhook", err, map[string]any{
		"slug": slug,
	})
	if err != nil {
		return core.TriggerResult{}, err
	}
	return core.TriggerResult{RunID: strings.TrimSpace(decoded.RunID)}, nil
}

var _ core.WebhookDispatcher = (*Dispatcher)(nil)
