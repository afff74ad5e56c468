package gojob

import (
	"context"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-ingest/core"
)

// ObservabilityHook logs worker lifecycle transitions and counts them, so
// queue health shows up next to the runtime's own pull metrics.
type ObservabilityHook struct {
	logger  core.Logger
	metrics core.MetricsRecorder
}

func NewObservabilityHook(logger core.Logger, metrics core.MetricsRecorder) *ObservabilityHook {
	if logger == nil {
		_, resolved := glog.Resolve("gojob", nil, nil)
		logger = glog.Ensure(resolved)
	}
	if metrics == nil {
		metrics = core.NopMetricsRecorder{}
	}
	return &ObservabilityHook{logger: logger, metrics: metrics}
}

func (h *ObservabilityHook) OnStart(ctx context.Context, event core.JobWorkerEvent) {
	h.observe(ctx, "started", event, core.LogDebug)
}

func (h *ObservabilityHook) OnSuccess(ctx context.Context, event core.JobWorkerEvent) {
	h.observe(ctx, "succeeded", event, core.LogInfo)
}

func (h *ObservabilityHook) OnFailure(ctx context.Context, event core.JobWorkerEvent) {
	h.observe(ctx, "failed", event, core.LogError)
}

func (h *ObservabilityHook) OnRetry(ctx context.Context, event core.JobWorkerEvent) {
	h.observe(ctx, "retried", event, core.LogWarn)
}

func (h *ObservabilityHook) observe(
	ctx context.Context,
	outcome string,
	event core.JobWorkerEvent,
	log func(context.Context, core.Logger, string, map[string]any),
) {
	if h == nil {
		return
	}
	fields := map[string]any{
		"outcome": outcome,
		"attempt": event.Attempt,
	}
	jobID := ""
	if event.Message != nil {
		jobID = event.Message.JobID
		fields["queue_job_id"] = jobID
	}
	if event.Duration > 0 {
		fields["duration_ms"] = event.Duration.Milliseconds()
	}
	if event.Err != nil {
		fields["error"] = event.Err.Error()
		fields["error_kind"] = core.Kind(event.Err)
	}
	log(ctx, h.logger, "worker job "+outcome, fields)
	h.metrics.IncCounter(ctx, "ingest.worker_jobs.total", 1, map[string]string{
		"outcome":      outcome,
		"queue_job_id": jobID,
	})
}

var _ core.JobWorkerHook = (*ObservabilityHook)(nil)
