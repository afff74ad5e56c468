package command

import (
	"strings"

	"github.com/goliatone/go-ingest/core"
)

const (
	TypeRunPull           = "ingest.command.pull.run"
	TypeCancelJob         = "ingest.command.job.cancel"
	TypeTeardown          = "ingest.command.instance.teardown"
	TypeAdvanceCheckpoint = "ingest.command.checkpoint.advance"
	TypeTriggerWebhook    = "ingest.command.webhook.trigger"
)

// RunPullMessage requests one incremental pull for an instance. The job
// record lands in the dispatcher's result collector.
type RunPullMessage struct {
	InstanceID string
	Params     core.SyncParams
}

func (RunPullMessage) Type() string { return TypeRunPull }

func (m RunPullMessage) Validate() error {
	if strings.TrimSpace(m.InstanceID) == "" {
		return core.NewValidationError("command: instance id is required")
	}
	return nil
}

type CancelJobMessage struct {
	JobID string
}

func (CancelJobMessage) Type() string { return TypeCancelJob }

func (m CancelJobMessage) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return core.NewValidationError("command: job id is required")
	}
	return nil
}

type TeardownMessage struct {
	InstanceID string
}

func (TeardownMessage) Type() string { return TypeTeardown }

func (m TeardownMessage) Validate() error {
	if strings.TrimSpace(m.InstanceID) == "" {
		return core.NewValidationError("command: instance id is required")
	}
	return nil
}

// AdvanceCheckpointMessage moves a source cursor with optimistic concurrency.
// ExpectedCursor must match the stored cursor or the advance is rejected.
type AdvanceCheckpointMessage struct {
	Checkpoint     core.Checkpoint
	ExpectedCursor string
}

func (AdvanceCheckpointMessage) Type() string { return TypeAdvanceCheckpoint }

func (m AdvanceCheckpointMessage) Validate() error {
	if err := m.Checkpoint.Validate(); err != nil {
		return core.WrapValidationError(err, "command: invalid checkpoint")
	}
	if strings.TrimSpace(m.Checkpoint.Cursor) == "" {
		return core.NewValidationError("command: checkpoint cursor is required")
	}
	return nil
}

// TriggerWebhookMessage invokes one named hook on the configured receiver.
// The receiver's run id, when assigned, lands in the dispatcher's result
// collector.
type TriggerWebhookMessage struct {
	Slug           string
	Input          map[string]any
	IdempotencyKey string
}

func (TriggerWebhookMessage) Type() string { return TypeTriggerWebhook }

func (m TriggerWebhookMessage) Validate() error {
	if strings.TrimSpace(m.Slug) == "" {
		return core.NewValidationError("command: webhook slug is required")
	}
	return nil
}
