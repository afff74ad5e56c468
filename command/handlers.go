package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-ingest/core"
)

// PullService is the slice of the runtime the control plane drives. The
// runtime's Runner satisfies it.
type PullService interface {
	RunPull(ctx context.Context, instanceID string, params core.SyncParams) (core.Job, error)
	CancelJob(ctx context.Context, jobID string) error
	Teardown(ctx context.Context, instanceID string) error
}

// CheckpointAdvancer guards cursor moves with an expected-cursor check. The
// SQL checkpoint store satisfies it.
type CheckpointAdvancer interface {
	Advance(ctx context.Context, checkpoint core.Checkpoint, expectedCursor string) error
}

type RunPullCommand struct {
	service PullService
}

func NewRunPullCommand(service PullService) *RunPullCommand {
	return &RunPullCommand{service: service}
}

func (c *RunPullCommand) Execute(ctx context.Context, msg RunPullMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: pull service is required")
	}
	job, err := c.service.RunPull(ctx, msg.InstanceID, msg.Params)
	if err != nil {
		return err
	}
	storeResult(ctx, job)
	return nil
}

type CancelJobCommand struct {
	service PullService
}

func NewCancelJobCommand(service PullService) *CancelJobCommand {
	return &CancelJobCommand{service: service}
}

func (c *CancelJobCommand) Execute(ctx context.Context, msg CancelJobMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: pull service is required")
	}
	return c.service.CancelJob(ctx, msg.JobID)
}

type TeardownCommand struct {
	service PullService
}

func NewTeardownCommand(service PullService) *TeardownCommand {
	return &TeardownCommand{service: service}
}

func (c *TeardownCommand) Execute(ctx context.Context, msg TeardownMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: pull service is required")
	}
	return c.service.Teardown(ctx, msg.InstanceID)
}

type AdvanceCheckpointCommand struct {
	checkpoints CheckpointAdvancer
}

func NewAdvanceCheckpointCommand(checkpoints CheckpointAdvancer) *AdvanceCheckpointCommand {
	return &AdvanceCheckpointCommand{checkpoints: checkpoints}
}

func (c *AdvanceCheckpointCommand) Execute(ctx context.Context, msg AdvanceCheckpointMessage) error {
	if c == nil || c.checkpoints == nil {
		return commandDependencyError("command: checkpoint advancer is required")
	}
	return c.checkpoints.Advance(ctx, msg.Checkpoint, msg.ExpectedCursor)
}

type TriggerWebhookCommand struct {
	dispatcher core.WebhookDispatcher
}

func NewTriggerWebhookCommand(dispatcher core.WebhookDispatcher) *TriggerWebhookCommand {
	return &TriggerWebhookCommand{dispatcher: dispatcher}
}

func (c *TriggerWebhookCommand) Execute(ctx context.Context, msg TriggerWebhookMessage) error {
	if c == nil || c.dispatcher == nil {
		return commandDependencyError("command: webhook dispatcher is required")
	}
	result, err := c.dispatcher.Trigger(ctx, msg.Slug, msg.Input, core.TriggerOptions{
		IdempotencyKey: msg.IdempotencyKey,
	})
	if err != nil {
		return err
	}
	storeResult(ctx, result)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
