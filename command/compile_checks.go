package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[RunPullMessage]           = (*RunPullCommand)(nil)
	_ gocmd.Commander[CancelJobMessage]         = (*CancelJobCommand)(nil)
	_ gocmd.Commander[TeardownMessage]          = (*TeardownCommand)(nil)
	_ gocmd.Commander[AdvanceCheckpointMessage] = (*AdvanceCheckpointCommand)(nil)
	_ gocmd.Commander[TriggerWebhookMessage]    = (*TriggerWebhookCommand)(nil)
)
