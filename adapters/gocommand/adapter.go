package gocommand

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"

	ingestcommand "github.com/goliatone/go-ingest/command"
	"github.com/goliatone/go-ingest/core"
)

// ValidateMessageContract enforces Type() plus optional Validate() contract.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(cmd)
}

func (a *RegistryAdapter) RegisterQuery(qry any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(qry)
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

func SubscribeCommand[T any](cmd command.Commander[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
}

func SubscribeCommandFunc[T any](handler command.CommandFunc[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(handler, runnerOpts...)
}

func SubscribeQuery[T any, R any](qry command.Querier[T, R], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
}

func SubscribeQueryFunc[T any, R any](qry command.QueryFunc[T, R], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	subscription := SubscribeQuery(qry, runnerOpts...)
	if err := adapter.RegisterQuery(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

// RegisterControlPlane wires the ingest control-plane commands into one
// registry. The webhook dispatcher and checkpoint advancer are optional;
// their commands are skipped when nil.
func RegisterControlPlane(
	adapter *RegistryAdapter,
	pulls ingestcommand.PullService,
	checkpoints ingestcommand.CheckpointAdvancer,
	webhooks core.WebhookDispatcher,
	runnerOpts ...runner.Option,
) ([]commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if pulls == nil {
		return nil, fmt.Errorf("gocommand: pull service is required")
	}

	subscriptions := []commanddispatcher.Subscription{}
	fail := func(err error) ([]commanddispatcher.Subscription, error) {
		for _, subscription := range subscriptions {
			subscription.Unsubscribe()
		}
		return nil, err
	}

	sub, err := RegisterAndSubscribe[ingestcommand.RunPullMessage](
		adapter, ingestcommand.NewRunPullCommand(pulls), runnerOpts...)
	if err != nil {
		return fail(err)
	}
	subscriptions = append(subscriptions, sub)

	sub, err = RegisterAndSubscribe[ingestcommand.CancelJobMessage](
		adapter, ingestcommand.NewCancelJobCommand(pulls), runnerOpts...)
	if err != nil {
		return fail(err)
	}
	subscriptions = append(subscriptions, sub)

	sub, err = RegisterAndSubscribe[ingestcommand.TeardownMessage](
		adapter, ingestcommand.NewTeardownCommand(pulls), runnerOpts...)
	if err != nil {
		return fail(err)
	}
	subscriptions = append(subscriptions, sub)

	if checkpoints != nil {
		sub, err = RegisterAndSubscribe[ingestcommand.AdvanceCheckpointMessage](
			adapter, ingestcommand.NewAdvanceCheckpointCommand(checkpoints), runnerOpts...)
		if err != nil {
			return fail(err)
		}
		subscriptions = append(subscriptions, sub)
	}
	if webhooks != nil {
		sub, err = RegisterAndSubscribe[ingestcommand.TriggerWebhookMessage](
			adapter, ingestcommand.NewTriggerWebhookCommand(webhooks), runnerOpts...)
		if err != nil {
			return fail(err)
		}
		subscriptions = append(subscriptions, sub)
	}
	return subscriptions, nil
}
