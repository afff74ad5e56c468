package ingest

import (
	ingestcommand "github.com/goliatone/go-ingest/command"
	"github.com/goliatone/go-ingest/core"
	ingestquery "github.com/goliatone/go-ingest/query"
)

// Commands groups the control-plane command handlers built over one Service.
// Wire them into a dispatcher with adapters/gocommand.RegisterControlPlane or
// execute them directly.
type Commands struct {
	RunPull           *ingestcommand.RunPullCommand
	CancelJob         *ingestcommand.CancelJobCommand
	Teardown          *ingestcommand.TeardownCommand
	AdvanceCheckpoint *ingestcommand.AdvanceCheckpointCommand
	TriggerWebhook    *ingestcommand.TriggerWebhookCommand
}

// Queries groups the read-side handlers over the service's stores.
type Queries struct {
	GetJob         *ingestquery.GetJobQuery
	ListJobs       *ingestquery.ListJobsQuery
	GetInstance    *ingestquery.GetInstanceQuery
	ListInstances  *ingestquery.ListInstancesQuery
	LoadCheckpoint *ingestquery.LoadCheckpointQuery
}

type Facade struct {
	service  *Service
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	advancer   ingestcommand.CheckpointAdvancer
	dispatcher core.WebhookDispatcher
}

// WithCheckpointAdvancer overrides the advancer backing the checkpoint
// command. Without it the facade uses the service's checkpoint store when
// that store supports guarded advances.
func WithCheckpointAdvancer(advancer ingestcommand.CheckpointAdvancer) FacadeOption {
	return func(options *facadeOptions) {
		options.advancer = advancer
	}
}

func WithWebhookDispatcher(dispatcher core.WebhookDispatcher) FacadeOption {
	return func(options *facadeOptions) {
		options.dispatcher = dispatcher
	}
}

func NewFacade(service *Service, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, core.NewValidationError("ingest: service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	advancer := cfg.advancer
	if advancer == nil {
		advancer = resolveAdvancer(service)
	}
	dispatcher := cfg.dispatcher
	if dispatcher == nil && service.dispatcher != nil {
		dispatcher = service.dispatcher
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		RunPull:           ingestcommand.NewRunPullCommand(service.runner),
		CancelJob:         ingestcommand.NewCancelJobCommand(service.runner),
		Teardown:          ingestcommand.NewTeardownCommand(service.runner),
		AdvanceCheckpoint: ingestcommand.NewAdvanceCheckpointCommand(advancer),
		TriggerWebhook:    ingestcommand.NewTriggerWebhookCommand(dispatcher),
	}
	facade.queries = Queries{
		GetJob:         ingestquery.NewGetJobQuery(service.jobs),
		ListJobs:       ingestquery.NewListJobsQuery(service.jobs),
		GetInstance:    ingestquery.NewGetInstanceQuery(service.instances),
		ListInstances:  ingestquery.NewListInstancesQuery(service.instances),
		LoadCheckpoint: ingestquery.NewLoadCheckpointQuery(service.checkpoints),
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() *Service {
	if f == nil {
		return nil
	}
	return f.service
}

// resolveAdvancer returns the service's checkpoint store when it implements
// guarded advances, as the SQL-backed store does. Memory and file stores do
// not, so the checkpoint command stays inert until one is supplied.
func resolveAdvancer(service *Service) ingestcommand.CheckpointAdvancer {
	if service == nil {
		return nil
	}
	if advancer, ok := service.checkpoints.(ingestcommand.CheckpointAdvancer); ok {
		return advancer
	}
	return nil
}
