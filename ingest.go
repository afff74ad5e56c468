// Package ingest assembles the connector runtime: definitions, instance and
// job stores, durable checkpoints, the upload gateway client, the scheduler,
// and webhook handling, behind one Service value.
package ingest

import (
	"context"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-ingest/checkpoint"
	"github.com/goliatone/go-ingest/core"
	"github.com/goliatone/go-ingest/credentials"
	"github.com/goliatone/go-ingest/retry"
	"github.com/goliatone/go-ingest/runtime"
	"github.com/goliatone/go-ingest/scheduler"
	sqlstore "github.com/goliatone/go-ingest/store/sql"
	"github.com/goliatone/go-ingest/transform"
	"github.com/goliatone/go-ingest/upload"
	"github.com/goliatone/go-ingest/webhooks"
)

type Config = core.Config

type ConnectorConfig = core.ConnectorConfig

type ConnectorDefinition = core.ConnectorDefinition

type ConnectorInstance = core.ConnectorInstance

type SourceSpec = core.SourceSpec

type SyncParams = core.SyncParams

type Job = core.Job

type Checkpoint = core.Checkpoint

type UploadEnvelope = core.UploadEnvelope

type WebhookEvent = core.WebhookEvent

type InboundDelivery = core.InboundDelivery

type ScheduleSpec = core.ScheduleSpec

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// ParseConnectorConfig validates a raw per-instance configuration map against
// the closed vocabulary.
func ParseConnectorConfig(raw map[string]any) (ConnectorConfig, error) {
	return core.ParseConnectorConfig(raw)
}

// Service is the assembled runtime. Construct it with New or Setup, register
// connector definitions, then drive pulls through Runner or the scheduler.
type Service struct {
	cfg core.Config

	registry    *core.ConnectorRegistry
	instances   core.InstanceStore
	jobs        core.JobStore
	checkpoints core.CheckpointStore
	credentials core.CredentialProvider
	transformer core.Transformer
	gateway     core.UploadGateway
	locker      core.InstanceLocker
	leader      core.LeaderLock
	ledger      core.DeliveryLedger

	runner     *runtime.Runner
	scheduler  *scheduler.Scheduler
	dispatcher *webhooks.Dispatcher
	processor  *webhooks.Processor

	logger  core.Logger
	metrics core.MetricsRecorder
}

type Option func(*Service)

func WithLogger(logger core.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

func WithInstanceStore(store core.InstanceStore) Option {
	return func(s *Service) {
		if store != nil {
			s.instances = store
		}
	}
}

func WithJobStore(store core.JobStore) Option {
	return func(s *Service) {
		if store != nil {
			s.jobs = store
		}
	}
}

func WithCheckpointStore(store core.CheckpointStore) Option {
	return func(s *Service) {
		if store != nil {
			s.checkpoints = store
		}
	}
}

// WithRepositoryFactory backs the instance, job, and checkpoint stores with
// the SQL repositories built on one shared handle.
func WithRepositoryFactory(factory *sqlstore.RepositoryFactory) Option {
	return func(s *Service) {
		if factory == nil {
			return
		}
		if store := factory.InstanceStore(); store != nil {
			s.instances = store
		}
		if store := factory.JobStore(); store != nil {
			s.jobs = store
		}
		if store := factory.CheckpointStore(); store != nil {
			s.checkpoints = store
		}
	}
}

func WithCredentialProvider(provider core.CredentialProvider) Option {
	return func(s *Service) {
		if provider != nil {
			s.credentials = provider
		}
	}
}

func WithTransformer(transformer core.Transformer) Option {
	return func(s *Service) {
		if transformer != nil {
			s.transformer = transformer
		}
	}
}

func WithUploadGateway(gateway core.UploadGateway) Option {
	return func(s *Service) {
		if gateway != nil {
			s.gateway = gateway
		}
	}
}

func WithInstanceLocker(locker core.InstanceLocker) Option {
	return func(s *Service) {
		if locker != nil {
			s.locker = locker
		}
	}
}

func WithLeaderLock(lock core.LeaderLock) Option {
	return func(s *Service) {
		if lock != nil {
			s.leader = lock
		}
	}
}

func WithDeliveryLedger(ledger core.DeliveryLedger) Option {
	return func(s *Service) {
		if ledger != nil {
			s.ledger = ledger
		}
	}
}

// New builds a Service from an explicit config. Zero fields fall back to
// DefaultConfig through the layered resolver before wiring starts.
func New(cfg Config, options ...Option) (*Service, error) {
	resolved, err := (core.GoOptionsResolver{}).Resolve(core.DefaultConfig(), cfg, core.Config{})
	if err != nil {
		return nil, err
	}

	_, logger := glog.Resolve(resolved.ServiceName, nil, nil)
	service := &Service{
		cfg:         resolved,
		registry:    core.NewConnectorRegistry(),
		instances:   runtime.NewMemoryInstanceStore(),
		jobs:        runtime.NewMemoryJobStore(),
		checkpoints: checkpoint.NewMemoryStore(),
		credentials: credentials.NewProvider(),
		transformer: transform.NewMapper(),
		logger:      glog.Ensure(logger),
		metrics:     core.NopMetricsRecorder{},
	}
	for _, option := range options {
		option(service)
	}

	if service.gateway == nil {
		if strings.TrimSpace(resolved.Upload.BaseURL) == "" {
			return nil, core.NewValidationError("ingest: upload.base_url or an explicit upload gateway is required")
		}
		gateway, err := upload.NewClient(resolved.Upload.BaseURL, resolved.Upload.Token,
			upload.WithMaxPayloadBytes(resolved.Upload.MaxPayloadBytes),
			upload.WithRequestTimeout(time.Duration(resolved.Runtime.BatchUploadTimeoutMs)*time.Millisecond),
			upload.WithRetrier(retry.New(retry.WithLogger(service.logger))),
			upload.WithLogger(service.logger),
			upload.WithMetricsRecorder(service.metrics),
		)
		if err != nil {
			return nil, err
		}
		service.gateway = gateway
	}

	runnerOptions := []runtime.Option{
		runtime.WithJobStore(service.jobs),
		runtime.WithLogger(service.logger),
		runtime.WithMetricsRecorder(service.metrics),
	}
	if service.locker != nil {
		runnerOptions = append(runnerOptions, runtime.WithLocker(service.locker))
	}
	runner, err := runtime.NewRunner(
		resolved.Runtime,
		service.registry,
		service.instances,
		service.checkpoints,
		service.transformer,
		service.gateway,
		runnerOptions...,
	)
	if err != nil {
		return nil, err
	}
	service.runner = runner

	schedulerOptions := []scheduler.Option{
		scheduler.WithLogger(service.logger),
		scheduler.WithMetricsRecorder(service.metrics),
	}
	if service.leader != nil {
		schedulerOptions = append(schedulerOptions, scheduler.WithLeaderLock(service.leader))
	}
	sched, err := scheduler.New(resolved.Scheduler, runner, schedulerOptions...)
	if err != nil {
		return nil, err
	}
	service.scheduler = sched

	if err := service.wireWebhooks(resolved.Webhooks); err != nil {
		return nil, err
	}
	return service, nil
}

// Setup loads configuration through cfgx, layers runtime overrides on top,
// and builds the Service from the resolved result.
func Setup(ctx context.Context, loader core.RawConfigLoader, overrides Config, options ...Option) (*Service, error) {
	provider := core.NewCfgxConfigProvider(loader)
	loaded, err := provider.Load(ctx, core.DefaultConfig())
	if err != nil {
		return nil, err
	}
	resolved, err := (core.GoOptionsResolver{}).Resolve(core.DefaultConfig(), loaded, overrides)
	if err != nil {
		return nil, err
	}
	return New(resolved, options...)
}

// wireWebhooks builds the outbound dispatcher and the inbound processor when
// the configuration carries the pieces they need. Both are optional; a
// pull-only deployment runs without them.
func (s *Service) wireWebhooks(cfg core.WebhookConfig) error {
	if strings.TrimSpace(cfg.Endpoint) != "" && strings.TrimSpace(cfg.Secret) != "" {
		dispatcher, err := webhooks.NewDispatcher(cfg,
			webhooks.WithDispatcherLogger(s.logger),
			webhooks.WithDispatcherMetrics(s.metrics),
		)
		if err != nil {
			return err
		}
		s.dispatcher = dispatcher
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil
	}
	verifier, err := webhooks.NewVerifier(cfg.Secret, cfg.ToleranceSeconds)
	if err != nil {
		return err
	}
	processorOptions := []webhooks.ProcessorOption{
		webhooks.WithProcessorLogger(s.logger),
		webhooks.WithProcessorMetrics(s.metrics),
	}
	if s.ledger != nil {
		processorOptions = append(processorOptions, webhooks.WithLedger(s.ledger))
	}
	processor, err := webhooks.NewProcessor(
		s.registry,
		s.instances,
		s.transformer,
		s.gateway,
		verifier,
		processorOptions...,
	)
	if err != nil {
		return err
	}
	s.processor = processor
	return nil
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.cfg
}

// RegisterDefinition adds a connector definition to the service registry.
func (s *Service) RegisterDefinition(definition ConnectorDefinition) error {
	if s == nil {
		return core.NewInternalError("ingest: service is nil")
	}
	return s.registry.Register(definition)
}

func (s *Service) Registry() core.DefinitionRegistry {
	if s == nil {
		return nil
	}
	return s.registry
}

func (s *Service) Runner() *runtime.Runner {
	if s == nil {
		return nil
	}
	return s.runner
}

func (s *Service) Scheduler() *scheduler.Scheduler {
	if s == nil {
		return nil
	}
	return s.scheduler
}

func (s *Service) Instances() core.InstanceStore {
	if s == nil {
		return nil
	}
	return s.instances
}

func (s *Service) Jobs() core.JobStore {
	if s == nil {
		return nil
	}
	return s.jobs
}

func (s *Service) Checkpoints() core.CheckpointStore {
	if s == nil {
		return nil
	}
	return s.checkpoints
}

func (s *Service) Credentials() core.CredentialProvider {
	if s == nil {
		return nil
	}
	return s.credentials
}

func (s *Service) Gateway() core.UploadGateway {
	if s == nil {
		return nil
	}
	return s.gateway
}

// Dispatcher returns the outbound webhook dispatcher, nil when webhooks are
// not configured.
func (s *Service) Dispatcher() *webhooks.Dispatcher {
	if s == nil {
		return nil
	}
	return s.dispatcher
}

// Processor returns the inbound webhook processor, nil when no signing secret
// is configured.
func (s *Service) Processor() *webhooks.Processor {
	if s == nil {
		return nil
	}
	return s.processor
}

// CreateInstance validates the raw configuration, persists the instance, and
// registers its schedule when one is configured.
func (s *Service) CreateInstance(ctx context.Context, instance ConnectorInstance, rawConfig map[string]any) (ConnectorInstance, error) {
	if s == nil {
		return ConnectorInstance{}, core.NewInternalError("ingest: service is nil")
	}
	if _, ok := s.registry.Get(instance.DefinitionName); !ok {
		return ConnectorInstance{}, core.ErrDefinitionNotFound
	}
	if rawConfig != nil {
		parsed, err := core.ParseConnectorConfig(rawConfig)
		if err != nil {
			return ConnectorInstance{}, err
		}
		instance.Config = parsed
	}
	if instance.State == "" {
		instance.State = core.InstanceStateInitialized
	}
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = time.Now().UTC()
	}
	if err := s.instances.Save(ctx, instance); err != nil {
		return ConnectorInstance{}, err
	}

	schedule := instance.Config.Schedule
	if schedule.Cron != "" || schedule.IntervalMs > 0 {
		spec := core.ScheduleSpec{
			Cron:     schedule.Cron,
			Interval: time.Duration(schedule.IntervalMs) * time.Millisecond,
		}
		if err := s.scheduler.Register(instance.ID, spec); err != nil {
			return ConnectorInstance{}, err
		}
	}
	return instance, nil
}

// RemoveInstance tears the instance down and drops its schedule.
func (s *Service) RemoveInstance(ctx context.Context, instanceID string) error {
	if s == nil {
		return core.NewInternalError("ingest: service is nil")
	}
	s.scheduler.Unregister(instanceID)
	return s.runner.Teardown(ctx, instanceID)
}

// Start begins scheduled pull dispatch.
func (s *Service) Start() {
	if s != nil {
		s.scheduler.Start()
	}
}

// Stop halts the scheduler and waits for in-flight ticks.
func (s *Service) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.scheduler.Stop(ctx)
}
