// Package restapi provides the reference pull connector for paginated JSON
// APIs. Each source walks its endpoint lazily through the transport pipeline,
// so rate limits, credential stamping, and retries apply to every page.
package restapi

import (
	"context"
	"strings"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-ingest/core"
	"github.com/goliatone/go-ingest/credentials"
	"github.com/goliatone/go-ingest/ratelimit"
	"github.com/goliatone/go-ingest/retry"
	"github.com/goliatone/go-ingest/transport"
)

const (
	Name    = "rest-api"
	Version = "1.0.0"
)

// sinceQueryParam carries the incremental watermark to the upstream API.
const sinceQueryParam = "updated_since"

type Connector struct {
	adapter     core.TransportAdapter
	credentials core.CredentialProvider
	logger      core.Logger

	// One bucket per instance so concurrent sources share the instance's
	// rate budget instead of multiplying it.
	mu       sync.Mutex
	limiters map[string]*ratelimit.TokenBucket
}

type Option func(*Connector)

func WithAdapter(adapter core.TransportAdapter) Option {
	return func(c *Connector) {
		if adapter != nil {
			c.adapter = adapter
		}
	}
}

func WithCredentialProvider(provider core.CredentialProvider) Option {
	return func(c *Connector) {
		if provider != nil {
			c.credentials = provider
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(c *Connector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(options ...Option) *Connector {
	_, logger := glog.Resolve("connector.restapi", nil, nil)
	connector := &Connector{
		adapter:     transport.NewRESTAdapter(nil),
		credentials: credentials.NewProvider(),
		logger:      glog.Ensure(logger),
		limiters:    map[string]*ratelimit.TokenBucket{},
	}
	for _, option := range options {
		option(connector)
	}
	return connector
}

// Definition returns the registrable connector definition.
func (c *Connector) Definition() core.ConnectorDefinition {
	return core.ConnectorDefinition{
		Name:         Name,
		Version:      Version,
		SyncStrategy: core.SyncStrategyPull,
		Handler: core.Handler{
			Pull:     c.pull,
			Teardown: c.teardown,
		},
	}
}

// Register builds a connector and adds its definition to the registry.
func Register(registry core.DefinitionRegistry, options ...Option) (*Connector, error) {
	if registry == nil {
		return nil, core.NewValidationError("restapi: definition registry is required")
	}
	connector := New(options...)
	if err := registry.Register(connector.Definition()); err != nil {
		return nil, err
	}
	return connector, nil
}

func (c *Connector) pull(ctx context.Context, instance core.ConnectorInstance, params core.SyncParams) (core.BatchSequence, error) {
	sourceKey, _ := params.Params["source_key"].(string)
	source, ok := instance.Config.Source(sourceKey)
	if !ok {
		return nil, core.NewValidationError("restapi: instance " + instance.ID + " declares no source " + sourceKey)
	}

	if err := c.seedCredential(instance); err != nil {
		return nil, err
	}

	pipeline := &transport.Pipeline{
		Adapter:       c.adapter,
		Limiter:       c.limiterFor(instance),
		Retrier:       retry.New(retry.WithPolicy(retry.FromSpec(instance.Config.Retry)), retry.WithLogger(c.logger)),
		Credentials:   c.credentials,
		CredentialRef: instance.CredentialRef,
	}

	options := []transport.PaginatorOption{}
	if params.Since != nil {
		options = append(options, transport.WithQuery(map[string]string{
			sinceQueryParam: params.Since.UTC().Format(time.RFC3339),
		}))
	}
	return transport.NewPaginator(pipeline, source, options...), nil
}

func (c *Connector) teardown(_ context.Context, instance core.ConnectorInstance) error {
	c.mu.Lock()
	delete(c.limiters, instance.ID)
	c.mu.Unlock()
	if ref := strings.TrimSpace(instance.CredentialRef); ref != "" {
		c.credentials.Invalidate(context.Background(), ref)
	}
	return nil
}

// seedCredential plants the instance's configured credential under its ref
// so the pipeline can acquire it. A ref without inline config is assumed to
// be seeded out of band.
func (c *Connector) seedCredential(instance core.ConnectorInstance) error {
	ref := strings.TrimSpace(instance.CredentialRef)
	if ref == "" {
		return nil
	}
	provider, ok := c.credentials.(*credentials.Provider)
	if !ok {
		return nil
	}
	spec := instance.Config.Credentials
	if strings.TrimSpace(spec.Scheme) == "" {
		return nil
	}
	return provider.SeedFromSpec(ref, spec)
}

func (c *Connector) limiterFor(instance core.ConnectorInstance) *ratelimit.TokenBucket {
	c.mu.Lock()
	defer c.mu.Unlock()
	limiter, ok := c.limiters[instance.ID]
	if !ok {
		limiter = ratelimit.FromSpec(instance.Config.RateLimit)
		c.limiters[instance.ID] = limiter
	}
	return limiter
}
