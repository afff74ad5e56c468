package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

// DefaultErrorMapper normalizes any error into the ingest envelope.
func DefaultErrorMapper(err error) *goerrors.Error {
	return ingestErrorMapper(err)
}

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

// StaticRawConfigLoader serves a fixed raw map, mostly for tests and
// embedded setups.
func StaticRawConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GoOptionsResolver merges defaults < loaded < runtime through a layered
// options stack, then re-validates the resolved config.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}

	runtime := map[string]any{}
	if includeZero || cfg.Runtime.SourceConcurrency > 0 {
		runtime["source_concurrency"] = cfg.Runtime.SourceConcurrency
	}
	if includeZero || cfg.Runtime.CheckpointEvery > 0 {
		runtime["checkpoint_every"] = cfg.Runtime.CheckpointEvery
	}
	if includeZero || cfg.Runtime.MaxInFlightPulls > 0 {
		runtime["max_in_flight_pulls"] = cfg.Runtime.MaxInFlightPulls
	}
	if includeZero || cfg.Runtime.RequestTimeoutMs > 0 {
		runtime["request_timeout_ms"] = cfg.Runtime.RequestTimeoutMs
	}
	if includeZero || cfg.Runtime.BatchUploadTimeoutMs > 0 {
		runtime["batch_upload_timeout_ms"] = cfg.Runtime.BatchUploadTimeoutMs
	}
	if includeZero || cfg.Runtime.JobSoftCapMs > 0 {
		runtime["job_soft_cap_ms"] = cfg.Runtime.JobSoftCapMs
	}
	if len(runtime) > 0 {
		layer["runtime"] = runtime
	}

	upload := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.Upload.BaseURL) != "" {
		upload["base_url"] = cfg.Upload.BaseURL
	}
	if includeZero || strings.TrimSpace(cfg.Upload.Token) != "" {
		upload["token"] = cfg.Upload.Token
	}
	if includeZero || cfg.Upload.MaxPayloadBytes > 0 {
		upload["max_payload_bytes"] = cfg.Upload.MaxPayloadBytes
	}
	if len(upload) > 0 {
		layer["upload"] = upload
	}

	webhooks := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.Webhooks.Endpoint) != "" {
		webhooks["endpoint"] = cfg.Webhooks.Endpoint
	}
	if includeZero || strings.TrimSpace(cfg.Webhooks.Secret) != "" {
		webhooks["secret"] = cfg.Webhooks.Secret
	}
	if includeZero || cfg.Webhooks.ToleranceSeconds > 0 {
		webhooks["tolerance_seconds"] = cfg.Webhooks.ToleranceSeconds
	}
	if len(webhooks) > 0 {
		layer["webhooks"] = webhooks
	}

	if includeZero || strings.TrimSpace(cfg.Scheduler.Timezone) != "" {
		layer["scheduler"] = map[string]any{
			"timezone": cfg.Scheduler.Timezone,
		}
	}
	return layer
}
