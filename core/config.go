package core

import (
	"fmt"
	"strings"
	"time"
)

// Config is the process-level runtime configuration. Per-instance settings
// live in ConnectorConfig and are validated against the closed vocabulary.
type Config struct {
	ServiceName string          `koanf:"service_name" mapstructure:"service_name"`
	Runtime     RuntimeConfig   `koanf:"runtime" mapstructure:"runtime"`
	Upload      UploadConfig    `koanf:"upload" mapstructure:"upload"`
	Webhooks    WebhookConfig   `koanf:"webhooks" mapstructure:"webhooks"`
	Scheduler   SchedulerConfig `koanf:"scheduler" mapstructure:"scheduler"`
}

type RuntimeConfig struct {
	SourceConcurrency    int   `koanf:"source_concurrency" mapstructure:"source_concurrency"`
	CheckpointEvery      int   `koanf:"checkpoint_every" mapstructure:"checkpoint_every"`
	MaxInFlightPulls     int   `koanf:"max_in_flight_pulls" mapstructure:"max_in_flight_pulls"`
	RequestTimeoutMs     int64 `koanf:"request_timeout_ms" mapstructure:"request_timeout_ms"`
	BatchUploadTimeoutMs int64 `koanf:"batch_upload_timeout_ms" mapstructure:"batch_upload_timeout_ms"`
	JobSoftCapMs         int64 `koanf:"job_soft_cap_ms" mapstructure:"job_soft_cap_ms"`
}

type UploadConfig struct {
	BaseURL         string `koanf:"base_url" mapstructure:"base_url"`
	Token           string `koanf:"token" mapstructure:"token"`
	MaxPayloadBytes int64  `koanf:"max_payload_bytes" mapstructure:"max_payload_bytes"`
}

type WebhookConfig struct {
	Endpoint         string `koanf:"endpoint" mapstructure:"endpoint"`
	Secret           string `koanf:"secret" mapstructure:"secret"`
	ToleranceSeconds int    `koanf:"tolerance_seconds" mapstructure:"tolerance_seconds"`
}

type SchedulerConfig struct {
	Timezone string `koanf:"timezone" mapstructure:"timezone"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "ingest",
		Runtime: RuntimeConfig{
			SourceConcurrency:    4,
			CheckpointEvery:      100,
			MaxInFlightPulls:     64,
			RequestTimeoutMs:     30_000,
			BatchUploadTimeoutMs: 60_000,
			JobSoftCapMs:         int64(6 * time.Hour / time.Millisecond),
		},
		Upload: UploadConfig{
			MaxPayloadBytes: 50 << 20,
		},
		Webhooks: WebhookConfig{
			ToleranceSeconds: 300,
		},
		Scheduler: SchedulerConfig{
			Timezone: "UTC",
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Runtime.SourceConcurrency < 1 {
		return fmt.Errorf("core: runtime.source_concurrency must be at least 1")
	}
	if c.Runtime.CheckpointEvery < 1 {
		return fmt.Errorf("core: runtime.checkpoint_every must be at least 1")
	}
	if c.Runtime.MaxInFlightPulls < 1 {
		return fmt.Errorf("core: runtime.max_in_flight_pulls must be at least 1")
	}
	if c.Upload.MaxPayloadBytes <= 0 {
		return fmt.Errorf("core: upload.max_payload_bytes must be positive")
	}
	return nil
}

type PaginationKind string

const (
	PaginationOffset     PaginationKind = "offset"
	PaginationCursor     PaginationKind = "cursor"
	PaginationLinkHeader PaginationKind = "link"
)

func (k PaginationKind) Validate() error {
	switch k {
	case PaginationOffset, PaginationCursor, PaginationLinkHeader:
		return nil
	}
	return fmt.Errorf("core: unsupported pagination variant %q", string(k))
}

// SourceSpec describes one fetch endpoint within a connector instance.
type SourceSpec struct {
	Key            string
	URL            string
	Pagination     PaginationKind
	PrimaryKey     string
	TimestampField string
	PageSize       int
}

func (s SourceSpec) Validate() error {
	if strings.TrimSpace(s.Key) == "" {
		return fmt.Errorf("core: source key is required")
	}
	if strings.TrimSpace(s.URL) == "" {
		return fmt.Errorf("core: source %q url is required", s.Key)
	}
	return s.Pagination.Validate()
}

type CredentialSpec struct {
	Scheme       string
	Token        string
	Username     string
	Password     string
	APIKey       string
	Header       string
	ClientID     string
	ClientSecret string
	TokenURL     string
	RefreshToken string
}

type RateLimitSpec struct {
	RequestsPerSecond float64
	Burst             int
}

type RetrySpec struct {
	MaxAttempts int
}

type ScheduleConfigSpec struct {
	Cron       string
	IntervalMs int64
}

type UploadTargetSpec struct {
	BaseURL string
	Token   string
}

// ConnectorConfig is the validated per-instance configuration. The accepted
// keys form the closed vocabulary of the configuration surface; anything
// else fails validation.
type ConnectorConfig struct {
	Credentials CredentialSpec
	RateLimit   RateLimitSpec
	Retry       RetrySpec
	Schedule    ScheduleConfigSpec
	Sources     []SourceSpec
	Upload      UploadTargetSpec
}

func (c ConnectorConfig) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("core: connector config requires at least one source")
	}
	seen := map[string]struct{}{}
	for _, source := range c.Sources {
		if err := source.Validate(); err != nil {
			return err
		}
		key := strings.TrimSpace(source.Key)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("core: duplicate source key %q", key)
		}
		seen[key] = struct{}{}
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("core: rate limit values must not be negative")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("core: retry.maxAttempts must not be negative")
	}
	if c.Schedule.Cron != "" && c.Schedule.IntervalMs > 0 {
		return fmt.Errorf("core: schedule accepts cron or intervalMs, not both")
	}
	if c.Schedule.IntervalMs > 0 && c.Schedule.IntervalMs < 1000 {
		return fmt.Errorf("core: schedule.intervalMs must be at least 1000")
	}
	return nil
}

// Source returns the spec for a source key.
func (c ConnectorConfig) Source(key string) (SourceSpec, bool) {
	key = strings.TrimSpace(key)
	for _, source := range c.Sources {
		if strings.TrimSpace(source.Key) == key {
			return source, true
		}
	}
	return SourceSpec{}, false
}

// ParseConnectorConfig decodes the raw instance configuration, rejecting any
// key outside the declared vocabulary.
func ParseConnectorConfig(raw map[string]any) (ConnectorConfig, error) {
	cfg := ConnectorConfig{}
	for key := range raw {
		switch key {
		case "credentials", "rateLimit", "retry", "schedule", "sources", "upload":
		default:
			return ConnectorConfig{}, NewValidationError(fmt.Sprintf("core: unknown config key %q", key))
		}
	}

	if section, ok := raw["credentials"]; ok {
		parsed, err := parseCredentialSpec(section)
		if err != nil {
			return ConnectorConfig{}, err
		}
		cfg.Credentials = parsed
	}
	if section, ok := raw["rateLimit"]; ok {
		parsed, err := parseRateLimitSpec(section)
		if err != nil {
			return ConnectorConfig{}, err
		}
		cfg.RateLimit = parsed
	}
	if section, ok := raw["retry"]; ok {
		parsed, err := parseRetrySpec(section)
		if err != nil {
			return ConnectorConfig{}, err
		}
		cfg.Retry = parsed
	}
	if section, ok := raw["schedule"]; ok {
		parsed, err := parseScheduleSpec(section)
		if err != nil {
			return ConnectorConfig{}, err
		}
		cfg.Schedule = parsed
	}
	if section, ok := raw["sources"]; ok {
		parsed, err := parseSourceSpecs(section)
		if err != nil {
			return ConnectorConfig{}, err
		}
		cfg.Sources = parsed
	}
	if section, ok := raw["upload"]; ok {
		parsed, err := parseUploadTargetSpec(section)
		if err != nil {
			return ConnectorConfig{}, err
		}
		cfg.Upload = parsed
	}

	if err := cfg.Validate(); err != nil {
		return ConnectorConfig{}, NewValidationError(err.Error())
	}
	return cfg, nil
}

func parseCredentialSpec(section any) (CredentialSpec, error) {
	values, err := sectionMap(section, "credentials")
	if err != nil {
		return CredentialSpec{}, err
	}
	spec := CredentialSpec{}
	for key, value := range values {
		text := strings.TrimSpace(fmt.Sprint(value))
		switch key {
		case "scheme":
			spec.Scheme = strings.ToLower(text)
		case "token":
			spec.Token = text
		case "username":
			spec.Username = text
		case "password":
			spec.Password = text
		case "apiKey":
			spec.APIKey = text
		case "header":
			spec.Header = text
		case "clientId":
			spec.ClientID = text
		case "clientSecret":
			spec.ClientSecret = text
		case "tokenUrl":
			spec.TokenURL = text
		case "refreshToken":
			spec.RefreshToken = text
		default:
			return CredentialSpec{}, NewValidationError(fmt.Sprintf("core: unknown credentials key %q", key))
		}
	}
	return spec, nil
}

func parseRateLimitSpec(section any) (RateLimitSpec, error) {
	values, err := sectionMap(section, "rateLimit")
	if err != nil {
		return RateLimitSpec{}, err
	}
	spec := RateLimitSpec{}
	for key, value := range values {
		switch key {
		case "requestsPerSecond":
			parsed, ok := toFloat(value)
			if !ok {
				return RateLimitSpec{}, NewValidationError("core: rateLimit.requestsPerSecond must be numeric")
			}
			spec.RequestsPerSecond = parsed
		case "burst":
			parsed, ok := toInt(value)
			if !ok {
				return RateLimitSpec{}, NewValidationError("core: rateLimit.burst must be an integer")
			}
			spec.Burst = parsed
		default:
			return RateLimitSpec{}, NewValidationError(fmt.Sprintf("core: unknown rateLimit key %q", key))
		}
	}
	return spec, nil
}

func parseRetrySpec(section any) (RetrySpec, error) {
	values, err := sectionMap(section, "retry")
	if err != nil {
		return RetrySpec{}, err
	}
	spec := RetrySpec{}
	for key, value := range values {
		switch key {
		case "maxAttempts":
			parsed, ok := toInt(value)
			if !ok {
				return RetrySpec{}, NewValidationError("core: retry.maxAttempts must be an integer")
			}
			spec.MaxAttempts = parsed
		default:
			return RetrySpec{}, NewValidationError(fmt.Sprintf("core: unknown retry key %q", key))
		}
	}
	return spec, nil
}

func parseScheduleSpec(section any) (ScheduleConfigSpec, error) {
	values, err := sectionMap(section, "schedule")
	if err != nil {
		return ScheduleConfigSpec{}, err
	}
	spec := ScheduleConfigSpec{}
	for key, value := range values {
		switch key {
		case "cron":
			spec.Cron = strings.TrimSpace(fmt.Sprint(value))
		case "intervalMs":
			parsed, ok := toInt(value)
			if !ok {
				return ScheduleConfigSpec{}, NewValidationError("core: schedule.intervalMs must be an integer")
			}
			spec.IntervalMs = int64(parsed)
		default:
			return ScheduleConfigSpec{}, NewValidationError(fmt.Sprintf("core: unknown schedule key %q", key))
		}
	}
	return spec, nil
}

func parseSourceSpecs(section any) ([]SourceSpec, error) {
	items, ok := section.([]any)
	if !ok {
		return nil, NewValidationError("core: sources must be a list")
	}
	sources := make([]SourceSpec, 0, len(items))
	for index, item := range items {
		values, err := sectionMap(item, fmt.Sprintf("sources[%d]", index))
		if err != nil {
			return nil, err
		}
		spec := SourceSpec{Pagination: PaginationOffset}
		for key, value := range values {
			text := strings.TrimSpace(fmt.Sprint(value))
			switch key {
			case "key":
				spec.Key = text
			case "url":
				spec.URL = text
			case "pagination":
				spec.Pagination = PaginationKind(strings.ToLower(text))
			case "primaryKey":
				spec.PrimaryKey = text
			case "timestampField":
				spec.TimestampField = text
			case "pageSize":
				parsed, ok := toInt(value)
				if !ok {
					return nil, NewValidationError("core: sources pageSize must be an integer")
				}
				spec.PageSize = parsed
			default:
				return nil, NewValidationError(fmt.Sprintf("core: unknown source key %q", key))
			}
		}
		sources = append(sources, spec)
	}
	return sources, nil
}

func parseUploadTargetSpec(section any) (UploadTargetSpec, error) {
	values, err := sectionMap(section, "upload")
	if err != nil {
		return UploadTargetSpec{}, err
	}
	spec := UploadTargetSpec{}
	for key, value := range values {
		text := strings.TrimSpace(fmt.Sprint(value))
		switch key {
		case "baseUrl":
			spec.BaseURL = text
		case "token":
			spec.Token = text
		default:
			return UploadTargetSpec{}, NewValidationError(fmt.Sprintf("core: unknown upload key %q", key))
		}
	}
	return spec, nil
}

func sectionMap(section any, name string) (map[string]any, error) {
	values, ok := section.(map[string]any)
	if !ok {
		return nil, NewValidationError(fmt.Sprintf("core: %s must be a map", name))
	}
	return values, nil
}

func toInt(value any) (int, bool) {
	switch typed := value.(type) {
	case int:
		return typed, true
	case int32:
		return int(typed), true
	case int64:
		return int(typed), true
	case float64:
		if typed == float64(int(typed)) {
			return int(typed), true
		}
	}
	return 0, false
}

func toFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	}
	return 0, false
}
