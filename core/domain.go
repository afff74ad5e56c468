package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidSyncStrategy           = errors.New("core: invalid sync strategy")
	ErrInvalidInstanceStateTransition = errors.New("core: invalid instance state transition")
	ErrInvalidJobStatusTransition    = errors.New("core: invalid job status transition")
	ErrCheckpointNotFound            = errors.New("core: checkpoint not found")
	ErrCheckpointConflict            = errors.New("core: checkpoint cursor conflict")
	ErrJobNotFound                   = errors.New("core: job not found")
	ErrInstanceNotFound              = errors.New("core: connector instance not found")
	ErrDefinitionNotFound            = errors.New("core: connector definition not found")
)

type SyncStrategy string

const (
	SyncStrategyPull   SyncStrategy = "pull"
	SyncStrategyPush   SyncStrategy = "push"
	SyncStrategyHybrid SyncStrategy = "hybrid"
)

func (s SyncStrategy) Validate() error {
	switch s {
	case SyncStrategyPull, SyncStrategyPush, SyncStrategyHybrid:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidSyncStrategy, string(s))
}

// ConnectorDefinition is the static, process-lifetime registration of one
// integration. Immutable after Register.
type ConnectorDefinition struct {
	Name         string
	Version      string
	ConfigSchema map[string]any
	SyncStrategy SyncStrategy
	Schedule     *ScheduleSpec
	Handler      Handler
}

func (d ConnectorDefinition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("core: definition name is required")
	}
	if strings.TrimSpace(d.Version) == "" {
		return fmt.Errorf("core: definition version is required")
	}
	if err := d.SyncStrategy.Validate(); err != nil {
		return err
	}
	if d.SyncStrategy != SyncStrategyPush && d.Handler.Pull == nil {
		return fmt.Errorf("core: definition %q requires a pull capability", d.Name)
	}
	if d.SyncStrategy != SyncStrategyPull && d.Handler.Push == nil {
		return fmt.Errorf("core: definition %q requires a push capability", d.Name)
	}
	if d.Schedule != nil {
		if err := d.Schedule.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleSpec fires on a 5-field cron expression or a fixed interval, never
// both. Timezone defaults to UTC.
type ScheduleSpec struct {
	Cron     string
	Interval time.Duration
}

func (s ScheduleSpec) Validate() error {
	cron := strings.TrimSpace(s.Cron)
	if cron != "" && s.Interval > 0 {
		return fmt.Errorf("core: schedule accepts cron or interval, not both")
	}
	if cron == "" && s.Interval <= 0 {
		return fmt.Errorf("core: schedule requires cron or interval")
	}
	if cron != "" && len(strings.Fields(cron)) != 5 {
		return fmt.Errorf("core: cron expression must have 5 fields: %q", cron)
	}
	if s.Interval > 0 && s.Interval < time.Second {
		return fmt.Errorf("core: schedule interval must be at least 1s")
	}
	return nil
}

type InstanceState string

const (
	InstanceStateInitialized InstanceState = "initialized"
	InstanceStateRunning     InstanceState = "running"
	InstanceStatePaused      InstanceState = "paused"
	InstanceStateErrored     InstanceState = "errored"
	InstanceStateTerminated  InstanceState = "terminated"
)

// ConnectorInstance is one configured deployment of a definition against a
// specific external tenant. It owns one checkpoint namespace and one
// credential lease; config survives restarts through the instance store.
type ConnectorInstance struct {
	ID             string
	DefinitionName string
	Config         ConnectorConfig
	CredentialRef  string
	State          InstanceState
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (i *ConnectorInstance) TransitionTo(state InstanceState, reason string, now time.Time) error {
	if i == nil {
		return nil
	}
	if i.State == state {
		i.UpdatedAt = now
		if strings.TrimSpace(reason) != "" {
			i.LastError = strings.TrimSpace(reason)
		}
		return nil
	}
	if !instanceTransitionAllowed(i.State, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidInstanceStateTransition, i.State, state)
	}
	i.State = state
	i.UpdatedAt = now
	if strings.TrimSpace(reason) != "" {
		i.LastError = strings.TrimSpace(reason)
	}
	if state == InstanceStateRunning || state == InstanceStateInitialized {
		i.LastError = ""
	}
	return nil
}

func instanceTransitionAllowed(current, next InstanceState) bool {
	allowed := map[InstanceState]map[InstanceState]struct{}{
		InstanceStateInitialized: {
			InstanceStateRunning:    {},
			InstanceStatePaused:     {},
			InstanceStateErrored:    {},
			InstanceStateTerminated: {},
		},
		InstanceStateRunning: {
			InstanceStateInitialized: {},
			InstanceStatePaused:      {},
			InstanceStateErrored:     {},
			InstanceStateTerminated:  {},
		},
		InstanceStatePaused: {
			InstanceStateRunning:    {},
			InstanceStateTerminated: {},
		},
		InstanceStateErrored: {
			InstanceStateRunning:    {},
			InstanceStatePaused:     {},
			InstanceStateTerminated: {},
		},
	}
	_, ok := allowed[current][next]
	return ok
}

// SyncParams shape one pull. A nil Since means first run unless FullSync
// forces the checkpoint to be ignored outright.
type SyncParams struct {
	Since    *time.Time
	FullSync bool
	Params   map[string]any
	TraceID  string
}

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

type JobStats struct {
	RecordsRead     int
	RecordsUploaded int
	RecordsFailed   int
	Retries         int
}

type JobError struct {
	When      time.Time
	Where     string
	Kind      string
	Message   string
	Retryable bool
}

// maxJobErrors bounds the per-job error list; overflow is counted, not stored.
const maxJobErrors = 64

type Job struct {
	ID                  string
	ConnectorInstanceID string
	TraceID             string
	StartedAt           time.Time
	CompletedAt         *time.Time
	Status              JobStatus
	Stats               JobStats
	Errors              []JobError
	ErrorsTruncated     int
}

func (j *Job) TransitionTo(status JobStatus, now time.Time) error {
	if j == nil {
		return nil
	}
	if j.Status == status {
		return nil
	}
	if !jobTransitionAllowed(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidJobStatusTransition, j.Status, status)
	}
	j.Status = status
	if status.Terminal() {
		completedAt := now.UTC()
		j.CompletedAt = &completedAt
	}
	return nil
}

func jobTransitionAllowed(current, next JobStatus) bool {
	allowed := map[JobStatus]map[JobStatus]struct{}{
		JobStatusPending: {
			JobStatusRunning:   {},
			JobStatusFailed:    {},
			JobStatusCancelled: {},
		},
		JobStatusRunning: {
			JobStatusCompleted: {},
			JobStatusFailed:    {},
			JobStatusCancelled: {},
		},
	}
	_, ok := allowed[current][next]
	return ok
}

// RecordError appends to the bounded error list, keeping a count of overflow.
func (j *Job) RecordError(entry JobError) {
	if j == nil {
		return
	}
	if len(j.Errors) >= maxJobErrors {
		j.ErrorsTruncated++
		return
	}
	j.Errors = append(j.Errors, entry)
}

// Checkpoint marks the high-water mark of successful ingestion for one
// source. It never advances past a record whose upload did not succeed.
type Checkpoint struct {
	ConnectorID      string
	SourceKey        string
	Cursor           string
	UpdatedAt        time.Time
	RecordsProcessed int
}

func (c Checkpoint) Validate() error {
	if strings.TrimSpace(c.ConnectorID) == "" {
		return fmt.Errorf("core: checkpoint connector id is required")
	}
	if strings.TrimSpace(c.SourceKey) == "" {
		return fmt.Errorf("core: checkpoint source key is required")
	}
	return nil
}

type CredentialScheme string

const (
	CredentialSchemeBearer       CredentialScheme = "bearer"
	CredentialSchemeBasic        CredentialScheme = "basic"
	CredentialSchemeAPIKey       CredentialScheme = "api-key"
	CredentialSchemeCustomHeader CredentialScheme = "custom-header"
)

// Credential is a read-only view of a lease owned by the credential provider.
// Consumers never mutate it; the provider refreshes and replaces the lease.
type Credential struct {
	Scheme       CredentialScheme
	Value        string
	Header       string
	ExpiresAt    *time.Time
	RefreshToken string
}

// Expired reports whether the credential must not be used at the given time.
func (c Credential) Expired(now time.Time) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !c.ExpiresAt.UTC().After(now.UTC())
}

// ExpiresWithin reports whether the credential enters the refresh window.
func (c Credential) ExpiresWithin(now time.Time, window time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !c.ExpiresAt.UTC().After(now.UTC().Add(window))
}
