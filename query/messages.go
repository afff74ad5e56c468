package query

import (
	"strings"

	"github.com/goliatone/go-ingest/core"
)

const (
	TypeGetJob         = "ingest.query.job.get"
	TypeListJobs       = "ingest.query.job.list"
	TypeGetInstance    = "ingest.query.instance.get"
	TypeListInstances  = "ingest.query.instance.list"
	TypeLoadCheckpoint = "ingest.query.checkpoint.load"
)

type GetJobMessage struct {
	JobID string
}

func (GetJobMessage) Type() string { return TypeGetJob }

func (m GetJobMessage) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return core.NewValidationError("query: job id is required")
	}
	return nil
}

type ListJobsMessage struct {
	InstanceID string
	Limit      int
}

func (ListJobsMessage) Type() string { return TypeListJobs }

func (m ListJobsMessage) Validate() error {
	if strings.TrimSpace(m.InstanceID) == "" {
		return core.NewValidationError("query: instance id is required")
	}
	if m.Limit < 0 {
		return core.NewValidationError("query: limit must not be negative")
	}
	return nil
}

type GetInstanceMessage struct {
	InstanceID string
}

func (GetInstanceMessage) Type() string { return TypeGetInstance }

func (m GetInstanceMessage) Validate() error {
	if strings.TrimSpace(m.InstanceID) == "" {
		return core.NewValidationError("query: instance id is required")
	}
	return nil
}

type ListInstancesMessage struct{}

func (ListInstancesMessage) Type() string { return TypeListInstances }

func (ListInstancesMessage) Validate() error { return nil }

type LoadCheckpointMessage struct {
	InstanceID string
	SourceKey  string
}

func (LoadCheckpointMessage) Type() string { return TypeLoadCheckpoint }

func (m LoadCheckpointMessage) Validate() error {
	if strings.TrimSpace(m.InstanceID) == "" {
		return core.NewValidationError("query: instance id is required")
	}
	if strings.TrimSpace(m.SourceKey) == "" {
		return core.NewValidationError("query: source key is required")
	}
	return nil
}
