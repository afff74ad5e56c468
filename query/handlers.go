// Package query holds the read-side handlers for job status, instance
// inventory, and checkpoint inspection. Each query delegates to the store
// interface it names; the runtime's stores and the SQL repositories both
// satisfy them.
package query

import (
	"context"

	"github.com/goliatone/go-ingest/core"
)

type JobReader interface {
	Get(ctx context.Context, id string) (core.Job, error)
	ListByInstance(ctx context.Context, instanceID string, limit int) ([]core.Job, error)
}

type InstanceReader interface {
	Get(ctx context.Context, id string) (core.ConnectorInstance, error)
	List(ctx context.Context) ([]core.ConnectorInstance, error)
}

type CheckpointReader interface {
	Get(ctx context.Context, connectorID string, sourceKey string) (core.Checkpoint, error)
}

type GetJobQuery struct {
	reader JobReader
}

func NewGetJobQuery(reader JobReader) *GetJobQuery {
	return &GetJobQuery{reader: reader}
}

func (q *GetJobQuery) Query(ctx context.Context, msg GetJobMessage) (core.Job, error) {
	if q == nil || q.reader == nil {
		return core.Job{}, queryDependencyError("query: job reader is required")
	}
	return q.reader.Get(ctx, msg.JobID)
}

type ListJobsQuery struct {
	reader JobReader
}

func NewListJobsQuery(reader JobReader) *ListJobsQuery {
	return &ListJobsQuery{reader: reader}
}

func (q *ListJobsQuery) Query(ctx context.Context, msg ListJobsMessage) ([]core.Job, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: job reader is required")
	}
	return q.reader.ListByInstance(ctx, msg.InstanceID, msg.Limit)
}

type GetInstanceQuery struct {
	reader InstanceReader
}

func NewGetInstanceQuery(reader InstanceReader) *GetInstanceQuery {
	return &GetInstanceQuery{reader: reader}
}

func (q *GetInstanceQuery) Query(ctx context.Context, msg GetInstanceMessage) (core.ConnectorInstance, error) {
	if q == nil || q.reader == nil {
		return core.ConnectorInstance{}, queryDependencyError("query: instance reader is required")
	}
	return q.reader.Get(ctx, msg.InstanceID)
}

type ListInstancesQuery struct {
	reader InstanceReader
}

func NewListInstancesQuery(reader InstanceReader) *ListInstancesQuery {
	return &ListInstancesQuery{reader: reader}
}

func (q *ListInstancesQuery) Query(ctx context.Context, _ ListInstancesMessage) ([]core.ConnectorInstance, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: instance reader is required")
	}
	return q.reader.List(ctx)
}

type LoadCheckpointQuery struct {
	reader CheckpointReader
}

func NewLoadCheckpointQuery(reader CheckpointReader) *LoadCheckpointQuery {
	return &LoadCheckpointQuery{reader: reader}
}

func (q *LoadCheckpointQuery) Query(ctx context.Context, msg LoadCheckpointMessage) (core.Checkpoint, error) {
	if q == nil || q.reader == nil {
		return core.Checkpoint{}, queryDependencyError("query: checkpoint reader is required")
	}
	return q.reader.Get(ctx, msg.InstanceID, msg.SourceKey)
}
