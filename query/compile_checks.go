package query

import (
	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-ingest/core"
)

var (
	_ gocmd.Querier[GetJobMessage, core.Job]                        = (*GetJobQuery)(nil)
	_ gocmd.Querier[ListJobsMessage, []core.Job]                    = (*ListJobsQuery)(nil)
	_ gocmd.Querier[GetInstanceMessage, core.ConnectorInstance]     = (*GetInstanceQuery)(nil)
	_ gocmd.Querier[ListInstancesMessage, []core.ConnectorInstance] = (*ListInstancesQuery)(nil)
	_ gocmd.Querier[LoadCheckpointMessage, core.Checkpoint]         = (*LoadCheckpointQuery)(nil)
)
