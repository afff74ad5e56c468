package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type checkpointRecord struct {
	bun.BaseModel `bun:"table:ingest_checkpoints,alias:icp"`

	ID               string    `bun:"id,pk"`
	ConnectorID      string    `bun:"connector_id,notnull"`
	SourceKey        string    `bun:"source_key,notnull"`
	Cursor           string    `bun:"cursor"`
	RecordsProcessed int       `bun:"records_processed,notnull"`
	UpdatedAt        time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type instanceRecord struct {
	bun.BaseModel `bun:"table:ingest_instances,alias:ii"`

	ID             string         `bun:"id,pk"`
	DefinitionName string         `bun:"definition_name,notnull"`
	Config         map[string]any `bun:"config,type:jsonb,notnull"`
	CredentialRef  string         `bun:"credential_ref"`
	State          string         `bun:"state,notnull"`
	LastError      string         `bun:"last_error"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type jobRecord struct {
	bun.BaseModel `bun:"table:ingest_jobs,alias:ij"`

	ID                  string           `bun:"id,pk"`
	ConnectorInstanceID string           `bun:"connector_instance_id,notnull"`
	TraceID             string           `bun:"trace_id"`
	Status              string           `bun:"status,notnull"`
	RecordsRead         int              `bun:"records_read,notnull"`
	RecordsUploaded     int              `bun:"records_uploaded,notnull"`
	RecordsFailed       int              `bun:"records_failed,notnull"`
	Retries             int              `bun:"retries,notnull"`
	Errors              []jobErrorRecord `bun:"errors,type:jsonb"`
	ErrorsTruncated     int              `bun:"errors_truncated,notnull"`
	StartedAt           time.Time        `bun:"started_at,nullzero,notnull"`
	CompletedAt         *time.Time       `bun:"completed_at,nullzero"`
}

type jobErrorRecord struct {
	When      time.Time `json:"when"`
	Where     string    `json:"where"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}
