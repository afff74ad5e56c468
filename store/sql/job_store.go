package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-ingest/core"
)

// JobStore persists job records for status queries and history.
type JobStore struct {
	db   *bun.DB
	repo repository.Repository[*jobRecord]
}

func NewJobStore(db *bun.DB) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*jobRecord](db, jobHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid job repository wiring: %w", err)
		}
	}
	return &JobStore{db: db, repo: repo}, nil
}

func (s *JobStore) Save(ctx context.Context, job core.Job) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: job store is not configured")
	}
	job.ID = strings.TrimSpace(job.ID)
	if job.ID == "" {
		return fmt.Errorf("sqlstore: job id is required")
	}
	record := newJobRecord(job)

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing := &jobRecord{}
		err := tx.NewSelect().
			Model(existing).
			Where("?TableAlias.id = ?", job.ID).
			Limit(1).
			Scan(ctx)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if err == sql.ErrNoRows {
			_, insertErr := tx.NewInsert().Model(record).Exec(ctx)
			return insertErr
		}
		_, updateErr := tx.NewUpdate().Model(record).Where("id = ?", record.ID).Exec(ctx)
		return updateErr
	})
}

func (s *JobStore) Get(ctx context.Context, id string) (core.Job, error) {
	if s == nil || s.db == nil {
		return core.Job{}, fmt.Errorf("sqlstore: job store is not configured")
	}
	record := &jobRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.Job{}, core.ErrJobNotFound
		}
		return core.Job{}, err
	}
	return record.toDomain(), nil
}

func (s *JobStore) ListByInstance(ctx context.Context, instanceID string, limit int) ([]core.Job, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: job store is not configured")
	}
	records := []*jobRecord{}
	query := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.connector_instance_id = ?", strings.TrimSpace(instanceID)).
		OrderExpr("?TableAlias.started_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, err
	}
	jobs := make([]core.Job, 0, len(records))
	for _, record := range records {
		jobs = append(jobs, record.toDomain())
	}
	return jobs, nil
}

func newJobRecord(job core.Job) *jobRecord {
	errors := make([]jobErrorRecord, 0, len(job.Errors))
	for _, entry := range job.Errors {
		errors = append(errors, jobErrorRecord{
			When:      entry.When,
			Where:     entry.Where,
			Kind:      entry.Kind,
			Message:   entry.Message,
			Retryable: entry.Retryable,
		})
	}
	var completedAt *time.Time
	if job.CompletedAt != nil {
		value := job.CompletedAt.UTC()
		completedAt = &value
	}
	return &jobRecord{
		ID:                  job.ID,
		ConnectorInstanceID: strings.TrimSpace(job.ConnectorInstanceID),
		TraceID:             strings.TrimSpace(job.TraceID),
		Status:              string(job.Status),
		RecordsRead:         job.Stats.RecordsRead,
		RecordsUploaded:     job.Stats.RecordsUploaded,
		RecordsFailed:       job.Stats.RecordsFailed,
		Retries:             job.Stats.Retries,
		Errors:              errors,
		ErrorsTruncated:     job.ErrorsTruncated,
		StartedAt:           job.StartedAt.UTC(),
		CompletedAt:         completedAt,
	}
}

func (r *jobRecord) toDomain() core.Job {
	errors := make([]core.JobError, 0, len(r.Errors))
	for _, entry := range r.Errors {
		errors = append(errors, core.JobError{
			When:      entry.When,
			Where:     entry.Where,
			Kind:      entry.Kind,
			Message:   entry.Message,
			Retryable: entry.Retryable,
		})
	}
	return core.Job{
		ID:                  r.ID,
		ConnectorInstanceID: r.ConnectorInstanceID,
		TraceID:             r.TraceID,
		Status:              core.JobStatus(r.Status),
		Stats: core.JobStats{
			RecordsRead:     r.RecordsRead,
			RecordsUploaded: r.RecordsUploaded,
			RecordsFailed:   r.RecordsFailed,
			Retries:         r.Retries,
		},
		Errors:          errors,
		ErrorsTruncated: r.ErrorsTruncated,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
	}
}

var _ core.JobStore = (*JobStore)(nil)
