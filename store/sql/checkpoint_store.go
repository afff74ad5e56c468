package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-ingest/core"
)

// CheckpointStore persists checkpoints in SQL. Set upserts inside a
// transaction; Advance additionally enforces the expected cursor, rejecting
// a write that raced another worker.
type CheckpointStore struct {
	db   *bun.DB
	repo repository.Repository[*checkpointRecord]
}

func NewCheckpointStore(db *bun.DB) (*CheckpointStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*checkpointRecord](db, checkpointHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid checkpoint repository wiring: %w", err)
		}
	}
	return &CheckpointStore{db: db, repo: repo}, nil
}

func (s *CheckpointStore) Get(ctx context.Context, connectorID string, sourceKey string) (core.Checkpoint, error) {
	if s == nil || s.db == nil {
		return core.Checkpoint{}, fmt.Errorf("sqlstore: checkpoint store is not configured")
	}
	connectorID = strings.TrimSpace(connectorID)
	sourceKey = strings.TrimSpace(sourceKey)
	if connectorID == "" || sourceKey == "" {
		return core.Checkpoint{}, fmt.Errorf("sqlstore: connector id and source key are required")
	}

	record := &checkpointRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.connector_id = ?", connectorID).
		Where("?TableAlias.source_key = ?", sourceKey).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.Checkpoint{}, core.ErrCheckpointNotFound
		}
		return core.Checkpoint{}, err
	}
	return record.toDomain(), nil
}

func (s *CheckpointStore) Set(ctx context.Context, checkpoint core.Checkpoint) error {
	return s.advance(ctx, checkpoint, "", false)
}

// Advance writes the checkpoint only when the stored cursor still matches
// expectedCursor. An empty expectedCursor asserts the checkpoint is new.
func (s *CheckpointStore) Advance(ctx context.Context, checkpoint core.Checkpoint, expectedCursor string) error {
	return s.advance(ctx, checkpoint, strings.TrimSpace(expectedCursor), true)
}

func (s *CheckpointStore) advance(ctx context.Context, checkpoint core.Checkpoint, expectedCursor string, guarded bool) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: checkpoint store is not configured")
	}
	if err := checkpoint.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findCheckpointTx(ctx, tx, checkpoint.ConnectorID, checkpoint.SourceKey)
		if err != nil {
			return err
		}
		if record == nil {
			if guarded && expectedCursor != "" {
				return core.ErrCheckpointConflict
			}
			record = newCheckpointRecord(checkpoint, now)
			record.ID = uuid.NewString()
			if _, insertErr := tx.NewInsert().Model(record).Exec(ctx); insertErr != nil {
				if isUniqueViolation(insertErr) {
					return core.ErrCheckpointConflict
				}
				return insertErr
			}
			return nil
		}

		if guarded && !strings.EqualFold(record.Cursor, expectedCursor) {
			return core.ErrCheckpointConflict
		}

		record.Cursor = strings.TrimSpace(checkpoint.Cursor)
		record.RecordsProcessed = checkpoint.RecordsProcessed
		record.UpdatedAt = now
		if _, updateErr := tx.NewUpdate().Model(record).Where("id = ?", record.ID).Exec(ctx); updateErr != nil {
			return updateErr
		}
		return nil
	})
}

func (s *CheckpointStore) Delete(ctx context.Context, connectorID string, sourceKey string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: checkpoint store is not configured")
	}
	_, err := s.db.NewDelete().
		Model((*checkpointRecord)(nil)).
		Where("connector_id = ?", strings.TrimSpace(connectorID)).
		Where("source_key = ?", strings.TrimSpace(sourceKey)).
		Exec(ctx)
	return err
}

func findCheckpointTx(ctx context.Context, tx bun.Tx, connectorID string, sourceKey string) (*checkpointRecord, error) {
	record := &checkpointRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.connector_id = ?", strings.TrimSpace(connectorID)).
		Where("?TableAlias.source_key = ?", strings.TrimSpace(sourceKey)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func newCheckpointRecord(checkpoint core.Checkpoint, now time.Time) *checkpointRecord {
	return &checkpointRecord{
		ConnectorID:      strings.TrimSpace(checkpoint.ConnectorID),
		SourceKey:        strings.TrimSpace(checkpoint.SourceKey),
		Cursor:           strings.TrimSpace(checkpoint.Cursor),
		RecordsProcessed: checkpoint.RecordsProcessed,
		UpdatedAt:        now,
	}
}

func (r *checkpointRecord) toDomain() core.Checkpoint {
	return core.Checkpoint{
		ConnectorID:      r.ConnectorID,
		SourceKey:        r.SourceKey,
		Cursor:           r.Cursor,
		RecordsProcessed: r.RecordsProcessed,
		UpdatedAt:        r.UpdatedAt,
	}
}

var _ core.CheckpointStore = (*CheckpointStore)(nil)
