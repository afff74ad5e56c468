package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-ingest/core"
)

// InstanceStore persists connector instances. The per-instance config is
// stored as JSON and decoded back through the typed ConnectorConfig, so a
// hand-edited row cannot smuggle unknown keys back into the runtime.
type InstanceStore struct {
	db   *bun.DB
	repo repository.Repository[*instanceRecord]
}

func NewInstanceStore(db *bun.DB) (*InstanceStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*instanceRecord](db, instanceHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid instance repository wiring: %w", err)
		}
	}
	return &InstanceStore{db: db, repo: repo}, nil
}

func (s *InstanceStore) Save(ctx context.Context, instance core.ConnectorInstance) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: instance store is not configured")
	}
	instance.ID = strings.TrimSpace(instance.ID)
	if instance.ID == "" {
		return fmt.Errorf("sqlstore: instance id is required")
	}
	record, err := newInstanceRecord(instance)
	if err != nil {
		return err
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing := &instanceRecord{}
		err := tx.NewSelect().
			Model(existing).
			Where("?TableAlias.id = ?", instance.ID).
			Limit(1).
			Scan(ctx)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if err == sql.ErrNoRows {
			if record.CreatedAt.IsZero() {
				record.CreatedAt = time.Now().UTC()
			}
			_, insertErr := tx.NewInsert().Model(record).Exec(ctx)
			return insertErr
		}
		record.CreatedAt = existing.CreatedAt
		if record.UpdatedAt.IsZero() {
			record.UpdatedAt = time.Now().UTC()
		}
		_, updateErr := tx.NewUpdate().Model(record).Where("id = ?", record.ID).Exec(ctx)
		return updateErr
	})
}

func (s *InstanceStore) Get(ctx context.Context, id string) (core.ConnectorInstance, error) {
	if s == nil || s.db == nil {
		return core.ConnectorInstance{}, fmt.Errorf("sqlstore: instance store is not configured")
	}
	record := &instanceRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.ConnectorInstance{}, core.ErrInstanceNotFound
		}
		return core.ConnectorInstance{}, err
	}
	return record.toDomain()
}

func (s *InstanceStore) List(ctx context.Context) ([]core.ConnectorInstance, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: instance store is not configured")
	}
	records := []*instanceRecord{}
	if err := s.db.NewSelect().Model(&records).OrderExpr("?TableAlias.id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	instances := make([]core.ConnectorInstance, 0, len(records))
	for _, record := range records {
		instance, err := record.toDomain()
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

func (s *InstanceStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: instance store is not configured")
	}
	_, err := s.db.NewDelete().
		Model((*instanceRecord)(nil)).
		Where("id = ?", strings.TrimSpace(id)).
		Exec(ctx)
	return err
}

func newInstanceRecord(instance core.ConnectorInstance) (*instanceRecord, error) {
	raw, err := json.Marshal(instance.Config)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: encode instance config: %w", err)
	}
	config := map[string]any{}
	if err := json.Unmarshal(raw, &config); err != nil {
		return nil, fmt.Errorf("sqlstore: normalize instance config: %w", err)
	}
	return &instanceRecord{
		ID:             instance.ID,
		DefinitionName: strings.TrimSpace(instance.DefinitionName),
		Config:         config,
		CredentialRef:  strings.TrimSpace(instance.CredentialRef),
		State:          string(instance.State),
		LastError:      instance.LastError,
		CreatedAt:      instance.CreatedAt,
		UpdatedAt:      instance.UpdatedAt,
	}, nil
}

func (r *instanceRecord) toDomain() (core.ConnectorInstance, error) {
	raw, err := json.Marshal(r.Config)
	if err != nil {
		return core.ConnectorInstance{}, fmt.Errorf("sqlstore: encode stored config: %w", err)
	}
	config := core.ConnectorConfig{}
	if err := json.Unmarshal(raw, &config); err != nil {
		return core.ConnectorInstance{}, fmt.Errorf("sqlstore: decode stored config: %w", err)
	}
	return core.ConnectorInstance{
		ID:             r.ID,
		DefinitionName: r.DefinitionName,
		Config:         config,
		CredentialRef:  r.CredentialRef,
		State:          core.InstanceState(r.State),
		LastError:      r.LastError,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

var _ core.InstanceStore = (*InstanceStore)(nil)
