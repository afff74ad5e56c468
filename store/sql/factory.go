package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"github.com/goliatone/go-ingest/core"
)

// RepositoryFactory builds the SQL-backed stores from one shared bun handle.
type RepositoryFactory struct {
	db *bun.DB

	checkpointStore *CheckpointStore
	instanceStore   *InstanceStore
	jobStore        *JobStore
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{}
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// NewRepositoryFactoryFromPersistence builds the stores on a managed
// go-persistence-bun client's bun handle.
func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{}
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

// NewPostgresFactory opens a Postgres connection and builds the stores on it.
func NewPostgresFactory(dsn string) (*RepositoryFactory, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open postgres: %w", err)
	}
	return NewRepositoryFactoryFromDB(bun.NewDB(sqlDB, pgdialect.New()))
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) (*RepositoryFactory, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.checkpointStore != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) CheckpointStore() *CheckpointStore {
	if f == nil {
		return nil
	}
	return f.checkpointStore
}

func (f *RepositoryFactory) InstanceStore() core.InstanceStore {
	if f == nil {
		return nil
	}
	return f.instanceStore
}

func (f *RepositoryFactory) JobStore() core.JobStore {
	if f == nil {
		return nil
	}
	return f.jobStore
}

func (f *RepositoryFactory) initStores() error {
	checkpointStore, err := NewCheckpointStore(f.db)
	if err != nil {
		return err
	}
	f.checkpointStore = checkpointStore
	instanceStore, err := NewInstanceStore(f.db)
	if err != nil {
		return err
	}
	f.instanceStore = instanceStore
	jobStore, err := NewJobStore(f.db)
	if err != nil {
		return err
	}
	f.jobStore = jobStore
	return nil
}

// CreateTables provisions the schema, used by tests and fresh deployments
// that do not run migrations.
func (f *RepositoryFactory) CreateTables(ctx context.Context) error {
	if f == nil || f.db == nil {
		return fmt.Errorf("sqlstore: repository factory is not configured")
	}
	models := []any{
		(*checkpointRecord)(nil),
		(*instanceRecord)(nil),
		(*jobRecord)(nil),
	}
	for _, model := range models {
		if _, err := f.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	_, err := f.db.NewCreateIndex().
		Model((*checkpointRecord)(nil)).
		Index("idx_ingest_checkpoints_connector_source").
		Unique().
		Column("connector_id", "source_key").
		IfNotExists().
		Exec(ctx)
	return err
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
