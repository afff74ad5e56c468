package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/goliatone/go-ingest/core"
	ingestmigrations "github.com/goliatone/go-ingest/migrations"
	sqlstore "github.com/goliatone/go-ingest/store/sql"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-ingest-tests"
}

func newSQLitePersistenceClient(t *testing.T) *persistence.Client {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:ingest-client-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	_, err = ingestmigrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect != ingestmigrations.DialectSQLite {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, ingestmigrations.WithValidationTargets(ingestmigrations.DialectSQLite))
	if err != nil {
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return client
}

func newSQLiteFactory(t *testing.T) *sqlstore.RepositoryFactory {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:ingest-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	factory, err := sqlstore.NewRepositoryFactoryFromDB(bun.NewDB(sqlDB, sqlitedialect.New()))
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	if err := factory.CreateTables(context.Background()); err != nil {
		t.Fatalf("create tables: %v", err)
	}
	return factory
}

func TestRepositoryFactoryFromPersistence_ServesMigratedStores(t *testing.T) {
	ctx := context.Background()
	client := newSQLitePersistenceClient(t)

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}

	store := factory.CheckpointStore()
	checkpoint := core.Checkpoint{
		ConnectorID:      "inst-1",
		SourceKey:        "orders",
		Cursor:           "2026-03-01T12:00:00Z",
		RecordsProcessed: 7,
	}
	if err := store.Set(ctx, checkpoint); err != nil {
		t.Fatalf("set against the migrated schema: %v", err)
	}
	fetched, err := store.Get(ctx, "inst-1", "orders")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fetched.Cursor != checkpoint.Cursor || fetched.RecordsProcessed != 7 {
		t.Fatalf("unexpected checkpoint: %+v", fetched)
	}

	_, insertErr := client.DB().NewRaw(
		"INSERT INTO ingest_checkpoints (id, connector_id, source_key, cursor, records_processed) VALUES (?, ?, ?, ?, ?)",
		"cp-dup", "inst-1", "orders", "x", 0,
	).Exec(ctx)
	if insertErr == nil {
		t.Fatalf("expected the unique connector/source index to reject the duplicate")
	}
}

func TestCheckpointStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	factory := newSQLiteFactory(t)
	store := factory.CheckpointStore()

	if _, err := store.Get(ctx, "inst-1", "orders"); !errors.Is(err, core.ErrCheckpointNotFound) {
		t.Fatalf("expected not found for a fresh key, got %v", err)
	}

	checkpoint := core.Checkpoint{
		ConnectorID:      "inst-1",
		SourceKey:        "orders",
		Cursor:           "2026-03-01T12:00:00Z",
		RecordsProcessed: 100,
	}
	if err := store.Set(ctx, checkpoint); err != nil {
		t.Fatalf("set: %v", err)
	}

	fetched, err := store.Get(ctx, "inst-1", "orders")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fetched.Cursor != checkpoint.Cursor || fetched.RecordsProcessed != 100 {
		t.Fatalf("unexpected checkpoint: %+v", fetched)
	}

	checkpoint.Cursor = "2026-03-02T08:00:00Z"
	checkpoint.RecordsProcessed = 250
	if err := store.Set(ctx, checkpoint); err != nil {
		t.Fatalf("second set: %v", err)
	}
	fetched, err = store.Get(ctx, "inst-1", "orders")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if fetched.Cursor != "2026-03-02T08:00:00Z" || fetched.RecordsProcessed != 250 {
		t.Fatalf("expected the upsert to replace, got %+v", fetched)
	}

	if err := store.Delete(ctx, "inst-1", "orders"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "inst-1", "orders"); !errors.Is(err, core.ErrCheckpointNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestCheckpointStore_AdvanceConflicts(t *testing.T) {
	ctx := context.Background()
	factory := newSQLiteFactory(t)
	store := factory.CheckpointStore()

	seed := core.Checkpoint{
		ConnectorID: "inst-1",
		SourceKey:   "orders",
		Cursor:      "cursor-a",
	}
	if err := store.Set(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	next := seed
	next.Cursor = "cursor-b"
	if err := store.Advance(ctx, next, "cursor-a"); err != nil {
		t.Fatalf("advance with the matching cursor failed: %v", err)
	}

	// A second worker still holding cursor-a must lose the race.
	stale := seed
	stale.Cursor = "cursor-c"
	if err := store.Advance(ctx, stale, "cursor-a"); !errors.Is(err, core.ErrCheckpointConflict) {
		t.Fatalf("expected a conflict, got %v", err)
	}

	fetched, err := store.Get(ctx, "inst-1", "orders")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fetched.Cursor != "cursor-b" {
		t.Fatalf("expected cursor-b to win, got %q", fetched.Cursor)
	}

	missing := core.Checkpoint{ConnectorID: "inst-1", SourceKey: "invoices", Cursor: "x"}
	if err := store.Advance(ctx, missing, "cursor-a"); !errors.Is(err, core.ErrCheckpointConflict) {
		t.Fatalf("expected expected-cursor on a missing row to conflict, got %v", err)
	}
	if err := store.Advance(ctx, missing, ""); err != nil {
		t.Fatalf("expected empty expectation to insert: %v", err)
	}
}

func TestCheckpointStore_SourcesAreIndependent(t *testing.T) {
	ctx := context.Background()
	factory := newSQLiteFactory(t)
	store := factory.CheckpointStore()

	for _, sourceKey := range []string{"orders", "invoices"} {
		if err := store.Set(ctx, core.Checkpoint{
			ConnectorID: "inst-1",
			SourceKey:   sourceKey,
			Cursor:      "cursor-" + sourceKey,
		}); err != nil {
			t.Fatalf("set %s: %v", sourceKey, err)
		}
	}

	orders, err := store.Get(ctx, "inst-1", "orders")
	if err != nil {
		t.Fatalf("get orders: %v", err)
	}
	invoices, err := store.Get(ctx, "inst-1", "invoices")
	if err != nil {
		t.Fatalf("get invoices: %v", err)
	}
	if orders.Cursor == invoices.Cursor {
		t.Fatalf("expected independent cursors, both %q", orders.Cursor)
	}
}

func TestInstanceStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	factory := newSQLiteFactory(t)
	store := factory.InstanceStore()

	instance := core.ConnectorInstance{
		ID:             "inst-1",
		DefinitionName: "rest-api",
		CredentialRef:  "cred-1",
		State:          core.InstanceStateInitialized,
		Config: core.ConnectorConfig{
			RateLimit: core.RateLimitSpec{RequestsPerSecond: 2.5, Burst: 5},
			Sources: []core.SourceSpec{{
				Key:            "orders",
				URL:            "https://api.example.com/orders",
				Pagination:     core.PaginationCursor,
				PrimaryKey:     "order_id",
				TimestampField: "updated_at",
				PageSize:       50,
			}},
		},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := store.Save(ctx, instance); err != nil {
		t.Fatalf("save: %v", err)
	}

	fetched, err := store.Get(ctx, "inst-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fetched.DefinitionName != "rest-api" || fetched.State != core.InstanceStateInitialized {
		t.Fatalf("unexpected instance: %+v", fetched)
	}
	source, ok := fetched.Config.Source("orders")
	if !ok {
		t.Fatalf("expected the source to survive the round trip")
	}
	if source.Pagination != core.PaginationCursor || source.PageSize != 50 {
		t.Fatalf("unexpected source: %+v", source)
	}
	if fetched.Config.RateLimit.RequestsPerSecond != 2.5 {
		t.Fatalf("unexpected rate limit: %+v", fetched.Config.RateLimit)
	}

	instance.State = core.InstanceStatePaused
	if err := store.Save(ctx, instance); err != nil {
		t.Fatalf("update: %v", err)
	}
	fetched, err = store.Get(ctx, "inst-1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if fetched.State != core.InstanceStatePaused {
		t.Fatalf("expected paused, got %q", fetched.State)
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one instance, got %d", len(list))
	}

	if err := store.Delete(ctx, "inst-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "inst-1"); !errors.Is(err, core.ErrInstanceNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestJobStore_RoundTripAndHistory(t *testing.T) {
	ctx := context.Background()
	factory := newSQLiteFactory(t)
	store := factory.JobStore()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		completedAt := base.Add(time.Duration(i)*time.Hour + 30*time.Minute)
		job := core.Job{
			ID:                  fmt.Sprintf("job-%d", i),
			ConnectorInstanceID: "inst-1",
			TraceID:             fmt.Sprintf("trace-%d", i),
			Status:              core.JobStatusCompleted,
			Stats:               core.JobStats{RecordsRead: 10 * (i + 1), RecordsUploaded: 9 * (i + 1), RecordsFailed: i},
			StartedAt:           base.Add(time.Duration(i) * time.Hour),
			CompletedAt:         &completedAt,
			Errors: []core.JobError{{
				When:      base,
				Where:     "orders",
				Kind:      core.IngestErrorServer,
				Message:   "upstream hiccup",
				Retryable: true,
			}},
		}
		if err := store.Save(ctx, job); err != nil {
			t.Fatalf("save job-%d: %v", i, err)
		}
	}

	job, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Stats.RecordsRead != 20 || len(job.Errors) != 1 || job.Errors[0].Kind != core.IngestErrorServer {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.CompletedAt == nil {
		t.Fatalf("expected completion time to survive")
	}

	history, err := store.ListByInstance(ctx, "inst-1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(history) != 2 || history[0].ID != "job-2" || history[1].ID != "job-1" {
		t.Fatalf("expected newest first, got %+v", history)
	}

	if _, err := store.Get(ctx, "job-404"); !errors.Is(err, core.ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
