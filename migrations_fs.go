package ingest

import (
	"embed"
	"io/fs"
)

// migrationsFS holds the ingest schema migrations, with the SQLite dialect
// alternatives under data/sql/migrations/sqlite.
//
//go:embed data/sql/migrations/*.sql data/sql/migrations/sqlite/*.sql
var migrationsFS embed.FS

// GetMigrationsFS returns the embedded migration tree for callers that run
// migrations through their own tooling.
func GetMigrationsFS() fs.FS {
	return migrationsFS
}
