package db

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/mingxuanliu/stocksync/tools/migrator"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migrate brings the schema up to date. Migrations ship embedded in the
// binary; an explicit dir overrides them, which is how tests and ad-hoc
// schema experiments point at their own migration sets.
func (db *DB) Migrate(dir string, logger *slog.Logger) error {
	var fsys fs.FS
	if dir != "" {
		fsys = os.DirFS(dir)
	} else {
		sub, err := fs.Sub(embeddedMigrations, "migrations")
		if err != nil {
			return fmt.Errorf("failed to open embedded migrations: %w", err)
		}
		fsys = sub
	}

	return migrator.RunMigrations(db.DB, fsys, logger)
}

// SchemaVersion reports the highest applied migration version.
func (db *DB) SchemaVersion() (int, error) {
	return migrator.GetCurrentVersion(db.DB)
}
