package migrator

import (
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"time"
)

// RunMigrations applies every pending migration from the filesystem in
// version order, recording each applied version in schema_migrations.
// Already-applied versions are skipped, so running against an up-to-date
// database is a no-op.
func RunMigrations(db *sql.DB, fsys fs.FS, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if err := ensureMigrationsTable(db); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	if len(migrations) == 0 {
		logger.Info("no migrations found")
		return nil
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return fmt.Errorf("failed to query applied migrations: %w", err)
	}

	pending := 0
	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		// All dependencies must already be applied or earlier in this run.
		// LoadMigrations sorts by version and validates the dependency graph,
		// so a dependency can only be missing if the table was tampered with.
		for _, dep := range m.Dependencies {
			if !applied[dep] {
				return fmt.Errorf("migration %d depends on version %d which is not applied", m.Version, dep)
			}
		}

		start := time.Now()
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}

		applied[m.Version] = true
		pending++
		logger.Info("applied migration",
			"version", m.Version,
			"name", m.Name,
			"duration", time.Since(start))
	}

	if pending == 0 {
		logger.Info("database is up to date", "migrations", len(migrations))
	} else {
		logger.Info("migrations complete", "applied", pending, "total", len(migrations))
	}

	return nil
}

// GetCurrentVersion returns the highest applied migration version, or 0 for
// a database that has never been migrated.
func GetCurrentVersion(db *sql.DB) (int, error) {
	if err := ensureMigrationsTable(db); err != nil {
		return 0, err
	}

	var version sql.NullInt64
	err := db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func appliedVersions(db *sql.DB) (map[int]bool, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

// applyMigration runs one migration. Unless the file opts out with
// notransaction, the SQL and the schema_migrations bookkeeping commit
// atomically so a failed migration leaves no partial state behind.
func applyMigration(db *sql.DB, m Migration) error {
	record := `INSERT INTO schema_migrations (version, name) VALUES (?, ?)`

	if m.NoTransaction {
		if _, err := db.Exec(m.UpSQL); err != nil {
			return err
		}
		_, err := db.Exec(record, m.Version, m.Name)
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}

	if _, err := tx.Exec(m.UpSQL); err != nil {
		tx.Rollback()
		return err
	}

	if _, err := tx.Exec(record, m.Version, m.Name); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}
