package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/untoldecay/trellis/internal/logging"
)

// migration is a single versioned schema change. Statements should be
// idempotent where SQLite allows it; each migration runs in its own
// IMMEDIATE transaction and is recorded in schema_migrations.
type migration struct {
	version     int
	description string
	statements  []string
}

// migrationList is ordered by version and append-only. The base schema
// in schema.go always reflects the latest shape; migrations exist to
// carry forward databases created before a change.
var migrationList = []migration{
	{
		version:     1,
		description: "baseline schema",
		statements:  nil, // tables come from the schema constant
	},
	{
		version:     2,
		description: "index tasks by updated_at for recency queries",
		statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks(updated_at)`,
		},
	},
	{
		version:     3,
		description: "index knowledge by created_at",
		statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_knowledge_created_at ON knowledge(created_at)`,
		},
	},
	{
		version:     4,
		description: "composite index for status-within-parent listing",
		statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_tasks_parent_status ON tasks(parent_path, status)`,
		},
	},
	{
		version:     5,
		description: "deletion tombstones",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS task_tombstones (
				task_id TEXT NOT NULL,
				path TEXT NOT NULL,
				deleted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				deleted_by TEXT NOT NULL DEFAULT '',
				reason TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tombstones_deleted_at ON task_tombstones(deleted_at)`,
		},
	},
}

// RunMigrations applies all pending migrations in order. Each migration
// commits independently, so a failure leaves earlier migrations applied
// and reports the version that failed.
func RunMigrations(ctx context.Context, db *sql.DB, log *logging.Logger) error {
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return wrapDBError("read applied migrations", err)
	}

	for _, m := range migrationList {
		if applied[m.version] {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
		log.Info("applied migration", "version", m.version, "description", m.description)
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	// Migrations run during Open, before any concurrent writer exists,
	// so a plain transaction is sufficient here.
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBError("begin migration tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return wrapDBError("apply migration statement", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, description) VALUES (?, ?)`,
		m.version, m.description); err != nil {
		return wrapDBError("record migration", err)
	}
	return wrapDBError("commit migration", tx.Commit())
}

// SchemaVersion returns the highest applied migration version.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	err := db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM schema_migrations`).Scan(&v)
	if err != nil {
		return 0, wrapDBError("read schema version", err)
	}
	return int(v.Int64), nil
}
