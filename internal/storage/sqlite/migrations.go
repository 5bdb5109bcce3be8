// Package sqlite - database migrations
package sqlite

import (
	"database/sql"
	"fmt"
)

// Migration is a single named, idempotent migration step.
type Migration struct {
	Name string
	Func func(*sql.DB) error
}

// migrationsList is the ordered list of all migrations. Each is idempotent
// so the whole list reruns safely on every open.
var migrationsList = []Migration{
	{"session_ended_at_column", migrateSessionEndedAtColumn},
	{"context_embedding_columns", migrateContextEmbeddingColumns},
	{"checkpoint_group_columns", migrateCheckpointGroupColumns},
	{"issue_session_columns", migrateIssueSessionColumns},
	{"counters_plan_scope", migrateCountersPlanScope},
}

// RunMigrations executes all registered migrations in order under an
// EXCLUSIVE transaction, so concurrent process startups cannot race on
// check-then-alter steps.
func RunMigrations(db *sql.DB) error {
	// PRAGMA foreign_keys must change outside a transaction.
	if _, err := db.Exec("PRAGMA foreign_keys = OFF"); err != nil {
		return fmt.Errorf("failed to disable foreign keys for migrations: %w", err)
	}
	defer func() { _, _ = db.Exec("PRAGMA foreign_keys = ON") }()

	if _, err := db.Exec("BEGIN EXCLUSIVE"); err != nil {
		return fmt.Errorf("failed to acquire exclusive lock for migrations: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = db.Exec("ROLLBACK")
		}
	}()

	for _, migration := range migrationsList {
		if err := migration.Func(db); err != nil {
			return fmt.Errorf("migration %s failed: %w", migration.Name, err)
		}
	}

	if _, err := db.Exec("COMMIT"); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}
	committed = true
	return nil
}

// columnExists reports whether table has a column with the given name.
func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &primaryKey); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// addColumnIfMissing adds a column via ALTER TABLE when it is absent.
func addColumnIfMissing(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil {
		return fmt.Errorf("failed to add column %s.%s: %w", table, column, err)
	}
	return nil
}

// migrateSessionEndedAtColumn adds sessions.ended_at for databases created
// before session completion tracked an explicit end time.
func migrateSessionEndedAtColumn(db *sql.DB) error {
	return addColumnIfMissing(db, "sessions", "ended_at", "INTEGER")
}

// migrateContextEmbeddingColumns adds the embedding lifecycle columns to
// context_items.
func migrateContextEmbeddingColumns(db *sql.DB) error {
	cols := []struct{ name, def string }{
		{"embedding_status", "TEXT NOT NULL DEFAULT 'none'"},
		{"embedding_provider", "TEXT NOT NULL DEFAULT ''"},
		{"embedding_model", "TEXT NOT NULL DEFAULT ''"},
		{"chunk_count", "INTEGER NOT NULL DEFAULT 0"},
		{"embedded_at", "INTEGER"},
	}
	for _, c := range cols {
		if err := addColumnIfMissing(db, "context_items", c.name, c.def); err != nil {
			return err
		}
	}
	return nil
}

// migrateCheckpointGroupColumns adds group tracking to checkpoint_items,
// used by checkpoint split to record which split an item landed in.
func migrateCheckpointGroupColumns(db *sql.DB) error {
	if err := addColumnIfMissing(db, "checkpoint_items", "group_name", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	return addColumnIfMissing(db, "checkpoint_items", "group_order", "INTEGER NOT NULL DEFAULT 0")
}

// migrateIssueSessionColumns adds session attribution columns to issues.
func migrateIssueSessionColumns(db *sql.DB) error {
	cols := []struct{ name, def string }{
		{"created_in_session", "TEXT NOT NULL DEFAULT ''"},
		{"closed_in_session", "TEXT NOT NULL DEFAULT ''"},
		{"closed_by_agent", "TEXT NOT NULL DEFAULT ''"},
	}
	for _, c := range cols {
		if err := addColumnIfMissing(db, "issues", c.name, c.def); err != nil {
			return err
		}
	}
	return nil
}

// migrateCountersPlanScope seeds plan-scope counter rows for projects that
// predate plan short ids. Projects without plans need no row; the insert on
// first plan creation handles them.
func migrateCountersPlanScope(db *sql.DB) error {
	_, err := db.Exec(`
		INSERT OR IGNORE INTO counters (project_path, scope, value)
		SELECT DISTINCT project_path, 'plan',
			(SELECT COUNT(*) FROM plans p2 WHERE p2.project_path = plans.project_path)
		FROM plans
	`)
	if err != nil {
		return fmt.Errorf("failed to seed plan counters: %w", err)
	}
	return nil
}
