// Package sqlite implements the storage engine on an embedded SQLite
// database (ncruces/go-sqlite3, pure Go via wazero).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/types"
)

// Store is the SQLite-backed storage engine.
type Store struct {
	db   *sql.DB
	path string

	// vecMu serializes vector table recreation against concurrent searches.
	vecMu sync.RWMutex
}

var _ storage.Storage = (*Store)(nil)

// New opens (creating if necessary) the database at dbPath, applies the
// schema and all pending migrations, and returns a ready store.
func New(ctx context.Context, dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// _txlock=immediate makes write transactions take the write lock up
	// front, so concurrent writers queue on busy_timeout instead of
	// failing mid-transaction.
	dsn := "file:" + dbPath +
		"?_txlock=immediate" +
		"&_pragma=busy_timeout(10000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a write transaction. The transaction is rolled back
// if fn returns an error or panics, committed otherwise.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// storeTx adapts an open *sql.Tx to the storage.Tx contract.
type storeTx struct {
	s  *Store
	tx *sql.Tx
}

func (t *storeTx) CreateIssueTx(ctx context.Context, issue *types.Issue) error {
	return t.s.createIssueIn(ctx, t.tx, issue)
}

func (t *storeTx) AddDependencyTx(ctx context.Context, dep *types.Dependency) error {
	return t.s.addDependencyIn(ctx, t.tx, dep)
}

func (t *storeTx) GetIssueTx(ctx context.Context, id string) (*types.Issue, error) {
	return t.s.getIssueIn(ctx, t.tx, id)
}

// RunInTransaction runs fn with a storage.Tx whose operations all commit or
// roll back together.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return fn(&storeTx{s: s, tx: tx})
	})
}

// SetMetadata stores an engine state entry.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set metadata %s: %w", key, err)
	}
	return nil
}

// GetMetadata returns an engine state entry, or "" if unset.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get metadata %s: %w", key, err)
	}
	return value, nil
}

// GetStats returns engine-wide counts for the status line and dashboard.
func (s *Store) GetStats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM projects),
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM sessions WHERE status = 'active'),
			(SELECT COUNT(*) FROM context_items),
			(SELECT COUNT(*) FROM context_items WHERE embedding_status = 'ok'),
			(SELECT COUNT(*) FROM context_items WHERE embedding_status IN ('pending', 'none')),
			(SELECT COUNT(*) FROM issues),
			(SELECT COUNT(*) FROM issues WHERE status NOT IN ('closed')),
			(SELECT COUNT(*) FROM plans),
			(SELECT COUNT(*) FROM checkpoints),
			(SELECT COUNT(*) FROM memory),
			(SELECT COALESCE(SUM(size), 0) FROM context_items)
	`)
	err := row.Scan(
		&stats.Projects, &stats.Sessions, &stats.ActiveSessions,
		&stats.ContextItems, &stats.EmbeddedItems, &stats.PendingItems,
		&stats.Issues, &stats.OpenIssues, &stats.Plans, &stats.Checkpoints,
		&stats.MemoryEntries, &stats.TotalValueBytes,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to collect stats: %w", err)
	}
	return stats, nil
}
