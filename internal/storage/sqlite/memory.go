package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/types"
)

// SaveMemory inserts or updates a project memory entry, keeping created_at
// on update.
func (s *Store) SaveMemory(ctx context.Context, m *types.Memory) error {
	if m.ProjectPath == "" {
		return storage.Validationf("project path is required")
	}
	if m.Key == "" {
		return storage.Validationf("memory key is required")
	}
	if m.Category == "" {
		m.Category = types.MemoryNote
	}
	if !types.ValidMemoryCategory(m.Category) {
		return storage.Validationf("invalid memory category %q", m.Category)
	}

	now := types.NowMillis()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory (project_path, key, value, category, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_path, key) DO UPDATE SET
			value = excluded.value,
			category = excluded.category,
			updated_at = excluded.updated_at
	`, m.ProjectPath, m.Key, m.Value, m.Category, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save memory: %w", err)
	}
	return nil
}

// GetMemory returns a memory entry by project and key.
func (s *Store) GetMemory(ctx context.Context, projectPath, key string) (*types.Memory, error) {
	m := &types.Memory{}
	err := s.db.QueryRowContext(ctx, `
		SELECT project_path, key, value, category, created_at, updated_at
		FROM memory WHERE project_path = ? AND key = ?
	`, projectPath, key).Scan(&m.ProjectPath, &m.Key, &m.Value, &m.Category, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.NotFoundf("memory %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory: %w", err)
	}
	return m, nil
}

// ListMemory returns a project's memory entries, optionally restricted to
// one category, ordered by key.
func (s *Store) ListMemory(ctx context.Context, projectPath string, category types.MemoryCategory) ([]*types.Memory, error) {
	query := `
		SELECT project_path, key, value, category, created_at, updated_at
		FROM memory WHERE project_path = ?`
	args := []interface{}{projectPath}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*types.Memory
	for rows.Next() {
		m := &types.Memory{}
		if err := rows.Scan(&m.ProjectPath, &m.Key, &m.Value, &m.Category, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		entries = append(entries, m)
	}
	return entries, rows.Err()
}

// DeleteMemory removes a memory entry.
func (s *Store) DeleteMemory(ctx context.Context, projectPath, key string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM memory WHERE project_path = ? AND key = ?
	`, projectPath, key)
	if err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.NotFoundf("memory %s", key)
	}
	return nil
}
