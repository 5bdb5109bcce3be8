package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/types"
)

// CreateProject registers a project keyed by its canonical path. A missing
// issue prefix is derived from the name.
func (s *Store) CreateProject(ctx context.Context, p *types.Project) error {
	if p.Path == "" {
		return storage.Validationf("project path is required")
	}
	if p.Name == "" {
		return storage.Validationf("project name is required")
	}
	if len(p.Name) > types.MaxNameLen {
		return storage.Validationf("project name exceeds %d characters", types.MaxNameLen)
	}
	if p.IssuePrefix == "" {
		p.IssuePrefix = types.DefaultIssuePrefix(p.Name)
	}
	if len(p.IssuePrefix) > types.MaxIssuePrefixLen {
		return storage.Validationf("issue prefix exceeds %d characters", types.MaxIssuePrefixLen)
	}

	now := types.NowMillis()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (path, name, description, issue_prefix, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.Path, p.Name, p.Description, p.IssuePrefix, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.Conflictf("project %s already exists", p.Path)
		}
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// EnsureProject returns the project at path, creating it with defaults
// derived from the path basename when it does not exist yet.
func (s *Store) EnsureProject(ctx context.Context, path, name string) (*types.Project, error) {
	p, err := s.GetProject(ctx, path)
	if err == nil {
		return p, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	p = &types.Project{Path: path, Name: name}
	if createErr := s.CreateProject(ctx, p); createErr != nil {
		// A concurrent writer may have created it between the get and the insert.
		if existing, getErr := s.GetProject(ctx, path); getErr == nil {
			return existing, nil
		}
		return nil, createErr
	}
	return p, nil
}

// GetProject returns the project at path.
func (s *Store) GetProject(ctx context.Context, path string) (*types.Project, error) {
	p := &types.Project{}
	err := s.db.QueryRowContext(ctx, `
		SELECT path, name, description, issue_prefix, created_at, updated_at
		FROM projects WHERE path = ?
	`, path).Scan(&p.Path, &p.Name, &p.Description, &p.IssuePrefix, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.NotFoundf("project %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

// ListProjects returns all projects ordered by path.
func (s *Store) ListProjects(ctx context.Context) ([]*types.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, name, description, issue_prefix, created_at, updated_at
		FROM projects ORDER BY path
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*types.Project
	for rows.Next() {
		p := &types.Project{}
		if err := rows.Scan(&p.Path, &p.Name, &p.Description, &p.IssuePrefix, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProject applies the non-nil fields and returns the updated project.
// The issue prefix change applies to future issues only; existing short ids
// are immutable.
func (s *Store) UpdateProject(ctx context.Context, path string, name, description, issuePrefix *string) (*types.Project, error) {
	p, err := s.GetProject(ctx, path)
	if err != nil {
		return nil, err
	}
	if name != nil {
		if *name == "" || len(*name) > types.MaxNameLen {
			return nil, storage.Validationf("invalid project name")
		}
		p.Name = *name
	}
	if description != nil {
		p.Description = *description
	}
	if issuePrefix != nil {
		if *issuePrefix == "" || len(*issuePrefix) > types.MaxIssuePrefixLen {
			return nil, storage.Validationf("invalid issue prefix")
		}
		p.IssuePrefix = *issuePrefix
	}
	p.UpdatedAt = types.NowMillis()

	_, err = s.db.ExecContext(ctx, `
		UPDATE projects SET name = ?, description = ?, issue_prefix = ?, updated_at = ?
		WHERE path = ?
	`, p.Name, p.Description, p.IssuePrefix, p.UpdatedAt, path)
	if err != nil {
		return nil, fmt.Errorf("failed to update project: %w", err)
	}
	return p, nil
}

// DeleteProject removes the project and all project-scoped data: issues
// (dependencies cascade), plans, memory, counters, and session membership
// rows. Sessions themselves survive; they may span other projects.
func (s *Store) DeleteProject(ctx context.Context, path string) error {
	if _, err := s.GetProject(ctx, path); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM issues WHERE project_path = ?`,
			`DELETE FROM issue_projects WHERE project_path = ?`,
			`DELETE FROM plans WHERE project_path = ?`,
			`DELETE FROM memory WHERE project_path = ?`,
			`DELETE FROM counters WHERE project_path = ?`,
			`DELETE FROM session_projects WHERE project_path = ?`,
			`DELETE FROM projects WHERE path = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, path); err != nil {
				return fmt.Errorf("failed to delete project data: %w", err)
			}
		}
		return nil
	})
}
