package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/types"
)

const sessionCols = `id, name, description, branch, channel, project_path, status, created_at, updated_at, ended_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*types.Session, error) {
	s := &types.Session{}
	var endedAt sql.NullInt64
	err := row.Scan(&s.ID, &s.Name, &s.Description, &s.Branch, &s.Channel,
		&s.ProjectPath, &s.Status, &s.CreatedAt, &s.UpdatedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	s.EndedAt = fromNullInt64(endedAt)
	return s, nil
}

// CreateSession inserts the session and its primary project membership in
// one transaction. ID, channel, and timestamps are filled in when unset.
func (s *Store) CreateSession(ctx context.Context, sess *types.Session) error {
	if sess.Name == "" {
		return storage.Validationf("session name is required")
	}
	if len(sess.Name) > types.MaxNameLen {
		return storage.Validationf("session name exceeds %d characters", types.MaxNameLen)
	}
	if sess.ProjectPath == "" {
		return storage.Validationf("session project path is required")
	}
	if sess.Channel == "" {
		sess.Channel = "general"
	}
	if !types.ValidChannel(sess.Channel) {
		return storage.Validationf("invalid channel %q", sess.Channel)
	}
	if sess.Status == "" {
		sess.Status = types.SessionActive
	}
	if !types.ValidSessionStatus(sess.Status) {
		return storage.Validationf("invalid session status %q", sess.Status)
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}

	now := types.NowMillis()
	if sess.CreatedAt == 0 {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (`+sessionCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sess.ID, sess.Name, sess.Description, sess.Branch, sess.Channel,
			sess.ProjectPath, sess.Status, sess.CreatedAt, sess.UpdatedAt, nullInt64(sess.EndedAt))
		if err != nil {
			if isUniqueConstraintError(err) {
				return storage.Conflictf("session %s already exists", sess.ID)
			}
			return fmt.Errorf("failed to create session: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_projects (session_id, project_path, is_primary, added_at)
			VALUES (?, ?, 1, ?)
		`, sess.ID, sess.ProjectPath, now)
		if err != nil {
			return fmt.Errorf("failed to add primary session path: %w", err)
		}
		sess.ProjectPaths = []string{sess.ProjectPath}
		return nil
	})
}

// GetSession returns the session with all its project paths populated.
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, storage.NotFoundf("session %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if err := s.fillSessionPaths(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) fillSessionPaths(ctx context.Context, sess *types.Session) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_path FROM session_projects
		WHERE session_id = ? ORDER BY is_primary DESC, added_at
	`, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to get session paths: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sess.ProjectPaths = nil
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return err
		}
		sess.ProjectPaths = append(sess.ProjectPaths, path)
	}
	return rows.Err()
}

// UpdateSession applies the non-nil fields. Completing a session stamps
// ended_at when the caller does not supply one.
func (s *Store) UpdateSession(ctx context.Context, id string, name, description *string, status *types.SessionStatus, endedAt *int64) (*types.Session, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if name != nil {
		if *name == "" || len(*name) > types.MaxNameLen {
			return nil, storage.Validationf("invalid session name")
		}
		sess.Name = *name
	}
	if description != nil {
		sess.Description = *description
	}
	if status != nil {
		if !types.ValidSessionStatus(*status) {
			return nil, storage.Validationf("invalid session status %q", *status)
		}
		sess.Status = *status
		if sess.Status == types.SessionCompleted && sess.EndedAt == 0 {
			sess.EndedAt = types.NowMillis()
		}
	}
	if endedAt != nil {
		sess.EndedAt = *endedAt
	}
	sess.UpdatedAt = types.NowMillis()

	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions SET name = ?, description = ?, status = ?, updated_at = ?, ended_at = ?
		WHERE id = ?
	`, sess.Name, sess.Description, sess.Status, sess.UpdatedAt, nullInt64(sess.EndedAt), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions matching the filter, most recent first.
func (s *Store) ListSessions(ctx context.Context, f storage.SessionFilter) ([]*types.Session, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.ProjectPath != "" {
		where = append(where, `id IN (SELECT session_id FROM session_projects WHERE project_path = ?)`)
		args = append(args, f.ProjectPath)
	}
	if f.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, f.Status)
	}
	if f.Query != "" {
		where = append(where, `(name LIKE ? OR description LIKE ?)`)
		like := "%" + f.Query + "%"
		args = append(args, like, like)
	}

	query := `SELECT ` + sessionCols + ` FROM sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY updated_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if err := s.fillSessionPaths(ctx, sess); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// DeleteSession removes the session and everything scoped to it: context
// items, checkpoints, and path memberships cascade via foreign keys. Agents
// pointing at the session are unbound.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return storage.NotFoundf("session %s", id)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE agents SET current_session_id = '' WHERE current_session_id = ?
		`, id)
		if err != nil {
			return fmt.Errorf("failed to unbind agents: %w", err)
		}
		return nil
	})
}

// AddSessionPath attaches a project path to the session. Returns false when
// the path was already attached. Adding a primary path demotes the previous
// primary.
func (s *Store) AddSessionPath(ctx context.Context, sessionID, projectPath string, primary bool) (bool, error) {
	if projectPath == "" {
		return false, storage.Validationf("project path is required")
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return false, err
	}

	added := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if primary {
			if _, err := tx.ExecContext(ctx, `
				UPDATE session_projects SET is_primary = 0 WHERE session_id = ?
			`, sessionID); err != nil {
				return fmt.Errorf("failed to demote primary path: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE sessions SET project_path = ?, updated_at = ? WHERE id = ?
			`, projectPath, types.NowMillis(), sessionID); err != nil {
				return fmt.Errorf("failed to update session primary path: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO session_projects (session_id, project_path, is_primary, added_at)
			VALUES (?, ?, ?, ?)
		`, sessionID, projectPath, boolToInt(primary), types.NowMillis())
		if err != nil {
			return fmt.Errorf("failed to add session path: %w", err)
		}
		n, _ := res.RowsAffected()
		added = n > 0
		if !added && primary {
			if _, err := tx.ExecContext(ctx, `
				UPDATE session_projects SET is_primary = 1
				WHERE session_id = ? AND project_path = ?
			`, sessionID, projectPath); err != nil {
				return fmt.Errorf("failed to promote session path: %w", err)
			}
		}
		return nil
	})
	return added, err
}

// RemoveSessionPath detaches a project path. A session always keeps at
// least one path.
func (s *Store) RemoveSessionPath(ctx context.Context, sessionID, projectPath string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM session_projects WHERE session_id = ?
		`, sessionID).Scan(&count); err != nil {
			return fmt.Errorf("failed to count session paths: %w", err)
		}
		if count == 0 {
			return storage.NotFoundf("session %s", sessionID)
		}
		if count == 1 {
			return storage.Conflictf("cannot remove the last project path of a session")
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM session_projects WHERE session_id = ? AND project_path = ?
		`, sessionID, projectPath)
		if err != nil {
			return fmt.Errorf("failed to remove session path: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return storage.NotFoundf("path %s not attached to session", projectPath)
		}
		return nil
	})
}

// GetSessionPaths returns the session's path memberships, primary first.
func (s *Store) GetSessionPaths(ctx context.Context, sessionID string) ([]*types.SessionProject, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, project_path, is_primary, added_at
		FROM session_projects WHERE session_id = ?
		ORDER BY is_primary DESC, added_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session paths: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var paths []*types.SessionProject
	for rows.Next() {
		sp := &types.SessionProject{}
		var primary int
		if err := rows.Scan(&sp.SessionID, &sp.ProjectPath, &primary, &sp.AddedAt); err != nil {
			return nil, err
		}
		sp.IsPrimary = primary != 0
		paths = append(paths, sp)
	}
	return paths, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
