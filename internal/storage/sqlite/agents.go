package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/types"
)

// GetAgent returns the agent record for agentID.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*types.Agent, error) {
	a := &types.Agent{}
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, current_session_id, last_project_path, last_branch, provider, last_active_at
		FROM agents WHERE agent_id = ?
	`, agentID).Scan(&a.AgentID, &a.CurrentSessionID, &a.LastProjectPath, &a.LastBranch, &a.Provider, &a.LastActiveAt)
	if err == sql.ErrNoRows {
		return nil, storage.NotFoundf("agent %s", agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

// UpsertAgent inserts or fully replaces the agent record.
func (s *Store) UpsertAgent(ctx context.Context, a *types.Agent) error {
	if a.AgentID == "" {
		return storage.Validationf("agent id is required")
	}
	if a.LastActiveAt == 0 {
		a.LastActiveAt = types.NowMillis()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, current_session_id, last_project_path, last_branch, provider, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			current_session_id = excluded.current_session_id,
			last_project_path = excluded.last_project_path,
			last_branch = excluded.last_branch,
			provider = excluded.provider,
			last_active_at = excluded.last_active_at
	`, a.AgentID, a.CurrentSessionID, a.LastProjectPath, a.LastBranch, a.Provider, a.LastActiveAt)
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}

// TouchAgent bumps the agent's last_active_at.
func (s *Store) TouchAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_active_at = ? WHERE agent_id = ?
	`, types.NowMillis(), agentID)
	if err != nil {
		return fmt.Errorf("failed to touch agent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.NotFoundf("agent %s", agentID)
	}
	return nil
}
