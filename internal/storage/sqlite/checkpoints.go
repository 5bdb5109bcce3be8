package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/types"
)

const checkpointCols = `id, session_id, name, description, git_status, git_branch, item_count, total_size, created_at`

func scanCheckpoint(row interface{ Scan(...interface{}) error }) (*types.Checkpoint, error) {
	cp := &types.Checkpoint{}
	err := row.Scan(&cp.ID, &cp.SessionID, &cp.Name, &cp.Description,
		&cp.GitStatus, &cp.GitBranch, &cp.ItemCount, &cp.TotalSize, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// matchesCheckpointFilters applies the include/exclude selection to one item.
func matchesCheckpointFilters(item *types.ContextItem, f *storage.CheckpointFilters) bool {
	if f == nil {
		return true
	}
	if len(f.ExcludeTags) > 0 && hasAnyTag(item.Tags, f.ExcludeTags) {
		return false
	}
	if len(f.IncludeTags) > 0 && !hasAnyTag(item.Tags, f.IncludeTags) {
		return false
	}
	if len(f.IncludeCategories) > 0 {
		found := false
		for _, c := range f.IncludeCategories {
			if item.Category == c {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.IncludeKeys) > 0 {
		found := false
		for _, pattern := range f.IncludeKeys {
			if globMatch(pattern, item.Key) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// globMatch matches s against a pattern where * matches any run.
func globMatch(pattern, s string) bool {
	// Iterative matching with single-star backtracking.
	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case pi < len(pattern) && pattern[pi] == '*':
			star = pi
			mark = si
			pi++
		case pi < len(pattern) && pattern[pi] == s[si]:
			pi++
			si++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// CreateCheckpoint snapshots the session's context items selected by the
// filters. An empty selection is valid; the checkpoint just carries zero
// items.
func (s *Store) CreateCheckpoint(ctx context.Context, cp *types.Checkpoint, filters *storage.CheckpointFilters) error {
	if cp.Name == "" {
		return storage.Validationf("checkpoint name is required")
	}
	if len(cp.Name) > types.MaxNameLen {
		return storage.Validationf("checkpoint name exceeds %d characters", types.MaxNameLen)
	}
	if _, err := s.GetSession(ctx, cp.SessionID); err != nil {
		return err
	}

	items, err := s.ListContextItems(ctx, storage.ContextFilter{SessionID: cp.SessionID})
	if err != nil {
		return err
	}
	var selected []*types.ContextItem
	for _, item := range items {
		if matchesCheckpointFilters(item, filters) {
			selected = append(selected, item)
		}
	}

	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt == 0 {
		cp.CreatedAt = types.NowMillis()
	}
	cp.ItemCount = len(selected)
	cp.TotalSize = 0
	for _, item := range selected {
		cp.TotalSize += int64(item.Size)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (`+checkpointCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, cp.ID, cp.SessionID, cp.Name, cp.Description, cp.GitStatus, cp.GitBranch,
			cp.ItemCount, cp.TotalSize, cp.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create checkpoint: %w", err)
		}
		for _, item := range selected {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO checkpoint_items (checkpoint_id, context_item_id)
				VALUES (?, ?)
			`, cp.ID, item.ID); err != nil {
				return fmt.Errorf("failed to add checkpoint item: %w", err)
			}
		}
		return nil
	})
}

// GetCheckpoint returns the checkpoint by id.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*types.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checkpointCols+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, storage.NotFoundf("checkpoint %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns checkpoints, optionally scoped to a session or a
// project path, newest first.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID, projectPath string, limit int) ([]*types.Checkpoint, error) {
	query := `SELECT ` + checkpointCols + ` FROM checkpoints`
	var args []interface{}
	switch {
	case sessionID != "":
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	case projectPath != "":
		query += ` WHERE session_id IN (SELECT session_id FROM session_projects WHERE project_path = ?)`
		args = append(args, projectPath)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var checkpoints []*types.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

// DeleteCheckpoint removes the checkpoint; memberships cascade. The
// snapshotted context items themselves are untouched.
func (s *Store) DeleteCheckpoint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.NotFoundf("checkpoint %s", id)
	}
	return nil
}

// GetCheckpointItems returns the member context items, high priority first.
func (s *Store) GetCheckpointItems(ctx context.Context, checkpointID string) ([]*types.ContextItem, error) {
	if _, err := s.GetCheckpoint(ctx, checkpointID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemCols+` FROM context_items
		WHERE id IN (SELECT context_item_id FROM checkpoint_items WHERE checkpoint_id = ?)
		ORDER BY
			CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END,
			updated_at DESC
	`, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*types.ContextItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan context item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// AddCheckpointItems adds existing context items to the checkpoint and
// recomputes its counts.
func (s *Store) AddCheckpointItems(ctx context.Context, checkpointID string, itemIDs []string) (*types.Checkpoint, error) {
	if len(itemIDs) == 0 {
		return nil, storage.Validationf("at least one item id is required")
	}
	if _, err := s.GetCheckpoint(ctx, checkpointID); err != nil {
		return nil, err
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, itemID := range itemIDs {
			var exists int
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM context_items WHERE id = ?
			`, itemID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check item: %w", err)
			}
			if exists == 0 {
				return storage.NotFoundf("context item %s", itemID)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO checkpoint_items (checkpoint_id, context_item_id)
				VALUES (?, ?)
			`, checkpointID, itemID); err != nil {
				return fmt.Errorf("failed to add checkpoint item: %w", err)
			}
		}
		return s.recomputeCheckpoint(ctx, tx, checkpointID)
	})
	if err != nil {
		return nil, err
	}
	return s.GetCheckpoint(ctx, checkpointID)
}

// RemoveCheckpointItems removes items from the checkpoint and recomputes
// its counts.
func (s *Store) RemoveCheckpointItems(ctx context.Context, checkpointID string, itemIDs []string) (*types.Checkpoint, error) {
	if len(itemIDs) == 0 {
		return nil, storage.Validationf("at least one item id is required")
	}
	if _, err := s.GetCheckpoint(ctx, checkpointID); err != nil {
		return nil, err
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, itemID := range itemIDs {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM checkpoint_items WHERE checkpoint_id = ? AND context_item_id = ?
			`, checkpointID, itemID); err != nil {
				return fmt.Errorf("failed to remove checkpoint item: %w", err)
			}
		}
		return s.recomputeCheckpoint(ctx, tx, checkpointID)
	})
	if err != nil {
		return nil, err
	}
	return s.GetCheckpoint(ctx, checkpointID)
}

// recomputeCheckpoint refreshes item_count and total_size from membership.
func (s *Store) recomputeCheckpoint(ctx context.Context, q queryer, checkpointID string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE checkpoints SET
			item_count = (SELECT COUNT(*) FROM checkpoint_items WHERE checkpoint_id = ?),
			total_size = (
				SELECT COALESCE(SUM(ci.size), 0) FROM checkpoint_items cpi
				JOIN context_items ci ON ci.id = cpi.context_item_id
				WHERE cpi.checkpoint_id = ?
			)
		WHERE id = ?
	`, checkpointID, checkpointID, checkpointID)
	if err != nil {
		return fmt.Errorf("failed to recompute checkpoint: %w", err)
	}
	return nil
}

// RestoreCheckpoint copies the checkpoint's items into the target session.
// Colliding keys are overwritten. Returns the number of items restored.
func (s *Store) RestoreCheckpoint(ctx context.Context, checkpointID, targetSessionID string, opts storage.RestoreOptions) (int, error) {
	items, err := s.GetCheckpointItems(ctx, checkpointID)
	if err != nil {
		return 0, err
	}
	if _, err := s.GetSession(ctx, targetSessionID); err != nil {
		return 0, err
	}

	restored := 0
	for _, item := range items {
		if len(opts.RestoreTags) > 0 && !hasAnyTag(item.Tags, opts.RestoreTags) {
			continue
		}
		if len(opts.RestoreCategories) > 0 {
			found := false
			for _, c := range opts.RestoreCategories {
				if item.Category == c {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		clone := &types.ContextItem{
			SessionID: targetSessionID,
			Key:       item.Key,
			Value:     item.Value,
			Category:  item.Category,
			Priority:  item.Priority,
			Channel:   item.Channel,
			Tags:      item.Tags,
		}
		if _, err := s.SaveContextItem(ctx, clone); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}

// SplitCheckpoint distributes the checkpoint's items into new checkpoints,
// one per spec. Each spec needs at least one include filter. A split that
// matches nothing, or one that swallows every item, yields a warning rather
// than an error. The source checkpoint is left intact.
func (s *Store) SplitCheckpoint(ctx context.Context, checkpointID string, specs []storage.SplitSpec) ([]storage.SplitResult, error) {
	if len(specs) == 0 {
		return nil, storage.Validationf("at least one split is required")
	}
	for i, spec := range specs {
		if spec.Name == "" {
			return nil, storage.Validationf("split %d needs a name", i)
		}
		if len(spec.IncludeTags) == 0 && len(spec.IncludeCategories) == 0 {
			return nil, storage.Validationf("split %q needs tags or categories", spec.Name)
		}
	}

	source, err := s.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	items, err := s.GetCheckpointItems(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	results := make([]storage.SplitResult, 0, len(specs))
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for order, spec := range specs {
			var selected []*types.ContextItem
			for _, item := range items {
				if matchesCheckpointFilters(item, &storage.CheckpointFilters{
					IncludeTags:       spec.IncludeTags,
					IncludeCategories: spec.IncludeCategories,
				}) {
					selected = append(selected, item)
				}
			}

			cp := &types.Checkpoint{
				ID:          uuid.NewString(),
				SessionID:   source.SessionID,
				Name:        spec.Name,
				Description: spec.Description,
				GitStatus:   source.GitStatus,
				GitBranch:   source.GitBranch,
				ItemCount:   len(selected),
				CreatedAt:   types.NowMillis(),
			}
			for _, item := range selected {
				cp.TotalSize += int64(item.Size)
			}

			_, err := tx.ExecContext(ctx, `
				INSERT INTO checkpoints (`+checkpointCols+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, cp.ID, cp.SessionID, cp.Name, cp.Description, cp.GitStatus, cp.GitBranch,
				cp.ItemCount, cp.TotalSize, cp.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to create split checkpoint: %w", err)
			}
			for _, item := range selected {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO checkpoint_items (checkpoint_id, context_item_id, group_name, group_order)
					VALUES (?, ?, ?, ?)
				`, cp.ID, item.ID, spec.Name, order); err != nil {
					return fmt.Errorf("failed to add split item: %w", err)
				}
			}

			warning := ""
			if len(selected) == 0 {
				warning = fmt.Sprintf("split %q matched no items", spec.Name)
			} else if len(items) > 0 && len(selected) == len(items) {
				warning = fmt.Sprintf("split %q captured every item of the source checkpoint", spec.Name)
			}
			results = append(results, storage.SplitResult{Checkpoint: cp, Warning: warning})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
