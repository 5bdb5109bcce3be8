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

const planCols = `id, short_id, project_path, title, content, success_criteria, status, created_at, updated_at`

func scanPlan(row interface{ Scan(...interface{}) error }) (*types.Plan, error) {
	p := &types.Plan{}
	err := row.Scan(&p.ID, &p.ShortID, &p.ProjectPath, &p.Title, &p.Content,
		&p.SuccessCriteria, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CreatePlan inserts a plan, allocating a short id from the project's plan
// counter ("<prefix>-plan-<n>").
func (s *Store) CreatePlan(ctx context.Context, p *types.Plan) error {
	if p.ProjectPath == "" {
		return storage.Validationf("project path is required")
	}
	if p.Title == "" {
		return storage.Validationf("plan title is required")
	}
	if len(p.Title) > types.MaxTitleLen {
		return storage.Validationf("plan title exceeds %d characters", types.MaxTitleLen)
	}
	if p.Status == "" {
		p.Status = types.PlanDraft
	}
	if !types.ValidPlanStatus(p.Status) {
		return storage.Validationf("invalid plan status %q", p.Status)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		prefix, err := projectPrefix(ctx, tx, p.ProjectPath)
		if err != nil {
			return err
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.ShortID == "" {
			n, err := nextShortID(ctx, tx, p.ProjectPath, "plan")
			if err != nil {
				return err
			}
			p.ShortID = fmt.Sprintf("%s-plan-%d", prefix, n)
		}

		now := types.NowMillis()
		if p.CreatedAt == 0 {
			p.CreatedAt = now
		}
		p.UpdatedAt = now

		_, err = tx.ExecContext(ctx, `
			INSERT INTO plans (`+planCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, p.ID, p.ShortID, p.ProjectPath, p.Title, p.Content, p.SuccessCriteria,
			p.Status, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			if isUniqueConstraintError(err) {
				return storage.Conflictf("plan %s already exists", p.ShortID)
			}
			return fmt.Errorf("failed to create plan: %w", err)
		}
		return nil
	})
}

func (s *Store) getPlanIn(ctx context.Context, q queryer, idOrShortID string) (*types.Plan, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+planCols+` FROM plans WHERE id = ? OR short_id = ?
	`, idOrShortID, idOrShortID)
	p, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, storage.NotFoundf("plan %s", idOrShortID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return p, nil
}

// GetPlan resolves a plan by uuid or short id.
func (s *Store) GetPlan(ctx context.Context, idOrShortID string) (*types.Plan, error) {
	return s.getPlanIn(ctx, s.db, idOrShortID)
}

// ListPlans returns a project's plans, optionally restricted by status,
// newest first.
func (s *Store) ListPlans(ctx context.Context, projectPath string, status types.PlanStatus) ([]*types.Plan, error) {
	query := `SELECT ` + planCols + ` FROM plans`
	var (
		where []string
		args  []interface{}
	)
	if projectPath != "" {
		where = append(where, `project_path = ?`)
		args = append(args, projectPath)
	}
	if status != "" {
		if !types.ValidPlanStatus(status) {
			return nil, storage.Validationf("invalid plan status %q", status)
		}
		where = append(where, `status = ?`)
		args = append(args, status)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var plans []*types.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// planUpdateColumns maps update keys to their columns.
var planUpdateColumns = map[string]string{
	"title":            "title",
	"content":          "content",
	"success_criteria": "success_criteria",
	"status":           "status",
	"project_path":     "project_path",
}

// UpdatePlan applies a partial update. Moving a plan to another project
// cascades the move to its linked issues; their short ids stay as minted.
func (s *Store) UpdatePlan(ctx context.Context, id string, updates map[string]interface{}) (*types.Plan, error) {
	plan, err := s.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}

	var (
		sets    []string
		args    []interface{}
		newPath string
	)
	for key, value := range updates {
		col, ok := planUpdateColumns[key]
		if !ok {
			return nil, storage.Validationf("unknown plan field %q", key)
		}
		switch key {
		case "title":
			t, _ := value.(string)
			if t == "" || len(t) > types.MaxTitleLen {
				return nil, storage.Validationf("invalid plan title")
			}
		case "status":
			st, _ := value.(string)
			if !types.ValidPlanStatus(types.PlanStatus(st)) {
				return nil, storage.Validationf("invalid plan status %q", st)
			}
		case "project_path":
			p, _ := value.(string)
			if p == "" {
				return nil, storage.Validationf("project path cannot be empty")
			}
			if _, err := s.GetProject(ctx, p); err != nil {
				return nil, err
			}
			newPath = p
		}
		sets = append(sets, col+" = ?")
		args = append(args, value)
	}
	if len(sets) == 0 {
		return plan, nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, types.NowMillis(), plan.ID)

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE plans SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return fmt.Errorf("failed to update plan: %w", err)
		}
		if newPath != "" && newPath != plan.ProjectPath {
			if _, err := tx.ExecContext(ctx, `
				UPDATE issues SET project_path = ?, updated_at = ? WHERE plan_id = ?
			`, newPath, types.NowMillis(), plan.ID); err != nil {
				return fmt.Errorf("failed to move plan issues: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO issue_projects (issue_id, project_path)
				SELECT id, ? FROM issues WHERE plan_id = ?
			`, newPath, plan.ID); err != nil {
				return fmt.Errorf("failed to attach moved issues: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetPlan(ctx, plan.ID)
}
