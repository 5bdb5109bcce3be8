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

// queryer is the subset of *sql.DB and *sql.Tx the issue helpers need, so
// the same code serves standalone calls and RunInTransaction.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const issueCols = `id, short_id, project_path, title, description, details, status, priority,
	issue_type, parent_id, plan_id, labels, assigned_to_agent,
	created_in_session, closed_in_session, closed_by_agent, closed_at,
	created_at, updated_at`

func scanIssue(row interface{ Scan(...interface{}) error }) (*types.Issue, error) {
	issue := &types.Issue{}
	var labels string
	var closedAt sql.NullInt64
	err := row.Scan(&issue.ID, &issue.ShortID, &issue.ProjectPath, &issue.Title,
		&issue.Description, &issue.Details, &issue.Status, &issue.Priority,
		&issue.IssueType, &issue.ParentID, &issue.PlanID, &labels,
		&issue.AssignedToAgent, &issue.CreatedInSession, &issue.ClosedInSession,
		&issue.ClosedByAgent, &closedAt, &issue.CreatedAt, &issue.UpdatedAt)
	if err != nil {
		return nil, err
	}
	issue.Labels = parseJSONStringArray(labels)
	issue.ClosedAt = fromNullInt64(closedAt)
	return issue, nil
}

// nextShortID allocates the next per-project counter value for scope inside
// the caller's transaction, so two inserts can never share a number.
func nextShortID(ctx context.Context, q queryer, projectPath, scope string) (int64, error) {
	if _, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO counters (project_path, scope, value) VALUES (?, ?, 0)
	`, projectPath, scope); err != nil {
		return 0, fmt.Errorf("failed to seed counter: %w", err)
	}
	if _, err := q.ExecContext(ctx, `
		UPDATE counters SET value = value + 1 WHERE project_path = ? AND scope = ?
	`, projectPath, scope); err != nil {
		return 0, fmt.Errorf("failed to bump counter: %w", err)
	}
	var value int64
	err := q.QueryRowContext(ctx, `
		SELECT value FROM counters WHERE project_path = ? AND scope = ?
	`, projectPath, scope).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return value, nil
}

func projectPrefix(ctx context.Context, q queryer, projectPath string) (string, error) {
	var prefix string
	err := q.QueryRowContext(ctx, `
		SELECT issue_prefix FROM projects WHERE path = ?
	`, projectPath).Scan(&prefix)
	if err == sql.ErrNoRows {
		return "", storage.NotFoundf("project %s", projectPath)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get issue prefix: %w", err)
	}
	return prefix, nil
}

func validateIssue(issue *types.Issue) error {
	if issue.ProjectPath == "" {
		return storage.Validationf("project path is required")
	}
	if issue.Title == "" {
		return storage.Validationf("issue title is required")
	}
	if len(issue.Title) > types.MaxTitleLen {
		return storage.Validationf("issue title exceeds %d characters", types.MaxTitleLen)
	}
	if issue.Status == "" {
		issue.Status = types.StatusOpen
	}
	if !types.ValidIssueStatus(issue.Status) {
		return storage.Validationf("invalid issue status %q", issue.Status)
	}
	if issue.Priority < 0 || issue.Priority > 4 {
		return storage.Validationf("priority must be between 0 and 4")
	}
	if issue.IssueType == "" {
		issue.IssueType = types.TypeTask
	}
	if !types.ValidIssueType(issue.IssueType) {
		return storage.Validationf("invalid issue type %q", issue.IssueType)
	}
	return nil
}

// createIssueIn inserts a single issue, allocating its short id from the
// project counter. A parent reference also records a parent-child edge.
func (s *Store) createIssueIn(ctx context.Context, q queryer, issue *types.Issue) error {
	if err := validateIssue(issue); err != nil {
		return err
	}
	prefix, err := projectPrefix(ctx, q, issue.ProjectPath)
	if err != nil {
		return err
	}

	if issue.ParentID != "" {
		parent, err := s.getIssueIn(ctx, q, issue.ParentID)
		if err != nil {
			return err
		}
		issue.ParentID = parent.ID
	}
	if issue.PlanID != "" {
		if _, err := s.getPlanIn(ctx, q, issue.PlanID); err != nil {
			return err
		}
	}

	if issue.ID == "" {
		issue.ID = uuid.NewString()
	}
	if issue.ShortID == "" {
		n, err := nextShortID(ctx, q, issue.ProjectPath, "issue")
		if err != nil {
			return err
		}
		issue.ShortID = types.FormatShortID(prefix, n)
	}

	now := types.NowMillis()
	if issue.CreatedAt == 0 {
		issue.CreatedAt = now
	}
	issue.UpdatedAt = now

	_, err = q.ExecContext(ctx, `
		INSERT INTO issues (`+issueCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, issue.ID, issue.ShortID, issue.ProjectPath, issue.Title, issue.Description,
		issue.Details, issue.Status, issue.Priority, issue.IssueType, issue.ParentID,
		issue.PlanID, formatJSONStringArray(issue.Labels), issue.AssignedToAgent,
		issue.CreatedInSession, issue.ClosedInSession, issue.ClosedByAgent,
		nullInt64(issue.ClosedAt), issue.CreatedAt, issue.UpdatedAt)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.Conflictf("issue %s already exists", issue.ShortID)
		}
		return fmt.Errorf("failed to insert issue: %w", err)
	}

	if _, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO issue_projects (issue_id, project_path) VALUES (?, ?)
	`, issue.ID, issue.ProjectPath); err != nil {
		return fmt.Errorf("failed to attach issue project: %w", err)
	}

	if issue.ParentID != "" {
		if err := s.addDependencyIn(ctx, q, &types.Dependency{
			IssueID:     issue.ID,
			DependsOnID: issue.ParentID,
			DepType:     types.DepParentChild,
		}); err != nil {
			return err
		}
	}
	return nil
}

// CreateIssue creates one issue in its own transaction.
func (s *Store) CreateIssue(ctx context.Context, issue *types.Issue) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.createIssueIn(ctx, tx, issue)
	})
}

// CreateIssueBatch creates a set of issues atomically. ParentRef "$N"
// points at the Nth spec (zero-based) of the same batch; dependency edges
// reference batch members by index. Any failure rolls back the whole batch.
func (s *Store) CreateIssueBatch(ctx context.Context, projectPath, sessionID string, specs []storage.BatchIssueSpec, deps []storage.BatchDepSpec) ([]*types.Issue, error) {
	if len(specs) == 0 {
		return nil, storage.Validationf("batch must contain at least one issue")
	}

	issues := make([]*types.Issue, len(specs))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for i, spec := range specs {
			issue := &types.Issue{
				ProjectPath:      projectPath,
				Title:            spec.Title,
				Description:      spec.Description,
				Details:          spec.Details,
				Priority:         spec.Priority,
				IssueType:        spec.IssueType,
				Labels:           spec.Labels,
				PlanID:           spec.PlanID,
				CreatedInSession: sessionID,
			}
			if spec.ParentRef != "" {
				parentIdx, ok := parseBatchRef(spec.ParentRef)
				if ok {
					if parentIdx < 0 || parentIdx >= i {
						return storage.Validationf("parent ref %s must point at an earlier batch entry", spec.ParentRef)
					}
					issue.ParentID = issues[parentIdx].ID
				} else {
					issue.ParentID = spec.ParentRef
				}
			}
			if err := s.createIssueIn(ctx, tx, issue); err != nil {
				return fmt.Errorf("batch entry %d: %w", i, err)
			}
			issues[i] = issue
		}
		for _, d := range deps {
			if d.From < 0 || d.From >= len(issues) || d.To < 0 || d.To >= len(issues) {
				return storage.Validationf("dependency references entry outside the batch")
			}
			depType := d.DepType
			if depType == "" {
				depType = types.DepBlocks
			}
			if err := s.addDependencyIn(ctx, tx, &types.Dependency{
				IssueID:     issues[d.From].ID,
				DependsOnID: issues[d.To].ID,
				DepType:     depType,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return issues, nil
}

// parseBatchRef parses "$N" into N.
func parseBatchRef(ref string) (int, bool) {
	if !strings.HasPrefix(ref, "$") {
		return 0, false
	}
	n := 0
	for _, c := range ref[1:] {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	if len(ref) == 1 {
		return 0, false
	}
	return n, true
}

// getIssueIn resolves an issue by uuid or short id.
func (s *Store) getIssueIn(ctx context.Context, q queryer, idOrShortID string) (*types.Issue, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+issueCols+` FROM issues WHERE id = ? OR short_id = ?
	`, idOrShortID, idOrShortID)
	issue, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, storage.NotFoundf("issue %s", idOrShortID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get issue: %w", err)
	}
	return issue, nil
}

// GetIssue resolves an issue by uuid or short id.
func (s *Store) GetIssue(ctx context.Context, idOrShortID string) (*types.Issue, error) {
	return s.getIssueIn(ctx, s.db, idOrShortID)
}

// issueUpdateColumns maps update keys to their columns. Closing through
// UpdateIssue is allowed but skips the cascade; use CompleteIssue for that.
var issueUpdateColumns = map[string]string{
	"title":             "title",
	"description":       "description",
	"details":           "details",
	"status":            "status",
	"priority":          "priority",
	"issue_type":        "issue_type",
	"parent_id":         "parent_id",
	"plan_id":           "plan_id",
	"assigned_to_agent": "assigned_to_agent",
}

// UpdateIssue applies a partial update and returns the updated issue.
func (s *Store) UpdateIssue(ctx context.Context, id string, updates map[string]interface{}) (*types.Issue, error) {
	issue, err := s.GetIssue(ctx, id)
	if err != nil {
		return nil, err
	}

	var (
		sets []string
		args []interface{}
	)
	for key, value := range updates {
		col, ok := issueUpdateColumns[key]
		if !ok {
			return nil, storage.Validationf("unknown issue field %q", key)
		}
		switch key {
		case "title":
			t, _ := value.(string)
			if t == "" || len(t) > types.MaxTitleLen {
				return nil, storage.Validationf("invalid issue title")
			}
		case "status":
			st, _ := value.(string)
			if !types.ValidIssueStatus(types.IssueStatus(st)) {
				return nil, storage.Validationf("invalid issue status %q", st)
			}
			if types.IssueStatus(st) == types.StatusClosed && issue.Status != types.StatusClosed {
				sets = append(sets, "closed_at = ?")
				args = append(args, types.NowMillis())
			}
			if types.IssueStatus(st) != types.StatusClosed && issue.Status == types.StatusClosed {
				sets = append(sets, "closed_at = NULL")
			}
		case "priority":
			p, ok := toInt(value)
			if !ok || p < 0 || p > 4 {
				return nil, storage.Validationf("priority must be between 0 and 4")
			}
			value = p
		case "issue_type":
			t, _ := value.(string)
			if !types.ValidIssueType(types.IssueType(t)) {
				return nil, storage.Validationf("invalid issue type %q", t)
			}
		case "parent_id":
			p, _ := value.(string)
			if p != "" {
				parent, err := s.GetIssue(ctx, p)
				if err != nil {
					return nil, err
				}
				if parent.ID == issue.ID {
					return nil, storage.Validationf("issue cannot be its own parent")
				}
				value = parent.ID
			}
		case "plan_id":
			p, _ := value.(string)
			if p != "" {
				plan, err := s.GetPlan(ctx, p)
				if err != nil {
					return nil, err
				}
				value = plan.ID
			}
		}
		sets = append(sets, col+" = ?")
		args = append(args, value)
	}
	if len(sets) == 0 {
		return issue, nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, types.NowMillis(), issue.ID)

	_, err = s.db.ExecContext(ctx,
		`UPDATE issues SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update issue: %w", err)
	}
	return s.GetIssue(ctx, issue.ID)
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// DeleteIssue removes the issue; dependency edges and project links cascade.
func (s *Store) DeleteIssue(ctx context.Context, id string) error {
	issue, err := s.GetIssue(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM issues WHERE id = ?`, issue.ID)
	if err != nil {
		return fmt.Errorf("failed to delete issue: %w", err)
	}
	return nil
}

// ListIssues returns issues matching the filter.
func (s *Store) ListIssues(ctx context.Context, f storage.IssueFilter) ([]*types.Issue, error) {
	var (
		where []string
		args  []interface{}
	)
	if !f.AllProjects && f.ProjectPath != "" {
		where = append(where, `id IN (SELECT issue_id FROM issue_projects WHERE project_path = ?)`)
		args = append(args, f.ProjectPath)
	}
	if f.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, f.Status)
	}
	if f.Priority != nil {
		where = append(where, `priority = ?`)
		args = append(args, *f.Priority)
	}
	if f.PriorityMin != nil {
		where = append(where, `priority >= ?`)
		args = append(args, *f.PriorityMin)
	}
	if f.PriorityMax != nil {
		where = append(where, `priority <= ?`)
		args = append(args, *f.PriorityMax)
	}
	if f.IssueType != "" {
		where = append(where, `issue_type = ?`)
		args = append(args, f.IssueType)
	}
	if f.ParentID != "" {
		parent, err := s.GetIssue(ctx, f.ParentID)
		if err != nil {
			return nil, err
		}
		where = append(where, `parent_id = ?`)
		args = append(args, parent.ID)
	}
	if f.PlanID != "" {
		where = append(where, `plan_id = ?`)
		args = append(args, f.PlanID)
	}
	if f.Query != "" {
		where = append(where, `(title LIKE ? OR description LIKE ?)`)
		like := "%" + f.Query + "%"
		args = append(args, like, like)
	}
	if f.HasSubtasks != nil {
		clause := `EXISTS (SELECT 1 FROM issues c WHERE c.parent_id = issues.id)`
		if !*f.HasSubtasks {
			clause = "NOT " + clause
		}
		where = append(where, clause)
	}
	if f.HasDeps != nil {
		clause := `EXISTS (SELECT 1 FROM dependencies d WHERE d.issue_id = issues.id AND d.dep_type = 'blocks')`
		if !*f.HasDeps {
			clause = "NOT " + clause
		}
		where = append(where, clause)
	}

	order := `priority, created_at`
	switch f.SortBy {
	case "", "priority":
	case "createdAt":
		order = `created_at`
	case "updatedAt":
		order = `updated_at`
	default:
		return nil, storage.Validationf("unknown sort field %q", f.SortBy)
	}
	if f.Desc {
		order += ` DESC`
	}

	query := `SELECT ` + issueCols + ` FROM issues`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY ` + order

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var issues []*types.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Label filters apply in Go; labels are a JSON column.
	if len(f.LabelsAll) > 0 || len(f.LabelsAny) > 0 {
		filtered := issues[:0]
		for _, issue := range issues {
			if len(f.LabelsAll) > 0 && !hasAllTags(issue.Labels, f.LabelsAll) {
				continue
			}
			if len(f.LabelsAny) > 0 && !hasAnyTag(issue.Labels, f.LabelsAny) {
				continue
			}
			filtered = append(filtered, issue)
		}
		issues = filtered
	}
	if f.Limit > 0 && len(issues) > f.Limit {
		issues = issues[:f.Limit]
	}
	return issues, nil
}

func hasAllTags(tags, wanted []string) bool {
	for _, w := range wanted {
		if !hasTag(tags, w) {
			return false
		}
	}
	return true
}

// CompleteIssue closes the issue and cascades: dependents whose blockers
// are now all closed move from blocked to open, and a plan whose issues are
// all closed auto-completes.
func (s *Store) CompleteIssue(ctx context.Context, id, agentID, sessionID string) (*storage.CompleteResult, error) {
	result := &storage.CompleteResult{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		issue, err := s.getIssueIn(ctx, tx, id)
		if err != nil {
			return err
		}
		if issue.Status == types.StatusClosed {
			return storage.Conflictf("issue %s is already closed", issue.ShortID)
		}

		now := types.NowMillis()
		_, err = tx.ExecContext(ctx, `
			UPDATE issues SET status = 'closed', closed_at = ?, closed_by_agent = ?,
				closed_in_session = ?, updated_at = ?
			WHERE id = ?
		`, now, agentID, sessionID, now, issue.ID)
		if err != nil {
			return fmt.Errorf("failed to close issue: %w", err)
		}
		issue.Status = types.StatusClosed
		issue.ClosedAt = now
		issue.ClosedByAgent = agentID
		issue.ClosedInSession = sessionID
		issue.UpdatedAt = now
		result.Issue = issue

		unblocked, err := s.cascadeUnblock(ctx, tx, issue.ID)
		if err != nil {
			return err
		}
		result.Unblocked = unblocked

		if issue.PlanID != "" {
			plan, err := s.maybeCompletePlan(ctx, tx, issue.PlanID)
			if err != nil {
				return err
			}
			result.PlanCompleted = plan
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// cascadeUnblock moves dependents of closedID from blocked to open when no
// open blockers remain.
func (s *Store) cascadeUnblock(ctx context.Context, q queryer, closedID string) ([]*types.Issue, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT issue_id FROM dependencies
		WHERE depends_on_id = ? AND dep_type = 'blocks'
	`, closedID)
	if err != nil {
		return nil, fmt.Errorf("failed to find dependents: %w", err)
	}
	var dependentIDs []string
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			_ = rows.Close()
			return nil, err
		}
		dependentIDs = append(dependentIDs, depID)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var unblocked []*types.Issue
	for _, depID := range dependentIDs {
		dependent, err := s.getIssueIn(ctx, q, depID)
		if err != nil {
			return nil, err
		}
		if dependent.Status != types.StatusBlocked {
			continue
		}
		var openBlockers int
		err = q.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM dependencies d
			JOIN issues b ON d.depends_on_id = b.id
			WHERE d.issue_id = ? AND d.dep_type = 'blocks' AND b.status != 'closed'
		`, depID).Scan(&openBlockers)
		if err != nil {
			return nil, fmt.Errorf("failed to count open blockers: %w", err)
		}
		if openBlockers > 0 {
			continue
		}
		if _, err := q.ExecContext(ctx, `
			UPDATE issues SET status = 'open', updated_at = ? WHERE id = ?
		`, types.NowMillis(), depID); err != nil {
			return nil, fmt.Errorf("failed to unblock issue: %w", err)
		}
		dependent.Status = types.StatusOpen
		unblocked = append(unblocked, dependent)
	}
	return unblocked, nil
}

// maybeCompletePlan marks the plan completed when all its linked issues are
// closed. Returns the plan when it transitioned, nil otherwise.
func (s *Store) maybeCompletePlan(ctx context.Context, q queryer, planID string) (*types.Plan, error) {
	var remaining int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM issues WHERE plan_id = ? AND status != 'closed'
	`, planID).Scan(&remaining)
	if err != nil {
		return nil, fmt.Errorf("failed to count plan issues: %w", err)
	}
	if remaining > 0 {
		return nil, nil
	}
	res, err := q.ExecContext(ctx, `
		UPDATE plans SET status = 'completed', updated_at = ?
		WHERE id = ? AND status != 'completed'
	`, types.NowMillis(), planID)
	if err != nil {
		return nil, fmt.Errorf("failed to complete plan: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, nil
	}
	return s.getPlanIn(ctx, q, planID)
}

// maxCycleDepth bounds the dependency DFS; graphs deeper than this are
// rejected as pathological.
const maxCycleDepth = 50

// wouldCreateCycle walks blocks edges from 'from' looking for 'target'.
func wouldCreateCycle(ctx context.Context, q queryer, from, target string) (bool, error) {
	visited := map[string]bool{}
	stack := []struct {
		id    string
		depth int
	}{{from, 0}}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.id == target {
			return true, nil
		}
		if cur.depth >= maxCycleDepth || visited[cur.id] {
			continue
		}
		visited[cur.id] = true

		rows, err := q.QueryContext(ctx, `
			SELECT depends_on_id FROM dependencies
			WHERE issue_id = ? AND dep_type IN ('blocks', 'parent-child')
		`, cur.id)
		if err != nil {
			return false, fmt.Errorf("failed to walk dependencies: %w", err)
		}
		for rows.Next() {
			var next string
			if err := rows.Scan(&next); err != nil {
				_ = rows.Close()
				return false, err
			}
			stack = append(stack, struct {
				id    string
				depth int
			}{next, cur.depth + 1})
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return false, err
		}
	}
	return false, nil
}

// addDependencyIn records a typed edge after cycle checking.
func (s *Store) addDependencyIn(ctx context.Context, q queryer, dep *types.Dependency) error {
	if dep.DepType == "" {
		dep.DepType = types.DepBlocks
	}
	if !types.ValidDepType(dep.DepType) {
		return storage.Validationf("invalid dependency type %q", dep.DepType)
	}
	if dep.IssueID == dep.DependsOnID {
		return storage.Validationf("issue cannot depend on itself")
	}

	issue, err := s.getIssueIn(ctx, q, dep.IssueID)
	if err != nil {
		return err
	}
	dependsOn, err := s.getIssueIn(ctx, q, dep.DependsOnID)
	if err != nil {
		return err
	}
	dep.IssueID = issue.ID
	dep.DependsOnID = dependsOn.ID

	if dep.DepType == types.DepBlocks || dep.DepType == types.DepParentChild {
		cycle, err := wouldCreateCycle(ctx, q, dep.DependsOnID, dep.IssueID)
		if err != nil {
			return err
		}
		if cycle {
			return storage.Integrityf("dependency %s -> %s would create a cycle",
				issue.ShortID, dependsOn.ShortID)
		}
	}

	if dep.CreatedAt == 0 {
		dep.CreatedAt = types.NowMillis()
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO dependencies (issue_id, depends_on_id, dep_type, created_at)
		VALUES (?, ?, ?, ?)
	`, dep.IssueID, dep.DependsOnID, dep.DepType, dep.CreatedAt)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.Conflictf("dependency already exists")
		}
		return fmt.Errorf("failed to add dependency: %w", err)
	}

	// A fresh blocking edge on an open issue marks it blocked.
	if dep.DepType == types.DepBlocks && issue.Status == types.StatusOpen &&
		dependsOn.Status != types.StatusClosed {
		if _, err := q.ExecContext(ctx, `
			UPDATE issues SET status = 'blocked', updated_at = ? WHERE id = ?
		`, types.NowMillis(), dep.IssueID); err != nil {
			return fmt.Errorf("failed to mark issue blocked: %w", err)
		}
	}
	return nil
}

// AddDependency records a typed edge between two issues.
func (s *Store) AddDependency(ctx context.Context, dep *types.Dependency) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.addDependencyIn(ctx, tx, dep)
	})
}

// RemoveDependency deletes an edge. Removing the last open blocker moves a
// blocked issue back to open.
func (s *Store) RemoveDependency(ctx context.Context, issueID, dependsOnID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		issue, err := s.getIssueIn(ctx, tx, issueID)
		if err != nil {
			return err
		}
		dependsOn, err := s.getIssueIn(ctx, tx, dependsOnID)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM dependencies WHERE issue_id = ? AND depends_on_id = ?
		`, issue.ID, dependsOn.ID)
		if err != nil {
			return fmt.Errorf("failed to remove dependency: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return storage.NotFoundf("dependency %s -> %s", issueID, dependsOnID)
		}

		if issue.Status == types.StatusBlocked {
			var openBlockers int
			err = tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM dependencies d
				JOIN issues b ON d.depends_on_id = b.id
				WHERE d.issue_id = ? AND d.dep_type = 'blocks' AND b.status != 'closed'
			`, issue.ID).Scan(&openBlockers)
			if err != nil {
				return fmt.Errorf("failed to count open blockers: %w", err)
			}
			if openBlockers == 0 {
				if _, err := tx.ExecContext(ctx, `
					UPDATE issues SET status = 'open', updated_at = ? WHERE id = ?
				`, types.NowMillis(), issue.ID); err != nil {
					return fmt.Errorf("failed to unblock issue: %w", err)
				}
			}
		}
		return nil
	})
}

// ListDependencies returns all edges touching the issue, in both directions.
func (s *Store) ListDependencies(ctx context.Context, issueID string) ([]*types.Dependency, error) {
	issue, err := s.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT issue_id, depends_on_id, dep_type, created_at FROM dependencies
		WHERE issue_id = ? OR depends_on_id = ?
		ORDER BY created_at
	`, issue.ID, issue.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var deps []*types.Dependency
	for rows.Next() {
		dep := &types.Dependency{}
		if err := rows.Scan(&dep.IssueID, &dep.DependsOnID, &dep.DepType, &dep.CreatedAt); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// AddLabels adds labels to the issue, deduplicated.
func (s *Store) AddLabels(ctx context.Context, issueID string, labels []string) (*types.Issue, error) {
	return s.changeLabels(ctx, issueID, labels, false)
}

// RemoveLabels removes labels from the issue.
func (s *Store) RemoveLabels(ctx context.Context, issueID string, labels []string) (*types.Issue, error) {
	return s.changeLabels(ctx, issueID, labels, true)
}

func (s *Store) changeLabels(ctx context.Context, issueID string, labels []string, remove bool) (*types.Issue, error) {
	if len(labels) == 0 {
		return nil, storage.Validationf("at least one label is required")
	}
	issue, err := s.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	issue.Labels = applyTags(issue.Labels, labels, remove)
	issue.UpdatedAt = types.NowMillis()
	_, err = s.db.ExecContext(ctx, `
		UPDATE issues SET labels = ?, updated_at = ? WHERE id = ?
	`, formatJSONStringArray(issue.Labels), issue.UpdatedAt, issue.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update labels: %w", err)
	}
	return issue, nil
}

// ClaimIssue assigns the issue to agentID and moves it to in_progress.
// Claiming an issue already held by another agent is a conflict.
func (s *Store) ClaimIssue(ctx context.Context, issueID, agentID string) (*types.Issue, error) {
	var claimed *types.Issue
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		issue, err := s.getIssueIn(ctx, tx, issueID)
		if err != nil {
			return err
		}
		if issue.Status == types.StatusClosed {
			return storage.Conflictf("issue %s is closed", issue.ShortID)
		}
		if issue.AssignedToAgent != "" && issue.AssignedToAgent != agentID {
			return storage.Conflictf("issue %s is claimed by %s", issue.ShortID, issue.AssignedToAgent)
		}
		now := types.NowMillis()
		if _, err := tx.ExecContext(ctx, `
			UPDATE issues SET assigned_to_agent = ?, status = 'in_progress', updated_at = ?
			WHERE id = ?
		`, agentID, now, issue.ID); err != nil {
			return fmt.Errorf("failed to claim issue: %w", err)
		}
		issue.AssignedToAgent = agentID
		issue.Status = types.StatusInProgress
		issue.UpdatedAt = now
		claimed = issue
		return nil
	})
	return claimed, err
}

// ReleaseIssue drops the agent's claim and reopens the issue. Only the
// claim holder can release.
func (s *Store) ReleaseIssue(ctx context.Context, issueID, agentID string) (*types.Issue, error) {
	var released *types.Issue
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		issue, err := s.getIssueIn(ctx, tx, issueID)
		if err != nil {
			return err
		}
		if issue.AssignedToAgent == "" {
			return storage.Conflictf("issue %s is not claimed", issue.ShortID)
		}
		if issue.AssignedToAgent != agentID {
			return storage.Conflictf("issue %s is claimed by %s", issue.ShortID, issue.AssignedToAgent)
		}
		now := types.NowMillis()
		if _, err := tx.ExecContext(ctx, `
			UPDATE issues SET assigned_to_agent = '', status = 'open', updated_at = ?
			WHERE id = ?
		`, now, issue.ID); err != nil {
			return fmt.Errorf("failed to release issue: %w", err)
		}
		issue.AssignedToAgent = ""
		issue.Status = types.StatusOpen
		issue.UpdatedAt = now
		released = issue
		return nil
	})
	return released, err
}

const readyQuery = `
	SELECT ` + issueCols + ` FROM issues
	WHERE status = 'open'
	  AND assigned_to_agent = ''
	  AND NOT EXISTS (
	      SELECT 1 FROM dependencies d
	      JOIN issues b ON d.depends_on_id = b.id
	      WHERE d.issue_id = issues.id AND d.dep_type = 'blocks' AND b.status != 'closed'
	  )`

// GetReadyIssues returns unclaimed open issues with no open blockers,
// highest priority first.
func (s *Store) GetReadyIssues(ctx context.Context, f storage.ReadyFilter) ([]*types.Issue, error) {
	query := readyQuery
	var args []interface{}
	if f.ProjectPath != "" {
		query += ` AND issues.id IN (SELECT issue_id FROM issue_projects WHERE project_path = ?)`
		args = append(args, f.ProjectPath)
	}
	query += ` ORDER BY priority DESC, created_at`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get ready issues: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var issues []*types.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// ClaimNextReady atomically claims up to count ready issues for agentID.
// Selection and claim happen in one transaction so two agents never claim
// the same issue.
func (s *Store) ClaimNextReady(ctx context.Context, projectPath, agentID string, count int) ([]*types.Issue, error) {
	if count <= 0 {
		count = 1
	}
	var claimed []*types.Issue
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := readyQuery
		var args []interface{}
		if projectPath != "" {
			query += ` AND issues.id IN (SELECT issue_id FROM issue_projects WHERE project_path = ?)`
			args = append(args, projectPath)
		}
		query += fmt.Sprintf(` ORDER BY priority DESC, created_at LIMIT %d`, count)

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to select ready issues: %w", err)
		}
		for rows.Next() {
			issue, err := scanIssue(rows)
			if err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan issue: %w", err)
			}
			claimed = append(claimed, issue)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := types.NowMillis()
		for _, issue := range claimed {
			if _, err := tx.ExecContext(ctx, `
				UPDATE issues SET assigned_to_agent = ?, status = 'in_progress', updated_at = ?
				WHERE id = ?
			`, agentID, now, issue.ID); err != nil {
				return fmt.Errorf("failed to claim issue %s: %w", issue.ShortID, err)
			}
			issue.AssignedToAgent = agentID
			issue.Status = types.StatusInProgress
			issue.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// AttachIssueProject makes the issue visible under an additional project.
func (s *Store) AttachIssueProject(ctx context.Context, issueID, projectPath string) error {
	issue, err := s.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}
	if _, err := s.GetProject(ctx, projectPath); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO issue_projects (issue_id, project_path) VALUES (?, ?)
	`, issue.ID, projectPath)
	if err != nil {
		return fmt.Errorf("failed to attach issue project: %w", err)
	}
	return nil
}
