package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/types"
)

type issueCreateArgs struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Details     string   `json:"details,omitempty"`
	ProjectPath string   `json:"project_path,omitempty"`
	Priority    *int     `json:"priority,omitempty"`
	IssueType   string   `json:"issue_type,omitempty"`
	ParentID    string   `json:"parent_id,omitempty"`
	PlanID      string   `json:"plan_id,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

func (c *Conn) handleIssueCreate(ctx context.Context, raw json.RawMessage) *Envelope {
	var args issueCreateArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	projectPath, env := c.issueProject(ctx, args.ProjectPath)
	if env != nil {
		return env
	}

	issue := &types.Issue{
		ProjectPath: projectPath,
		Title:       args.Title,
		Description: args.Description,
		Details:     args.Details,
		Priority:    2,
		IssueType:   types.IssueType(args.IssueType),
		ParentID:    args.ParentID,
		PlanID:      args.PlanID,
		Labels:      args.Labels,
	}
	if args.Priority != nil {
		issue.Priority = *args.Priority
	}
	if issue.IssueType == "" {
		issue.IssueType = types.TypeTask
	}
	if sess, err := c.currentSession(ctx); err == nil {
		issue.CreatedInSession = sess.ID
	}
	if err := c.srv.store.CreateIssue(ctx, issue); err != nil {
		return fail(err)
	}
	return ok(issue, "created "+issue.ShortID)
}

type batchIssueSpec struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Details     string   `json:"details,omitempty"`
	Priority    *int     `json:"priority,omitempty"`
	IssueType   string   `json:"issue_type,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	ParentRef   string   `json:"parent_id,omitempty"` // "$N" refers to the Nth spec
	PlanID      string   `json:"plan_id,omitempty"`
}

type batchDepSpec struct {
	From    int    `json:"from"`
	To      int    `json:"to"`
	DepType string `json:"dep_type,omitempty"`
}

type issueBatchArgs struct {
	ProjectPath  string           `json:"project_path,omitempty"`
	Issues       []batchIssueSpec `json:"issues"`
	Dependencies []batchDepSpec   `json:"dependencies,omitempty"`
}

func (c *Conn) handleIssueBatchCreate(ctx context.Context, raw json.RawMessage) *Envelope {
	var args issueBatchArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if len(args.Issues) == 0 {
		return fail(storage.Validationf("issues are required"))
	}
	projectPath, env := c.issueProject(ctx, args.ProjectPath)
	if env != nil {
		return env
	}

	sessionID := ""
	if sess, err := c.currentSession(ctx); err == nil {
		sessionID = sess.ID
	}

	specs := make([]storage.BatchIssueSpec, len(args.Issues))
	for i, s := range args.Issues {
		spec := storage.BatchIssueSpec{
			Title:       s.Title,
			Description: s.Description,
			Details:     s.Details,
			Priority:    2,
			IssueType:   types.IssueType(s.IssueType),
			Labels:      s.Labels,
			ParentRef:   s.ParentRef,
			PlanID:      s.PlanID,
		}
		if s.Priority != nil {
			spec.Priority = *s.Priority
		}
		if spec.IssueType == "" {
			spec.IssueType = types.TypeTask
		}
		specs[i] = spec
	}
	deps := make([]storage.BatchDepSpec, len(args.Dependencies))
	for i, d := range args.Dependencies {
		depType := types.DepType(d.DepType)
		if depType == "" {
			depType = types.DepBlocks
		}
		deps[i] = storage.BatchDepSpec{From: d.From, To: d.To, DepType: depType}
	}

	issues, err := c.srv.store.CreateIssueBatch(ctx, projectPath, sessionID, specs, deps)
	if err != nil {
		return fail(err)
	}
	return ok(issues, fmt.Sprintf("created %d issues", len(issues)))
}

type issueIDArgs struct {
	IssueID string `json:"issue_id"`
}

func (c *Conn) handleIssueGet(ctx context.Context, raw json.RawMessage) *Envelope {
	var args issueIDArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if args.IssueID == "" {
		return fail(storage.Validationf("issue_id is required"))
	}
	issue, err := c.srv.store.GetIssue(ctx, args.IssueID)
	if err != nil {
		return fail(err)
	}
	deps, err := c.srv.store.ListDependencies(ctx, issue.ID)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]interface{}{"issue": issue, "dependencies": deps}, "")
}

type issueUpdateArgs struct {
	IssueID    string                 `json:"issue_id"`
	IssueTitle string                 `json:"issue_title"`
	Updates    map[string]interface{} `json:"updates"`
}

// handleIssueUpdate applies field updates after title verification.
func (c *Conn) handleIssueUpdate(ctx context.Context, raw json.RawMessage) *Envelope {
	var args issueUpdateArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if len(args.Updates) == 0 {
		return fail(storage.Validationf("updates are required"))
	}
	issue, env := c.verifiedIssue(ctx, args.IssueID, args.IssueTitle)
	if env != nil {
		return env
	}
	updated, err := c.srv.store.UpdateIssue(ctx, issue.ID, args.Updates)
	if err != nil {
		return fail(err)
	}
	return ok(updated, "updated "+updated.ShortID)
}

type issueListArgs struct {
	ProjectPath string   `json:"project_path,omitempty"`
	AllProjects bool     `json:"all_projects,omitempty"`
	Status      string   `json:"status,omitempty"`
	Priority    *int     `json:"priority,omitempty"`
	PriorityMin *int     `json:"priority_min,omitempty"`
	PriorityMax *int     `json:"priority_max,omitempty"`
	IssueType   string   `json:"issue_type,omitempty"`
	LabelsAll   []string `json:"labels_all,omitempty"`
	LabelsAny   []string `json:"labels_any,omitempty"`
	ParentID    string   `json:"parent_id,omitempty"`
	PlanID      string   `json:"plan_id,omitempty"`
	HasSubtasks *bool    `json:"has_subtasks,omitempty"`
	HasDeps     *bool    `json:"has_deps,omitempty"`
	Query       string   `json:"query,omitempty"`
	SortBy      string   `json:"sort_by,omitempty"`
	Desc        bool     `json:"desc,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

func (c *Conn) handleIssueList(ctx context.Context, raw json.RawMessage) *Envelope {
	var args issueListArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	projectPath := args.ProjectPath
	if projectPath == "" && !args.AllProjects {
		var env *Envelope
		projectPath, env = c.issueProject(ctx, "")
		if env != nil {
			return env
		}
	}
	issues, err := c.srv.store.ListIssues(ctx, storage.IssueFilter{
		ProjectPath: projectPath,
		AllProjects: args.AllProjects,
		Status:      types.IssueStatus(args.Status),
		Priority:    args.Priority,
		PriorityMin: args.PriorityMin,
		PriorityMax: args.PriorityMax,
		IssueType:   types.IssueType(args.IssueType),
		LabelsAll:   args.LabelsAll,
		LabelsAny:   args.LabelsAny,
		ParentID:    args.ParentID,
		PlanID:      args.PlanID,
		HasSubtasks: args.HasSubtasks,
		HasDeps:     args.HasDeps,
		Query:       args.Query,
		SortBy:      args.SortBy,
		Desc:        args.Desc,
		Limit:       args.Limit,
	})
	if err != nil {
		return fail(err)
	}
	return ok(issues, "")
}

func (c *Conn) handleIssueComplete(ctx context.Context, raw json.RawMessage) *Envelope {
	var args issueIDArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if args.IssueID == "" {
		return fail(storage.Validationf("issue_id is required"))
	}
	issue, err := c.srv.store.GetIssue(ctx, args.IssueID)
	if err != nil {
		return fail(err)
	}
	sessionID := ""
	if sess, serr := c.currentSession(ctx); serr == nil {
		sessionID = sess.ID
	}
	result, err := c.srv.store.CompleteIssue(ctx, issue.ID, c.agentID(), sessionID)
	if err != nil {
		return fail(err)
	}
	msg := "completed " + result.Issue.ShortID
	if n := len(result.Unblocked); n > 0 {
		msg += fmt.Sprintf(", unblocked %d issues", n)
	}
	if result.PlanCompleted != nil {
		msg += ", plan " + result.PlanCompleted.ShortID + " completed"
	}
	return ok(result, msg)
}

type issueDeleteArgs struct {
	IssueID    string `json:"issue_id"`
	IssueTitle string `json:"issue_title"`
}

func (c *Conn) handleIssueDelete(ctx context.Context, raw json.RawMessage) *Envelope {
	var args issueDeleteArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	issue, env := c.verifiedIssue(ctx, args.IssueID, args.IssueTitle)
	if env != nil {
		return env
	}
	if err := c.srv.store.DeleteIssue(ctx, issue.ID); err != nil {
		return fail(err)
	}
	return ok(nil, "deleted "+issue.ShortID)
}

type issueDepArgs struct {
	IssueID     string `json:"issue_id"`
	DependsOnID string `json:"depends_on_id"`
	DepType     string `json:"dep_type,omitempty"`
}

func (c *Conn) handleIssueDepAdd(ctx context.Context, raw json.RawMessage) *Envelope {
	var args issueDepArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if args.IssueID == "" || args.DependsOnID == "" {
		return fail(storage.Validationf("issue_id and depends_on_id are required"))
	}
	issue, err := c.srv.store.GetIssue(ctx, args.IssueID)
	if err != nil {
		return fail(err)
	}
	dependsOn, err := c.srv.store.GetIssue(ctx, args.DependsOnID)
	if err != nil {
		return fail(err)
	}
	depType := types.DepType(args.DepType)
	if depType == "" {
		depType = types.DepBlocks
	}
	dep := &types.Dependency{IssueID: issue.ID, DependsOnID: dependsOn.ID, DepType: depType}
	if err := c.srv.store.AddDependency(ctx, dep); err != nil {
		return fail(err)
	}
	return ok(dep, fmt.Sprintf("%s now %s %s", issue.ShortID, depType, dependsOn.ShortID))
}

func (c *Conn) handleIssueDepRemove(ctx context.Context, raw json.RawMessage) *Envelope {
	var args issueDepArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if args.IssueID == "" || args.DependsOnID == "" {
		return fail(storage.Validationf("issue_id and depends_on_id are required"))
	}
	issue, err := c.srv.store.GetIssue(ctx, args.IssueID)
	if err != nil {
		return fail(err)
	}
	dependsOn, err := c.srv.store.GetIssue(ctx, args.DependsOnID)
	if err != nil {
		return fail(err)
	}
	if err := c.srv.store.RemoveDependency(ctx, issue.ID, dependsOn.ID); err != nil {
		return fail(err)
	}
	return ok(nil, "removed dependency")
}

type issueLabelArgs struct {
	IssueID string   `json:"issue_id"`
	Labels  []string `json:"labels"`
}

func (c *Conn) handleIssueLabelAdd(ctx context.Context, raw json.RawMessage) *Envelope {
	return c.changeLabels(ctx, raw, false)
}

func (c *Conn) handleIssueLabelRemove(ctx context.Context, raw json.RawMessage) *Envelope {
	return c.changeLabels(ctx, raw, true)
}

func (c *Conn) changeLabels(ctx context.Context, raw json.RawMessage, remove bool) *Envelope {
	var args issueLabelArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if args.IssueID == "" || len(args.Labels) == 0 {
		return fail(storage.Validationf("issue_id and labels are required"))
	}
	issue, err := c.srv.store.GetIssue(ctx, args.IssueID)
	if err != nil {
		return fail(err)
	}
	if remove {
		issue, err = c.srv.store.RemoveLabels(ctx, issue.ID, args.Labels)
	} else {
		issue, err = c.srv.store.AddLabels(ctx, issue.ID, args.Labels)
	}
	if err != nil {
		return fail(err)
	}
	return ok(issue, "")
}

func (c *Conn) handleIssueClaim(ctx context.Context, raw json.RawMessage) *Envelope {
	var args issueIDArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if args.IssueID == "" {
		return fail(storage.Validationf("issue_id is required"))
	}
	issue, err := c.srv.store.GetIssue(ctx, args.IssueID)
	if err != nil {
		return fail(err)
	}
	claimed, err := c.srv.store.ClaimIssue(ctx, issue.ID, c.agentID())
	if err != nil {
		return fail(err)
	}
	return ok(claimed, "claimed "+claimed.ShortID)
}

func (c *Conn) handleIssueRelease(ctx context.Context, raw json.RawMessage) *Envelope {
	var args issueIDArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if args.IssueID == "" {
		return fail(storage.Validationf("issue_id is required"))
	}
	issue, err := c.srv.store.GetIssue(ctx, args.IssueID)
	if err != nil {
		return fail(err)
	}
	released, err := c.srv.store.ReleaseIssue(ctx, issue.ID, c.agentID())
	if err != nil {
		return fail(err)
	}
	return ok(released, "released "+released.ShortID)
}

type issueReadyArgs struct {
	ProjectPath string `json:"project_path,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

func (c *Conn) handleIssueReady(ctx context.Context, raw json.RawMessage) *Envelope {
	var args issueReadyArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	projectPath, env := c.issueProject(ctx, args.ProjectPath)
	if env != nil {
		return env
	}
	issues, err := c.srv.store.GetReadyIssues(ctx, storage.ReadyFilter{
		ProjectPath: projectPath,
		Limit:       args.Limit,
	})
	if err != nil {
		return fail(err)
	}
	return ok(issues, "")
}

type issueNextBlockArgs struct {
	ProjectPath string `json:"project_path,omitempty"`
	Count       int    `json:"count,omitempty"`
}

// handleIssueNextBlock claims the next ready issues atomically.
func (c *Conn) handleIssueNextBlock(ctx context.Context, raw json.RawMessage) *Envelope {
	var args issueNextBlockArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if args.Count <= 0 {
		args.Count = 1
	}
	projectPath, env := c.issueProject(ctx, args.ProjectPath)
	if env != nil {
		return env
	}
	issues, err := c.srv.store.ClaimNextReady(ctx, projectPath, c.agentID(), args.Count)
	if err != nil {
		return fail(err)
	}
	msg := "no ready issues"
	if len(issues) > 0 {
		msg = fmt.Sprintf("claimed %d issues", len(issues))
	}
	return ok(issues, msg)
}

// issueProject resolves the project scope for issue tools: explicit
// argument, else the current session's primary path.
func (c *Conn) issueProject(ctx context.Context, arg string) (string, *Envelope) {
	if arg != "" {
		path, err := c.resolveProjectPath(arg)
		if err != nil {
			return "", fail(err)
		}
		return path, nil
	}
	if sess, err := c.currentSession(ctx); err == nil {
		return sess.ProjectPath, nil
	}
	path, err := c.resolveProjectPath("")
	if err != nil {
		return "", fail(storage.Validationf("project_path is required when no session is active"))
	}
	return path, nil
}

// verifiedIssue enforces the title-verification pattern on destructive
// issue operations.
func (c *Conn) verifiedIssue(ctx context.Context, id, title string) (*types.Issue, *Envelope) {
	if id == "" {
		return nil, fail(storage.Validationf("issue_id is required"))
	}
	issue, err := c.srv.store.GetIssue(ctx, id)
	if err != nil {
		return nil, fail(err)
	}
	if title != issue.Title {
		return nil, fail(storage.Validationf("issue_title %q does not match %q", title, issue.Title))
	}
	return issue, nil
}
