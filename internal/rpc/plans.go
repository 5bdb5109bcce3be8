package rpc

import (
	"context"
	"encoding/json"

	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/types"
)

type planCreateArgs struct {
	ProjectPath     string `json:"project_path,omitempty"`
	Title           string `json:"title"`
	Content         string `json:"content"`
	SuccessCriteria string `json:"success_criteria,omitempty"`
}

func (c *Conn) handlePlanCreate(ctx context.Context, raw json.RawMessage) *Envelope {
	var args planCreateArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	projectPath, env := c.issueProject(ctx, args.ProjectPath)
	if env != nil {
		return env
	}
	p := &types.Plan{
		ProjectPath:     projectPath,
		Title:           args.Title,
		Content:         args.Content,
		SuccessCriteria: args.SuccessCriteria,
	}
	if err := c.srv.store.CreatePlan(ctx, p); err != nil {
		return fail(err)
	}
	return ok(p, "created plan "+p.ShortID)
}

type planGetArgs struct {
	PlanID string `json:"plan_id"`
}

func (c *Conn) handlePlanGet(ctx context.Context, raw json.RawMessage) *Envelope {
	var args planGetArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if args.PlanID == "" {
		return fail(storage.Validationf("plan_id is required"))
	}
	p, err := c.srv.store.GetPlan(ctx, args.PlanID)
	if err != nil {
		return fail(err)
	}
	issues, err := c.srv.store.ListIssues(ctx, storage.IssueFilter{PlanID: p.ID, AllProjects: true})
	if err != nil {
		return fail(err)
	}
	return ok(map[string]interface{}{"plan": p, "issues": issues}, "")
}

type planListArgs struct {
	ProjectPath string `json:"project_path,omitempty"`
	Status      string `json:"status,omitempty"`
}

func (c *Conn) handlePlanList(ctx context.Context, raw json.RawMessage) *Envelope {
	var args planListArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	projectPath, env := c.issueProject(ctx, args.ProjectPath)
	if env != nil {
		return env
	}
	plans, err := c.srv.store.ListPlans(ctx, projectPath, types.PlanStatus(args.Status))
	if err != nil {
		return fail(err)
	}
	return ok(plans, "")
}

type planUpdateArgs struct {
	PlanID  string                 `json:"plan_id"`
	Updates map[string]interface{} `json:"updates"`
}

// handlePlanUpdate applies field updates; a project_path change cascades
// to the plan's issues.
func (c *Conn) handlePlanUpdate(ctx context.Context, raw json.RawMessage) *Envelope {
	var args planUpdateArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if args.PlanID == "" {
		return fail(storage.Validationf("plan_id is required"))
	}
	if len(args.Updates) == 0 {
		return fail(storage.Validationf("updates are required"))
	}
	p, err := c.srv.store.GetPlan(ctx, args.PlanID)
	if err != nil {
		return fail(err)
	}
	updated, err := c.srv.store.UpdatePlan(ctx, p.ID, args.Updates)
	if err != nil {
		return fail(err)
	}
	return ok(updated, "updated plan "+updated.ShortID)
}
