package sqlite

import (
	"errors"
	"testing"

	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/types"
)

func TestShortIDAllocation(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")

	first := e.CreateIssue("/work/api", "first")
	second := e.CreateIssue("/work/api", "second")

	if first.ShortID != "API-1" {
		t.Fatalf("expected API-1, got %s", first.ShortID)
	}
	if second.ShortID != "API-2" {
		t.Fatalf("expected API-2, got %s", second.ShortID)
	}

	// A second project runs its own counter.
	e.CreateProject("/work/web", "webapp")
	other := e.CreateIssue("/work/web", "web first")
	if other.ShortID != "WEBA-1" {
		t.Fatalf("expected WEBA-1, got %s", other.ShortID)
	}
}

func TestGetIssueByShortID(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	issue := e.CreateIssue("/work/api", "findable")

	got, err := e.Store.GetIssue(e.Ctx, issue.ShortID)
	if err != nil {
		t.Fatalf("GetIssue by short id failed: %v", err)
	}
	if got.ID != issue.ID {
		t.Fatalf("expected %s, got %s", issue.ID, got.ID)
	}
}

func TestDependencyCycleRejected(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	a := e.CreateIssue("/work/api", "a")
	b := e.CreateIssue("/work/api", "b")
	c := e.CreateIssue("/work/api", "c")

	e.AddDep(a, b)
	e.AddDep(b, c)

	// c -> a closes the loop.
	err := e.Store.AddDependency(e.Ctx, &types.Dependency{
		IssueID: c.ID, DependsOnID: a.ID, DepType: types.DepBlocks,
	})
	if !errors.Is(err, storage.ErrIntegrity) {
		t.Fatalf("expected integrity error for cycle, got %v", err)
	}

	// Self-dependency is a validation error, not a cycle.
	err = e.Store.AddDependency(e.Ctx, &types.Dependency{
		IssueID: a.ID, DependsOnID: a.ID, DepType: types.DepBlocks,
	})
	if !errors.Is(err, storage.ErrValidation) {
		t.Fatalf("expected validation error for self-dependency, got %v", err)
	}
}

func TestBlockingMarksIssueBlocked(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	blocked := e.CreateIssue("/work/api", "blocked")
	blocker := e.CreateIssue("/work/api", "blocker")

	e.AddDep(blocked, blocker)

	got, err := e.Store.GetIssue(e.Ctx, blocked.ID)
	if err != nil {
		t.Fatalf("GetIssue failed: %v", err)
	}
	if got.Status != types.StatusBlocked {
		t.Fatalf("expected blocked status, got %s", got.Status)
	}
	e.AssertBlocked("/work/api", blocked)
	e.AssertReady("/work/api", blocker)
}

func TestCompleteCascadesUnblock(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	dependent := e.CreateIssue("/work/api", "dependent")
	blockerA := e.CreateIssue("/work/api", "blocker a")
	blockerB := e.CreateIssue("/work/api", "blocker b")

	e.AddDep(dependent, blockerA)
	e.AddDep(dependent, blockerB)

	// One of two blockers closed: still blocked.
	result := e.Complete(blockerA, "agent-1")
	if len(result.Unblocked) != 0 {
		t.Fatalf("expected no unblocks yet, got %d", len(result.Unblocked))
	}
	e.AssertBlocked("/work/api", dependent)

	// Last blocker closed: dependent reopens.
	result = e.Complete(blockerB, "agent-1")
	if len(result.Unblocked) != 1 || result.Unblocked[0].ID != dependent.ID {
		t.Fatalf("expected dependent to be unblocked, got %+v", result.Unblocked)
	}
	e.AssertReady("/work/api", dependent)
}

func TestCompleteTwiceConflicts(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	issue := e.CreateIssue("/work/api", "once")

	e.Complete(issue, "agent-1")
	_, err := e.Store.CompleteIssue(e.Ctx, issue.ID, "agent-1", "")
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict closing twice, got %v", err)
	}
}

func TestClaimConflict(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	issue := e.CreateIssue("/work/api", "contested")

	if _, err := e.Store.ClaimIssue(e.Ctx, issue.ID, "agent-1"); err != nil {
		t.Fatalf("ClaimIssue failed: %v", err)
	}
	_, err := e.Store.ClaimIssue(e.Ctx, issue.ID, "agent-2")
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict claiming held issue, got %v", err)
	}

	// Only the holder can release.
	_, err = e.Store.ReleaseIssue(e.Ctx, issue.ID, "agent-2")
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict releasing foreign claim, got %v", err)
	}
	released, err := e.Store.ReleaseIssue(e.Ctx, issue.ID, "agent-1")
	if err != nil {
		t.Fatalf("ReleaseIssue failed: %v", err)
	}
	if released.Status != types.StatusOpen || released.AssignedToAgent != "" {
		t.Fatalf("expected released open issue, got %+v", released)
	}
}

func TestClaimNextReady(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")

	// Higher priority number means more urgent: with the p3 issue blocked
	// by the p2 one, the free p4 issue goes first, then the p2 blocker.
	blocked := e.CreateIssueWith("/work/api", "refactor auth", 3, types.TypeTask)
	blocker := e.CreateIssueWith("/work/api", "extract token helper", 2, types.TypeTask)
	urgent := e.CreateIssueWith("/work/api", "hotfix login crash", 4, types.TypeTask)
	e.AddDep(blocked, blocker)

	claimed, err := e.Store.ClaimNextReady(e.Ctx, "/work/api", "agent-a", 1)
	if err != nil {
		t.Fatalf("ClaimNextReady failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != urgent.ID {
		t.Fatalf("expected the p4 issue claimed first, got %+v", claimed)
	}
	if claimed[0].Status != types.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", claimed[0].Status)
	}

	// A second agent gets the blocker next, not the blocked issue.
	claimed, err = e.Store.ClaimNextReady(e.Ctx, "/work/api", "agent-b", 1)
	if err != nil {
		t.Fatalf("ClaimNextReady (second agent) failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != blocker.ID {
		t.Fatalf("expected the p2 blocker claimed second, got %+v", claimed)
	}
	if claimed[0].AssignedToAgent != "agent-b" {
		t.Fatalf("assigned to %q", claimed[0].AssignedToAgent)
	}

	// Nothing is ready: both claimed issues are in progress and the p3
	// issue is still behind its open blocker.
	if ids := e.ReadyIDs("/work/api"); len(ids) != 0 {
		t.Fatalf("expected empty ready set, got %v", ids)
	}
}

func TestCreateIssueBatch(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")

	issues, err := e.Store.CreateIssueBatch(e.Ctx, "/work/api", "", []storage.BatchIssueSpec{
		{Title: "epic", IssueType: types.TypeEpic, Priority: 1},
		{Title: "subtask a", IssueType: types.TypeTask, Priority: 2, ParentRef: "$0"},
		{Title: "subtask b", IssueType: types.TypeTask, Priority: 2, ParentRef: "$0"},
	}, []storage.BatchDepSpec{
		{From: 2, To: 1, DepType: types.DepBlocks},
	})
	if err != nil {
		t.Fatalf("CreateIssueBatch failed: %v", err)
	}
	if len(issues) != 3 {
		t.Fatalf("expected 3 issues, got %d", len(issues))
	}
	if issues[1].ParentID != issues[0].ID || issues[2].ParentID != issues[0].ID {
		t.Fatal("expected $0 parent refs to resolve to the epic")
	}

	// subtask b is blocked by subtask a.
	got, err := e.Store.GetIssue(e.Ctx, issues[2].ID)
	if err != nil {
		t.Fatalf("GetIssue failed: %v", err)
	}
	if got.Status != types.StatusBlocked {
		t.Fatalf("expected batch dep to mark subtask b blocked, got %s", got.Status)
	}
}

func TestBatchRollsBackOnFailure(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")

	_, err := e.Store.CreateIssueBatch(e.Ctx, "/work/api", "", []storage.BatchIssueSpec{
		{Title: "fine"},
		{Title: ""}, // invalid
	}, nil)
	if !errors.Is(err, storage.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	issues, err := e.Store.ListIssues(e.Ctx, storage.IssueFilter{ProjectPath: "/work/api"})
	if err != nil {
		t.Fatalf("ListIssues failed: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("expected whole batch rolled back, found %d issues", len(issues))
	}
}

func TestPlanAutoComplete(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	plan := &types.Plan{ProjectPath: "/work/api", Title: "auth revamp", Status: types.PlanActive}
	if err := e.Store.CreatePlan(e.Ctx, plan); err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}

	a := &types.Issue{ProjectPath: "/work/api", Title: "step 1", PlanID: plan.ID}
	b := &types.Issue{ProjectPath: "/work/api", Title: "step 2", PlanID: plan.ID}
	for _, issue := range []*types.Issue{a, b} {
		if err := e.Store.CreateIssue(e.Ctx, issue); err != nil {
			t.Fatalf("CreateIssue failed: %v", err)
		}
	}

	result := e.Complete(a, "agent-1")
	if result.PlanCompleted != nil {
		t.Fatal("plan completed too early")
	}
	result = e.Complete(b, "agent-1")
	if result.PlanCompleted == nil || result.PlanCompleted.Status != types.PlanCompleted {
		t.Fatalf("expected plan auto-complete, got %+v", result.PlanCompleted)
	}
}

func TestPlanMoveCascades(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	e.CreateProject("/work/web", "webapp")

	plan := &types.Plan{ProjectPath: "/work/api", Title: "migration"}
	if err := e.Store.CreatePlan(e.Ctx, plan); err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}
	issue := &types.Issue{ProjectPath: "/work/api", Title: "linked", PlanID: plan.ID}
	if err := e.Store.CreateIssue(e.Ctx, issue); err != nil {
		t.Fatalf("CreateIssue failed: %v", err)
	}
	shortID := issue.ShortID

	_, err := e.Store.UpdatePlan(e.Ctx, plan.ID, map[string]interface{}{"project_path": "/work/web"})
	if err != nil {
		t.Fatalf("UpdatePlan failed: %v", err)
	}

	moved, err := e.Store.GetIssue(e.Ctx, issue.ID)
	if err != nil {
		t.Fatalf("GetIssue failed: %v", err)
	}
	if moved.ProjectPath != "/work/web" {
		t.Fatalf("expected issue moved to /work/web, got %s", moved.ProjectPath)
	}
	// Short ids are minted once and survive the move.
	if moved.ShortID != shortID {
		t.Fatalf("expected short id %s preserved, got %s", shortID, moved.ShortID)
	}
}

func TestListIssuesFilters(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	bug := e.CreateIssueWith("/work/api", "crash on login", 0, types.TypeBug)
	e.CreateIssueWith("/work/api", "tidy docs", 4, types.TypeChore)

	if _, err := e.Store.AddLabels(e.Ctx, bug.ID, []string{"urgent"}); err != nil {
		t.Fatalf("AddLabels failed: %v", err)
	}

	maxPriority := 1
	issues, err := e.Store.ListIssues(e.Ctx, storage.IssueFilter{
		ProjectPath: "/work/api",
		PriorityMax: &maxPriority,
		LabelsAll:   []string{"urgent"},
	})
	if err != nil {
		t.Fatalf("ListIssues failed: %v", err)
	}
	if len(issues) != 1 || issues[0].ID != bug.ID {
		t.Fatalf("expected only the urgent bug, got %d issues", len(issues))
	}
}
