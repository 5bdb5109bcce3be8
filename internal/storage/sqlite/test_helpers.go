package sqlite

import (
	"context"
	"testing"

	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/types"
)

// testEnv provides a test environment with common setup and helpers.
// Use newTestEnv(t) to create one with automatic cleanup.
type testEnv struct {
	t     *testing.T
	Store *Store
	Ctx   context.Context
}

// newTestEnv creates a test environment backed by a temp-dir database.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return &testEnv{
		t:     t,
		Store: newTestStore(t),
		Ctx:   context.Background(),
	}
}

// newTestStore creates a Store on a temp file. File-based databases are
// more reliable than in-memory ones across the driver's connection pool.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(context.Background(), t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Fatalf("Failed to close test database: %v", cerr)
		}
	})
	return store
}

// CreateProject registers a test project at the given path.
func (e *testEnv) CreateProject(path, name string) *types.Project {
	e.t.Helper()
	p := &types.Project{Path: path, Name: name}
	if err := e.Store.CreateProject(e.Ctx, p); err != nil {
		e.t.Fatalf("CreateProject(%q) failed: %v", path, err)
	}
	return p
}

// CreateSession creates an active session on the given project path.
func (e *testEnv) CreateSession(name, projectPath string) *types.Session {
	e.t.Helper()
	s := &types.Session{Name: name, ProjectPath: projectPath}
	if err := e.Store.CreateSession(e.Ctx, s); err != nil {
		e.t.Fatalf("CreateSession(%q) failed: %v", name, err)
	}
	return s
}

// SaveItem saves a context item with defaults and returns it.
func (e *testEnv) SaveItem(sessionID, key, value string) *types.ContextItem {
	e.t.Helper()
	item := &types.ContextItem{SessionID: sessionID, Key: key, Value: value}
	if _, err := e.Store.SaveContextItem(e.Ctx, item); err != nil {
		e.t.Fatalf("SaveContextItem(%q) failed: %v", key, err)
	}
	return item
}

// SaveItemWith saves a context item with explicit category, priority, and tags.
func (e *testEnv) SaveItemWith(sessionID, key, value string, category types.Category, priority types.Priority, tags []string) *types.ContextItem {
	e.t.Helper()
	item := &types.ContextItem{
		SessionID: sessionID,
		Key:       key,
		Value:     value,
		Category:  category,
		Priority:  priority,
		Tags:      tags,
	}
	if _, err := e.Store.SaveContextItem(e.Ctx, item); err != nil {
		e.t.Fatalf("SaveContextItem(%q) failed: %v", key, err)
	}
	return item
}

// CreateIssue creates a test issue with defaults.
func (e *testEnv) CreateIssue(projectPath, title string) *types.Issue {
	e.t.Helper()
	return e.CreateIssueWith(projectPath, title, 2, types.TypeTask)
}

// CreateIssueWith creates a test issue with explicit priority and type.
func (e *testEnv) CreateIssueWith(projectPath, title string, priority int, issueType types.IssueType) *types.Issue {
	e.t.Helper()
	issue := &types.Issue{
		ProjectPath: projectPath,
		Title:       title,
		Priority:    priority,
		IssueType:   issueType,
	}
	if err := e.Store.CreateIssue(e.Ctx, issue); err != nil {
		e.t.Fatalf("CreateIssue(%q) failed: %v", title, err)
	}
	return issue
}

// AddDep adds a blocking dependency (issue depends on dependsOn).
func (e *testEnv) AddDep(issue, dependsOn *types.Issue) {
	e.t.Helper()
	dep := &types.Dependency{IssueID: issue.ID, DependsOnID: dependsOn.ID, DepType: types.DepBlocks}
	if err := e.Store.AddDependency(e.Ctx, dep); err != nil {
		e.t.Fatalf("AddDependency(%s -> %s) failed: %v", issue.ShortID, dependsOn.ShortID, err)
	}
}

// Complete closes the issue as the given agent.
func (e *testEnv) Complete(issue *types.Issue, agentID string) *storage.CompleteResult {
	e.t.Helper()
	result, err := e.Store.CompleteIssue(e.Ctx, issue.ID, agentID, "")
	if err != nil {
		e.t.Fatalf("CompleteIssue(%s) failed: %v", issue.ShortID, err)
	}
	return result
}

// ReadyIDs returns the set of ready issue ids for the project.
func (e *testEnv) ReadyIDs(projectPath string) map[string]bool {
	e.t.Helper()
	ready, err := e.Store.GetReadyIssues(e.Ctx, storage.ReadyFilter{ProjectPath: projectPath})
	if err != nil {
		e.t.Fatalf("GetReadyIssues failed: %v", err)
	}
	ids := make(map[string]bool)
	for _, issue := range ready {
		ids[issue.ID] = true
	}
	return ids
}

// AssertReady asserts the issue appears in ready work.
func (e *testEnv) AssertReady(projectPath string, issue *types.Issue) {
	e.t.Helper()
	if !e.ReadyIDs(projectPath)[issue.ID] {
		e.t.Errorf("expected %s (%s) to be ready, but it was blocked", issue.ShortID, issue.Title)
	}
}

// AssertBlocked asserts the issue does not appear in ready work.
func (e *testEnv) AssertBlocked(projectPath string, issue *types.Issue) {
	e.t.Helper()
	if e.ReadyIDs(projectPath)[issue.ID] {
		e.t.Errorf("expected %s (%s) to be blocked, but it was ready", issue.ShortID, issue.Title)
	}
}
