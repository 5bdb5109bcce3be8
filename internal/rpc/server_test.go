package rpc

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/savecontext/savecontext/internal/storage/sqlite"
	"github.com/savecontext/savecontext/internal/types"
)

type rpcEnv struct {
	t           *testing.T
	store       *sqlite.Store
	srv         *Server
	conn        *Conn
	ctx         context.Context
	projectPath string
}

func newRPCEnv(t *testing.T) *rpcEnv {
	t.Helper()
	t.Setenv("SAVECONTEXT_AGENT_ID", "test-agent")

	ctx := context.Background()
	store, err := sqlite.New(ctx, t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	projectPath := t.TempDir()
	if _, err := store.EnsureProject(ctx, projectPath, "testproj"); err != nil {
		t.Fatalf("EnsureProject failed: %v", err)
	}

	srv := NewServer(store, Options{CompactionMode: "remind", CompactionThreshold: 80})
	return &rpcEnv{
		t:           t,
		store:       store,
		srv:         srv,
		conn:        srv.NewConn(projectPath),
		ctx:         ctx,
		projectPath: projectPath,
	}
}

// call invokes a tool and decodes the envelope.
func (e *rpcEnv) call(name string, args interface{}) *Envelope {
	e.t.Helper()
	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			e.t.Fatalf("failed to marshal args: %v", err)
		}
		raw = data
	}
	resp := e.conn.Handle(e.ctx, &Request{Name: name, Arguments: raw})
	if len(resp.Content) != 1 {
		e.t.Fatalf("response has %d content blocks", len(resp.Content))
	}
	var env Envelope
	if err := json.Unmarshal([]byte(resp.Content[0].Text), &env); err != nil {
		e.t.Fatalf("failed to decode envelope: %v", err)
	}
	return &env
}

// mustOK asserts success and re-decodes Data into out when given.
func (e *rpcEnv) mustOK(name string, args, out interface{}) *Envelope {
	e.t.Helper()
	env := e.call(name, args)
	if !env.Success {
		e.t.Fatalf("%s failed: %+v", name, env.Error)
	}
	if out != nil {
		data, _ := json.Marshal(env.Data)
		if err := json.Unmarshal(data, out); err != nil {
			e.t.Fatalf("%s: failed to decode data: %v", name, err)
		}
	}
	return env
}

// mustFail asserts failure with the given code.
func (e *rpcEnv) mustFail(name string, args interface{}, code string) *Envelope {
	e.t.Helper()
	env := e.call(name, args)
	if env.Success {
		e.t.Fatalf("%s unexpectedly succeeded", name)
	}
	if env.Error == nil || env.Error.Code != code {
		e.t.Fatalf("%s error = %+v, want code %q", name, env.Error, code)
	}
	return env
}

func (e *rpcEnv) startSession(name string) *types.Session {
	e.t.Helper()
	var result sessionStartResult
	e.mustOK(OpSessionStart, sessionStartArgs{Name: name, ProjectPath: e.projectPath}, &result)
	return result.Session
}

func TestInitializeCapturesProvider(t *testing.T) {
	env := newRPCEnv(t)
	var result initializeResult
	args := initializeArgs{}
	args.ClientInfo.Name = "Claude Code"
	args.ClientInfo.Version = "2.0.1"
	env.mustOK(OpInitialize, args, &result)

	if result.Provider != "claude" {
		t.Errorf("provider = %q, want claude", result.Provider)
	}
	if !strings.Contains(result.Instructions, "80%") {
		t.Errorf("instructions should carry the threshold: %q", result.Instructions)
	}
	if !strings.Contains(result.Instructions, "remind the user") {
		t.Errorf("remind mode instructions wrong: %q", result.Instructions)
	}
}

func TestSessionStartCreatesAndBinds(t *testing.T) {
	env := newRPCEnv(t)
	var result sessionStartResult
	env.mustOK(OpSessionStart, sessionStartArgs{Name: "feature work", ProjectPath: env.projectPath}, &result)

	if result.Resumed {
		t.Error("first start should not resume")
	}
	if result.Session.Status != types.SessionActive {
		t.Errorf("status = %q, want active", result.Session.Status)
	}
	if result.Session.Channel == "" {
		t.Error("session channel should be derived")
	}

	a, err := env.store.GetAgent(env.ctx, "test-agent")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if a.CurrentSessionID != result.Session.ID {
		t.Error("agent should be bound to the new session")
	}
}

func TestSessionStartUnknownProject(t *testing.T) {
	env := newRPCEnv(t)
	env.mustFail(OpSessionStart, sessionStartArgs{Name: "x", ProjectPath: t.TempDir()}, "not_found")
}

func TestSessionResumeAddsPathAndWarns(t *testing.T) {
	env := newRPCEnv(t)
	first := env.startSession("original")

	otherPath := t.TempDir()
	if _, err := env.store.EnsureProject(env.ctx, otherPath, "dashboard"); err != nil {
		t.Fatalf("EnsureProject failed: %v", err)
	}

	var result sessionStartResult
	env.mustOK(OpSessionStart, sessionStartArgs{Name: "whatever", ProjectPath: otherPath}, &result)

	if !result.Resumed {
		t.Fatal("second start should resume the active session")
	}
	if result.Session.ID != first.ID {
		t.Error("resumed a different session")
	}
	if !result.PathAdded {
		t.Error("new path should attach to the resumed session")
	}
	if result.Warning == "" {
		t.Error("differing requested name should produce a warning")
	}

	paths, err := env.store.GetSessionPaths(env.ctx, first.ID)
	if err != nil {
		t.Fatalf("GetSessionPaths failed: %v", err)
	}
	if len(paths) != 2 {
		t.Errorf("session has %d paths, want 2", len(paths))
	}
}

func TestSessionForceNewPausesPrevious(t *testing.T) {
	env := newRPCEnv(t)
	first := env.startSession("first")

	var result sessionStartResult
	env.mustOK(OpSessionStart, sessionStartArgs{Name: "second", ProjectPath: env.projectPath, ForceNew: true}, &result)

	if result.Resumed {
		t.Error("force_new should create a fresh session")
	}
	prev, err := env.store.GetSession(env.ctx, first.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if prev.Status != types.SessionPaused {
		t.Errorf("previous session status = %q, want paused", prev.Status)
	}
}

func TestSessionRenameVerification(t *testing.T) {
	env := newRPCEnv(t)
	sess := env.startSession("real name")

	env.mustFail(OpSessionRename, sessionRenameArgs{
		SessionID: sess.ID, CurrentName: "stale name", NewName: "new",
	}, "validation")

	// Mismatch left the name untouched.
	got, _ := env.store.GetSession(env.ctx, sess.ID)
	if got.Name != "real name" {
		t.Errorf("name changed despite failed verification: %q", got.Name)
	}

	env.mustOK(OpSessionRename, sessionRenameArgs{
		SessionID: sess.ID, CurrentName: "real name", NewName: "new",
	}, nil)
}

func TestSessionDeleteRequiresNotActive(t *testing.T) {
	env := newRPCEnv(t)
	sess := env.startSession("doomed")

	env.mustFail(OpSessionDelete, sessionDeleteArgs{SessionID: sess.ID, Name: "doomed"}, "conflict")

	env.mustOK(OpSessionPause, sessionIDArgs{SessionID: sess.ID}, nil)
	env.mustOK(OpSessionDelete, sessionDeleteArgs{SessionID: sess.ID, Name: "doomed"}, nil)
}

func TestSessionSwitchIsAtomic(t *testing.T) {
	env := newRPCEnv(t)
	first := env.startSession("first")

	var result sessionStartResult
	env.mustOK(OpSessionStart, sessionStartArgs{Name: "second", ProjectPath: env.projectPath, ForceNew: true}, &result)
	second := result.Session

	env.mustOK(OpSessionSwitch, sessionSwitchArgs{SessionID: first.ID}, nil)

	f, _ := env.store.GetSession(env.ctx, first.ID)
	s, _ := env.store.GetSession(env.ctx, second.ID)
	if f.Status != types.SessionActive {
		t.Errorf("target status = %q, want active", f.Status)
	}
	if s.Status != types.SessionPaused {
		t.Errorf("previous status = %q, want paused", s.Status)
	}
}

func TestContextSaveRequiresSession(t *testing.T) {
	env := newRPCEnv(t)
	env.mustFail(OpContextSave, contextSaveArgs{Key: "k", Value: "v"}, "validation")
}

func TestContextSaveAndGet(t *testing.T) {
	env := newRPCEnv(t)
	env.startSession("work")

	var saved types.ContextItem
	env.mustOK(OpContextSave, contextSaveArgs{
		Key: "auth-decision", Value: "use jwt", Category: "decision", Priority: "high",
	}, &saved)
	if saved.Channel == "" {
		t.Error("item should inherit the session channel")
	}

	var got types.ContextItem
	env.mustOK(OpContextGet, contextKeyArgs{Key: "auth-decision"}, &got)
	if got.Value != "use jwt" {
		t.Errorf("value = %q", got.Value)
	}
}

func TestContextTagThroughHandler(t *testing.T) {
	env := newRPCEnv(t)
	env.startSession("work")
	env.mustOK(OpContextSave, contextSaveArgs{Key: "auth-a", Value: "x"}, nil)
	env.mustOK(OpContextSave, contextSaveArgs{Key: "auth-b", Value: "y"}, nil)
	env.mustOK(OpContextSave, contextSaveArgs{Key: "other", Value: "z"}, nil)

	var result map[string]int
	env.mustOK(OpContextTag, contextTagArgs{KeyPattern: "auth-*", Tags: []string{"auth"}, Action: "add"}, &result)
	if result["affected"] != 2 {
		t.Errorf("affected = %d, want 2", result["affected"])
	}

	env.mustFail(OpContextTag, contextTagArgs{KeyPattern: "auth-*", Tags: []string{"auth"}, Action: "toggle"}, "validation")
}

func TestPrepareCompaction(t *testing.T) {
	env := newRPCEnv(t)
	env.startSession("work")
	env.mustOK(OpContextSave, contextSaveArgs{Key: "big-decision", Value: "sqlite it is", Category: "decision"}, nil)
	env.mustOK(OpContextSave, contextSaveArgs{Key: "todo-tests", Value: "write the tests", Category: "reminder"}, nil)
	env.mustOK(OpContextSave, contextSaveArgs{Key: "todo-docs", Value: "docs [completed]", Category: "reminder"}, nil)

	var result compactionResult
	env.mustOK(OpContextPrepareCompaction, compactionArgs{}, &result)

	if !strings.HasPrefix(result.Checkpoint.Name, "pre-compact-") {
		t.Errorf("checkpoint name = %q", result.Checkpoint.Name)
	}
	if !strings.Contains(result.Summary, "sqlite it is") {
		t.Error("summary should include decisions")
	}
	if !strings.Contains(result.Summary, "write the tests") {
		t.Error("summary should include unfinished reminders")
	}
	if strings.Contains(result.Summary, "docs [completed]") {
		t.Error("finished reminders should be excluded")
	}

	// The summary is retrievable under its key.
	var item types.ContextItem
	env.mustOK(OpContextGet, contextKeyArgs{Key: result.SummaryKey}, &item)
	if item.Priority != types.PriorityHigh {
		t.Errorf("summary priority = %q, want high", item.Priority)
	}
}

func TestIssueNextBlockClaims(t *testing.T) {
	env := newRPCEnv(t)
	env.startSession("work")

	var low, blocker, high types.Issue
	p1, p2, p4 := 1, 2, 4
	env.mustOK(OpIssueCreate, issueCreateArgs{Title: "low", Priority: &p1}, &low)
	env.mustOK(OpIssueCreate, issueCreateArgs{Title: "blocked one", Priority: &p2}, &blocker)
	env.mustOK(OpIssueCreate, issueCreateArgs{Title: "urgent", Priority: &p4}, &high)
	env.mustOK(OpIssueDepAdd, issueDepArgs{IssueID: blocker.ID, DependsOnID: low.ID}, nil)

	var claimed []types.Issue
	env.mustOK(OpIssueNextBlock, issueNextBlockArgs{Count: 1}, &claimed)
	if len(claimed) != 1 || claimed[0].ID != high.ID {
		t.Fatalf("claimed %+v, want the urgent issue", claimed)
	}
	if claimed[0].AssignedToAgent != "test-agent" {
		t.Errorf("assigned to %q", claimed[0].AssignedToAgent)
	}

	var ready []types.Issue
	env.mustOK(OpIssueReady, issueReadyArgs{}, &ready)
	for _, issue := range ready {
		if issue.ID == high.ID || issue.ID == blocker.ID {
			t.Errorf("issue %s should not be ready", issue.ShortID)
		}
	}
}

func TestIssueUpdateVerification(t *testing.T) {
	env := newRPCEnv(t)
	env.startSession("work")
	var issue types.Issue
	env.mustOK(OpIssueCreate, issueCreateArgs{Title: "real title"}, &issue)

	env.mustFail(OpIssueUpdate, issueUpdateArgs{
		IssueID: issue.ID, IssueTitle: "wrong", Updates: map[string]interface{}{"status": "in_progress"},
	}, "validation")

	env.mustOK(OpIssueUpdate, issueUpdateArgs{
		IssueID: issue.ID, IssueTitle: "real title", Updates: map[string]interface{}{"status": "in_progress"},
	}, nil)
}

func TestCheckpointRestoreVerification(t *testing.T) {
	env := newRPCEnv(t)
	env.startSession("work")
	env.mustOK(OpContextSave, contextSaveArgs{Key: "k", Value: "v"}, nil)

	var cp types.Checkpoint
	env.mustOK(OpCheckpointCreate, checkpointCreateArgs{Name: "v1"}, &cp)
	if cp.ItemCount != 1 {
		t.Fatalf("item count = %d, want 1", cp.ItemCount)
	}

	env.mustFail(OpCheckpointRestore, checkpointRestoreArgs{
		CheckpointID: cp.ID, CheckpointName: "wrong",
	}, "validation")
	env.mustOK(OpCheckpointRestore, checkpointRestoreArgs{
		CheckpointID: cp.ID, CheckpointName: "v1",
	}, nil)
}

func TestMemoryRoundTripThroughHandlers(t *testing.T) {
	env := newRPCEnv(t)
	env.startSession("work")

	env.mustOK(OpMemorySave, memorySaveArgs{Key: "build", Value: "make all", Category: "command"}, nil)
	var m types.Memory
	env.mustOK(OpMemoryGet, memoryKeyArgs{Key: "build"}, &m)
	if m.Value != "make all" || m.Category != types.MemoryCommand {
		t.Errorf("memory = %+v", m)
	}
	env.mustOK(OpMemoryDelete, memoryKeyArgs{Key: "build"}, nil)
	env.mustFail(OpMemoryGet, memoryKeyArgs{Key: "build"}, "not_found")
}

func TestUnknownToolFails(t *testing.T) {
	env := newRPCEnv(t)
	env.mustFail("no_such_tool", nil, "not_found")
}

func TestGetStatsEnvelope(t *testing.T) {
	env := newRPCEnv(t)
	env.startSession("work")
	env.mustOK(OpContextSave, contextSaveArgs{Key: "k", Value: "v"}, nil)

	var result statsResult
	env.mustOK(OpGetStats, nil, &result)
	stats, _ := json.Marshal(result.Stats)
	if !strings.Contains(string(stats), "\"context_items\":1") {
		t.Errorf("stats = %s", stats)
	}
}
