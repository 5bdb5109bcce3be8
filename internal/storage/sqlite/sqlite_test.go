package sqlite

import (
	"errors"
	"strings"
	"testing"

	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/types"
)

func TestSessionLifecycle(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	sess := e.CreateSession("fix-auth", "/work/api")

	if sess.ID == "" {
		t.Fatal("expected session id to be generated")
	}
	if sess.Status != types.SessionActive {
		t.Fatalf("expected active status, got %s", sess.Status)
	}

	got, err := e.Store.GetSession(e.Ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if len(got.ProjectPaths) != 1 || got.ProjectPaths[0] != "/work/api" {
		t.Fatalf("expected primary path populated, got %v", got.ProjectPaths)
	}

	status := types.SessionCompleted
	updated, err := e.Store.UpdateSession(e.Ctx, sess.ID, nil, nil, &status, nil)
	if err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}
	if updated.EndedAt == 0 {
		t.Fatal("expected completing a session to stamp ended_at")
	}
}

func TestSessionPaths(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	sess := e.CreateSession("multi", "/work/api")

	added, err := e.Store.AddSessionPath(e.Ctx, sess.ID, "/work/web", false)
	if err != nil {
		t.Fatalf("AddSessionPath failed: %v", err)
	}
	if !added {
		t.Fatal("expected path to be added")
	}

	// Adding the same path again reports false.
	added, err = e.Store.AddSessionPath(e.Ctx, sess.ID, "/work/web", false)
	if err != nil {
		t.Fatalf("AddSessionPath (repeat) failed: %v", err)
	}
	if added {
		t.Fatal("expected repeat add to report false")
	}

	if err := e.Store.RemoveSessionPath(e.Ctx, sess.ID, "/work/web"); err != nil {
		t.Fatalf("RemoveSessionPath failed: %v", err)
	}

	// The last path cannot be removed.
	err = e.Store.RemoveSessionPath(e.Ctx, sess.ID, "/work/api")
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict removing last path, got %v", err)
	}
}

func TestContextItemUpsert(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	sess := e.CreateSession("ctx", "/work/api")

	first := e.SaveItem(sess.ID, "current-task", "refactor login")
	if first.EmbeddingStatus != types.EmbeddingPending {
		t.Fatalf("expected pending embedding status, got %s", first.EmbeddingStatus)
	}

	second := &types.ContextItem{SessionID: sess.ID, Key: "current-task", Value: "refactor logout"}
	created, err := e.Store.SaveContextItem(e.Ctx, second)
	if err != nil {
		t.Fatalf("SaveContextItem (update) failed: %v", err)
	}
	if created {
		t.Fatal("expected update, not create")
	}
	if second.ID != first.ID {
		t.Fatal("expected update to keep the original item id")
	}
	if second.CreatedAt != first.CreatedAt {
		t.Fatal("expected update to keep the original created_at")
	}

	got, err := e.Store.GetContextItem(e.Ctx, sess.ID, "current-task")
	if err != nil {
		t.Fatalf("GetContextItem failed: %v", err)
	}
	if got.Value != "refactor logout" {
		t.Fatalf("expected updated value, got %q", got.Value)
	}
}

func TestContextItemValueLimit(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	sess := e.CreateSession("ctx", "/work/api")

	item := &types.ContextItem{
		SessionID: sess.ID,
		Key:       "huge",
		Value:     strings.Repeat("x", types.MaxContextValueBytes+1),
	}
	_, err := e.Store.SaveContextItem(e.Ctx, item)
	if !errors.Is(err, storage.ErrValidation) {
		t.Fatalf("expected validation error for oversized value, got %v", err)
	}
}

func TestTagContextItems(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	sess := e.CreateSession("ctx", "/work/api")
	e.SaveItem(sess.ID, "auth-plan", "a")
	e.SaveItem(sess.ID, "auth-notes", "b")
	e.SaveItem(sess.ID, "db-notes", "c")

	n, err := e.Store.TagContextItems(e.Ctx, sess.ID, nil, "auth-*", []string{"auth"}, false)
	if err != nil {
		t.Fatalf("TagContextItems failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 items tagged, got %d", n)
	}

	items, err := e.Store.ListContextItems(e.Ctx, storage.ContextFilter{SessionID: sess.ID, Tags: []string{"auth"}})
	if err != nil {
		t.Fatalf("ListContextItems failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 tagged items, got %d", len(items))
	}

	n, err = e.Store.TagContextItems(e.Ctx, sess.ID, []string{"auth-plan"}, "", []string{"auth"}, true)
	if err != nil {
		t.Fatalf("TagContextItems (remove) failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 item untagged, got %d", n)
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")

	m := &types.Memory{ProjectPath: "/work/api", Key: "test-cmd", Value: "make test", Category: types.MemoryCommand}
	if err := e.Store.SaveMemory(e.Ctx, m); err != nil {
		t.Fatalf("SaveMemory failed: %v", err)
	}

	got, err := e.Store.GetMemory(e.Ctx, "/work/api", "test-cmd")
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if got.Value != "make test" {
		t.Fatalf("expected stored value, got %q", got.Value)
	}

	// Memory is project scoped; another project sees nothing.
	_, err = e.Store.GetMemory(e.Ctx, "/work/web", "test-cmd")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for other project, got %v", err)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	sess := e.CreateSession("doomed", "/work/api")
	e.SaveItem(sess.ID, "k", "v")

	if err := e.Store.DeleteSession(e.Ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	_, err := e.Store.GetContextItem(e.Ctx, sess.ID, "k")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected cascaded delete of context items, got %v", err)
	}
}

func TestGetStats(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	sess := e.CreateSession("s", "/work/api")
	e.SaveItem(sess.ID, "k", "value")
	e.CreateIssue("/work/api", "task one")

	stats, err := e.Store.GetStats(e.Ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Projects != 1 || stats.Sessions != 1 || stats.ContextItems != 1 || stats.Issues != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.PendingItems != 1 {
		t.Fatalf("expected 1 pending item, got %d", stats.PendingItems)
	}
	if stats.TotalValueBytes != int64(len("value")) {
		t.Fatalf("expected total size %d, got %d", len("value"), stats.TotalValueBytes)
	}
}
