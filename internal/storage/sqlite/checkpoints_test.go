package sqlite

import (
	"testing"

	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/types"
)

func TestCheckpointCreateWithFilters(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	sess := e.CreateSession("cp", "/work/api")

	e.SaveItemWith(sess.ID, "auth-plan", "plan", types.CategoryDecision, types.PriorityHigh, []string{"auth"})
	e.SaveItemWith(sess.ID, "auth-note", "note", types.CategoryNote, types.PriorityNormal, []string{"auth"})
	e.SaveItemWith(sess.ID, "scratch", "junk", types.CategoryNote, types.PriorityLow, []string{"tmp"})

	cp := &types.Checkpoint{SessionID: sess.ID, Name: "auth-work"}
	err := e.Store.CreateCheckpoint(e.Ctx, cp, &storage.CheckpointFilters{
		IncludeTags: []string{"auth"},
		ExcludeTags: []string{"tmp"},
	})
	if err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}
	if cp.ItemCount != 2 {
		t.Fatalf("expected 2 items captured, got %d", cp.ItemCount)
	}
	if cp.TotalSize != int64(len("plan")+len("note")) {
		t.Fatalf("unexpected total size %d", cp.TotalSize)
	}
}

func TestCheckpointRestoreOverwrites(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	source := e.CreateSession("source", "/work/api")
	e.SaveItem(source.ID, "current-task", "original")

	cp := &types.Checkpoint{SessionID: source.ID, Name: "snap"}
	if err := e.Store.CreateCheckpoint(e.Ctx, cp, nil); err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}

	target := e.CreateSession("target", "/work/api")
	e.SaveItem(target.ID, "current-task", "stale local value")

	restored, err := e.Store.RestoreCheckpoint(e.Ctx, cp.ID, target.ID, storage.RestoreOptions{})
	if err != nil {
		t.Fatalf("RestoreCheckpoint failed: %v", err)
	}
	if restored != 1 {
		t.Fatalf("expected 1 item restored, got %d", restored)
	}

	got, err := e.Store.GetContextItem(e.Ctx, target.ID, "current-task")
	if err != nil {
		t.Fatalf("GetContextItem failed: %v", err)
	}
	// Colliding keys take the checkpoint's value.
	if got.Value != "original" {
		t.Fatalf("expected restored value to win, got %q", got.Value)
	}
}

func TestCheckpointAddRemoveRecomputes(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	sess := e.CreateSession("cp", "/work/api")
	a := e.SaveItem(sess.ID, "a", "aaaa")
	b := e.SaveItem(sess.ID, "b", "bb")

	cp := &types.Checkpoint{SessionID: sess.ID, Name: "snap"}
	err := e.Store.CreateCheckpoint(e.Ctx, cp, &storage.CheckpointFilters{IncludeKeys: []string{"a"}})
	if err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}
	if cp.ItemCount != 1 {
		t.Fatalf("expected 1 item, got %d", cp.ItemCount)
	}

	updated, err := e.Store.AddCheckpointItems(e.Ctx, cp.ID, []string{b.ID})
	if err != nil {
		t.Fatalf("AddCheckpointItems failed: %v", err)
	}
	if updated.ItemCount != 2 || updated.TotalSize != int64(len("aaaa")+len("bb")) {
		t.Fatalf("expected recomputed counts, got count=%d size=%d", updated.ItemCount, updated.TotalSize)
	}

	updated, err = e.Store.RemoveCheckpointItems(e.Ctx, cp.ID, []string{a.ID})
	if err != nil {
		t.Fatalf("RemoveCheckpointItems failed: %v", err)
	}
	if updated.ItemCount != 1 || updated.TotalSize != int64(len("bb")) {
		t.Fatalf("expected recomputed counts after remove, got count=%d size=%d", updated.ItemCount, updated.TotalSize)
	}
}

func TestCheckpointSplit(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	sess := e.CreateSession("cp", "/work/api")
	e.SaveItemWith(sess.ID, "d1", "x", types.CategoryDecision, types.PriorityNormal, nil)
	e.SaveItemWith(sess.ID, "p1", "y", types.CategoryProgress, types.PriorityNormal, nil)

	cp := &types.Checkpoint{SessionID: sess.ID, Name: "mixed"}
	if err := e.Store.CreateCheckpoint(e.Ctx, cp, nil); err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}

	results, err := e.Store.SplitCheckpoint(e.Ctx, cp.ID, []storage.SplitSpec{
		{Name: "decisions", IncludeCategories: []types.Category{types.CategoryDecision}},
		{Name: "progress", IncludeCategories: []types.Category{types.CategoryProgress}},
		{Name: "reminders", IncludeCategories: []types.Category{types.CategoryReminder}},
	})
	if err != nil {
		t.Fatalf("SplitCheckpoint failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 splits, got %d", len(results))
	}
	if results[0].Checkpoint.ItemCount != 1 || results[1].Checkpoint.ItemCount != 1 {
		t.Fatal("expected one item per matching split")
	}
	// The empty split is created, with a warning.
	if results[2].Checkpoint.ItemCount != 0 || results[2].Warning == "" {
		t.Fatalf("expected empty split with warning, got count=%d warning=%q",
			results[2].Checkpoint.ItemCount, results[2].Warning)
	}

	// The source checkpoint survives a split.
	if _, err := e.Store.GetCheckpoint(e.Ctx, cp.ID); err != nil {
		t.Fatalf("source checkpoint gone after split: %v", err)
	}
}

func TestCheckpointSplitRequiresFilter(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	sess := e.CreateSession("cp", "/work/api")
	cp := &types.Checkpoint{SessionID: sess.ID, Name: "snap"}
	if err := e.Store.CreateCheckpoint(e.Ctx, cp, nil); err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}

	_, err := e.Store.SplitCheckpoint(e.Ctx, cp.ID, []storage.SplitSpec{{Name: "all"}})
	if err == nil {
		t.Fatal("expected error for split without filters")
	}
}
