package sqlite

import (
	"math"
	"testing"

	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/types"
)

func TestVectorCodecRoundTrip(t *testing.T) {
	vec := []float32{0.1, -2.5, 3.75, 0}
	got := decodeVector(encodeVector(vec))
	if len(got) != len(vec) {
		t.Fatalf("expected %d floats, got %d", len(vec), len(got))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Fatalf("float %d: expected %v, got %v", i, vec[i], got[i])
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	if s := cosineSimilarity(a, a); math.Abs(s-1) > 1e-9 {
		t.Fatalf("expected identical vectors to score 1, got %v", s)
	}
	if s := cosineSimilarity(a, []float32{0, 1, 0}); math.Abs(s) > 1e-9 {
		t.Fatalf("expected orthogonal vectors to score 0, got %v", s)
	}
	if s := cosineSimilarity(a, []float32{0, 0}); s != 0 {
		t.Fatalf("expected mismatched dimensions to score 0, got %v", s)
	}
}

func TestEnsureVectorDim(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	sess := e.CreateSession("vec", "/work/api")
	item := e.SaveItem(sess.ID, "k", "v")

	recreated, err := e.Store.EnsureVectorDim(e.Ctx, 3, "ollama", "nomic-embed-text")
	if err != nil {
		t.Fatalf("EnsureVectorDim failed: %v", err)
	}
	if recreated {
		t.Fatal("first configuration should not count as recreation")
	}

	err = e.Store.UpsertChunks(e.Ctx, item.ID, []storage.Chunk{
		{Index: 0, Vector: []float32{1, 0, 0}},
	}, "ollama", "nomic-embed-text")
	if err != nil {
		t.Fatalf("UpsertChunks failed: %v", err)
	}
	if err := e.Store.MarkEmbedded(e.Ctx, item.ID, "ollama", "nomic-embed-text", 1); err != nil {
		t.Fatalf("MarkEmbedded failed: %v", err)
	}

	// Same config is a no-op.
	recreated, err = e.Store.EnsureVectorDim(e.Ctx, 3, "ollama", "nomic-embed-text")
	if err != nil {
		t.Fatalf("EnsureVectorDim (repeat) failed: %v", err)
	}
	if recreated {
		t.Fatal("unchanged configuration should not recreate")
	}

	// A new dimension drops chunks and resets embedded items to none so
	// the backfill re-embeds them.
	recreated, err = e.Store.EnsureVectorDim(e.Ctx, 5, "openai", "text-embedding-3-small")
	if err != nil {
		t.Fatalf("EnsureVectorDim (new dim) failed: %v", err)
	}
	if !recreated {
		t.Fatal("expected recreation on dimension change")
	}
	got, err := e.Store.GetContextItemByID(e.Ctx, item.ID)
	if err != nil {
		t.Fatalf("GetContextItemByID failed: %v", err)
	}
	if got.EmbeddingStatus != types.EmbeddingNone {
		t.Fatalf("expected none after recreation, got %s", got.EmbeddingStatus)
	}
}

func TestUpsertChunksDimensionMismatch(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	sess := e.CreateSession("vec", "/work/api")
	item := e.SaveItem(sess.ID, "k", "v")

	if _, err := e.Store.EnsureVectorDim(e.Ctx, 3, "ollama", "m"); err != nil {
		t.Fatalf("EnsureVectorDim failed: %v", err)
	}
	err := e.Store.UpsertChunks(e.Ctx, item.ID, []storage.Chunk{
		{Index: 0, Vector: []float32{1, 0}},
	}, "ollama", "m")
	if err == nil {
		t.Fatal("expected error for wrong dimension")
	}
}

func TestSearchChunksRanking(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	sess := e.CreateSession("vec", "/work/api")
	near := e.SaveItem(sess.ID, "near", "close match")
	far := e.SaveItem(sess.ID, "far", "distant")

	if _, err := e.Store.EnsureVectorDim(e.Ctx, 2, "ollama", "m"); err != nil {
		t.Fatalf("EnsureVectorDim failed: %v", err)
	}
	mustUpsert := func(itemID string, vec []float32) {
		t.Helper()
		if err := e.Store.UpsertChunks(e.Ctx, itemID, []storage.Chunk{{Index: 0, Vector: vec}}, "ollama", "m"); err != nil {
			t.Fatalf("UpsertChunks failed: %v", err)
		}
	}
	mustUpsert(near.ID, []float32{1, 0})
	mustUpsert(far.ID, []float32{0, 1})

	matches, err := e.Store.SearchChunks(e.Ctx, []float32{0.9, 0.1}, sess.ID, 10)
	if err != nil {
		t.Fatalf("SearchChunks failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].ItemID != near.ID {
		t.Fatalf("expected %s ranked first, got %s", near.ID, matches[0].ItemID)
	}
	if matches[0].Score <= matches[1].Score {
		t.Fatal("expected descending score order")
	}

	// Search scoped to another session sees nothing.
	other := e.CreateSession("other", "/work/api")
	matches, err = e.Store.SearchChunks(e.Ctx, []float32{1, 0}, other.ID, 10)
	if err != nil {
		t.Fatalf("SearchChunks (scoped) failed: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no matches in other session, got %d", len(matches))
	}
}

func TestResetEmbeddings(t *testing.T) {
	e := newTestEnv(t)
	e.CreateProject("/work/api", "api")
	sess := e.CreateSession("vec", "/work/api")
	item := e.SaveItem(sess.ID, "k", "v")

	if _, err := e.Store.EnsureVectorDim(e.Ctx, 2, "ollama", "m"); err != nil {
		t.Fatalf("EnsureVectorDim failed: %v", err)
	}
	if err := e.Store.UpsertChunks(e.Ctx, item.ID, []storage.Chunk{{Index: 0, Vector: []float32{1, 0}}}, "ollama", "m"); err != nil {
		t.Fatalf("UpsertChunks failed: %v", err)
	}
	if err := e.Store.MarkEmbedded(e.Ctx, item.ID, "ollama", "m", 1); err != nil {
		t.Fatalf("MarkEmbedded failed: %v", err)
	}

	n, err := e.Store.ResetEmbeddings(e.Ctx)
	if err != nil {
		t.Fatalf("ResetEmbeddings failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 item reset, got %d", n)
	}
	matches, err := e.Store.SearchChunks(e.Ctx, []float32{1, 0}, sess.ID, 10)
	if err != nil {
		t.Fatalf("SearchChunks failed: %v", err)
	}
	if len(matches) != 0 {
		t.Fatal("expected chunks dropped by reset")
	}
}
